// Package config loads agent-tuid's daemon configuration from an optional
// TOML file layered under environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// stripANSI removes ANSI escape codes from a string. Some shells export
// colorized values into the environment; strip them before parsing numbers.
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

type Config struct {
	Socket      SocketConfig      `toml:"socket"`
	Sessions    SessionsConfig    `toml:"sessions"`
	Workers     WorkersConfig     `toml:"workers"`
	Persistence PersistenceConfig `toml:"persistence"`
}

type SocketConfig struct {
	Path             string        `toml:"path"`
	RequestSizeLimit int           `toml:"request_size_limit"`
	ReadTimeout      time.Duration `toml:"read_timeout"`
	WriteTimeout     time.Duration `toml:"write_timeout"`
}

type SessionsConfig struct {
	MaxSessions int `toml:"max_sessions"`
	MaxBytes    int `toml:"max_bytes"`
}

type WorkersConfig struct {
	PoolSize      int `toml:"pool_size"`
	QueueCapacity int `toml:"queue_capacity"`
}

type PersistenceConfig struct {
	Path string `toml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Socket: SocketConfig{
			Path:             defaultSocketPath(),
			RequestSizeLimit: 1 << 20, // 1 MiB
			ReadTimeout:      10 * time.Second,
			WriteTimeout:     30 * time.Second,
		},
		Sessions: SessionsConfig{
			MaxSessions: 32,
			MaxBytes:    8 * 1024 * 1024,
		},
		Workers: WorkersConfig{
			PoolSize:      64,
			QueueCapacity: 128,
		},
		Persistence: PersistenceConfig{
			Path: defaultSessionStorePath(),
		},
	}
}

func defaultSocketPath() string {
	uid := os.Getuid()
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "agent-tui", "daemon.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("agent-tui-%d", uid), "daemon.sock")
}

func defaultSessionStorePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".agent-tui", "sessions.json")
	}
	return filepath.Join(os.TempDir(), ".agent-tui", "sessions.json")
}

// Load builds a Config from defaults, an optional system config file, an
// optional user config file, and environment variable overrides, applied in
// that order — later sources win.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat("/etc/agent-tui/config.toml"); err == nil {
		if _, err := toml.DecodeFile("/etc/agent-tui/config.toml", cfg); err != nil {
			return nil, fmt.Errorf("decode /etc/agent-tui/config.toml: %w", err)
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(home, ".config", "agent-tui", "config.toml")
		if _, err := os.Stat(userConfig); err == nil {
			if _, err := toml.DecodeFile(userConfig, cfg); err != nil {
				return nil, fmt.Errorf("decode %s: %w", userConfig, err)
			}
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if sock := os.Getenv("AGENT_TUI_SOCKET"); sock != "" {
		cfg.Socket.Path = sock
	}

	if store := os.Getenv("AGENT_TUI_SESSION_STORE"); store != "" {
		cfg.Persistence.Path = store
	}

	if maxStr := os.Getenv("AGENT_TUI_MAX_SESSIONS"); maxStr != "" {
		n, err := strconv.Atoi(stripANSI(maxStr))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid AGENT_TUI_MAX_SESSIONS: %q", maxStr)
		}
		cfg.Sessions.MaxSessions = n
	}

	if maxBytesStr := os.Getenv("AGENT_TUI_MAX_BYTES"); maxBytesStr != "" {
		n, err := strconv.Atoi(stripANSI(maxBytesStr))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid AGENT_TUI_MAX_BYTES: %q", maxBytesStr)
		}
		cfg.Sessions.MaxBytes = n
	}

	if poolStr := os.Getenv("AGENT_TUI_WORKERS"); poolStr != "" {
		n, err := strconv.Atoi(stripANSI(poolStr))
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid AGENT_TUI_WORKERS: %q", poolStr)
		}
		cfg.Workers.PoolSize = n
	}

	return nil
}
