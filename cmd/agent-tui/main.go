// agent-tui is a thin debug client for agent-tuid: it sends one JSON-RPC
// request over the daemon's Unix socket and prints the response. It exists
// for manual smoke testing, not as the product's primary client surface.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/agent-tui/agent-tuid/internal/config"
	"github.com/spf13/cobra"
)

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func call(socketPath, method string, params any) error {
	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	req := request{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 8*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		return fmt.Errorf("connection closed before a response arrived")
	}
	fmt.Println(scanner.Text())
	return nil
}

func main() {
	var socketPath string

	rootCmd := &cobra.Command{
		Use:   "agent-tui",
		Short: "Debug client for the agent-tuid daemon",
	}
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "unix socket path (default from config)")

	resolveSocket := func() string {
		if socketPath != "" {
			return socketPath
		}
		if cfg, err := config.Load(); err == nil {
			return cfg.Socket.Path
		}
		return config.DefaultConfig().Socket.Path
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "spawn <command> [args...]",
		Short: "Spawn a new PTY session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(resolveSocket(), "spawn", map[string]any{
				"command": args[0],
				"args":    args[1:],
			})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(resolveSocket(), "sessions", nil)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "snapshot <session>",
		Short: "Print a session's current screen text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(resolveSocket(), "snapshot", map[string]any{"session": args[0]})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "type <session> <text>",
		Short: "Type text into a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(resolveSocket(), "type", map[string]any{"session": args[0], "text": args[1]})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "keystroke <session> <key>",
		Short: "Send a named key (e.g. Enter, Ctrl+c)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(resolveSocket(), "keystroke", map[string]any{"session": args[0], "key": strings.TrimSpace(args[1])})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "kill <session>",
		Short: "Kill a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(resolveSocket(), "kill", map[string]any{"session": args[0]})
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(resolveSocket(), "health", nil)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
