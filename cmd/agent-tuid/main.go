package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/agent-tui/agent-tuid/internal/config"
	"github.com/agent-tui/agent-tuid/internal/daemonize"
	"github.com/agent-tui/agent-tuid/internal/persist"
	"github.com/agent-tui/agent-tuid/internal/rpcserver"
	"github.com/agent-tui/agent-tuid/internal/sessionmgr"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "agent-tuid",
		Short: "Background daemon that owns a pool of long-lived PTY sessions",
		Long:  "agent-tuid owns a pool of long-lived PTY sessions and exposes them to clients over a local JSON-RPC 2.0 Unix socket.",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agent-tuid version %s\n", version)
		},
	}

	var socketPath string
	var storePath string
	var maxSessions int
	var poolSize int

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if socketPath != "" {
				cfg.Socket.Path = socketPath
			}
			if storePath != "" {
				cfg.Persistence.Path = storePath
			}
			if maxSessions != 0 {
				cfg.Sessions.MaxSessions = maxSessions
			}
			if poolSize != 0 {
				cfg.Workers.PoolSize = poolSize
			}

			lock, err := daemonize.Acquire(cfg.Socket.Path)
			if err != nil {
				return fmt.Errorf("acquire daemon lock: %w", err)
			}
			defer lock.Release()

			store, err := persist.New(cfg.Persistence.Path)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}

			live := store.CleanupStaleSessions()
			if len(live) > 0 {
				log.Printf("agent-tuid: %d session record(s) survive restart metadata only; PTYs do not survive a daemon restart", len(live))
			}

			manager := sessionmgr.New(cfg.Sessions.MaxSessions, cfg.Sessions.MaxBytes, store)
			defer manager.CloseAll()

			srv := rpcserver.New(cfg, manager, version)

			coord, err := daemonize.New()
			if err != nil {
				return fmt.Errorf("install signal handler: %w", err)
			}
			defer coord.Stop()

			shutdownDone := make(chan struct{})
			go func() {
				defer close(shutdownDone)
				<-coord.Done()
				log.Printf("agent-tuid: shutting down")
				if err := srv.Shutdown(5 * time.Second); err != nil {
					log.Printf("agent-tuid: shutdown: %v", err)
				}
			}()

			log.Printf("agent-tuid: listening on %s", cfg.Socket.Path)
			if err := srv.Serve(); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			// Serve returns as soon as the listener closes; wait for the
			// rest of the exit sequence before releasing the lock.
			<-shutdownDone
			return nil
		},
	}

	serveCmd.Flags().StringVar(&socketPath, "socket", "", "unix socket path (default from config)")
	serveCmd.Flags().StringVar(&storePath, "session-store", "", "session roster file (default from config)")
	serveCmd.Flags().IntVar(&maxSessions, "max-sessions", 0, "max concurrent sessions (default from config)")
	serveCmd.Flags().IntVar(&poolSize, "workers", 0, "worker pool size (default from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
