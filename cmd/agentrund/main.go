// Command agentrund runs the orchestration core as a long-lived daemon:
// run graph store, process store, lane queue, process manager, session
// supervisor, and compaction, all behind one graceful-shutdown container.
// Grounded on the teacher's cmd/alex/main.go signal-handling and
// shutdown-once pattern.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentrun/internal/config"
	"agentrun/internal/container"
	"agentrun/internal/logging"
)

func main() {
	v := viper.New()
	logger := logging.NewText(parseLogLevel(os.Getenv("AGENTRUN_LOG_LEVEL")))

	var c *container.Container
	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			if c == nil {
				return
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Drain(drainCtx); err != nil {
				fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
			}
		})
	}

	rootCmd := &cobra.Command{
		Use:   "agentrund",
		Short: "Orchestration core daemon for the coding-agent runtime.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			c, err = container.Build(cfg, logger)
			if err != nil {
				return fmt.Errorf("build container: %w", err)
			}
			if err := c.Start(); err != nil {
				return fmt.Errorf("start container: %w", err)
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(quit)

			logger.Info("agentrund: listening on internal stores, data_dir=%s", cfg.DataDir)
			<-quit
			logger.Info("agentrund: signal received, draining")
			shutdown()
			return nil
		},
	}
	config.BindFlags(rootCmd, v)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentrund: %v\n", err)
		shutdown()
		os.Exit(1)
	}
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
