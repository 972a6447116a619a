package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parley-chat/parley-server/internal/app"
	"github.com/parley-chat/parley-server/internal/config"
	"github.com/parley-chat/parley-server/internal/log"
)

func main() {
	var (
		configPath string
		dataDir    string
		workers    int
		wsAddr     string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "parley-server <port>",
		Short: "Multi-room chat and presence server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}

			logger := log.New(logLevel)

			cfg, path, err := config.Load(logger, configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger.Debug().Str("path", path).Msg("config loaded")

			// Flags beat config file values; the port argument always wins.
			cfg.UpdateFrom(config.Config{
				Port:     port,
				DataDir:  dataDir,
				Workers:  workers,
				WSAddr:   wsAddr,
				LogLevel: logLevel,
			})
			logger = log.New(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(cfg, logger)
			if err != nil {
				return err
			}

			logger.Info().Int("port", cfg.Port).Msg("starting parley server")
			if err := application.Run(ctx); err != nil {
				return fmt.Errorf("server exited: %w", err)
			}
			logger.Info().Msg("server stopped")
			return nil
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for users/ and rooms/ records")
	rootCmd.Flags().IntVar(&workers, "workers", 0, "number of message workers")
	rootCmd.Flags().StringVar(&wsAddr, "ws-addr", "", "WebSocket gateway listen address (disabled when empty)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
