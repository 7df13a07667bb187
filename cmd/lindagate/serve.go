package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/teilomillet/lindagate/config"
	"github.com/teilomillet/lindagate/errors"
	"github.com/teilomillet/lindagate/server"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway with the given configuration.

With --config the file and the safety rule file it names are watched.
Changes to the rule table and the origin allow-list apply without a
restart; everything else is read once at start.

Examples:
  # Start with the built-in defaults and credentials from the environment
  lindagate serve

  # Start with a config file
  lindagate serve --config /etc/lindagate/lindagate.yaml
`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	errors.SetLogger(logger)

	var srv *server.Server
	if cfgFile == "" {
		srv, err = server.NewServerWithConfig(config.NewStaticWatcher(cfg), logger)
	} else {
		srv, err = server.NewServer(cfgFile, logger)
	}
	if err != nil {
		logger.Error("Server initialization failed",
			zap.Error(err),
			zap.String("config_path", cfgFile),
		)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting lindagate",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("config_path", cfgFile),
	)
	if err := srv.Start(ctx); err != nil {
		logger.Error("Server error", zap.Error(err))
		return err
	}
	logger.Info("Server stopped")
	return nil
}
