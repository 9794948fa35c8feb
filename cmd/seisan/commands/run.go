package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shizukutanaka/seisan/internal/app"
	"github.com/shizukutanaka/seisan/internal/config"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring and liquidation engine",
	Long: `Run replays position history from the configured checkpoint, subscribes
to the live event feed, and starts the evaluation loop.

Examples:
  # Run with the default config file
  seisan run

  # Run with a specific config
  seisan run --config /etc/seisan/config.yaml`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("config", "config.yaml", "Configuration file path")
}

func runEngine(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, level, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting seisan",
		zap.String("version", Version),
		zap.String("config", configPath),
	)

	application, err := app.New(logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to assemble engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	// Hot-apply log level changes; everything else takes effect on restart.
	watcher, err := config.NewWatcher(logger, configPath)
	if err != nil {
		logger.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Stop()
		if err := watcher.Start(func(next *config.Config) {
			if lvl, perr := zapcore.ParseLevel(next.LogLevel); perr == nil {
				level.SetLevel(lvl)
				logger.Info("log level updated", zap.String("level", next.LogLevel))
			}
		}); err != nil {
			logger.Warn("config watcher failed to start", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	application.Stop()
	return nil
}

// buildLogger creates a production logger with a runtime-adjustable level.
func buildLogger(levelName string) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	lvl, err := zapcore.ParseLevel(levelName)
	if err != nil {
		return nil, level, fmt.Errorf("invalid log level %q: %w", levelName, err)
	}
	level.SetLevel(lvl)

	zcfg := zap.NewProductionConfig()
	zcfg.Level = level
	logger, err := zcfg.Build()
	if err != nil {
		return nil, level, err
	}
	return logger, level, nil
}
