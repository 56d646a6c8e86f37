package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/config"
	"github.com/astromechza/presence/pkg/logger"
	"github.com/astromechza/presence/pkg/metrics"
)

func main() {
	if err := mainInner(); err != nil {
		logger.L().Error(err.Error())
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func mainInner() error {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-exit
		logger.L().Info("Signal caught", zap.String("sig", sig.String()))
		cancel()
	}()

	return newRootCommand().ExecuteContext(ctx)
}

// rootOptions holds the flags and the configuration shared by every command.
type rootOptions struct {
	ConfigPath string
	Config     config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "presenced",
		Short:         "Multiplayer presence sync",
		Long:          "Runs presence gateways, the coordinator that forks them, or a load generating bot.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			opts.Config = cfg
			logger.Init(logger.Config{Env: cfg.Logging.Env, Level: cfg.Logging.Level, Process: cmd.Name()})
			return metrics.Register(prometheus.DefaultRegisterer)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a yaml config file")

	cmd.AddCommand(newCoordinatorCommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newBotCommand(opts))
	return cmd
}
