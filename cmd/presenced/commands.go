package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/bot"
	"github.com/astromechza/presence/pkg/cluster"
	"github.com/astromechza/presence/pkg/logger"
)

func newCoordinatorCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Fork workers and relay the bus between them",
		Long: `Starts server.workers gateways on consecutive ports from server.base_port.

With the local bus the workers run inside this process. With the hub bus they
are forked as child processes and joined through the relay served on
server.coordinator_addr. With the redis bus they are forked and share redis.

Example:
  presenced coordinator --config presence.yaml
  PRESENCE_BUS_KIND=hub PRESENCE_SERVER_WORKERS=4 presenced coordinator`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
			return cluster.NewCoordinator(rootOpts.Config, exe, rootOpts.ConfigPath).Run(cmd.Context())
		},
	}
}

func newWorkerCommand(rootOpts *rootOptions) *cobra.Command {
	var addr, origin string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Serve presence clients on one address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if origin == "" {
				origin = uuid.NewString()
			}
			bus, err := cluster.OpenBus(cmd.Context(), cfg, origin, nil)
			if err != nil {
				return err
			}
			w, err := cluster.NewWorker(cmd.Context(), cfg, origin, bus)
			if err != nil {
				return err
			}
			return w.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "address to listen on (default server.addr)")
	cmd.Flags().StringVar(&origin, "origin", "", "name of this process on the bus (default random)")
	return cmd
}

func newBotCommand(rootOpts *rootOptions) *cobra.Command {
	var addr string
	var count int

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Connect wandering bots to a worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if count < 1 {
				return fmt.Errorf("count must be at least 1")
			}
			log := logger.Named("bot")

			bots := make([]*bot.Client, count)
			wg := new(sync.WaitGroup)
			for i := range bots {
				bots[i] = bot.New(bot.Options{
					Addr:         addr,
					SendInterval: cfg.Presence.SendInterval,
					Heartbeat:    cfg.Presence.LivenessTimeout / 2,
					Wander:       true,
				})
				wg.Add(1)
				go func(c *bot.Client) {
					defer wg.Done()
					c.Run(cmd.Context())
				}(bots[i])
			}

			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					for _, c := range bots {
						acked, pending, dropped := c.Stats()
						log.Info("stats",
							logger.Identity(c.Identity()),
							zap.Int("players", len(c.Players())),
							logger.Cursor(c.Cursor()),
							zap.Int("acked", acked),
							zap.Int("pending", pending),
							zap.Int("dropped", dropped),
						)
					}
				case <-cmd.Context().Done():
					wg.Wait()
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "worker address to connect to (default server.addr)")
	cmd.Flags().IntVar(&count, "count", 1, "number of bots")
	return cmd
}
