// Package cluster assembles worker processes and the coordinator that forks them.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/presence/pkg/config"
	"github.com/astromechza/presence/pkg/eventlog"
	"github.com/astromechza/presence/pkg/fanout"
	"github.com/astromechza/presence/pkg/gateway"
	"github.com/astromechza/presence/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// Worker is one gateway with its event log, bus and HTTP server.
type Worker struct {
	Origin  string
	Gateway *gateway.Gateway

	log    *zap.Logger
	events eventlog.Log
	bus    fanout.Bus
}

// OpenBus builds the bus named by cfg. hub is only used by the local kind and
// may be nil, in which case the worker is alone on its bus.
func OpenBus(ctx context.Context, cfg config.Config, origin string, hub *fanout.LocalHub) (fanout.Bus, error) {
	log := logger.Named("fanout").With(logger.Origin(origin))
	switch cfg.Bus.Kind {
	case config.BusLocal:
		if hub == nil {
			hub = fanout.NewLocalHub()
		}
		return hub.Join(origin, log), nil
	case config.BusHub:
		h := fanout.NewHub("ws://"+cfg.Server.CoordinatorAddr+"/bus", origin, log)
		waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := h.WaitConnected(waitCtx); err != nil {
			// keeps redialling in the background; local clients are served meanwhile
			log.Warn("bus not reachable yet", zap.Error(err))
		}
		return h, nil
	case config.BusRedis:
		return fanout.NewRedis(ctx, cfg.Bus.Redis.Addr, cfg.Bus.Redis.DB, cfg.Bus.Redis.Channel, origin, log)
	default:
		return nil, fmt.Errorf("unknown bus kind %q", cfg.Bus.Kind)
	}
}

// NewWorker opens the event log and wires a gateway onto bus. The worker owns bus.
func NewWorker(ctx context.Context, cfg config.Config, origin string, bus fanout.Bus) (*Worker, error) {
	log := logger.Named("worker").With(logger.Origin(origin))
	log.Info("opening event log", zap.String("driver", cfg.Log.Driver))
	events, err := eventlog.Open(ctx, cfg.Log.Driver, cfg.Log.DSN)
	if err != nil {
		_ = bus.Close()
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	gw, err := gateway.New(ctx, gateway.Options{
		Origin:            origin,
		LivenessTimeout:   cfg.Presence.LivenessTimeout,
		BroadcastInterval: cfg.Presence.BroadcastInterval,
		DedupTTL:          cfg.Presence.DedupTTL,
		DepartOnClose:     cfg.Presence.DepartOnClose,
	}, events, bus)
	if err != nil {
		_ = bus.Close()
		_ = events.Close()
		return nil, err
	}
	return &Worker{Origin: origin, Gateway: gw, log: log, events: events, bus: bus}, nil
}

// Serve runs the gateway on ln until ctx ends, then closes the bus and the log.
func (w *Worker) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{Handler: w.Gateway.Router()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.Gateway.Run(gctx)
		return nil
	})
	g.Go(func() error {
		w.log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		// websocket connections are hijacked and outlive Shutdown
		return httpServer.Close()
	})

	err := g.Wait()
	if cerr := w.bus.Close(); cerr != nil {
		w.log.Warn("failed to close bus", zap.Error(cerr))
	}
	if cerr := w.events.Close(); cerr != nil {
		w.log.Warn("failed to close event log", zap.Error(cerr))
	}
	w.log.Info("stopped")
	return err
}

// ListenAndServe listens on addr and serves until ctx ends.
func (w *Worker) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return w.Serve(ctx, ln)
}
