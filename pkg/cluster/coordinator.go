package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/presence/pkg/config"
	"github.com/astromechza/presence/pkg/fanout"
	"github.com/astromechza/presence/pkg/gateway"
	"github.com/astromechza/presence/pkg/logger"
)

// Coordinator forks worker processes and hosts the hub bus relay. It accepts
// no client connections itself.
type Coordinator struct {
	cfg        config.Config
	executable string
	configPath string
	// prefix keeps worker origins unique across coordinators sharing a bus
	prefix string
	log    *zap.Logger
	relay  *fanout.Relay
}

// NewCoordinator prepares a coordinator that forks executable. configPath is
// passed through to every worker and may be empty.
func NewCoordinator(cfg config.Config, executable, configPath string) *Coordinator {
	prefix := uuid.NewString()[:8]
	log := logger.Named("coordinator").With(zap.String("prefix", prefix))
	return &Coordinator{
		cfg:        cfg,
		executable: executable,
		configPath: configPath,
		prefix:     prefix,
		log:        log,
		relay:      fanout.NewRelay(log.Named("relay")),
	}
}

// WorkerOrigin is the bus origin of the i'th worker, e.g. "3f2a9c1e-worker-0".
func (c *Coordinator) WorkerOrigin(i int) string {
	return c.prefix + "-worker-" + strconv.Itoa(i)
}

// WorkerAddr is the listen address of the i'th worker.
func WorkerAddr(cfg config.Config, i int) string {
	return net.JoinHostPort("", strconv.Itoa(cfg.Server.BasePort+i))
}

// WorkerArgs builds the command line for the i'th worker.
func (c *Coordinator) WorkerArgs(i int) []string {
	args := []string{"worker", "--addr", WorkerAddr(c.cfg, i), "--origin", c.WorkerOrigin(i)}
	if c.configPath != "" {
		args = append(args, "--config", c.configPath)
	}
	return args
}

// Router serves the bus relay, health and metrics.
func (c *Coordinator) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(gateway.LogRequests(c.log.Named("http")))
	r.Methods(http.MethodGet).Path("/bus").Handler(c.relay)
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(writer, "{\"peers\":%d}\n", c.relay.Peers())
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	return r
}

// Run serves the relay and supervises the workers until ctx ends or any
// worker exits. Workers are not restarted.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.cfg.Bus.Kind == config.BusLocal {
		return c.RunInProcess(ctx)
	}

	ln, err := net.Listen("tcp", c.cfg.Server.CoordinatorAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", c.cfg.Server.CoordinatorAddr, err)
	}
	httpServer := &http.Server{Handler: c.Router()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.log.Info("relay listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return httpServer.Close()
	})

	for i := 0; i < c.cfg.Server.Workers; i++ {
		cmd := c.command(gctx, i)
		if err := cmd.Start(); err != nil {
			g.Go(func() error { return fmt.Errorf("failed to start %s: %w", c.WorkerOrigin(i), err) })
			break
		}
		log := c.log.With(logger.Origin(c.WorkerOrigin(i)), zap.Int("pid", cmd.Process.Pid))
		log.Info("worker started")
		g.Go(func() error {
			err := cmd.Wait()
			if gctx.Err() != nil {
				log.Info("worker stopped")
				return nil
			}
			if err == nil {
				err = errors.New("exited")
			}
			return fmt.Errorf("worker %s failed: %w", c.WorkerOrigin(i), err)
		})
	}
	return g.Wait()
}

// command forks the i'th worker. Cancelling ctx delivers SIGTERM, escalating
// to SIGKILL if the worker has not exited after the shutdown timeout.
func (c *Coordinator) command(ctx context.Context, i int) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.executable, c.WorkerArgs(i)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		config.EnvPrefix+"SERVER_COORDINATOR_ADDR="+c.cfg.Server.CoordinatorAddr,
		config.EnvPrefix+"BUS_KIND="+c.cfg.Bus.Kind,
	)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = shutdownTimeout + time.Second
	return cmd
}

// RunInProcess runs the workers as goroutines of this process joined by a
// local bus. They share one event log database.
func (c *Coordinator) RunInProcess(ctx context.Context) error {
	cfg := c.cfg
	hub := fanout.NewLocalHub()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Server.Workers; i++ {
		origin := c.WorkerOrigin(i)
		w, err := openWorker(gctx, cfg, origin, hub)
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		addr := WorkerAddr(cfg, i)
		g.Go(func() error {
			return w.ListenAndServe(gctx, addr)
		})
	}
	return g.Wait()
}

func openWorker(ctx context.Context, cfg config.Config, origin string, hub *fanout.LocalHub) (*Worker, error) {
	bus, err := OpenBus(ctx, cfg, origin, hub)
	if err != nil {
		return nil, err
	}
	return NewWorker(ctx, cfg, origin, bus)
}
