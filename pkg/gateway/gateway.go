// Package gateway speaks the presence protocol to websocket clients and ties
// the registry, liveness scheduler, event log and fanout bus together.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/eventlog"
	"github.com/astromechza/presence/pkg/fanout"
	"github.com/astromechza/presence/pkg/liveness"
	"github.com/astromechza/presence/pkg/logger"
	"github.com/astromechza/presence/pkg/metrics"
	"github.com/astromechza/presence/pkg/presence"
	"github.com/astromechza/presence/pkg/registry"
)

// Options tune one gateway.
type Options struct {
	// Origin identifies this process on the fanout bus.
	Origin            string
	LivenessTimeout   time.Duration
	BroadcastInterval time.Duration
	// DedupTTL bounds how long accepted offsets are remembered in memory.
	DedupTTL time.Duration
	// DepartOnClose evicts a connection's identities as soon as it closes
	// instead of waiting for the liveness timeout.
	DepartOnClose bool
}

// Gateway is shared by every connection of one worker process.
type Gateway struct {
	opts      Options
	log       *zap.Logger
	events    eventlog.Log
	bus       fanout.Bus
	registry  *registry.Registry
	scheduler *liveness.Scheduler
	seen      *cache.Cache
	now       func() time.Time
	head      atomic.Int64

	connsMu sync.RWMutex
	conns   map[*conn]struct{}

	// owners maps identities whose latest update arrived on this process to
	// the connection that sent it. Entries change only under the scheduler's
	// per-identity lock.
	ownersMu sync.Mutex
	owners   map[presence.Identity]*conn
}

// New wires a gateway and subscribes it to bus.
func New(ctx context.Context, opts Options, events eventlog.Log, bus fanout.Bus) (*Gateway, error) {
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = liveness.DefaultTimeout
	}
	if opts.BroadcastInterval <= 0 {
		opts.BroadcastInterval = time.Second
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = time.Minute
	}
	g := &Gateway{
		opts:     opts,
		log:      logger.Named("gateway").With(logger.Origin(opts.Origin)),
		events:   events,
		bus:      bus,
		registry: registry.New(),
		seen:     cache.New(opts.DedupTTL, 2*opts.DedupTTL),
		now:      time.Now,
		conns:    make(map[*conn]struct{}),
		owners:   make(map[presence.Identity]*conn),
	}
	g.scheduler = liveness.New(opts.LivenessTimeout, g.expire)

	head, err := events.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head of event log: %w", err)
	}
	g.head.Store(head)
	bus.Subscribe(g.receive)
	return g, nil
}

// Registry exposes the local registry for inspection.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Head is the highest sequence this gateway has seen.
func (g *Gateway) Head() int64 {
	return g.head.Load()
}

func (g *Gateway) advanceHead(seq int64) {
	for {
		cur := g.head.Load()
		if seq <= cur || g.head.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Run pushes periodic snapshots until ctx ends, then stops every liveness
// timer and disconnects the attached clients.
func (g *Gateway) Run(ctx context.Context) {
	t := time.NewTicker(g.opts.BroadcastInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			metrics.Sessions.Set(float64(g.registry.Len()))
			g.broadcastSnapshot()
		case <-ctx.Done():
			g.scheduler.Close()
			for _, c := range g.connections() {
				c.close()
			}
			return
		}
	}
}

// HandleUpdate runs the inbound update protocol for one frame and returns the
// acknowledgement for the producer.
func (g *Gateway) HandleUpdate(ctx context.Context, from *conn, env presence.Envelope) presence.Envelope {
	ack := presence.Envelope{Type: presence.TypeAck, Offset: env.Offset}
	change := presence.Change{Kind: presence.KindUpdate, Identity: env.Identity, State: env.State}

	seq, duplicate, err := g.appendOnce(ctx, env.Offset, change)
	if err != nil {
		metrics.UpdatesRejected.Inc()
		g.log.Error("rejected update", logger.Identity(env.Identity), logger.Offset(env.Offset), zap.Error(err))
		ack.Error = "event log unavailable"
		return ack
	}
	ack.Seq = seq
	if duplicate {
		metrics.UpdatesDuplicate.Inc()
		g.log.Debug("duplicate update", logger.Identity(env.Identity), logger.Offset(env.Offset), logger.Seq(seq))
	} else {
		metrics.UpdatesAccepted.Inc()
	}

	joined := g.scheduler.Touch(env.Identity, func() {
		g.registry.Apply(env.Identity, env.State, g.now())
		g.claim(env.Identity, from)
	})
	g.advanceHead(seq)
	if joined {
		g.log.Info("session joined", logger.Identity(env.Identity))
	}

	g.publish(ctx, fanout.Message{Sequence: seq, Change: change})
	g.broadcastSnapshot()
	return ack
}

// appendOnce consults the dedup cache before the log.
func (g *Gateway) appendOnce(ctx context.Context, offset string, change presence.Change) (int64, bool, error) {
	if v, ok := g.seen.Get(offset); ok {
		return v.(int64), true, nil
	}
	content, err := change.Encode()
	if err != nil {
		return 0, false, err
	}
	started := g.now()
	seq, err := g.events.Append(ctx, offset, content)
	metrics.AppendLatency.Observe(float64(g.now().Sub(started).Microseconds()) / 1000)
	duplicate := errors.Is(err, eventlog.ErrDuplicate)
	if err != nil && !duplicate {
		return 0, false, err
	}
	g.seen.SetDefault(offset, seq)
	return seq, duplicate, nil
}

func (g *Gateway) publish(ctx context.Context, m fanout.Message) {
	if err := g.bus.Publish(ctx, m); err != nil {
		metrics.FanoutErrors.Inc()
		g.log.Warn("fanout unavailable", logger.Identity(m.Change.Identity), zap.Error(err))
	}
}

// receive applies a change replicated from a peer process.
func (g *Gateway) receive(_ context.Context, m fanout.Message) {
	metrics.FanoutReceived.Inc()
	id := m.Change.Identity
	switch m.Change.Kind {
	case presence.KindUpdate:
		g.scheduler.Touch(id, func() {
			g.registry.Apply(id, m.Change.State, g.now())
			g.release(id)
		})
		g.advanceHead(m.Sequence)
		g.broadcastSnapshot()
	case presence.KindDeparture:
		removed := g.scheduler.Cancel(id, func() bool {
			g.release(id)
			return g.registry.Remove(id)
		})
		g.advanceHead(m.Sequence)
		if removed {
			metrics.Departures.WithLabelValues("peer").Inc()
			g.broadcastLeft(id)
		}
	default:
		g.log.Warn("ignoring fanout message", zap.String("kind", string(m.Change.Kind)))
	}
}

// expire runs under the scheduler's lock for id once its timer fires.
func (g *Gateway) expire(id presence.Identity) {
	_, local := g.release(id)
	if !g.registry.Remove(id) {
		return
	}
	if !local {
		// a peer owns the session and logs its departure; this copy is only a backstop
		metrics.Departures.WithLabelValues("peer_expired").Inc()
		g.broadcastLeft(id)
		return
	}
	metrics.Departures.WithLabelValues("expired").Inc()
	g.log.Info("session expired", logger.Identity(id))
	g.recordDeparture(id)
}

// depart removes identities owned by a closed connection.
func (g *Gateway) depart(c *conn) {
	for _, id := range g.ownedBy(c) {
		g.scheduler.Cancel(id, func() bool {
			if o, ok := g.owner(id); !ok || o != c {
				return false
			}
			g.release(id)
			if !g.registry.Remove(id) {
				return true
			}
			metrics.Departures.WithLabelValues("closed").Inc()
			g.log.Info("session departed", logger.Identity(id), logger.ConnID(c.id))
			g.recordDeparture(id)
			return true
		})
	}
}

// recordDeparture logs a tombstone, replicates it and tells local clients.
func (g *Gateway) recordDeparture(id presence.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	change := presence.Change{Kind: presence.KindDeparture, Identity: id}
	offset := fmt.Sprintf("departure:%s:%d", id, g.now().UnixNano())
	seq, _, err := g.appendOnce(ctx, offset, change)
	if err != nil {
		g.log.Error("failed to log departure", logger.Identity(id), zap.Error(err))
	}
	g.advanceHead(seq)
	g.publish(ctx, fanout.Message{Sequence: seq, Change: change})
	g.broadcastLeft(id)
}

func (g *Gateway) claim(id presence.Identity, c *conn) {
	g.ownersMu.Lock()
	defer g.ownersMu.Unlock()
	g.owners[id] = c
}

// release forgets local ownership of id and reports whether it was owned here.
func (g *Gateway) release(id presence.Identity) (*conn, bool) {
	g.ownersMu.Lock()
	defer g.ownersMu.Unlock()
	c, ok := g.owners[id]
	delete(g.owners, id)
	return c, ok
}

func (g *Gateway) owner(id presence.Identity) (*conn, bool) {
	g.ownersMu.Lock()
	defer g.ownersMu.Unlock()
	c, ok := g.owners[id]
	return c, ok
}

func (g *Gateway) ownedBy(c *conn) []presence.Identity {
	g.ownersMu.Lock()
	defer g.ownersMu.Unlock()
	var out []presence.Identity
	for id, o := range g.owners {
		if o == c {
			out = append(out, id)
		}
	}
	return out
}

// snapshotEnvelope reads the head before the players: every record up to the
// head has been applied by then, so the head never runs ahead of the players.
func (g *Gateway) snapshotEnvelope() presence.Envelope {
	head := g.Head()
	return presence.Envelope{Type: presence.TypeSnapshot, Players: g.registry.Snapshot(), Head: head}
}

func (g *Gateway) broadcastSnapshot() {
	env := g.snapshotEnvelope()
	for _, c := range g.connections() {
		c.pushSnapshot(env)
	}
}

// broadcastLeft runs under the scheduler's lock for id and must not block on
// slow clients.
func (g *Gateway) broadcastLeft(id presence.Identity) {
	env := presence.Envelope{Type: presence.TypeLeft, Identity: id, Head: g.Head()}
	for _, c := range g.connections() {
		c.offer(env)
	}
}

func (g *Gateway) connections() []*conn {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()
	out := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		out = append(out, c)
	}
	return out
}

func (g *Gateway) addConn(c *conn) {
	g.connsMu.Lock()
	g.conns[c] = struct{}{}
	g.connsMu.Unlock()
	metrics.Connections.Inc()
}

func (g *Gateway) removeConn(c *conn) {
	g.connsMu.Lock()
	delete(g.conns, c)
	g.connsMu.Unlock()
	metrics.Connections.Dec()
}

// Connections is the number of attached clients.
func (g *Gateway) Connections() int {
	g.connsMu.RLock()
	defer g.connsMu.RUnlock()
	return len(g.conns)
}
