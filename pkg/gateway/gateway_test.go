package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/eventlog"
	"github.com/astromechza/presence/pkg/fanout"
	"github.com/astromechza/presence/pkg/presence"
)

type harness struct {
	gw     *Gateway
	events eventlog.Log
	srv    *httptest.Server
}

func newHarness(t *testing.T, opts Options, events eventlog.Log, bus fanout.Bus) *harness {
	t.Helper()
	if events == nil {
		events = eventlog.NewMemory()
	}
	if bus == nil {
		bus = fanout.NewLocalHub().Join(opts.Origin, zap.NewNop())
	}
	if opts.LivenessTimeout == 0 {
		opts.LivenessTimeout = time.Minute
	}
	if opts.BroadcastInterval == 0 {
		opts.BroadcastInterval = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	gw, err := New(ctx, opts, events, bus)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx)
	}()
	srv := httptest.NewServer(gw.Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		_ = bus.Close()
	})
	return &harness{gw: gw, events: events, srv: srv}
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(t *testing.T, query string) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/sync" + query
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(id presence.Identity, offset string, x, y float64) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(presence.Envelope{
		Type:     presence.TypeUpdate,
		Identity: id,
		Offset:   offset,
		State:    presence.EncodePosition(presence.Position{X: x, Y: y}),
	}))
}

func (c *client) next() presence.Envelope {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ws.ReadMessage()
	require.NoError(c.t, err)
	env, err := presence.DecodeEnvelope(raw)
	require.NoError(c.t, err)
	return env
}

// until reads frames until match returns true.
func (c *client) until(match func(presence.Envelope) bool) presence.Envelope {
	c.t.Helper()
	for {
		env := c.next()
		if match(env) {
			return env
		}
	}
}

func ackFor(offset string) func(presence.Envelope) bool {
	return func(e presence.Envelope) bool { return e.Type == presence.TypeAck && e.Offset == offset }
}

func position(t *testing.T, s presence.State) presence.Position {
	t.Helper()
	p, err := presence.DecodePosition(s)
	require.NoError(t, err)
	return p
}

func TestConnectReceivesSnapshot(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	h.gw.HandleUpdate(context.Background(), nil, presence.Envelope{
		Type: presence.TypeUpdate, Identity: "A", Offset: "x-0",
		State: presence.EncodePosition(presence.Position{X: 1, Y: 2}),
	})

	c := h.dial(t, "")
	env := c.next()
	require.Equal(t, presence.TypeSnapshot, env.Type)
	assert.Equal(t, presence.Position{X: 1, Y: 2}, position(t, env.Players["A"]))
	assert.Equal(t, int64(1), env.Head)
}

func TestLastUpdateWins(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	c := h.dial(t, "")

	c.send("A", "conn-0", 10, 20)
	first := c.until(ackFor("conn-0"))
	c.send("A", "conn-1", 15, 25)
	second := c.until(ackFor("conn-1"))
	assert.Empty(t, first.Error)
	assert.Greater(t, second.Seq, first.Seq)

	snap := h.dial(t, "").next()
	require.Equal(t, presence.TypeSnapshot, snap.Type)
	require.Len(t, snap.Players, 1)
	assert.Equal(t, presence.Position{X: 15, Y: 25}, position(t, snap.Players["A"]))
	assert.Equal(t, presence.Position{X: 15, Y: 25}, position(t, h.gw.Registry().Snapshot()["A"]))
}

func TestDuplicateOffsetIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	c := h.dial(t, "")

	c.send("A", "conn-0", 10, 20)
	first := c.until(ackFor("conn-0"))
	c.send("A", "conn-0", 10, 20)
	retry := c.until(ackFor("conn-0"))
	assert.Equal(t, first.Seq, retry.Seq)

	records, err := h.events.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, h.gw.Registry().Len())
}

func TestDuplicateBypassingCacheStillDetected(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	ctx := context.Background()
	env := presence.Envelope{
		Type: presence.TypeUpdate, Identity: "A", Offset: "conn-0",
		State: presence.EncodePosition(presence.Position{X: 1}),
	}
	first := h.gw.HandleUpdate(ctx, nil, env)
	h.gw.seen.Flush()
	second := h.gw.HandleUpdate(ctx, nil, env)
	assert.Equal(t, first.Seq, second.Seq)

	head, err := h.events.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestExpiryEmitsSingleDeparture(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0", LivenessTimeout: 150 * time.Millisecond}, nil, nil)
	observer := h.dial(t, "")
	observer.next()

	b := h.dial(t, "")
	b.next()
	b.send("B", "b-0", 1, 1)
	b.until(ackFor("b-0"))
	require.NoError(t, b.ws.Close())

	left := observer.until(func(e presence.Envelope) bool { return e.Type == presence.TypeLeft })
	assert.Equal(t, presence.Identity("B"), left.Identity)
	_, ok := h.gw.Registry().Get("B")
	assert.False(t, ok)

	// no second departure follows
	_ = observer.ws.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	for {
		_, raw, err := observer.ws.ReadMessage()
		if err != nil {
			break
		}
		env, err := presence.DecodeEnvelope(raw)
		require.NoError(t, err)
		assert.NotEqual(t, presence.TypeLeft, env.Type)
		assert.NotContains(t, env.Players, presence.Identity("B"))
	}

	records, err := h.events.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	change, err := presence.DecodeChange(records[1].Content)
	require.NoError(t, err)
	assert.Equal(t, presence.KindDeparture, change.Kind)
	assert.Equal(t, presence.Identity("B"), change.Identity)
}

func TestReconnectWithinWindowKeepsSession(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0", LivenessTimeout: 300 * time.Millisecond}, nil, nil)
	c := h.dial(t, "")
	c.next()
	c.send("A", "a-0", 1, 1)
	ack := c.until(ackFor("a-0"))
	require.NoError(t, c.ws.Close())

	time.Sleep(100 * time.Millisecond)
	again := h.dial(t, fmt.Sprintf("?cursor=%d", ack.Seq))
	again.send("A", "a-1", 2, 2)
	again.until(ackFor("a-1"))

	time.Sleep(250 * time.Millisecond)
	s, ok := h.gw.Registry().Get("A")
	require.True(t, ok)
	assert.Equal(t, presence.Position{X: 2, Y: 2}, position(t, s.State))
}

func TestReplayFromCursor(t *testing.T) {
	events := eventlog.NewMemory()
	ctx := context.Background()
	for i := 1; i <= 8; i++ {
		content, err := presence.Change{
			Kind: presence.KindUpdate, Identity: "A",
			State: presence.EncodePosition(presence.Position{X: float64(i)}),
		}.Encode()
		require.NoError(t, err)
		_, err = events.Append(ctx, fmt.Sprintf("seed-%d", i), content)
		require.NoError(t, err)
	}
	h := newHarness(t, Options{Origin: "w0"}, events, nil)

	c := h.dial(t, "?cursor=5")
	for want := int64(6); want <= 8; want++ {
		env := c.next()
		require.Equal(t, presence.TypeReplay, env.Type)
		assert.Equal(t, want, env.Seq)
		require.NotNil(t, env.Change)
		assert.Equal(t, float64(want), position(t, env.Change.State).X)
	}
}

func TestStaleCursorFallsBackToSnapshot(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	c := h.dial(t, "?cursor=42")
	env := c.next()
	assert.Equal(t, presence.TypeSnapshot, env.Type)
}

func TestBadCursorRejected(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	resp, err := http.Get(h.srv.URL + "/sync?cursor=-3")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	c := h.dial(t, "")
	c.next()

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"update"}`)))
	env := c.until(func(e presence.Envelope) bool { return e.Type == presence.TypeAck })
	assert.Contains(t, env.Error, "no identity")

	c.send("A", "a-0", 1, 1)
	ack := c.until(ackFor("a-0"))
	assert.Empty(t, ack.Error)
}

type brokenLog struct {
	*eventlog.Memory
}

func (brokenLog) Append(context.Context, string, string) (int64, error) {
	return 0, fmt.Errorf("append: %w", eventlog.ErrUnavailable)
}

func TestLogUnavailableRejectsUpdate(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, brokenLog{eventlog.NewMemory()}, nil)
	c := h.dial(t, "")
	c.send("A", "a-0", 1, 1)
	ack := c.until(ackFor("a-0"))
	assert.Equal(t, "event log unavailable", ack.Error)
	assert.Equal(t, 0, h.gw.Registry().Len())
}

type brokenBus struct {
	mu       sync.Mutex
	attempts int
}

func (b *brokenBus) Publish(context.Context, fanout.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	return fanout.ErrUnavailable
}
func (b *brokenBus) Subscribe(fanout.Handler) {}
func (b *brokenBus) Close() error             { return nil }

func TestFanoutUnavailableStillServesLocally(t *testing.T) {
	bus := &brokenBus{}
	h := newHarness(t, Options{Origin: "w0"}, nil, bus)
	c := h.dial(t, "")
	c.send("A", "a-0", 3, 4)
	ack := c.until(ackFor("a-0"))
	assert.Empty(t, ack.Error)
	assert.Equal(t, 1, h.gw.Registry().Len())
	bus.mu.Lock()
	assert.Equal(t, 1, bus.attempts)
	bus.mu.Unlock()
}

func TestFanoutConvergesAcrossGateways(t *testing.T) {
	hub := fanout.NewLocalHub()
	events := eventlog.NewMemory()
	timeout := 200 * time.Millisecond
	h1 := newHarness(t, Options{Origin: "w1", LivenessTimeout: timeout}, events, hub.Join("w1", zap.NewNop()))
	h2 := newHarness(t, Options{Origin: "w2", LivenessTimeout: timeout}, events, hub.Join("w2", zap.NewNop()))

	watcher := h2.dial(t, "")
	watcher.next()

	producer := h1.dial(t, "")
	producer.send("A", "a-0", 7, 8)
	ack := producer.until(ackFor("a-0"))

	snap := watcher.until(func(e presence.Envelope) bool {
		return e.Type == presence.TypeSnapshot && len(e.Players) == 1
	})
	assert.Equal(t, presence.Position{X: 7, Y: 8}, position(t, snap.Players["A"]))
	assert.Equal(t, ack.Seq, snap.Head)

	left := watcher.until(func(e presence.Envelope) bool { return e.Type == presence.TypeLeft })
	assert.Equal(t, presence.Identity("A"), left.Identity)
	require.Eventually(t, func() bool {
		return h1.gw.Registry().Len() == 0 && h2.gw.Registry().Len() == 0
	}, time.Second, 10*time.Millisecond)

	// only the owning gateway logs the departure
	records, err := events.ReadFrom(context.Background(), 0)
	require.NoError(t, err)
	departures := 0
	for _, r := range records {
		change, err := presence.DecodeChange(r.Content)
		require.NoError(t, err)
		if change.Kind == presence.KindDeparture {
			departures++
		}
	}
	assert.Equal(t, 1, departures)
}

func TestDepartOnClose(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0", DepartOnClose: true}, nil, nil)
	observer := h.dial(t, "")
	observer.next()

	b := h.dial(t, "")
	b.send("B", "b-0", 1, 1)
	b.until(ackFor("b-0"))
	require.NoError(t, b.ws.Close())

	left := observer.until(func(e presence.Envelope) bool { return e.Type == presence.TypeLeft })
	assert.Equal(t, presence.Identity("B"), left.Identity)
	assert.Equal(t, 0, h.gw.Registry().Len())
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSnapshotHeadNeverAheadOfPlayers(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	ctx := context.Background()
	const updates = 200

	done := make(chan struct{})
	go func() {
		defer close(done)
		// the memory log assigns seq i to the i'th update, which carries x = i
		for i := 1; i <= updates; i++ {
			ack := h.gw.HandleUpdate(ctx, nil, presence.Envelope{
				Type: presence.TypeUpdate, Identity: "A", Offset: fmt.Sprintf("a-%d", i),
				State: presence.EncodePosition(presence.Position{X: float64(i)}),
			})
			assert.Equal(t, int64(i), ack.Seq)
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		snap := h.gw.snapshotEnvelope()
		if snap.Head == 0 {
			continue
		}
		require.Contains(t, snap.Players, presence.Identity("A"))
		x := position(t, snap.Players["A"]).X
		require.GreaterOrEqual(t, x, float64(snap.Head), "snapshot advertises head %d with x=%v", snap.Head, x)
	}
}

func TestLeftNeverBlocksOnStalledClient(t *testing.T) {
	h := newHarness(t, Options{Origin: "w0"}, nil, nil)
	stalled := &conn{
		id:    "stalled",
		log:   zap.NewNop(),
		send:  make(chan []byte, 1),
		done:  make(chan struct{}),
		ready: true,
	}
	stalled.send <- []byte(`{}`)
	h.gw.addConn(stalled)
	defer h.gw.removeConn(stalled)

	started := time.Now()
	h.gw.broadcastLeft("A")
	assert.Less(t, time.Since(started), writeTimeout/2)

	select {
	case <-stalled.done:
	default:
		t.Fatal("stalled client was not disconnected")
	}
}
