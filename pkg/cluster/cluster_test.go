package cluster

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/config"
	"github.com/astromechza/presence/pkg/fanout"
	"github.com/astromechza/presence/pkg/presence"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Log.Driver = "sqlite"
	cfg.Log.DSN = filepath.Join(t.TempDir(), "events.sqlite3")
	cfg.Presence.BroadcastInterval = time.Hour
	return cfg
}

// start serves w on an ephemeral port and returns its address.
func start(t *testing.T, ctx context.Context, w *Worker) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- w.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/sync", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// awaitPlayer reads frames until a snapshot lists id.
func awaitPlayer(t *testing.T, ws *websocket.Conn, id presence.Identity) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, ws.SetReadDeadline(deadline))
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		var env presence.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == presence.TypeSnapshot {
			if _, ok := env.Players[id]; ok {
				return
			}
		}
	}
}

func sendUpdate(t *testing.T, ws *websocket.Conn, id presence.Identity, offset string) {
	state := presence.EncodePosition(presence.Position{X: 1, Y: 2})
	require.NoError(t, ws.WriteJSON(presence.Envelope{Type: presence.TypeUpdate, Identity: id, Offset: offset, State: state}))
}

func TestWorkersShareLocalBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t)
	cfg.Bus.Kind = config.BusLocal
	c := NewCoordinator(cfg, "", "")
	hub := fanout.NewLocalHub()

	w0, err := openWorker(ctx, cfg, c.WorkerOrigin(0), hub)
	require.NoError(t, err)
	w1, err := openWorker(ctx, cfg, c.WorkerOrigin(1), hub)
	require.NoError(t, err)
	addr0 := start(t, ctx, w0)
	addr1 := start(t, ctx, w1)
	t.Cleanup(cancel)

	watcher := dial(t, addr1)
	sendUpdate(t, dial(t, addr0), "A", "a-1")
	awaitPlayer(t, watcher, "A")

	_, ok := w1.Gateway.Registry().Get("A")
	assert.True(t, ok)
}

func TestWorkersOverRelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t)
	cfg.Bus.Kind = config.BusHub

	coordinator := NewCoordinator(cfg, "", "")
	srv := httptest.NewServer(coordinator.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(coordinator.relay.Close)
	cfg.Server.CoordinatorAddr = strings.TrimPrefix(srv.URL, "http://")

	w0, err := openWorker(ctx, cfg, coordinator.WorkerOrigin(0), nil)
	require.NoError(t, err)
	w1, err := openWorker(ctx, cfg, coordinator.WorkerOrigin(1), nil)
	require.NoError(t, err)
	addr0 := start(t, ctx, w0)
	addr1 := start(t, ctx, w1)
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return coordinator.relay.Peers() == 2 }, 5*time.Second, 10*time.Millisecond)

	watcher := dial(t, addr0)
	sendUpdate(t, dial(t, addr1), "B", "b-1")
	awaitPlayer(t, watcher, "B")
}

func TestWorkerArgs(t *testing.T) {
	cfg := config.Default()
	cfg.Server.BasePort = 20000

	c := NewCoordinator(cfg, "/usr/bin/presenced", "presence.yaml")
	assert.Equal(t, []string{"worker", "--addr", ":20002", "--origin", c.prefix + "-worker-2", "--config", "presence.yaml"}, c.WorkerArgs(2))

	c = NewCoordinator(cfg, "/usr/bin/presenced", "")
	assert.Equal(t, []string{"worker", "--addr", ":20000", "--origin", c.prefix + "-worker-0"}, c.WorkerArgs(0))
}

func TestCoordinatorsOnSharedBusHaveDistinctOrigins(t *testing.T) {
	hostA := NewCoordinator(config.Default(), "", "")
	hostB := NewCoordinator(config.Default(), "", "")
	require.NotEqual(t, hostA.WorkerOrigin(0), hostB.WorkerOrigin(0))
	assert.NotEqual(t, hostA.WorkerArgs(0), hostB.WorkerArgs(0))

	hub := fanout.NewLocalHub()
	a := hub.Join(hostA.WorkerOrigin(0), zap.NewNop())
	b := hub.Join(hostB.WorkerOrigin(0), zap.NewNop())
	defer a.Close()
	defer b.Close()

	received := make(chan fanout.Message, 1)
	b.Subscribe(func(_ context.Context, m fanout.Message) { received <- m })
	require.NoError(t, a.Publish(context.Background(), fanout.Message{
		Sequence: 1,
		Change:   presence.Change{Kind: presence.KindUpdate, Identity: "A"},
	}))

	select {
	case m := <-received:
		assert.Equal(t, hostA.WorkerOrigin(0), m.Origin)
	case <-time.After(5 * time.Second):
		t.Fatal("worker-0 on host B never saw worker-0 on host A")
	}
}

func TestWorkerCommandCarriesBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Kind = config.BusHub
	cfg.Server.CoordinatorAddr = "127.0.0.1:9000"

	cmd := NewCoordinator(cfg, "/usr/bin/presenced", "").command(context.Background(), 1)
	assert.Equal(t, "/usr/bin/presenced", cmd.Path)
	assert.Contains(t, cmd.Env, "PRESENCE_SERVER_COORDINATOR_ADDR=127.0.0.1:9000")
	assert.Contains(t, cmd.Env, "PRESENCE_BUS_KIND=hub")
}

func TestOpenBusUnknownKind(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Kind = "carrier-pigeon"
	_, err := OpenBus(context.Background(), cfg, "x", nil)
	assert.ErrorContains(t, err, "unknown bus kind")
}

func TestCoordinatorHealth(t *testing.T) {
	c := NewCoordinator(config.Default(), "", "")
	srv := httptest.NewServer(c.Router())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 0, body["peers"])
}
