package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/eventlog"
	"github.com/astromechza/presence/pkg/logger"
	"github.com/astromechza/presence/pkg/metrics"
	"github.com/astromechza/presence/pkg/presence"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	pingInterval = 15 * time.Second
	readLimit    = 64 * 1024
)

// conn is one attached client. Frames are queued on send and written by a
// single writer goroutine.
type conn struct {
	id   string
	ws   *websocket.Conn
	log  *zap.Logger
	send chan []byte
	done chan struct{}
	once sync.Once

	// frames broadcast before replay has been queued are withheld
	mu      sync.Mutex
	ready   bool
	pending bool
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

func (c *conn) enqueue(env presence.Envelope, droppable bool) {
	raw, err := json.Marshal(env)
	if err != nil {
		c.log.Error("failed to encode frame", zap.Error(err))
		return
	}
	if droppable {
		select {
		case c.send <- raw:
		case <-c.done:
		default:
			// the next snapshot supersedes this one
		}
		return
	}
	t := time.NewTimer(writeTimeout)
	defer t.Stop()
	select {
	case c.send <- raw:
	case <-c.done:
	case <-t.C:
		c.log.Warn("client too slow, disconnecting")
		c.close()
	}
}

// offer queues a frame that must not be dropped without ever blocking. A client
// whose buffer is full is disconnected and recovers by replay on reconnect.
func (c *conn) offer(env presence.Envelope) {
	if c.withhold() {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		c.log.Error("failed to encode frame", zap.Error(err))
		return
	}
	select {
	case c.send <- raw:
	case <-c.done:
	default:
		c.log.Warn("client too slow, disconnecting")
		c.close()
	}
}

func (c *conn) pushSnapshot(env presence.Envelope) {
	if c.withhold() {
		return
	}
	c.enqueue(env, true)
}

func (c *conn) withhold() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ready {
		c.pending = true
		return true
	}
	return false
}

// markReady releases live traffic and reports whether anything was withheld.
func (c *conn) markReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
	pending := c.pending
	c.pending = false
	return pending
}

func (c *conn) writeLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	defer c.close()
	for {
		select {
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Debug("failed to write frame", zap.Error(err))
				return
			}
		case <-t.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ServeHTTP upgrades /sync requests. An optional cursor query parameter asks
// for replay of every record after it.
func (g *Gateway) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	var cursor int64
	hasCursor := false
	if raw := request.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			http.Error(writer, "cursor must be a non-negative integer", http.StatusBadRequest)
			return
		}
		cursor, hasCursor = v, true
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	ws, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		g.log.Error("failed to upgrade", zap.Error(err))
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	c.log = g.log.With(logger.ConnID(c.id))
	g.serve(request.Context(), c, cursor, hasCursor)
}

func (g *Gateway) serve(ctx context.Context, c *conn, cursor int64, hasCursor bool) {
	g.addConn(c)
	c.log.Info("client connected", logger.Cursor(cursor))

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	g.recover(ctx, c, cursor, hasCursor)
	if c.markReady() {
		c.enqueue(g.snapshotEnvelope(), true)
	}

	g.readLoop(ctx, c)

	c.close()
	wg.Wait()
	g.removeConn(c)
	if g.opts.DepartOnClose {
		g.depart(c)
	}
	c.log.Info("client disconnected")
}

// recover queues the frames a connecting client needs before live traffic:
// replay when it presents a cursor the log still covers, otherwise a snapshot.
func (g *Gateway) recover(ctx context.Context, c *conn, cursor int64, hasCursor bool) {
	if !hasCursor || cursor == 0 {
		c.enqueue(g.snapshotEnvelope(), false)
		return
	}
	records, err := g.events.ReadFrom(ctx, cursor)
	if err != nil {
		if errors.Is(err, eventlog.ErrStaleCursor) {
			c.log.Info("stale cursor, sending snapshot", logger.Cursor(cursor))
		} else {
			c.log.Error("failed to read replay", logger.Cursor(cursor), zap.Error(err))
		}
		c.enqueue(g.snapshotEnvelope(), false)
		return
	}
	for _, r := range records {
		change, err := presence.DecodeChange(r.Content)
		if err != nil {
			c.log.Warn("skipping undecodable record", logger.Seq(r.Sequence), zap.Error(err))
			continue
		}
		c.enqueue(presence.Envelope{Type: presence.TypeReplay, Seq: r.Sequence, Change: &change}, false)
	}
	metrics.Replayed.Add(float64(len(records)))
	c.log.Info("replayed", logger.Cursor(cursor), zap.Int("records", len(records)))
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	c.ws.SetReadLimit(readLimit)
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, err := presence.DecodeEnvelope(raw)
		if err != nil {
			c.enqueue(presence.Envelope{Type: presence.TypeAck, Error: err.Error()}, false)
			continue
		}
		if env.Type != presence.TypeUpdate {
			c.enqueue(presence.Envelope{Type: presence.TypeAck, Offset: env.Offset, Error: "clients may only send updates"}, false)
			continue
		}
		c.enqueue(g.HandleUpdate(ctx, c, env), false)
	}
}
