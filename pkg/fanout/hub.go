package fanout

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	hubWriteTimeout = 5 * time.Second
	hubPeerBuffer   = 1024
)

// Relay is the coordinator side of the hub bus. Every frame read from one
// worker is forwarded unchanged to every other connected worker.
type Relay struct {
	log *zap.Logger

	mu     sync.RWMutex
	peers  map[*relayPeer]struct{}
	closed bool
}

type relayPeer struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (p *relayPeer) close() {
	p.once.Do(func() {
		close(p.send)
		_ = p.conn.Close()
	})
}

func NewRelay(log *zap.Logger) *Relay {
	return &Relay{log: log, peers: make(map[*relayPeer]struct{})}
}

// Peers is the number of connected workers.
func (r *Relay) Peers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Relay) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		r.log.Error("failed to upgrade bus peer", zap.Error(err))
		return
	}
	peer := &relayPeer{conn: conn, send: make(chan []byte, hubPeerBuffer)}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.peers[peer] = struct{}{}
	r.mu.Unlock()
	r.log.Info("bus peer joined", zap.String("remote", request.RemoteAddr))

	defer func() {
		r.mu.Lock()
		delete(r.peers, peer)
		r.mu.Unlock()
		peer.close()
		r.log.Info("bus peer left", zap.String("remote", request.RemoteAddr))
	}()

	go func() {
		for raw := range peer.send {
			_ = conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				r.log.Warn("failed to write to bus peer", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		r.forward(peer, raw)
	}
}

func (r *Relay) forward(from *relayPeer, raw []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- raw:
		default:
			// a peer that cannot keep up is disconnected; it resyncs on reconnect
			r.log.Warn("bus peer too slow, disconnecting")
			_ = p.conn.Close()
		}
	}
}

// disconnectAll drops every peer; they redial on their own.
func (r *Relay) disconnectAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.peers {
		_ = p.conn.Close()
	}
}

// Close disconnects every worker and refuses new ones. Hijacked websocket
// connections are not closed by http.Server.Shutdown, so the coordinator calls
// this on exit.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.disconnectAll()
}

// Hub is the worker side of the hub bus. It dials the coordinator relay and
// keeps redialling until closed.
type Hub struct {
	*dispatcher
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	connected chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewHub starts connecting to the relay at url (ws://host/bus) in the background.
func NewHub(url string, origin string, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		dispatcher: newDispatcher(origin, log),
		url:        url,
		dialer:     websocket.DefaultDialer,
		connected:  make(chan struct{}, 1),
		cancel:     cancel,
	}
	h.wg.Add(1)
	go h.connectContinuously(ctx)
	return h
}

// WaitConnected blocks until the first successful dial or ctx ends.
func (h *Hub) WaitConnected(ctx context.Context) error {
	select {
	case <-h.connected:
		h.connected <- struct{}{}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) connectContinuously(ctx context.Context) {
	defer h.wg.Done()
	backoff := 100 * time.Millisecond
	for {
		connected, err := h.connectAndReceive(ctx)
		if connected {
			backoff = 100 * time.Millisecond
		}
		if err != nil {
			h.log.Warn("bus connection lost", zap.String("url", h.url), zap.Error(err))
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
			if backoff < 5*time.Second {
				backoff *= 2
			}
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (h *Hub) connectAndReceive(ctx context.Context) (bool, error) {
	conn, _, err := h.dialer.DialContext(ctx, h.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	select {
	case h.connected <- struct{}{}:
	default:
	}
	h.log.Info("bus connected", zap.String("url", h.url))

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		h.mu.Lock()
		if h.conn == conn {
			h.conn = nil
		}
		h.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("failed to read message: %w", err)
		}
		if mt == websocket.TextMessage {
			h.deliverRaw(raw)
		}
	}
}

func (h *Hub) Publish(ctx context.Context, m Message) error {
	raw, err := h.stamp(m).encode()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return fmt.Errorf("%w: not connected to %s", ErrUnavailable, h.url)
	}
	deadline := time.Now().Add(hubWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = h.conn.SetWriteDeadline(deadline)
	if err := h.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = h.conn.Close()
		h.conn = nil
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (h *Hub) Close() error {
	h.cancel()
	h.mu.Lock()
	if h.conn != nil {
		_ = h.conn.Close()
	}
	h.mu.Unlock()
	h.wg.Wait()
	h.stop()
	return nil
}
