// Package bot is a reference presence client. It wanders around, keeps its
// session alive and tracks the merged view of every player.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/logger"
	"github.com/astromechza/presence/pkg/presence"
)

const (
	DefaultSendInterval = 100 * time.Millisecond
	DefaultAckTimeout   = 10 * time.Second
	DefaultMaxRetries   = 3
	DefaultHeartbeat    = time.Second

	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

type Options struct {
	// Addr is the host:port of a worker.
	Addr     string
	Identity presence.Identity
	// SendInterval throttles updates; at most one is sent per interval.
	SendInterval time.Duration
	// Heartbeat resends an unchanged position so the session does not expire.
	Heartbeat  time.Duration
	AckTimeout time.Duration
	MaxRetries int
	// Wander moves the bot randomly on every send tick.
	Wander bool
}

type pendingUpdate struct {
	env      presence.Envelope
	sentAt   time.Time
	attempts int
	failed   bool
}

// Client holds the bot's own position and its view of the other players.
type Client struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	position presence.Position
	dirty    bool
	players  map[presence.Identity]presence.State
	cursor   int64
	pending  map[string]*pendingUpdate
	acked    int
	dropped  int
	connID   string
	counter  int
	lastSent time.Time
}

func New(opts Options) *Client {
	if opts.Identity == "" {
		opts.Identity = presence.Identity(uuid.NewString())
	}
	if opts.SendInterval <= 0 {
		opts.SendInterval = DefaultSendInterval
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &Client{
		opts:    opts,
		log:     logger.Named("bot").With(logger.Identity(opts.Identity)),
		dirty:   true,
		players: make(map[presence.Identity]presence.State),
		pending: make(map[string]*pendingUpdate),
	}
}

func (c *Client) Identity() presence.Identity {
	return c.opts.Identity
}

// Move sets the position sent with the next update.
func (c *Client) Move(p presence.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = p
	c.dirty = true
}

// Players returns a copy of the merged view.
func (c *Client) Players() map[presence.Identity]presence.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[presence.Identity]presence.State, len(c.players))
	for k, v := range c.players {
		out[k] = v
	}
	return out
}

// Cursor is the highest log sequence the bot has caught up to.
func (c *Client) Cursor() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Stats reports acknowledged, unacknowledged and abandoned updates.
func (c *Client) Stats() (acked, pending, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acked, len(c.pending), c.dropped
}

// Run connects and reconnects until ctx ends.
func (c *Client) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		connected, err := c.connectAndSync(ctx)
		if ctx.Err() != nil {
			c.log.Info("stopping")
			return
		}
		if connected {
			backoff = minBackoff
		}
		c.log.Warn("disconnected", zap.Error(err), zap.Duration("retry", backoff))
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			c.log.Info("stopping")
			return
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) syncURL() string {
	u := url.URL{Scheme: "ws", Host: c.opts.Addr, Path: "/sync"}
	if cursor := c.Cursor(); cursor > 0 {
		u.RawQuery = url.Values{"cursor": []string{strconv.FormatInt(cursor, 10)}}.Encode()
	}
	return u.String()
}

// connectAndSync runs one connection and reports whether it was established.
func (c *Client) connectAndSync(ctx context.Context) (bool, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.syncURL(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to dial: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.connID = uuid.NewString()
	c.counter = 0
	c.dirty = true
	// anything unacknowledged is resent on this connection with its original offset
	for _, p := range c.pending {
		p.failed = true
	}
	c.mu.Unlock()
	c.log.Info("connected", zap.String("addr", c.opts.Addr), logger.Cursor(c.Cursor()))

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(ws)
	}()

	t := time.NewTicker(c.opts.SendInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := c.tick(ws); err != nil {
				return true, err
			}
		case err := <-readErr:
			return true, err
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return true, ctx.Err()
		}
	}
}

// tick resends overdue updates and sends the current position when it changed
// or the heartbeat is due.
func (c *Client) tick(ws *websocket.Conn) error {
	now := time.Now()
	var frames []presence.Envelope

	c.mu.Lock()
	for offset, p := range c.pending {
		if !p.failed && now.Sub(p.sentAt) < c.opts.AckTimeout {
			continue
		}
		if p.attempts > c.opts.MaxRetries {
			c.log.Error("giving up on update", logger.Offset(offset), zap.Int("attempts", p.attempts))
			delete(c.pending, offset)
			c.dropped++
			continue
		}
		p.attempts++
		p.sentAt = now
		p.failed = false
		frames = append(frames, p.env)
	}
	if c.opts.Wander {
		c.position.X += rand.Float64()*2 - 1
		c.position.Y += rand.Float64()*2 - 1
		c.dirty = true
	}
	if c.dirty || now.Sub(c.lastSent) >= c.opts.Heartbeat {
		env := c.nextUpdate()
		c.pending[env.Offset] = &pendingUpdate{env: env, sentAt: now, attempts: 1}
		c.dirty = false
		c.lastSent = now
		frames = append(frames, env)
	}
	c.mu.Unlock()

	for _, env := range frames {
		_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := ws.WriteJSON(env); err != nil {
			return fmt.Errorf("failed to send update: %w", err)
		}
	}
	return nil
}

// nextUpdate must be called with mu held.
func (c *Client) nextUpdate() presence.Envelope {
	c.counter++
	return presence.Envelope{
		Type:     presence.TypeUpdate,
		Identity: c.opts.Identity,
		Offset:   c.connID + "-" + strconv.Itoa(c.counter),
		State:    presence.EncodePosition(c.position),
	}
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed the connection")
			}
			return fmt.Errorf("failed to read: %w", err)
		}
		var env presence.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("ignoring undecodable frame", zap.Error(err))
			continue
		}
		c.apply(env)
	}
}

func (c *Client) apply(env presence.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch env.Type {
	case presence.TypeAck:
		p, ok := c.pending[env.Offset]
		if !ok {
			return
		}
		if env.Error != "" {
			c.log.Warn("update rejected", logger.Offset(env.Offset), zap.String("error", env.Error))
			p.failed = true
			return
		}
		delete(c.pending, env.Offset)
		c.acked++
	case presence.TypeSnapshot:
		c.players = make(map[presence.Identity]presence.State, len(env.Players))
		for k, v := range env.Players {
			c.players[k] = v
		}
		c.advance(env.Head)
	case presence.TypeLeft:
		delete(c.players, env.Identity)
		c.advance(env.Head)
	case presence.TypeReplay:
		if env.Change != nil {
			switch env.Change.Kind {
			case presence.KindUpdate:
				c.players[env.Change.Identity] = env.Change.State
			case presence.KindDeparture:
				delete(c.players, env.Change.Identity)
			}
		}
		c.advance(env.Seq)
	}
}

func (c *Client) advance(seq int64) {
	if seq > c.cursor {
		c.cursor = seq
	}
}
