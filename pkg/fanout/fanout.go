// Package fanout replicates locally accepted presence changes to every other
// worker process so that each registry converges on the same content.
//
// Delivery is at-least-once and handlers must be idempotent. A bus never hands
// a process back its own messages: every message carries the origin of the
// publishing process and the receiving side drops matching origins.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/astromechza/presence/pkg/presence"
)

var (
	ErrClosed = errors.New("fanout bus closed")

	// ErrUnavailable is returned by Publish when the bus cannot reach its broker.
	ErrUnavailable = errors.New("fanout bus unavailable")
)

// Message is one replicated change.
type Message struct {
	Origin   string          `json:"origin"`
	Sequence int64           `json:"seq,omitempty"`
	Change   presence.Change `json:"change"`
}

func (m Message) encode() ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return raw, nil
}

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Origin == "" {
		return Message{}, fmt.Errorf("message has no origin")
	}
	return m, nil
}

// Handler receives messages from peer processes.
type Handler func(ctx context.Context, m Message)

// Bus is implemented by every backend.
type Bus interface {
	// Publish stamps the bus origin on m and sends it to peers.
	Publish(ctx context.Context, m Message) error
	Subscribe(h Handler)
	Close() error
}

// dispatcher is embedded by backends: it filters own-origin messages and runs
// handlers sequentially on one goroutine so per-process delivery order is kept.
type dispatcher struct {
	origin string
	log    *zap.Logger

	mu       sync.RWMutex
	handlers []Handler

	inbox    chan Message
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newDispatcher(origin string, log *zap.Logger) *dispatcher {
	d := &dispatcher{
		origin: origin,
		log:    log,
		inbox:  make(chan Message, 256),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// deliver queues m unless it came from this process. It blocks while the inbox
// is full so that nothing is silently dropped.
func (d *dispatcher) deliver(m Message) {
	if m.Origin == d.origin {
		return
	}
	select {
	case d.inbox <- m:
	case <-d.done:
	}
}

func (d *dispatcher) deliverRaw(raw []byte) {
	m, err := decodeMessage(raw)
	if err != nil {
		d.log.Warn("dropping undecodable fanout message", zap.Error(err))
		return
	}
	d.deliver(m)
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	ctx := context.Background()
	for {
		select {
		case m := <-d.inbox:
			d.mu.RLock()
			handlers := d.handlers
			d.mu.RUnlock()
			for _, h := range handlers {
				h(ctx, m)
			}
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *dispatcher) stamp(m Message) Message {
	m.Origin = d.origin
	return m
}
