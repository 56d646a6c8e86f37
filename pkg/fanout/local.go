package fanout

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LocalHub connects buses living in the same process. Each gateway joins with
// its own origin.
type LocalHub struct {
	mu      sync.RWMutex
	members map[*Local]struct{}
}

func NewLocalHub() *LocalHub {
	return &LocalHub{members: make(map[*Local]struct{})}
}

// Join returns a bus attached to the hub.
func (h *LocalHub) Join(origin string, log *zap.Logger) *Local {
	l := &Local{hub: h, dispatcher: newDispatcher(origin, log)}
	h.mu.Lock()
	h.members[l] = struct{}{}
	h.mu.Unlock()
	return l
}

func (h *LocalHub) leave(l *Local) {
	h.mu.Lock()
	delete(h.members, l)
	h.mu.Unlock()
}

func (h *LocalHub) broadcast(m Message) {
	h.mu.RLock()
	members := make([]*Local, 0, len(h.members))
	for l := range h.members {
		members = append(members, l)
	}
	h.mu.RUnlock()
	for _, l := range members {
		l.deliver(m)
	}
}

// Local is a member of a LocalHub.
type Local struct {
	*dispatcher
	hub *LocalHub

	mu     sync.RWMutex
	closed bool
}

func (l *Local) Publish(ctx context.Context, m Message) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.hub.broadcast(l.stamp(m))
	return nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.hub.leave(l)
	l.stop()
	return nil
}
