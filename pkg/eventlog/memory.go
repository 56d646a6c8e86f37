package eventlog

import (
	"context"
	"sync"

	"github.com/astromechza/presence/pkg/presence"
)

// Memory keeps the log in process. It loses history on restart and suits tests
// and single-process demos.
type Memory struct {
	mu       sync.RWMutex
	records  []presence.Record
	byOffset map[string]int64
}

func NewMemory() *Memory {
	return &Memory{byOffset: make(map[string]int64)}
}

func (m *Memory) Append(_ context.Context, clientOffset string, content string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, ok := m.byOffset[clientOffset]; ok {
		return seq, ErrDuplicate
	}
	seq := int64(len(m.records)) + 1
	m.records = append(m.records, presence.Record{Sequence: seq, ClientOffset: clientOffset, Content: content})
	m.byOffset[clientOffset] = seq
	return seq, nil
}

func (m *Memory) ReadFrom(_ context.Context, cursor int64) ([]presence.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := checkCursor(cursor, int64(len(m.records))); err != nil {
		return nil, err
	}
	out := make([]presence.Record, len(m.records)-int(cursor))
	copy(out, m.records[cursor:])
	return out, nil
}

func (m *Memory) LastSequence(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.records)), nil
}

func (m *Memory) Close() error {
	return nil
}
