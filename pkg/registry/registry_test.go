package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/presence/pkg/presence"
)

func pos(x, y float64) presence.State {
	return presence.EncodePosition(presence.Position{X: x, Y: y})
}

func TestLastWriterWins(t *testing.T) {
	r := New()
	now := time.Now()
	assert.True(t, r.Apply("A", pos(10, 20), now))
	assert.False(t, r.Apply("A", pos(15, 25), now.Add(50*time.Millisecond)))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{"x":15,"y":25}`, string(snap["A"]))

	s, ok := r.Get("A")
	require.True(t, ok)
	assert.Equal(t, now.Add(50*time.Millisecond), s.LastSeenAt)
}

func TestArrivalOrderNotTimestampDecides(t *testing.T) {
	r := New()
	now := time.Now()
	r.Apply("A", pos(1, 1), now)
	r.Apply("A", pos(2, 2), now.Add(-time.Hour))
	assert.JSONEq(t, `{"x":2,"y":2}`, string(r.Snapshot()["A"]))
}

func TestRemove(t *testing.T) {
	r := New()
	r.Apply("A", pos(1, 1), time.Now())
	assert.True(t, r.Remove("A"))
	assert.False(t, r.Remove("A"))
	assert.False(t, r.Remove("never-seen"))
	assert.Empty(t, r.Snapshot())

	// apply after remove is a rejoin
	assert.True(t, r.Apply("A", pos(3, 3), time.Now()))
	assert.Equal(t, 1, r.Len())
}

func TestSnapshotIsACopy(t *testing.T) {
	r := New()
	r.Apply("A", pos(1, 1), time.Now())
	snap := r.Snapshot()
	r.Apply("B", pos(2, 2), time.Now())
	r.Remove("A")

	assert.Len(t, snap, 1)
	assert.Contains(t, snap, presence.Identity("A"))
}

func TestApplyCopiesState(t *testing.T) {
	r := New()
	state := pos(1, 1)
	r.Apply("A", state, time.Now())
	state[0] = 'X'
	assert.JSONEq(t, `{"x":1,"y":1}`, string(r.Snapshot()["A"]))
}

func TestConcurrentDifferentIdentities(t *testing.T) {
	r := New()
	wg := new(sync.WaitGroup)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := presence.Identity(fmt.Sprintf("p-%d", w))
			for i := 0; i <= 100; i++ {
				r.Apply(id, pos(float64(w), float64(i)), time.Now())
				_ = r.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	snap := r.Snapshot()
	require.Len(t, snap, 8)
	for w := 0; w < 8; w++ {
		p, err := presence.DecodePosition(snap[presence.Identity(fmt.Sprintf("p-%d", w))])
		require.NoError(t, err)
		assert.Equal(t, presence.Position{X: float64(w), Y: 100}, p)
	}
}
