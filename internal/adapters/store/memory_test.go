package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects subscription deliveries.
type recorder struct {
	mu    sync.Mutex
	snaps []core.Snapshot
}

func (r *recorder) add(s core.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) all() []core.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Snapshot(nil), r.snaps...)
}

func (r *recorder) waitFor(t *testing.T, n int) []core.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.all()
}

func newTestMemory(t *testing.T) *Memory {
	m := NewMemory()
	t.Cleanup(m.Close)
	return m
}

func TestMemoryWriteRead(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	require.NoError(t, m.Write(ctx, "calls/c1", map[string]any{"status": "calling", "kind": "voice"}))
	require.NoError(t, m.Write(ctx, "/calls/c1/offer/", map[string]any{"sdp": "v=0"}))

	snap, err := m.Read(ctx, "calls/c1/status")
	require.NoError(t, err)
	assert.True(t, snap.Exists)
	var status string
	require.NoError(t, snap.Decode(&status))
	assert.Equal(t, "calling", status)

	snap, err = m.Read(ctx, "calls/c1")
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, snap.Decode(&rec))
	assert.Equal(t, "v=0", rec["offer"].(map[string]any)["sdp"])

	snap, err = m.Read(ctx, "calls/missing/status")
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	// A scalar in the way reads as absent below it.
	snap, err = m.Read(ctx, "calls/c1/status/deeper")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestMemoryDeletePrunesParents(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	require.NoError(t, m.Write(ctx, "calls/c1/candidates/alice/k1", "x"))
	require.NoError(t, m.Delete(ctx, "calls/c1/candidates/alice/k1"))

	snap, err := m.Read(ctx, "calls")
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	require.NoError(t, m.Write(ctx, "calls/c1/status", "ended"))
	require.NoError(t, m.Write(ctx, "calls/c1/status", nil))
	snap, err = m.Read(ctx, "calls/c1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	// Deleting something that never existed is fine.
	require.NoError(t, m.Delete(ctx, "calls/none/offer"))
}

func TestMemoryAppendKeysSortInOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	var keys []string
	for i := 0; i < 20; i++ {
		k, err := m.Append(ctx, "calls/c1/candidates/alice", i)
		require.NoError(t, err)
		keys = append(keys, k)
	}
	assert.True(t, sort.StringsAreSorted(keys))

	snap, err := m.Read(ctx, "calls/c1/candidates/alice")
	require.NoError(t, err)
	var list map[string]int
	require.NoError(t, snap.Decode(&list))
	require.Len(t, list, 20)
	for i, k := range keys {
		assert.Equal(t, i, list[k])
	}
}

func TestMemorySubscribe(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)
	require.NoError(t, m.Write(ctx, "calls/c1/status", "calling"))

	var rec recorder
	unsub, err := m.Subscribe(ctx, "calls/c1/status", rec.add)
	require.NoError(t, err)

	snaps := rec.waitFor(t, 1)
	assert.Equal(t, `"calling"`, string(snaps[0].Value))

	require.NoError(t, m.Write(ctx, "calls/c1/status", "accepted"))
	require.NoError(t, m.Write(ctx, "calls/c2/status", "calling"))
	require.NoError(t, m.Delete(ctx, "calls/c1"))

	snaps = rec.waitFor(t, 3)
	require.Len(t, snaps, 3)
	assert.Equal(t, `"accepted"`, string(snaps[1].Value))
	assert.False(t, snaps[2].Exists)
	assert.Equal(t, "calls/c1/status", snaps[2].Path)

	unsub()
	unsub()
	require.NoError(t, m.Write(ctx, "calls/c1/status", "calling"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.all(), 3)
	assert.Zero(t, m.SubscriberCount())
}

func TestMemorySubscribeParentSeesChildChanges(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	var rec recorder
	_, err := m.Subscribe(ctx, "calls", rec.add)
	require.NoError(t, err)
	rec.waitFor(t, 1)
	assert.False(t, rec.all()[0].Exists)

	require.NoError(t, m.Write(ctx, "calls/c1/status", "calling"))
	snaps := rec.waitFor(t, 2)
	var calls map[string]map[string]string
	require.NoError(t, snaps[1].Decode(&calls))
	assert.Equal(t, "calling", calls["c1"]["status"])
}

func TestMemorySubscriberOrderUnderLoad(t *testing.T) {
	ctx := context.Background()
	m := newTestMemory(t)

	var rec recorder
	_, err := m.Subscribe(ctx, "n", func(s core.Snapshot) {
		time.Sleep(time.Millisecond)
		rec.add(s)
	})
	require.NoError(t, err)

	const n = 50
	for i := 1; i <= n; i++ {
		require.NoError(t, m.Write(ctx, "n", i))
	}
	snaps := rec.waitFor(t, n+1)
	for i, s := range snaps[1:] {
		var v int
		require.NoError(t, s.Decode(&v))
		assert.Equal(t, i+1, v)
	}
}

func TestMemoryClose(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, err := m.Subscribe(ctx, "a", func(core.Snapshot) {})
	require.NoError(t, err)

	m.Close()
	m.Close()
	assert.Zero(t, m.SubscriberCount())
	assert.ErrorIs(t, m.Write(ctx, "a", 1), ErrClosed)
	_, err = m.Read(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Subscribe(ctx, "a", func(core.Snapshot) {})
	assert.ErrorIs(t, err, ErrClosed)
}
