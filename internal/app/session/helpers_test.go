package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/adapters/store"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/core/coretest"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/stretchr/testify/require"
)

const (
	alice domain.ParticipantID = "alice"
	bob   domain.ParticipantID = "bob"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// countingStore counts writes per path on top of another store.
type countingStore struct {
	core.SignalStore

	mu     sync.Mutex
	writes map[string]int
}

func newCountingStore(inner core.SignalStore) *countingStore {
	return &countingStore{SignalStore: inner, writes: make(map[string]int)}
}

func (c *countingStore) Write(ctx context.Context, path string, v any) error {
	c.mu.Lock()
	c.writes[path]++
	c.mu.Unlock()
	return c.SignalStore.Write(ctx, path, v)
}

func (c *countingStore) Writes(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[path]
}

func testConfig(self domain.ParticipantID) Config {
	cfg := DefaultConfig(self)
	cfg.RingWindow = time.Second
	cfg.OfferRetry = RetryPolicy{Attempts: 5, Interval: 20 * time.Millisecond}
	cfg.DeleteGraceRejected = 300 * time.Millisecond
	cfg.DeleteGraceEnded = 300 * time.Millisecond
	return cfg
}

func newMemory(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	t.Cleanup(m.Close)
	return m
}

func persistedStatus(t *testing.T, st core.SignalStore, id domain.CallID) (domain.CallStatus, bool) {
	t.Helper()
	snap, err := st.Read(context.Background(), domain.StatusPath(id))
	require.NoError(t, err)
	if !snap.Exists {
		return "", false
	}
	var s domain.CallStatus
	require.NoError(t, snap.Decode(&s))
	return s, true
}

func recordExists(t *testing.T, st core.SignalStore, id domain.CallID) bool {
	t.Helper()
	snap, err := st.Read(context.Background(), domain.CallPath(id))
	require.NoError(t, err)
	return snap.Exists
}

func invitationFor(t *testing.T, st core.SignalStore, id domain.CallID) domain.Invitation {
	t.Helper()
	snap, err := st.Read(context.Background(), domain.CallPath(id))
	require.NoError(t, err)
	require.True(t, snap.Exists)
	var h domain.CallHeader
	require.NoError(t, snap.Decode(&h))
	return h.Invitation(id)
}

func waitStatus(t *testing.T, s *Session, want domain.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, waitFor, tick,
		"want status %s, have %s", want, s.Status())
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatalf("session %s not done, status %s", s.ID(), s.Status())
	}
}

// placeCall starts a call from alice to bob and returns both sessions, the
// callee not yet accepted.
func placeCall(t *testing.T, st core.SignalStore, kind domain.CallKind,
	callerEngine, calleeEngine core.MediaEngine) (*Session, *Session) {
	t.Helper()
	caller := NewOutgoing(testConfig(alice), st, callerEngine, bob, kind)
	require.NoError(t, caller.Start(context.Background()))
	require.Equal(t, domain.StatusRinging, caller.Status())

	callee := NewIncoming(testConfig(bob), st, calleeEngine, invitationFor(t, st, caller.ID()))
	t.Cleanup(func() {
		_ = caller.End(context.Background())
		_ = callee.End(context.Background())
		caller.Wait()
		callee.Wait()
	})
	return caller, callee
}

func onlyConn(t *testing.T, e *coretest.Engine) *coretest.Conn {
	t.Helper()
	conns := e.Conns()
	require.Len(t, conns, 1)
	return conns[0]
}
