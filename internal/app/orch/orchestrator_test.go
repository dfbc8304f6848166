package orch

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/adapters/store"
	"github.com/dkeye/peercall/internal/app/session"
	"github.com/dkeye/peercall/internal/core/coretest"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type peer struct {
	o      *Orchestrator
	engine *coretest.Engine
	events <-chan Event
}

func newPeer(t *testing.T, mem *store.Memory, self domain.ParticipantID) *peer {
	t.Helper()
	cfg := session.DefaultConfig(self)
	cfg.OfferRetry = session.RetryPolicy{Attempts: 5, Interval: 20 * time.Millisecond}
	cfg.DeleteGraceRejected = 50 * time.Millisecond
	cfg.DeleteGraceEnded = 50 * time.Millisecond

	engine := coretest.NewEngine()
	o := New(cfg, mem, engine)
	events, cancel := o.Bus().Subscribe()
	require.NoError(t, o.Run(context.Background()))
	t.Cleanup(func() {
		cancel()
		o.Close(context.Background())
	})
	return &peer{o: o, engine: engine, events: events}
}

func (p *peer) expect(t *testing.T, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-p.events:
			if match(e) {
				return e
			}
		case <-deadline:
			t.Fatal("expected event not published")
			return Event{}
		}
	}
}

func ofType(typ EventType) func(Event) bool {
	return func(e Event) bool { return e.Type == typ }
}

func withStatus(st domain.CallStatus) func(Event) bool {
	return func(e Event) bool { return e.Type == EventStatus && e.Status == st }
}

func newMem(t *testing.T) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(mem.Close)
	return mem
}

func TestCallLifecycle(t *testing.T) {
	mem := newMem(t)
	alice := newPeer(t, mem, "alice")
	bob := newPeer(t, mem, "bob")

	out, err := alice.o.StartCall(context.Background(), "bob", "video")
	require.NoError(t, err)
	assert.Same(t, out, alice.o.Active())
	alice.expect(t, withStatus(domain.StatusRinging))

	in := bob.expect(t, ofType(EventIncoming))
	require.NotNil(t, in.Invitation)
	assert.Equal(t, out.ID(), in.CallID)
	assert.Equal(t, domain.ParticipantID("alice"), in.Invitation.CallerID)
	require.Len(t, bob.o.Pending(), 1)

	s, err := bob.o.OpenIncoming(context.Background(), in.CallID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRinging, s.Status())
	require.NoError(t, bob.o.Accept(context.Background()))
	assert.Empty(t, bob.o.Pending())

	alice.expect(t, withStatus(domain.StatusConnecting))

	muted, err := bob.o.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	on, err := alice.o.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
	speaker, err := alice.o.ToggleSpeaker()
	require.NoError(t, err)
	assert.False(t, speaker)

	require.NoError(t, bob.o.End(context.Background()))
	assert.Nil(t, bob.o.Active())

	alice.expect(t, withStatus(domain.StatusEnded))
	require.Eventually(t, func() bool { return alice.o.Active() == nil }, waitFor, 5*time.Millisecond)

	// Idle again: a new call can be placed.
	_, err = alice.o.StartCall(context.Background(), "bob", "voice")
	require.NoError(t, err)
}

func TestStartCallBusy(t *testing.T) {
	mem := newMem(t)
	alice := newPeer(t, mem, "alice")

	first, err := alice.o.StartCall(context.Background(), "bob", "voice")
	require.NoError(t, err)
	_, err = alice.o.StartCall(context.Background(), "carol", "voice")
	require.ErrorIs(t, err, ErrBusy)
	assert.Same(t, first, alice.o.Active())

	snap, err := mem.Read(context.Background(), domain.CallsRoot)
	require.NoError(t, err)
	var calls map[string]any
	require.NoError(t, snap.Decode(&calls))
	assert.Len(t, calls, 1)
}

func TestStartCallValidation(t *testing.T) {
	mem := newMem(t)
	alice := newPeer(t, mem, "alice")

	tests := []struct {
		name, peer, kind string
		want             error
	}{
		{"empty peer", "", "voice", domain.ErrParticipantEmpty},
		{"slash in peer", "a/b", "voice", domain.ErrParticipantPath},
		{"self", "alice", "voice", ErrSelfCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := alice.o.StartCall(context.Background(), tt.peer, tt.kind)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := alice.o.StartCall(context.Background(), "bob", "fax")
	require.Error(t, err)
	assert.Nil(t, alice.o.Active())
	assert.Empty(t, alice.engine.Media())
}

func TestWithdrawnInvitationAbandonsRingingSession(t *testing.T) {
	mem := newMem(t)
	alice := newPeer(t, mem, "alice")
	bob := newPeer(t, mem, "bob")

	_, err := alice.o.StartCall(context.Background(), "bob", "voice")
	require.NoError(t, err)
	in := bob.expect(t, ofType(EventIncoming))
	s, err := bob.o.OpenIncoming(context.Background(), in.CallID)
	require.NoError(t, err)

	require.NoError(t, alice.o.End(context.Background()))

	w := bob.expect(t, ofType(EventWithdrawn))
	assert.Equal(t, in.CallID, w.CallID)
	<-s.Done()
	require.Eventually(t, func() bool { return bob.o.Active() == nil }, waitFor, 5*time.Millisecond)
	assert.Empty(t, bob.engine.Media())
}

func TestRejectThroughOrchestrator(t *testing.T) {
	mem := newMem(t)
	alice := newPeer(t, mem, "alice")
	bob := newPeer(t, mem, "bob")

	_, err := alice.o.StartCall(context.Background(), "bob", "voice")
	require.NoError(t, err)
	in := bob.expect(t, ofType(EventIncoming))
	_, err = bob.o.OpenIncoming(context.Background(), in.CallID)
	require.NoError(t, err)
	require.NoError(t, bob.o.Reject(context.Background()))

	alice.expect(t, withStatus(domain.StatusRejected))
}

func TestOpenUnknownInvitation(t *testing.T) {
	bob := newPeer(t, newMem(t), "bob")
	_, err := bob.o.OpenIncoming(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrCallUnavailable)
}

func TestNoActiveCall(t *testing.T) {
	alice := newPeer(t, newMem(t), "alice")

	assert.ErrorIs(t, alice.o.Accept(context.Background()), ErrNoCall)
	assert.ErrorIs(t, alice.o.Reject(context.Background()), ErrNoCall)
	assert.ErrorIs(t, alice.o.End(context.Background()), ErrNoCall)
	_, err := alice.o.ToggleMute()
	assert.ErrorIs(t, err, ErrNoCall)
	_, err = alice.o.ToggleVideo()
	assert.ErrorIs(t, err, ErrNoCall)
	_, err = alice.o.ToggleSpeaker()
	assert.ErrorIs(t, err, ErrNoCall)
}
