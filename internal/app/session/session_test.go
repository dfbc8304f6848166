package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/core/coretest"
	"github.com/dkeye/peercall/internal/core/mocks"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestStartPublishesRecordAndOffer(t *testing.T) {
	mem := newMemory(t)
	st := newCountingStore(mem)
	engine := coretest.NewEngine()

	var (
		mu   sync.Mutex
		seen []domain.CallStatus
	)
	s := NewOutgoing(testConfig(alice), st, engine, bob, domain.KindVoice)
	s.OnStatus(func(cs domain.CallStatus) {
		mu.Lock()
		seen = append(seen, cs)
		mu.Unlock()
	})
	t.Cleanup(func() {
		_ = s.End(context.Background())
		s.Wait()
	})

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, domain.StatusRinging, s.Status())
	assert.Equal(t, 1, st.Writes(domain.CallPath(s.ID())))
	assert.Equal(t, 1, st.Writes(domain.OfferPath(s.ID())))

	var rec domain.CallRecord
	snap, err := mem.Read(context.Background(), domain.CallPath(s.ID()))
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&rec))
	assert.Equal(t, alice, rec.CallerID)
	assert.Equal(t, bob, rec.CalleeID)
	assert.Equal(t, domain.StatusCalling, rec.Status)
	assert.Equal(t, domain.KindVoice, rec.Kind)
	require.NotNil(t, rec.Offer)
	assert.Equal(t, "offer", rec.Offer.DescType)
	assert.Nil(t, rec.Answer)

	assert.Equal(t, 3, mem.SubscriberCount())
	assert.NotNil(t, s.LocalMedia())
	assert.Nil(t, s.LocalMedia().Video())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []domain.CallStatus{domain.StatusCalling, domain.StatusRinging}, seen)
	mu.Unlock()
}

func TestCallerMediaFailureWritesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	mem := newMemory(t)
	engine := mocks.NewMockMediaEngine(ctrl)
	engine.EXPECT().
		CreateLocalMedia(gomock.Any(), domain.KindVideo).
		Return(nil, errors.New("permission denied"))

	s := NewOutgoing(testConfig(alice), mem, engine, bob, domain.KindVideo)
	err := s.Start(context.Background())

	require.ErrorIs(t, err, ErrMediaAcquisition)
	waitDone(t, s)
	assert.Equal(t, domain.StatusEnded, s.Status())
	assert.ErrorIs(t, s.Err(), ErrMediaAcquisition)
	assert.False(t, recordExists(t, mem, s.ID()))
	snap, err := mem.Read(context.Background(), domain.CallsRoot)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.Zero(t, mem.SubscriberCount())
}

func TestCallerConnectionFailureStopsMedia(t *testing.T) {
	ctrl := gomock.NewController(t)
	mem := newMemory(t)

	audio := mocks.NewMockLocalTrack(ctrl)
	media := mocks.NewMockLocalMedia(ctrl)
	media.EXPECT().Stop()
	media.EXPECT().Audio().Return(audio).AnyTimes()

	engine := mocks.NewMockMediaEngine(ctrl)
	gomock.InOrder(
		engine.EXPECT().CreateLocalMedia(gomock.Any(), domain.KindVoice).Return(media, nil),
		engine.EXPECT().NewConnection(gomock.Any(), gomock.Any()).Return(nil, errors.New("no ice servers")),
	)

	s := NewOutgoing(testConfig(alice), mem, engine, bob, domain.KindVoice)
	err := s.Start(context.Background())

	require.Error(t, err)
	waitDone(t, s)
	assert.False(t, recordExists(t, mem, s.ID()))
}

// A video call nobody answers ends when the ringing window closes.
func TestScenarioRingTimeout(t *testing.T) {
	mem := newMemory(t)
	engine := coretest.NewEngine()

	cfg := testConfig(alice)
	cfg.RingWindow = 100 * time.Millisecond
	cfg.DeleteGraceEnded = 500 * time.Millisecond
	s := NewOutgoing(cfg, mem, engine, bob, domain.KindVideo)
	require.NoError(t, s.Start(context.Background()))
	require.NotNil(t, s.LocalMedia().Video())

	waitDone(t, s)
	assert.Equal(t, domain.StatusEnded, s.Status())
	assert.NoError(t, s.Err())
	assert.True(t, engine.Media()[0].Stopped())
	assert.True(t, onlyConn(t, engine).Closed())
	assert.Zero(t, mem.SubscriberCount())

	st, ok := persistedStatus(t, mem, s.ID())
	require.True(t, ok)
	assert.Equal(t, domain.StatusEnded, st)

	s.Wait()
	assert.False(t, recordExists(t, mem, s.ID()))
}

// A rejected call reaches the caller as rejected, without an answer.
func TestScenarioReject(t *testing.T) {
	mem := newMemory(t)
	callerEngine, calleeEngine := coretest.NewEngine(), coretest.NewEngine()
	caller, callee := placeCall(t, mem, domain.KindVoice, callerEngine, calleeEngine)

	require.NoError(t, callee.Reject(context.Background()))
	assert.Equal(t, domain.StatusRejected, callee.Status())

	waitDone(t, caller)
	assert.Equal(t, domain.StatusRejected, caller.Status())
	assert.NoError(t, caller.Err())
	assert.Nil(t, onlyConn(t, callerEngine).RemoteDescription())
	assert.Empty(t, calleeEngine.Conns())
	assert.Empty(t, calleeEngine.Media())

	snap, err := mem.Read(context.Background(), domain.AnswerPath(caller.ID()))
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	caller.Wait()
	callee.Wait()
	assert.False(t, recordExists(t, mem, caller.ID()))
	assert.Zero(t, mem.SubscriberCount())
}

// Candidates from both sides arrive interleaved with the descriptions and
// are applied once each, in sender order.
func TestScenarioCandidateExchange(t *testing.T) {
	mem := newMemory(t)
	callerEngine, calleeEngine := coretest.NewEngine(), coretest.NewEngine()
	caller, callee := placeCall(t, mem, domain.KindVoice, callerEngine, calleeEngine)
	callerConn := onlyConn(t, callerEngine)

	line := func(who string, i int) string { return fmt.Sprintf("candidate:%s-%d 1 udp 2122260223 10.0.0.1 5000%d typ host", who, i, i) }

	for i := 1; i <= 3; i++ {
		callerConn.EmitCandidate(line("alice", i))
	}
	require.NoError(t, callee.Accept(context.Background()))
	calleeConn := onlyConn(t, calleeEngine)

	for i := 1; i <= 5; i++ {
		calleeConn.EmitCandidate(line("bob", i))
		if i == 2 || i == 4 {
			callerConn.EmitCandidate(line("alice", 3+i/2))
		}
	}

	var wantFromCaller, wantFromCallee []string
	for i := 1; i <= 5; i++ {
		wantFromCaller = append(wantFromCaller, line("alice", i))
		wantFromCallee = append(wantFromCallee, line("bob", i))
	}
	require.Eventually(t, func() bool { return len(calleeConn.Applied()) == 5 && len(callerConn.Applied()) == 5 }, waitFor, tick)
	assert.Equal(t, wantFromCaller, calleeConn.Applied())
	assert.Equal(t, wantFromCallee, callerConn.Applied())

	waitStatus(t, caller, domain.StatusConnecting)
	callerConn.SetState(core.ConnConnected)
	calleeConn.SetState(core.ConnConnected)
	waitStatus(t, caller, domain.StatusConnected)
	waitStatus(t, callee, domain.StatusConnected)
	assert.True(t, caller.IsConnected())

	calleeConn.EmitTrack("audio")
	require.Eventually(t, func() bool { return callee.RemoteMedia() != nil }, waitFor, tick)

	// Nothing further is applied twice once the call is up.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, calleeConn.Applied(), 5)
	assert.Len(t, callerConn.Applied(), 5)
}

// Media failure on the callee leaves the caller ringing until it times out.
func TestScenarioCalleeMediaFailure(t *testing.T) {
	mem := newMemory(t)
	callerEngine, calleeEngine := coretest.NewEngine(), coretest.NewEngine()
	calleeEngine.FailMedia(errors.New("camera busy"))

	cfg := testConfig(alice)
	cfg.RingWindow = 150 * time.Millisecond
	caller := NewOutgoing(cfg, mem, callerEngine, bob, domain.KindVideo)
	require.NoError(t, caller.Start(context.Background()))
	callee := NewIncoming(testConfig(bob), mem, calleeEngine, invitationFor(t, mem, caller.ID()))

	err := callee.Accept(context.Background())
	require.ErrorIs(t, err, ErrMediaAcquisition)
	waitDone(t, callee)
	assert.Equal(t, domain.StatusEnded, callee.Status())

	snap, err := mem.Read(context.Background(), domain.AnswerPath(caller.ID()))
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	st, _ := persistedStatus(t, mem, caller.ID())
	assert.Equal(t, domain.StatusCalling, st)

	waitDone(t, caller)
	assert.Equal(t, domain.StatusEnded, caller.Status())
	st, _ = persistedStatus(t, mem, caller.ID())
	assert.Equal(t, domain.StatusEnded, st)
	caller.Wait()
	assert.Zero(t, mem.SubscriberCount())
}

// Two concurrent accepts write exactly one answer.
func TestScenarioConcurrentAccept(t *testing.T) {
	mem := newMemory(t)
	st := newCountingStore(mem)
	callerEngine, calleeEngine := coretest.NewEngine(), coretest.NewEngine()
	caller, callee := placeCall(t, st, domain.KindVoice, callerEngine, calleeEngine)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = callee.Accept(context.Background())
		}(i)
	}
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.NoError(t, errs[1])
	assert.Equal(t, 1, st.Writes(domain.AnswerPath(caller.ID())))
	assert.Equal(t, 1, st.Writes(domain.OfferPath(caller.ID())))
	assert.Len(t, calleeEngine.Conns(), 1)
	assert.Len(t, calleeEngine.Media(), 1)

	require.NoError(t, callee.Accept(context.Background()))
	assert.Equal(t, 1, st.Writes(domain.AnswerPath(caller.ID())))
	waitStatus(t, caller, domain.StatusConnecting)
}

func TestConnectionFailureEndsBothSides(t *testing.T) {
	mem := newMemory(t)
	callerEngine, calleeEngine := coretest.NewEngine(), coretest.NewEngine()
	caller, callee := placeCall(t, mem, domain.KindVoice, callerEngine, calleeEngine)
	require.NoError(t, callee.Accept(context.Background()))
	waitStatus(t, caller, domain.StatusConnecting)

	onlyConn(t, callerEngine).SetState(core.ConnFailed)

	waitDone(t, caller)
	assert.ErrorIs(t, caller.Err(), ErrConnectionFailed)
	waitDone(t, callee)
	assert.Equal(t, domain.StatusEnded, callee.Status())
	assert.NoError(t, callee.Err())
	assert.True(t, onlyConn(t, calleeEngine).Closed())

	caller.Wait()
	callee.Wait()
	assert.Zero(t, mem.SubscriberCount())
	assert.False(t, recordExists(t, mem, caller.ID()))
}

func TestDisconnectIsNotFatal(t *testing.T) {
	mem := newMemory(t)
	callerEngine, calleeEngine := coretest.NewEngine(), coretest.NewEngine()
	caller, callee := placeCall(t, mem, domain.KindVoice, callerEngine, calleeEngine)
	require.NoError(t, callee.Accept(context.Background()))

	conn := onlyConn(t, callerEngine)
	conn.SetState(core.ConnConnected)
	waitStatus(t, caller, domain.StatusConnected)
	conn.SetState(core.ConnDisconnected)

	assert.False(t, caller.IsConnected())
	assert.Equal(t, domain.StatusConnected, caller.Status())
	conn.SetState(core.ConnConnected)
	assert.True(t, caller.IsConnected())
}

func TestEndFromCalleeAfterConnect(t *testing.T) {
	mem := newMemory(t)
	callerEngine, calleeEngine := coretest.NewEngine(), coretest.NewEngine()
	caller, callee := placeCall(t, mem, domain.KindVideo, callerEngine, calleeEngine)
	require.NoError(t, callee.Accept(context.Background()))
	waitStatus(t, caller, domain.StatusConnecting)

	require.NoError(t, callee.End(context.Background()))
	waitDone(t, caller)
	assert.Equal(t, domain.StatusEnded, caller.Status())
	assert.True(t, callerEngine.Media()[0].Stopped())
	assert.True(t, calleeEngine.Media()[0].Stopped())

	// Terminal statuses are absorbing.
	require.NoError(t, caller.Start(context.Background()))
	require.NoError(t, callee.Accept(context.Background()))
	require.NoError(t, callee.Reject(context.Background()))
	assert.Equal(t, domain.StatusEnded, caller.Status())
	assert.Equal(t, domain.StatusEnded, callee.Status())
	st, _ := persistedStatus(t, mem, caller.ID())
	assert.Equal(t, domain.StatusEnded, st)
}

func TestRejectAfterAcceptEnds(t *testing.T) {
	mem := newMemory(t)
	caller, callee := placeCall(t, mem, domain.KindVoice, coretest.NewEngine(), coretest.NewEngine())
	require.NoError(t, callee.Accept(context.Background()))

	require.NoError(t, callee.Reject(context.Background()))
	assert.Equal(t, domain.StatusEnded, callee.Status())
	waitDone(t, caller)
	assert.Equal(t, domain.StatusEnded, caller.Status())
}

func TestAcceptWithdrawnCall(t *testing.T) {
	mem := newMemory(t)
	calleeEngine := coretest.NewEngine()
	caller, callee := placeCall(t, mem, domain.KindVoice, coretest.NewEngine(), calleeEngine)

	require.NoError(t, caller.End(context.Background()))
	err := callee.Accept(context.Background())

	require.ErrorIs(t, err, ErrCallUnavailable)
	assert.Equal(t, domain.StatusEnded, callee.Status())
	assert.Empty(t, calleeEngine.Media())
}

func TestAcceptGivesUpWithoutOffer(t *testing.T) {
	mem := newMemory(t)
	id := domain.NewCallID()
	rec := domain.NewCallRecord(alice, bob, domain.KindVoice, time.Now())
	require.NoError(t, mem.Write(context.Background(), domain.CallPath(id), rec))

	engine := coretest.NewEngine()
	callee := NewIncoming(testConfig(bob), mem, engine, rec.Header().Invitation(id))
	err := callee.Accept(context.Background())

	require.ErrorIs(t, err, ErrOfferNotVisible)
	assert.True(t, engine.Media()[0].Stopped())
	assert.Empty(t, engine.Conns())
	st, _ := persistedStatus(t, mem, id)
	assert.Equal(t, domain.StatusEnded, st)
	callee.Wait()
	assert.False(t, recordExists(t, mem, id))
}

func TestCallerEndBeforeStart(t *testing.T) {
	mem := newMemory(t)
	s := NewOutgoing(testConfig(alice), mem, coretest.NewEngine(), bob, domain.KindVoice)

	require.NoError(t, s.End(context.Background()))
	waitDone(t, s)
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, domain.StatusEnded, s.Status())
	assert.False(t, recordExists(t, mem, s.ID()))
}

func TestAbandonWritesNothing(t *testing.T) {
	mem := newMemory(t)
	st := newCountingStore(mem)
	caller, callee := placeCall(t, st, domain.KindVoice, coretest.NewEngine(), coretest.NewEngine())

	callee.Abandon()
	waitDone(t, callee)
	assert.Zero(t, st.Writes(domain.StatusPath(caller.ID())))
	assert.Equal(t, domain.StatusRinging, caller.Status())
}

func TestControls(t *testing.T) {
	mem := newMemory(t)
	engine := coretest.NewEngine()
	st := newCountingStore(mem)

	voice := NewOutgoing(testConfig(alice), st, engine, bob, domain.KindVoice)
	t.Cleanup(func() { _ = voice.End(context.Background()); voice.Wait() })
	assert.False(t, voice.ToggleMute())
	require.NoError(t, voice.Start(context.Background()))
	writes := st.Writes(domain.StatusPath(voice.ID()))

	assert.False(t, voice.IsMuted())
	assert.True(t, voice.ToggleMute())
	assert.True(t, voice.IsMuted())
	assert.False(t, voice.LocalMedia().Audio().Enabled())
	assert.False(t, voice.ToggleMute())

	assert.False(t, voice.ToggleVideo())
	assert.False(t, voice.IsVideoEnabled())

	assert.False(t, voice.IsSpeakerOn())
	assert.True(t, voice.ToggleSpeaker())
	assert.True(t, voice.IsSpeakerOn())

	video := NewOutgoing(testConfig(alice), st, engine, bob, domain.KindVideo)
	t.Cleanup(func() { _ = video.End(context.Background()); video.Wait() })
	require.NoError(t, video.Start(context.Background()))
	assert.True(t, video.IsSpeakerOn())
	assert.True(t, video.IsVideoEnabled())
	assert.False(t, video.ToggleVideo())
	assert.False(t, video.LocalMedia().Video().Enabled())
	assert.True(t, video.ToggleVideo())

	assert.Equal(t, writes, st.Writes(domain.StatusPath(voice.ID())))
}

// endBeforeAcceptStore runs hook once, just before the accepted status lands.
type endBeforeAcceptStore struct {
	core.SignalStore
	id   domain.CallID
	once sync.Once
	hook func()
}

func (e *endBeforeAcceptStore) Write(ctx context.Context, path string, v any) error {
	if path == domain.StatusPath(e.id) && v == any(domain.StatusAccepted) {
		e.once.Do(e.hook)
	}
	return e.SignalStore.Write(ctx, path, v)
}

func TestAcceptOverwritingEndEndsOnRemoval(t *testing.T) {
	mem := newMemory(t)
	caller := NewOutgoing(testConfig(alice), mem, coretest.NewEngine(), bob, domain.KindVoice)
	require.NoError(t, caller.Start(context.Background()))

	racing := &endBeforeAcceptStore{SignalStore: mem, id: caller.ID()}
	racing.hook = func() { _ = caller.End(context.Background()) }
	callee := NewIncoming(testConfig(bob), racing, coretest.NewEngine(), invitationFor(t, mem, caller.ID()))
	t.Cleanup(func() {
		_ = callee.End(context.Background())
		caller.Wait()
		callee.Wait()
	})

	require.NoError(t, callee.Accept(context.Background()))
	waitDone(t, caller)
	st, ok := persistedStatus(t, mem, caller.ID())
	require.True(t, ok)
	assert.Equal(t, domain.StatusAccepted, st)

	waitDone(t, callee)
	assert.Equal(t, domain.StatusEnded, callee.Status())
	assert.False(t, recordExists(t, mem, caller.ID()))
}
