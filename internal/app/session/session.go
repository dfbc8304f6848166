// Package session drives one call from either side: it publishes and reads
// the call's signaling record, feeds the media engine, and tears everything
// down exactly once however the call ends.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const storeTimeout = 5 * time.Second

type Config struct {
	Self                domain.ParticipantID
	RingWindow          time.Duration
	OfferRetry          RetryPolicy
	DeleteGraceRejected time.Duration
	DeleteGraceEnded    time.Duration
}

func DefaultConfig(self domain.ParticipantID) Config {
	return Config{
		Self:                self,
		RingWindow:          5 * time.Minute,
		OfferRetry:          DefaultRetryPolicy(),
		DeleteGraceRejected: 3 * time.Second,
		DeleteGraceEnded:    time.Second,
	}
}

func (c Config) deleteGrace(st domain.CallStatus) time.Duration {
	if st == domain.StatusRejected {
		return c.DeleteGraceRejected
	}
	return c.DeleteGraceEnded
}

// Session is one call. Create it with NewOutgoing or NewIncoming.
type Session struct {
	id   domain.CallID
	role domain.Role
	self domain.ParticipantID
	peer domain.ParticipantID
	kind domain.CallKind

	cfg    Config
	store  core.SignalStore
	engine core.MediaEngine
	logger zerolog.Logger

	// ctx lives until teardown; every setup step and listener hangs off it.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	status        domain.CallStatus
	terminal      bool
	accepting     bool
	connected     bool
	recordWritten bool
	answerApplied bool
	statusSeen    bool
	local         core.LocalMedia
	remote        core.RemoteMedia
	conn          core.MediaConnection
	ringTimer     *time.Timer
	err           error
	ctl           controls

	subs     *subscriptions
	queue    *CandidateQueue
	feed     *candidateFeed
	notify   *notifier
	done     chan struct{}
	cleanups conc.WaitGroup
}

func newSession(id domain.CallID, role domain.Role, peer domain.ParticipantID, kind domain.CallKind,
	status domain.CallStatus, cfg Config, store core.SignalStore, engine core.MediaEngine) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger := log.With().
		Str("module", "session").
		Str("call_id", string(id)).
		Str("role", role.String()).
		Logger()
	s := &Session{
		id:     id,
		role:   role,
		self:   cfg.Self,
		peer:   peer,
		kind:   kind,
		cfg:    cfg,
		store:  store,
		engine: engine,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		status: status,
		ctl:    controls{speakerOn: kind.HasVideo()},
		subs:   newSubscriptions(),
		queue:  NewCandidateQueue(logger),
		notify: newNotifier(),
		done:   make(chan struct{}),
	}
	s.feed = newCandidateFeed(s.queue.Add, logger)
	return s
}

// NewOutgoing prepares a call from cfg.Self to callee. Nothing is written
// until Start.
func NewOutgoing(cfg Config, store core.SignalStore, engine core.MediaEngine,
	callee domain.ParticipantID, kind domain.CallKind) *Session {
	return newSession(domain.NewCallID(), domain.RoleCaller, callee, kind,
		domain.StatusIdle, cfg, store, engine)
}

// NewIncoming wraps an invitation addressed to cfg.Self. The session starts
// out ringing and waits for Accept or Reject.
func NewIncoming(cfg Config, store core.SignalStore, engine core.MediaEngine,
	inv domain.Invitation) *Session {
	return newSession(inv.ID, domain.RoleCallee, inv.CallerID, inv.Kind,
		domain.StatusRinging, cfg, store, engine)
}

func (s *Session) ID() domain.CallID { return s.id }
func (s *Session) Role() domain.Role { return s.role }
func (s *Session) Peer() domain.ParticipantID { return s.peer }
func (s *Session) Kind() domain.CallKind { return s.kind }
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Status() domain.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsConnected reports whether media currently flows.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) LocalMedia() core.LocalMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Session) RemoteMedia() core.RemoteMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Err is the reason the session ended, nil for a normal hangup.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// OnStatus registers fn for every later status change, delivered in order.
func (s *Session) OnStatus(fn func(domain.CallStatus)) {
	s.notify.Listen(fn)
}

// Wait blocks until teardown is over, deferred record removal included.
func (s *Session) Wait() {
	<-s.done
	s.cleanups.Wait()
}

// advance moves to next if the lifecycle allows it.
func (s *Session) advance(next domain.CallStatus) bool {
	s.mu.Lock()
	if s.terminal || !s.status.CanAdvance(next) {
		s.mu.Unlock()
		return false
	}
	s.status = next
	s.notify.Push(next)
	s.mu.Unlock()
	s.logger.Info().Str("status", string(next)).Msg("status changed")
	return true
}

func (s *Session) isTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// opContext derives a context for one blocking step; it is cancelled by
// either parent or teardown.
func (s *Session) opContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// adoptLocal stores acquired media, or stops it if the session already ended.
func (s *Session) adoptLocal(m core.LocalMedia) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		m.Stop()
		return false
	}
	s.local = m
	s.mu.Unlock()
	return true
}

func (s *Session) adoptConn(c core.MediaConnection) bool {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		c.Close()
		return false
	}
	s.conn = c
	s.mu.Unlock()
	return true
}

func (s *Session) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}
