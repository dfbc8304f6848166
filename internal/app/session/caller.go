package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/peercall/internal/domain"
)

// Start places the call: local media, engine connection, call record, offer,
// then listeners for the answer, the status and the callee's candidates.
// Calling it again, or on an ended session, does nothing.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.role != domain.RoleCaller || s.terminal || s.status != domain.StatusIdle {
		s.mu.Unlock()
		s.logger.Debug().Msg("start ignored")
		return nil
	}
	s.status = domain.StatusCalling
	s.notify.Push(domain.StatusCalling)
	s.mu.Unlock()
	s.logger.Info().Str("peer", string(s.peer)).Str("kind", string(s.kind)).Msg("placing call")

	ctx, done := s.opContext(ctx)
	defer done()

	local, err := s.engine.CreateLocalMedia(ctx, s.kind)
	if err != nil {
		return s.abort(fmt.Errorf("%w: %v", ErrMediaAcquisition, err), false)
	}
	if !s.adoptLocal(local) {
		return ErrSessionClosed
	}

	conn, err := s.engine.NewConnection(ctx, s.id)
	if err != nil {
		return s.abort(fmt.Errorf("create connection: %w", err), false)
	}
	if !s.adoptConn(conn) {
		return ErrSessionClosed
	}
	s.wireConnection(conn)
	if err := conn.AddLocalMedia(local); err != nil {
		return s.abort(fmt.Errorf("attach media: %w", err), false)
	}

	rec := domain.NewCallRecord(s.self, s.peer, s.kind, time.Now())
	if err := s.store.Write(ctx, domain.CallPath(s.id), rec); err != nil {
		return s.abort(fmt.Errorf("write call record: %w", err), false)
	}
	s.mu.Lock()
	s.recordWritten = true
	closed := s.terminal
	s.mu.Unlock()
	if closed {
		s.retract()
		return ErrSessionClosed
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		return s.abort(fmt.Errorf("create offer: %w", err), true)
	}
	if err := s.publishDescription(ctx, domain.OfferPath(s.id), offer, false); err != nil {
		return s.abort(err, true)
	}
	if !s.startRingTimer() {
		return ErrSessionClosed
	}
	s.advance(domain.StatusRinging)

	if err := s.awaitPeerDescription(ctx); err != nil {
		return s.abort(err, true)
	}
	if err := s.followStatus(ctx); err != nil {
		return s.abort(err, true)
	}
	if err := s.followPeerCandidates(ctx); err != nil {
		return s.abort(err, true)
	}
	return nil
}

func (s *Session) startRingTimer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return false
	}
	s.ringTimer = time.AfterFunc(s.cfg.RingWindow, s.onRingTimeout)
	return true
}

func (s *Session) stopRingTimer() {
	s.mu.Lock()
	t := s.ringTimer
	s.ringTimer = nil
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (s *Session) onRingTimeout() {
	s.mu.Lock()
	unanswered := !s.terminal && s.status.Rank() <= domain.StatusRinging.Rank()
	s.mu.Unlock()
	if !unanswered {
		return
	}
	s.logger.Info().Dur("window", s.cfg.RingWindow).Msg("no answer")
	s.finish(context.Background(), domain.StatusEnded, true, false, nil)
}
