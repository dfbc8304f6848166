package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Accept answers an incoming call. Only the first call on a ringing session
// does anything; later ones return nil.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.role != domain.RoleCallee || s.terminal || s.accepting || s.status != domain.StatusRinging {
		s.mu.Unlock()
		s.logger.Debug().Msg("accept ignored")
		return nil
	}
	s.accepting = true
	s.status = domain.StatusConnecting
	s.notify.Push(domain.StatusConnecting)
	s.mu.Unlock()
	s.logger.Info().Str("peer", string(s.peer)).Msg("accepting call")

	ctx, done := s.opContext(ctx)
	defer done()

	st, live, err := s.readLiveStatus(ctx)
	if err != nil {
		return s.abort(err, false)
	}
	if !live || st != domain.StatusCalling {
		err := fmt.Errorf("%w: status %q", ErrCallUnavailable, st)
		s.finish(ctx, domain.StatusEnded, false, st.IsTerminal(), err)
		return err
	}

	local, err := s.engine.CreateLocalMedia(ctx, s.kind)
	if err != nil {
		return s.abort(fmt.Errorf("%w: %v", ErrMediaAcquisition, err), false)
	}
	if !s.adoptLocal(local) {
		return ErrSessionClosed
	}

	offer, err := FetchOffer(ctx, s.store, s.id, s.cfg.OfferRetry)
	if err != nil {
		return s.abort(err, true)
	}

	conn, err := s.engine.NewConnection(ctx, s.id)
	if err != nil {
		return s.abort(fmt.Errorf("create connection: %w", err), true)
	}
	if !s.adoptConn(conn) {
		return ErrSessionClosed
	}
	s.wireConnection(conn)
	if err := conn.AddLocalMedia(local); err != nil {
		return s.abort(fmt.Errorf("attach media: %w", err), true)
	}

	if err := s.followPeerCandidates(ctx); err != nil {
		return s.abort(err, true)
	}
	if err := s.applyRemote(conn, offer, webrtc.SDPTypeOffer); err != nil {
		return s.abort(err, true)
	}

	answer, err := conn.CreateAnswer(ctx)
	if err != nil {
		return s.abort(fmt.Errorf("create answer: %w", err), true)
	}
	if err := s.publishDescription(ctx, domain.AnswerPath(s.id), answer, true); err != nil {
		if errors.Is(err, errDescriptionTaken) {
			err = fmt.Errorf("%w: answered elsewhere", ErrCallUnavailable)
			s.finish(ctx, domain.StatusEnded, false, false, err)
			return err
		}
		return s.abort(err, true)
	}

	st, live, err = s.readLiveStatus(ctx)
	if err != nil {
		return s.abort(err, true)
	}
	if !live {
		err := fmt.Errorf("%w: status %q", ErrCallUnavailable, st)
		s.finish(ctx, domain.StatusEnded, false, st.IsTerminal(), err)
		return err
	}
	if err := s.store.Write(ctx, domain.StatusPath(s.id), domain.StatusAccepted); err != nil {
		return s.abort(fmt.Errorf("write status: %w", err), true)
	}
	if err := s.followStatus(ctx); err != nil {
		return s.abort(err, true)
	}
	s.logger.Info().Msg("call accepted")
	return nil
}

// Reject declines a ringing call. Once accept has begun it behaves as End.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return nil
	}
	ringing := s.role == domain.RoleCallee && !s.accepting && s.status == domain.StatusRinging
	s.mu.Unlock()
	if !ringing {
		return s.End(ctx)
	}
	s.logger.Info().Msg("rejecting call")
	s.finish(ctx, domain.StatusRejected, true, false, nil)
	return nil
}
