package session

import (
	"context"
	"time"

	"github.com/dkeye/peercall/internal/domain"
)

// End hangs up and publishes ended unless the call is already over.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return nil
	}
	// A caller whose record is not written yet has nothing to publish; Start
	// retracts a record that lands after this point.
	publish := s.role == domain.RoleCallee || s.recordWritten
	s.mu.Unlock()
	s.logger.Info().Msg("ending call")
	s.finish(ctx, domain.StatusEnded, publish, false, nil)
	return nil
}

// Abandon ends the session locally without writing anything. Used when the
// invitation was withdrawn before it was answered.
func (s *Session) Abandon() {
	s.finish(context.Background(), domain.StatusEnded, false, false, nil)
}

// abort ends a setup that failed with err. If the session was torn down
// meanwhile the failure is just fallout and ErrSessionClosed is reported.
func (s *Session) abort(err error, publish bool) error {
	if s.isTerminal() {
		return ErrSessionClosed
	}
	s.logger.Error().Err(err).Msg("call setup failed")
	s.finish(context.Background(), domain.StatusEnded, publish, false, err)
	return err
}

// finish is the only way a session ends. The first call wins: it releases
// local resources, optionally publishes the terminal status, and schedules
// removal of the record once a terminal status is known to be in the store.
func (s *Session) finish(ctx context.Context, final domain.CallStatus, publish, observed bool, cause error) {
	s.mu.Lock()
	if s.terminal {
		s.mu.Unlock()
		return
	}
	s.terminal = true
	s.status = final
	s.connected = false
	s.err = cause
	timer := s.ringTimer
	s.ringTimer = nil
	local, conn := s.local, s.conn
	s.notify.Push(final)
	s.mu.Unlock()

	ev := s.logger.Info().Str("status", string(final)).Bool("publish", publish)
	if cause != nil {
		ev = ev.AnErr("cause", cause)
	}
	ev.Msg("session closing")

	if timer != nil {
		timer.Stop()
	}
	s.cancel()
	s.queue.Close()
	if local != nil {
		local.Stop()
	}
	if conn != nil {
		conn.Close()
	}
	s.subs.CloseAll()

	confirmed := observed
	if publish && s.publishTerminal(ctx, final) {
		confirmed = true
	}
	if confirmed {
		s.scheduleDelete(final)
	}

	s.notify.Close()
	close(s.done)
}

// publishTerminal writes final unless the record is gone or already
// terminal. Reports whether a terminal status is now stored.
func (s *Session) publishTerminal(ctx context.Context, final domain.CallStatus) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	st, live, err := s.readLiveStatus(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("terminal status not published")
		return false
	}
	if !live {
		return st.IsTerminal()
	}
	if err := s.store.Write(ctx, domain.StatusPath(s.id), final); err != nil {
		s.logger.Warn().Err(err).Msg("terminal status not published")
		return false
	}
	s.logger.Debug().Str("status", string(final)).Msg("terminal status published")
	return true
}

// scheduleDelete removes the record after a grace delay so the peer has time
// to observe the terminal status.
func (s *Session) scheduleDelete(final domain.CallStatus) {
	grace := s.cfg.deleteGrace(final)
	s.cleanups.Go(func() {
		if grace > 0 {
			time.Sleep(grace)
		}
		ctx, cancel := s.storeContext()
		defer cancel()
		if err := s.store.Delete(ctx, domain.CallPath(s.id)); err != nil {
			s.logger.Warn().Err(err).Msg("call record not removed")
			return
		}
		s.logger.Debug().Msg("call record removed")
	})
}

// retract undoes a record written after the session had already ended.
func (s *Session) retract() {
	ctx, cancel := s.storeContext()
	defer cancel()
	if err := s.store.Write(ctx, domain.StatusPath(s.id), domain.StatusEnded); err != nil {
		s.logger.Warn().Err(err).Msg("retract status")
	}
	if err := s.store.Delete(ctx, domain.CallPath(s.id)); err != nil {
		s.logger.Warn().Err(err).Msg("retract record")
	}
}
