package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

var errDescriptionTaken = errors.New("description already published")

// publishDescription writes our offer or answer. With onlyIfAbsent an
// existing value is left alone and errDescriptionTaken returned.
func (s *Session) publishDescription(ctx context.Context, path string, sd webrtc.SessionDescription, onlyIfAbsent bool) error {
	if onlyIfAbsent {
		snap, err := s.store.Read(ctx, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if snap.Exists {
			return errDescriptionTaken
		}
	}
	d := domain.Description{
		DescType:  sd.Type.String(),
		SDP:       sd.SDP,
		WrittenAt: time.Now().UnixMilli(),
	}
	if err := s.store.Write(ctx, path, d); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	s.logger.Debug().Str("path", path).Msg("description published")
	return nil
}

// applyRemote hands the peer's description to the engine and releases the
// candidates that were waiting for it.
func (s *Session) applyRemote(conn core.MediaConnection, d domain.Description, want webrtc.SDPType) error {
	if d.SDP == "" {
		return fmt.Errorf("%w: empty %s", ErrMalformedDescription, want)
	}
	typ := webrtc.NewSDPType(d.DescType)
	if typ != want {
		return fmt.Errorf("%w: got %q, want %s", ErrMalformedDescription, d.DescType, want)
	}
	if err := conn.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: d.SDP}); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	s.queue.Flush(conn)
	return nil
}

// awaitPeerDescription listens for the callee's answer and applies the first
// one seen. Later snapshots of the same path are ignored.
func (s *Session) awaitPeerDescription(ctx context.Context) error {
	unsub, err := s.store.Subscribe(ctx, domain.AnswerPath(s.id), s.onAnswer)
	if err != nil {
		return fmt.Errorf("subscribe answer: %w", err)
	}
	s.subs.Bind(subAnswer, unsub)
	return nil
}

func (s *Session) onAnswer(snap core.Snapshot) {
	if !snap.Exists {
		return
	}
	s.mu.Lock()
	if s.terminal || s.answerApplied || s.conn == nil {
		s.mu.Unlock()
		return
	}
	s.answerApplied = true
	conn := s.conn
	s.mu.Unlock()

	var d domain.Description
	if err := snap.Decode(&d); err != nil {
		s.finish(context.Background(), domain.StatusEnded, true, false, fmt.Errorf("%w: answer: %v", ErrMalformedDescription, err))
		return
	}
	if err := s.applyRemote(conn, d, webrtc.SDPTypeAnswer); err != nil {
		s.finish(context.Background(), domain.StatusEnded, true, false, err)
		return
	}
	s.logger.Info().Msg("answer applied")
	s.stopRingTimer()
	s.subs.Release(subAnswer)
	s.advance(domain.StatusConnecting)
}

// followPeerCandidates feeds the peer's candidate list into the queue.
func (s *Session) followPeerCandidates(ctx context.Context) error {
	unsub, err := s.store.Subscribe(ctx, domain.CandidatesPath(s.id, s.peer), s.feed.OnSnapshot)
	if err != nil {
		return fmt.Errorf("subscribe candidates: %w", err)
	}
	s.subs.Bind(subCandidates, unsub)
	return nil
}

// followStatus watches the persisted status for the peer's moves.
func (s *Session) followStatus(ctx context.Context) error {
	unsub, err := s.store.Subscribe(ctx, domain.StatusPath(s.id), s.onStatusSnapshot)
	if err != nil {
		return fmt.Errorf("subscribe status: %w", err)
	}
	s.subs.Bind(subStatus, unsub)
	return nil
}

func (s *Session) onStatusSnapshot(snap core.Snapshot) {
	if !snap.Exists {
		s.mu.Lock()
		seen := s.statusSeen
		s.mu.Unlock()
		if seen {
			s.logger.Info().Msg("call record removed")
			s.finish(context.Background(), domain.StatusEnded, false, false, nil)
		}
		return
	}
	var st domain.CallStatus
	if err := snap.Decode(&st); err != nil {
		s.logger.Warn().Err(err).Msg("status undecodable")
		return
	}
	s.mu.Lock()
	s.statusSeen = true
	s.mu.Unlock()

	switch {
	case st.IsTerminal():
		s.logger.Info().Str("status", string(st)).Msg("peer ended the call")
		s.finish(context.Background(), st, false, true, nil)
	case st == domain.StatusAccepted && s.role == domain.RoleCaller:
		s.stopRingTimer()
		s.advance(domain.StatusConnecting)
	}
}

// readLiveStatus returns the persisted status, with ok false when the record
// is gone or already terminal.
func (s *Session) readLiveStatus(ctx context.Context) (domain.CallStatus, bool, error) {
	snap, err := s.store.Read(ctx, domain.StatusPath(s.id))
	if err != nil {
		return "", false, fmt.Errorf("read status: %w", err)
	}
	if !snap.Exists {
		return "", false, nil
	}
	var st domain.CallStatus
	if err := snap.Decode(&st); err != nil {
		return "", false, fmt.Errorf("decode status: %w", err)
	}
	return st, !st.IsTerminal(), nil
}

// wireConnection routes engine events into the session.
func (s *Session) wireConnection(conn core.MediaConnection) {
	conn.OnICECandidate(s.onLocalCandidate)
	conn.OnTrack(func(rm core.RemoteMedia) {
		s.mu.Lock()
		if !s.terminal {
			s.remote = rm
		}
		s.mu.Unlock()
		s.logger.Info().Strs("kinds", rm.Kinds()).Msg("remote media")
	})
	conn.OnStateChange(s.onConnState)
}

// onLocalCandidate publishes a candidate as soon as the engine finds it.
func (s *Session) onLocalCandidate(init webrtc.ICECandidateInit) {
	if s.isTerminal() {
		return
	}
	ctx, cancel := s.storeContext()
	defer cancel()
	c := fromICECandidateInit(init, time.Now().UnixMilli())
	if _, err := s.store.Append(ctx, domain.CandidatesPath(s.id, s.self), c); err != nil {
		s.logger.Warn().Err(err).Msg("candidate not published")
	}
}

func (s *Session) onConnState(st core.ConnState) {
	s.logger.Debug().Str("conn", st.String()).Msg("connection state")
	switch st {
	case core.ConnConnected:
		s.mu.Lock()
		if s.terminal {
			s.mu.Unlock()
			return
		}
		s.connected = true
		s.mu.Unlock()
		s.stopRingTimer()
		s.advance(domain.StatusConnected)
	case core.ConnDisconnected:
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	case core.ConnFailed, core.ConnClosed:
		s.finish(context.Background(), domain.StatusEnded, true, false, fmt.Errorf("%w: %s", ErrConnectionFailed, st))
	}
}
