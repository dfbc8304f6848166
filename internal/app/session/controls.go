package session

import (
	"github.com/dkeye/peercall/internal/core"
)

// controls is local playback and capture state. Nothing here touches the
// signaling store.
type controls struct {
	speakerOn bool
}

// ToggleMute flips the local audio track and reports whether audio is now
// muted. Without local media it does nothing and reports false.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil || local.Audio() == nil {
		return false
	}
	return !toggle(local.Audio())
}

// ToggleVideo flips the local video track and reports whether video is now
// enabled. Voice calls have no video track and always report false.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	if local == nil || local.Video() == nil {
		return false
	}
	return toggle(local.Video())
}

// ToggleSpeaker flips the playback route preference and returns it.
func (s *Session) ToggleSpeaker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctl.speakerOn = !s.ctl.speakerOn
	return s.ctl.speakerOn
}

func (s *Session) IsMuted() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	return local != nil && local.Audio() != nil && !local.Audio().Enabled()
}

func (s *Session) IsVideoEnabled() bool {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()
	return local != nil && local.Video() != nil && local.Video().Enabled()
}

func (s *Session) IsSpeakerOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctl.speakerOn
}

func toggle(t core.LocalTrack) bool {
	next := !t.Enabled()
	t.SetEnabled(next)
	return next
}
