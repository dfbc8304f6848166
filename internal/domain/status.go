package domain

import "fmt"

// CallStatus is the lifecycle position of a call. Only calling, accepted,
// rejected and ended are ever written to the signaling store; the rest are
// derived locally.
type CallStatus string

const (
	StatusIdle       CallStatus = "idle"
	StatusCalling    CallStatus = "calling"
	StatusRinging    CallStatus = "ringing"
	StatusAccepted   CallStatus = "accepted"
	StatusConnecting CallStatus = "connecting"
	StatusConnected  CallStatus = "connected"
	StatusRejected   CallStatus = "rejected"
	StatusEnded      CallStatus = "ended"
)

var statusRank = map[CallStatus]int{
	StatusIdle:       0,
	StatusCalling:    1,
	StatusRinging:    2,
	StatusAccepted:   3,
	StatusConnecting: 3,
	StatusConnected:  4,
	StatusRejected:   5,
	StatusEnded:      5,
}

// IsTerminal reports whether s is absorbing.
func (s CallStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// IsPersisted reports whether s may appear in the store.
func (s CallStatus) IsPersisted() bool {
	switch s {
	case StatusCalling, StatusAccepted, StatusRejected, StatusEnded:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s CallStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// CanAdvance reports whether moving from s to next keeps the lifecycle
// monotonic. Terminal statuses never advance.
func (s CallStatus) CanAdvance(next CallStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if next.IsTerminal() {
		return true
	}
	return next.Rank() > s.Rank()
}

// CallKind selects which local media a call needs.
type CallKind string

const (
	KindVoice CallKind = "voice"
	KindVideo CallKind = "video"
)

func ParseCallKind(raw string) (CallKind, error) {
	switch CallKind(raw) {
	case KindVoice, KindVideo:
		return CallKind(raw), nil
	}
	return "", fmt.Errorf("unknown call kind %q", raw)
}

// HasVideo reports whether the kind carries a video track.
func (k CallKind) HasVideo() bool { return k == KindVideo }
