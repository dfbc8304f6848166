// Package domain contains call entities without logic, just meta-data
package domain

import (
	"errors"
)

const (
	MaxParticipantIDLen = 128
)

var (
	ErrParticipantEmpty   = errors.New("participant id empty")
	ErrParticipantTooLong = errors.New("participant id too long")
	ErrParticipantPath    = errors.New("participant id contains '/'")
)

// ParticipantID identifies one side of a call. It is used as a path segment
// under candidates/, so it must not contain a slash.
type ParticipantID string

// NewParticipantID validates raw and returns it as a ParticipantID.
func NewParticipantID(raw string) (ParticipantID, error) {
	if len(raw) == 0 {
		return "", ErrParticipantEmpty
	}
	if len(raw) > MaxParticipantIDLen {
		return "", ErrParticipantTooLong
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '/' {
			return "", ErrParticipantPath
		}
	}
	return ParticipantID(raw), nil
}

// Role is the side a participant plays in one call.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}
