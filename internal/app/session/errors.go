package session

import "errors"

var (
	// ErrMediaAcquisition: microphone or camera could not be opened. The call
	// is aborted before anything is written for it.
	ErrMediaAcquisition = errors.New("media acquisition failed")
	// ErrOfferNotVisible: the callee gave up waiting for the caller's offer.
	ErrOfferNotVisible = errors.New("offer not visible")
	// ErrMalformedCandidate: one remote candidate was rejected by the engine.
	// Logged and skipped, never fatal.
	ErrMalformedCandidate = errors.New("malformed candidate")
	// ErrMalformedDescription: a published offer or answer could not be used.
	ErrMalformedDescription = errors.New("malformed description")
	// ErrConnectionFailed: the media transport reported failed or closed.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrCallUnavailable: the invitation was withdrawn or answered elsewhere
	// before accept went through.
	ErrCallUnavailable = errors.New("call no longer available")
	// ErrSessionClosed: the session was torn down while an operation was in
	// flight.
	ErrSessionClosed = errors.New("session closed")
)
