package core

import (
	"context"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

//go:generate mockgen -source=media_iface.go -destination=mocks/media_mock.go -package=mocks

// ConnState is the media-transport connection state as seen by the session.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnecting
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "new"
}

// LocalTrack is one captured track. Disabled tracks stay negotiated but send
// nothing.
type LocalTrack interface {
	Kind() string
	Enabled() bool
	SetEnabled(bool)
	Stop()
}

// LocalMedia is the set of tracks acquired for a call: audio always, video
// only for video calls.
type LocalMedia interface {
	Audio() LocalTrack
	// Video returns nil for voice calls.
	Video() LocalTrack
	Stop()
}

// RemoteMedia is the handle to what the peer sends us.
type RemoteMedia interface {
	Kinds() []string
	Packets() uint64
	Bytes() uint64
}

// MediaEngine creates local media and connections. It is the boundary to the
// media-transport stack; the session never touches codecs or ICE directly.
type MediaEngine interface {
	// CreateLocalMedia acquires audio, and video iff kind is video.
	CreateLocalMedia(ctx context.Context, kind domain.CallKind) (LocalMedia, error)
	NewConnection(ctx context.Context, id domain.CallID) (MediaConnection, error)
}

type MediaConnection interface {
	// AddLocalMedia attaches every track of m to the connection.
	AddLocalMedia(m LocalMedia) error
	// CreateOffer creates an offer and sets it as local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked once the remote media handle exists.
	OnTrack(func(RemoteMedia))
	OnStateChange(func(ConnState))
	// Close should stop all underlying media resources.
	Close()
}
