package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const candidateBuffer = 64

// WebRTCConnection adapts a pion PeerConnection to core.MediaConnection.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	id     domain.CallID
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(core.RemoteMedia)
	onState   func(core.ConnState)
	wantVideo bool

	remote     *RemoteMedia
	candidates chan webrtc.ICECandidateInit
	workers    conc.WaitGroup
	closeOnce  sync.Once
}

var _ core.MediaConnection = (*WebRTCConnection)(nil)

func newWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, id domain.CallID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebRTCConnection{
		pc:         pc,
		id:         id,
		logger:     log.With().Str("module", "webrtc").Str("call_id", string(id)).Logger(),
		ctx:        ctx,
		cancel:     cancel,
		remote:     &RemoteMedia{},
		candidates: make(chan webrtc.ICECandidateInit, candidateBuffer),
	}
	c.bind()
	c.workers.Go(c.forwardCandidates)
	return c, nil
}

func (c *WebRTCConnection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		st, ok := connState(s)
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(st)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		select {
		case c.candidates <- cand.ToJSON():
		case <-c.ctx.Done():
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		c.logger.Info().
			Str("kind", kind).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.remote.addKind(kind)
		logger := c.logger.With().Str("kind", kind).Logger()
		c.workers.Go(func() { c.remote.drain(c.ctx, track, logger) })

		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(c.remote)
		}
	})
}

// forwardCandidates hands gathered candidates to the session one at a time,
// in gathering order, off pion's goroutine.
func (c *WebRTCConnection) forwardCandidates() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case init := <-c.candidates:
			c.mu.Lock()
			fn := c.onICE
			c.mu.Unlock()
			if fn != nil {
				fn(init)
			}
		}
	}
}

func connState(s webrtc.PeerConnectionState) (core.ConnState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnNew, true
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return core.ConnConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return core.ConnFailed, true
	case webrtc.PeerConnectionStateClosed:
		return core.ConnClosed, true
	}
	return core.ConnNew, false
}

// AddLocalMedia attaches every track of m and starts reading RTCP for each
// sender so the interceptors see receiver reports.
func (c *WebRTCConnection) AddLocalMedia(m core.LocalMedia) error {
	lm, ok := m.(*LocalMedia)
	if !ok {
		return fmt.Errorf("unsupported local media %T", m)
	}
	c.mu.Lock()
	c.wantVideo = lm.video != nil
	c.mu.Unlock()

	for _, t := range lm.tracks() {
		sender, err := c.pc.AddTrack(t.Track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		c.workers.Go(func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		})
	}
	return nil
}

func (c *WebRTCConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

// SetRemoteDescription validates sd before handing it to pion.
func (c *WebRTCConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	wantVideo := c.wantVideo
	c.mu.Unlock()
	if err := ValidateDescription(sd, wantVideo); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(sd)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnTrack(fn func(core.RemoteMedia)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close is idempotent.
func (c *WebRTCConnection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.pc.Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
		c.workers.Wait()
	})
}
