// Package rtc is the pion/webrtc media engine behind call sessions.
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	ICEServers []string
	// ICE timeouts; zero keeps pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// PionLogLevel filters pion's own logging.
	PionLogLevel zerolog.Level
	// Silence feeds audio tracks with silence frames while unmuted.
	Silence bool
	// Loopback also gathers candidates on loopback interfaces.
	Loopback bool
}

func DefaultOptions() Options {
	return Options{
		ICEServers:          []string{"stun:stun.l.google.com:19302"},
		DisconnectedTimeout: 10 * time.Second,
		FailedTimeout:       30 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		PionLogLevel:        zerolog.WarnLevel,
		Silence:             true,
	}
}

var (
	opusCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	vp8Codec  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Engine builds local media and peer connections sharing one pion API.
type Engine struct {
	api     *webrtc.API
	config  webrtc.Configuration
	silence bool
}

var _ core.MediaEngine = (*Engine)(nil)

func NewEngine(opts Options) (*Engine, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(opts.PionLogLevel)}
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}
	se.SetIncludeLoopbackCandidate(opts.Loopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(reg),
		webrtc.WithSettingEngine(se),
	)
	return &Engine{
		api:     api,
		config:  webrtc.Configuration{ICEServers: iceServers(opts.ICEServers)},
		silence: opts.Silence,
	}, nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// CreateLocalMedia creates an Opus track, plus a VP8 track for video calls.
func (e *Engine) CreateLocalMedia(ctx context.Context, kind domain.CallKind) (core.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := uuid.NewString()
	audio, err := newLocalTrack("audio", opusCodec, streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	m := &LocalMedia{audio: audio}
	if kind.HasVideo() {
		if m.video, err = newLocalTrack("video", vp8Codec, streamID); err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
	}
	if e.silence {
		pumpCtx, cancel := context.WithCancel(context.Background())
		audio.cancel = cancel
		go audio.pumpSilence(pumpCtx)
	}
	log.Debug().Str("module", "webrtc").Str("kind", string(kind)).Str("stream_id", streamID).Msg("local media created")
	return m, nil
}

func (e *Engine) NewConnection(_ context.Context, id domain.CallID) (core.MediaConnection, error) {
	c, err := newWebRTCConnection(e.api, e.config, id)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return c, nil
}
