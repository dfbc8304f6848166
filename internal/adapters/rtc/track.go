package rtc

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

type TrackState int32

const (
	TrackStateLive TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// LocalTrack is one outgoing track. Muting keeps it negotiated and drops the
// samples written to it.
type LocalTrack struct {
	Track *webrtc.TrackLocalStaticSample
	kind  string
	state atomic.Int32

	cancel context.CancelFunc
}

var _ core.LocalTrack = (*LocalTrack)(nil)

func newLocalTrack(kind string, codec webrtc.RTPCodecCapability, streamID string) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(codec, kind, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{Track: t, kind: kind, cancel: func() {}}, nil
}

func (t *LocalTrack) Kind() string { return t.kind }

func (t *LocalTrack) State() TrackState {
	return TrackState(t.state.Load())
}

func (t *LocalTrack) Enabled() bool {
	return t.State() == TrackStateLive
}

func (t *LocalTrack) SetEnabled(on bool) {
	next := TrackStateMuted
	if on {
		next = TrackStateLive
	}
	for {
		cur := t.state.Load()
		if TrackState(cur) == TrackStateStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *LocalTrack) Stop() {
	t.state.Store(int32(TrackStateStopped))
	t.cancel()
}

// WriteSample forwards s unless the track is muted or stopped.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if t.State() != TrackStateLive {
		return nil
	}
	return t.Track.WriteSample(s)
}

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// pumpSilence keeps an audio track fed with silence frames so a headless
// client still produces RTP while it is not muted.
func (t *LocalTrack) pumpSilence(ctx context.Context) {
	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.WriteSample(media.Sample{Data: opusSilence, Duration: silenceFrame}); err != nil {
				return
			}
		}
	}
}

// LocalMedia is the set of tracks captured for one call.
type LocalMedia struct {
	audio *LocalTrack
	video *LocalTrack
}

var _ core.LocalMedia = (*LocalMedia)(nil)

func (m *LocalMedia) Audio() core.LocalTrack { return m.audio }

func (m *LocalMedia) Video() core.LocalTrack {
	if m.video == nil {
		return nil
	}
	return m.video
}

func (m *LocalMedia) tracks() []*LocalTrack {
	if m.video == nil {
		return []*LocalTrack{m.audio}
	}
	return []*LocalTrack{m.audio, m.video}
}

func (m *LocalMedia) Stop() {
	for _, t := range m.tracks() {
		t.Stop()
	}
}
