package rtc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RemoteMedia counts what the peer sends across all of its tracks.
type RemoteMedia struct {
	mu    sync.Mutex
	kinds []string

	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (r *RemoteMedia) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}

func (r *RemoteMedia) Packets() uint64 { return r.packets.Load() }
func (r *RemoteMedia) Bytes() uint64 { return r.bytes.Load() }

func (r *RemoteMedia) addKind(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.kinds {
		if k == kind {
			return
		}
	}
	r.kinds = append(r.kinds, kind)
}

func (r *RemoteMedia) count(pkt *rtp.Packet) {
	r.packets.Add(1)
	r.bytes.Add(uint64(len(pkt.Payload)))
}

// drain reads RTP from src until ctx ends or the track closes. Playback is
// not part of this client, so packets are only counted.
func (r *RemoteMedia) drain(ctx context.Context, src *webrtc.TrackRemote, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("remote drain ctx done")
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Uint64("packets", r.Packets()).Msg("remote track ended")
			return
		}
		r.count(pkt)
	}
}
