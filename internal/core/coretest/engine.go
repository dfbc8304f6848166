// Package coretest provides an in-memory MediaEngine for tests. Connections
// never move media on their own; tests drive their state explicitly.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrNoRemoteDescription = errors.New("remote description not set")
	ErrBadCandidate        = errors.New("bad candidate")
)

var (
	_ core.MediaEngine     = (*Engine)(nil)
	_ core.MediaConnection = (*Conn)(nil)
)

// Engine hands out Media and Conn values and remembers them.
type Engine struct {
	mu       sync.Mutex
	mediaErr error
	connErr  error
	media    []*Media
	conns    []*Conn
	connCh   chan *Conn
}

func NewEngine() *Engine {
	return &Engine{connCh: make(chan *Conn, 16)}
}

// FailMedia makes every later CreateLocalMedia fail with err.
func (e *Engine) FailMedia(err error) {
	e.mu.Lock()
	e.mediaErr = err
	e.mu.Unlock()
}

// FailConnections makes every later NewConnection fail with err.
func (e *Engine) FailConnections(err error) {
	e.mu.Lock()
	e.connErr = err
	e.mu.Unlock()
}

func (e *Engine) CreateLocalMedia(_ context.Context, kind domain.CallKind) (core.LocalMedia, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mediaErr != nil {
		return nil, e.mediaErr
	}
	m := &Media{audio: newTrack("audio")}
	if kind.HasVideo() {
		m.video = newTrack("video")
	}
	e.media = append(e.media, m)
	return m, nil
}

func (e *Engine) NewConnection(_ context.Context, id domain.CallID) (core.MediaConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connErr != nil {
		return nil, e.connErr
	}
	c := &Conn{id: id}
	e.conns = append(e.conns, c)
	select {
	case e.connCh <- c:
	default:
	}
	return c, nil
}

// Connections delivers connections as they are created.
func (e *Engine) Connections() <-chan *Conn { return e.connCh }

func (e *Engine) Conns() []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Conn(nil), e.conns...)
}

func (e *Engine) Media() []*Media {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Media(nil), e.media...)
}

type Track struct {
	kind    string
	enabled atomic.Bool
	stopped atomic.Bool
}

func newTrack(kind string) *Track {
	t := &Track{kind: kind}
	t.enabled.Store(true)
	return t
}

func (t *Track) Kind() string { return t.kind }
func (t *Track) Enabled() bool { return t.enabled.Load() }
func (t *Track) SetEnabled(v bool) { t.enabled.Store(v) }
func (t *Track) Stop() { t.stopped.Store(true) }
func (t *Track) Stopped() bool { return t.stopped.Load() }

type Media struct {
	audio *Track
	video *Track
}

func (m *Media) Audio() core.LocalTrack { return m.audio }

func (m *Media) Video() core.LocalTrack {
	if m.video == nil {
		return nil
	}
	return m.video
}

func (m *Media) Stop() {
	m.audio.Stop()
	if m.video != nil {
		m.video.Stop()
	}
}

// Stopped reports whether every track was stopped.
func (m *Media) Stopped() bool {
	return m.audio.Stopped() && (m.video == nil || m.video.Stopped())
}

type Remote struct {
	kinds []string
}

func (r Remote) Kinds() []string { return r.kinds }
func (r Remote) Packets() uint64 { return 0 }
func (r Remote) Bytes() uint64 { return 0 }

// Conn records what the session does to it. AddICECandidate fails before a
// remote description is set, like a real engine, and for candidate lines
// containing "malformed".
type Conn struct {
	id domain.CallID

	mu         sync.Mutex
	local      core.LocalMedia
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	applied    []string
	rejected   []string
	closed     bool

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(core.RemoteMedia)
	onState     func(core.ConnState)
}

func (c *Conn) ID() domain.CallID { return c.id }

func (c *Conn) AddLocalMedia(m core.LocalMedia) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local = m
	return nil
}

func (c *Conn) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s", c.id)}
	c.localDesc = &sd
	return sd, nil
}

func (c *Conn) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%s", c.id)}
	c.localDesc = &sd
	return sd, nil
}

func (c *Conn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc != nil {
		return errors.New("remote description already set")
	}
	c.remoteDesc = &sd
	return nil
}

func (c *Conn) AddICECandidate(init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteDesc == nil {
		return ErrNoRemoteDescription
	}
	if strings.Contains(init.Candidate, "malformed") {
		c.rejected = append(c.rejected, init.Candidate)
		return ErrBadCandidate
	}
	c.applied = append(c.applied, init.Candidate)
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(core.RemoteMedia)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Close fires ConnClosed like a real engine does.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(core.ConnClosed)
	}
}

// EmitCandidate reports a locally gathered candidate.
func (c *Conn) EmitCandidate(line string) {
	c.mu.Lock()
	fn := c.onCandidate
	c.mu.Unlock()
	if fn == nil {
		return
	}
	idx := uint16(0)
	mid := "0"
	fn(webrtc.ICECandidateInit{Candidate: line, SDPMid: &mid, SDPMLineIndex: &idx})
}

// SetState reports a transport state change.
func (c *Conn) SetState(st core.ConnState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

// EmitTrack reports remote media of the given kinds.
func (c *Conn) EmitTrack(kinds ...string) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(Remote{kinds: kinds})
	}
}

func (c *Conn) Applied() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.applied...)
}

func (c *Conn) Rejected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.rejected...)
}

func (c *Conn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteDesc
}

func (c *Conn) LocalDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localDesc
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
