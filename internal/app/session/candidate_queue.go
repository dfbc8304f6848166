package session

import (
	"fmt"
	"sync"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// CandidateApplier is what the queue feeds. core.MediaConnection satisfies it.
type CandidateApplier interface {
	AddICECandidate(webrtc.ICECandidateInit) error
}

// CandidateQueue holds remote candidates until the remote description is in
// place, then applies them in arrival order. Every apply happens under the
// queue lock, so buffered and live candidates never interleave.
type CandidateQueue struct {
	mu      sync.Mutex
	target  CandidateApplier
	pending []domain.Candidate
	ready   bool
	closed  bool
	applied int
	failed  int
	logger  zerolog.Logger
}

func NewCandidateQueue(logger zerolog.Logger) *CandidateQueue {
	return &CandidateQueue{logger: logger}
}

// Add applies c right away once the queue is flushed, otherwise buffers it.
func (q *CandidateQueue) Add(c domain.Candidate) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if !q.ready {
		q.pending = append(q.pending, c)
		return
	}
	q.applyLocked(c)
}

// Flush binds the queue to target, applies everything buffered in order and
// switches to pass-through. Calling it again is a no-op.
func (q *CandidateQueue) Flush(target CandidateApplier) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.ready {
		return
	}
	q.target = target
	q.ready = true
	pending := q.pending
	q.pending = nil
	for _, c := range pending {
		q.applyLocked(c)
	}
	q.logger.Debug().Int("flushed", len(pending)).Msg("candidate queue flushed")
}

// Close discards buffered candidates and ignores later ones.
func (q *CandidateQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.target = nil
	q.mu.Unlock()
}

// Pending reports how many candidates wait for Flush.
func (q *CandidateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats reports applied and rejected candidate counts.
func (q *CandidateQueue) Stats() (applied, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.applied, q.failed
}

func (q *CandidateQueue) applyLocked(c domain.Candidate) {
	if err := applyCandidate(q.target, c); err != nil {
		q.failed++
		q.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("candidate skipped")
		return
	}
	q.applied++
}

func applyCandidate(target CandidateApplier, c domain.Candidate) error {
	if c.Candidate == "" {
		return fmt.Errorf("%w: empty candidate line", ErrMalformedCandidate)
	}
	if err := target.AddICECandidate(toICECandidateInit(c)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCandidate, err)
	}
	return nil
}

func toICECandidateInit(c domain.Candidate) webrtc.ICECandidateInit {
	idx := c.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMLineIndex: &idx,
	}
	if c.SDPMid != "" {
		mid := c.SDPMid
		init.SDPMid = &mid
	}
	if c.UsernameFragment != "" {
		ufrag := c.UsernameFragment
		init.UsernameFragment = &ufrag
	}
	return init
}

func fromICECandidateInit(init webrtc.ICECandidateInit, now int64) domain.Candidate {
	c := domain.Candidate{Candidate: init.Candidate, Timestamp: now}
	if init.SDPMLineIndex != nil {
		c.SDPMLineIndex = *init.SDPMLineIndex
	}
	if init.SDPMid != nil {
		c.SDPMid = *init.SDPMid
	}
	if init.UsernameFragment != nil {
		c.UsernameFragment = *init.UsernameFragment
	}
	return c
}
