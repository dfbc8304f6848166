// Package watcher turns the shared call registry into a stream of
// invitations addressed to one participant.
package watcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const reapTimeout = 5 * time.Second

type EventKind int

const (
	// Incoming: a fresh invitation for us.
	Incoming EventKind = iota
	// Withdrawn: a surfaced invitation is no longer answerable.
	Withdrawn
)

func (k EventKind) String() string {
	if k == Incoming {
		return "incoming"
	}
	return "withdrawn"
}

type Event struct {
	Kind       EventKind
	Invitation domain.Invitation
}

type surfaced struct {
	inv   domain.Invitation
	timer *time.Timer
}

// Watcher follows calls/ and reports invitations for self that are still
// calling and younger than the ringing window. Each call id is surfaced at
// most once. Stale records addressed to self are ended and, after grace,
// removed.
type Watcher struct {
	store  core.SignalStore
	self   domain.ParticipantID
	window time.Duration
	grace  time.Duration
	emit   func(Event)
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	live    map[domain.CallID]*surfaced
	seen    map[domain.CallID]struct{}
	reaped  map[domain.CallID]struct{}
	unsub   core.Unsubscribe
	stopped bool
	done    chan struct{}

	emitMu   sync.Mutex
	cleanups conc.WaitGroup
}

// New builds a watcher for invitations to self. window is the ringing
// window; grace is how long a reaped record stays before it is deleted.
func New(store core.SignalStore, self domain.ParticipantID, window, grace time.Duration, emit func(Event)) *Watcher {
	return &Watcher{
		store:  store,
		self:   self,
		window: window,
		grace:  grace,
		emit:   emit,
		now:    time.Now,
		logger: log.With().Str("module", "watcher").Str("self", string(self)).Logger(),
		live:   make(map[domain.CallID]*surfaced),
		seen:   make(map[domain.CallID]struct{}),
		reaped: make(map[domain.CallID]struct{}),
		done:   make(chan struct{}),
	}
}

func (w *Watcher) Start(ctx context.Context) error {
	unsub, err := w.store.Subscribe(ctx, domain.CallsRoot, w.onSnapshot)
	if err != nil {
		return fmt.Errorf("watch calls: %w", err)
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		unsub()
		return nil
	}
	w.unsub = unsub
	w.mu.Unlock()
	w.logger.Info().Dur("window", w.window).Msg("watching for calls")
	return nil
}

// Stop releases the subscription and every expiry timer, then waits for
// pending record removals, which skip what is left of their grace delay.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
	}
	unsub := w.unsub
	w.unsub = nil
	for id, s := range w.live {
		s.timer.Stop()
		delete(w.live, id)
	}
	w.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	w.cleanups.Wait()
}

// MarkAccepted stops tracking id: once we answer a call its status changes
// are the session's business, not an invitation withdrawal.
func (w *Watcher) MarkAccepted(id domain.CallID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s, ok := w.live[id]; ok {
		s.timer.Stop()
		delete(w.live, id)
	}
}

// Pending returns the surfaced invitations, oldest first.
func (w *Watcher) Pending() []domain.Invitation {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.Invitation, 0, len(w.live))
	for _, s := range w.live {
		out = append(out, s.inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Lookup returns the surfaced invitation for id.
func (w *Watcher) Lookup(id domain.CallID) (domain.Invitation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.live[id]
	if !ok {
		return domain.Invitation{}, false
	}
	return s.inv, true
}

func (w *Watcher) onSnapshot(snap core.Snapshot) {
	records, present := w.decode(snap)
	now := w.now()

	var events []Event
	var reap []domain.CallID

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	for id, rec := range records {
		if rec.CalleeID != w.self {
			continue
		}
		age := now.Sub(rec.Created())
		fresh := rec.Status == domain.StatusCalling && age < w.window

		if s, ok := w.live[id]; ok {
			if !fresh {
				s.timer.Stop()
				delete(w.live, id)
				events = append(events, Event{Kind: Withdrawn, Invitation: s.inv})
			}
		} else if fresh {
			if _, dup := w.seen[id]; !dup {
				inv := rec.Invitation(id)
				w.seen[id] = struct{}{}
				w.live[id] = &surfaced{
					inv:   inv,
					timer: time.AfterFunc(w.window-age, func() { w.expire(id) }),
				}
				events = append(events, Event{Kind: Incoming, Invitation: inv})
			}
		}

		stale := age >= w.window && (rec.Status == domain.StatusCalling || rec.Status.IsTerminal())
		if stale {
			if _, done := w.reaped[id]; !done {
				w.reaped[id] = struct{}{}
				reap = append(reap, id)
			}
		}
	}
	for id, s := range w.live {
		if !present[id] {
			s.timer.Stop()
			delete(w.live, id)
			events = append(events, Event{Kind: Withdrawn, Invitation: s.inv})
		}
	}
	// Ids are unique, so a record that is gone never needs remembering.
	for id := range w.seen {
		if !present[id] {
			delete(w.seen, id)
		}
	}
	for id := range w.reaped {
		if !present[id] {
			delete(w.reaped, id)
		}
	}
	w.mu.Unlock()

	w.publish(events)
	for _, id := range reap {
		w.reap(id)
	}
}

// expire withdraws an invitation whose ringing window ran out without any
// store traffic, and marks it ended for everyone.
func (w *Watcher) expire(id domain.CallID) {
	w.mu.Lock()
	s, ok := w.live[id]
	if !ok || w.stopped {
		w.mu.Unlock()
		return
	}
	delete(w.live, id)
	_, already := w.reaped[id]
	w.reaped[id] = struct{}{}
	w.mu.Unlock()

	w.logger.Info().Str("call_id", string(id)).Msg("invitation expired")
	w.publish([]Event{{Kind: Withdrawn, Invitation: s.inv}})
	if !already {
		w.reap(id)
	}
}

// reap ends a stale invitation so it stops ringing everywhere, then removes
// the record after the grace delay. A stale record that is already terminal
// was left behind by a side that went away; it is only removed.
func (w *Watcher) reap(id domain.CallID) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()

	snap, err := w.store.Read(ctx, domain.StatusPath(id))
	if err != nil || !snap.Exists {
		return
	}
	var st domain.CallStatus
	if err := snap.Decode(&st); err != nil {
		return
	}
	switch {
	case st == domain.StatusCalling:
		if err := w.store.Write(ctx, domain.StatusPath(id), domain.StatusEnded); err != nil {
			w.logger.Warn().Err(err).Str("call_id", string(id)).Msg("stale call not reaped")
			return
		}
		w.logger.Info().Str("call_id", string(id)).Msg("stale call reaped")
	case st.IsTerminal():
		w.logger.Debug().Str("call_id", string(id)).Str("status", string(st)).Msg("stale record left behind")
	default:
		return
	}
	w.scheduleDelete(id)
}

// scheduleDelete removes the record once grace has passed, or right away
// when the watcher is stopping.
func (w *Watcher) scheduleDelete(id domain.CallID) {
	w.mu.Lock()
	stopped := w.stopped
	if !stopped {
		w.cleanups.Go(func() {
			t := time.NewTimer(w.grace)
			defer t.Stop()
			select {
			case <-t.C:
			case <-w.done:
			}
			w.remove(id)
		})
	}
	w.mu.Unlock()
	if stopped {
		w.remove(id)
	}
}

func (w *Watcher) remove(id domain.CallID) {
	ctx, cancel := context.WithTimeout(context.Background(), reapTimeout)
	defer cancel()
	if err := w.store.Delete(ctx, domain.CallPath(id)); err != nil {
		w.logger.Warn().Err(err).Str("call_id", string(id)).Msg("stale record not removed")
		return
	}
	w.logger.Debug().Str("call_id", string(id)).Msg("stale record removed")
}

func (w *Watcher) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	w.emitMu.Lock()
	defer w.emitMu.Unlock()
	for _, e := range events {
		w.logger.Debug().Str("call_id", string(e.Invitation.ID)).Str("event", e.Kind.String()).Msg("invitation event")
		w.emit(e)
	}
}

// decode reads the registry tolerantly: only record headers are decoded, and
// records whose header does not decode are skipped but still reported in
// present.
func (w *Watcher) decode(snap core.Snapshot) (map[domain.CallID]domain.CallHeader, map[domain.CallID]bool) {
	out := make(map[domain.CallID]domain.CallHeader)
	present := make(map[domain.CallID]bool)
	if !snap.Exists {
		return out, present
	}
	var raw map[domain.CallID]json.RawMessage
	if err := snap.Decode(&raw); err != nil {
		w.logger.Warn().Err(err).Msg("call registry undecodable")
		return out, present
	}
	for id, r := range raw {
		present[id] = true
		var h domain.CallHeader
		if err := json.Unmarshal(r, &h); err != nil {
			w.logger.Debug().Err(err).Str("call_id", string(id)).Msg("skipping record")
			continue
		}
		out[id] = h
	}
	return out, present
}
