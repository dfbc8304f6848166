package session

import (
	"sort"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// candidateFeed turns snapshots of a candidates/<participant> list into a
// stream of new candidates. Push keys sort in append order, so sorting the
// unseen keys of each snapshot keeps the sender's order.
type candidateFeed struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	emit   func(domain.Candidate)
	logger zerolog.Logger
}

func newCandidateFeed(emit func(domain.Candidate), logger zerolog.Logger) *candidateFeed {
	return &candidateFeed{
		seen:   make(map[string]struct{}),
		emit:   emit,
		logger: logger,
	}
}

func (f *candidateFeed) OnSnapshot(snap core.Snapshot) {
	if !snap.Exists {
		return
	}
	var entries map[string]json.RawMessage
	if err := snap.Decode(&entries); err != nil {
		f.logger.Warn().Err(err).Str("path", snap.Path).Msg("candidate list undecodable")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	fresh := make([]string, 0, len(entries))
	for key := range entries {
		if _, ok := f.seen[key]; !ok {
			fresh = append(fresh, key)
		}
	}
	sort.Strings(fresh)

	for _, key := range fresh {
		f.seen[key] = struct{}{}
		var c domain.Candidate
		if err := json.Unmarshal(entries[key], &c); err != nil {
			f.logger.Warn().Err(err).Str("key", key).Msg("candidate undecodable")
			continue
		}
		f.emit(c)
	}
}

func (f *candidateFeed) Seen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
