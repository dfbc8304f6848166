// Package store holds the SignalStore adapters: an in-process tree store and a
// websocket client for the hub that serves one.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrClosed = errors.New("store closed")

// Compile-time interface check.
var _ core.SignalStore = (*Memory)(nil)

// Memory is a JSON tree addressed by slash separated paths, with change
// subscriptions. Writing null (or a nil value) removes a node; empty parents
// are pruned, so an absent path and an empty object are the same thing.
type Memory struct {
	mu     sync.Mutex
	root   map[string]any
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	workers conc.WaitGroup
	logger  zerolog.Logger
}

func NewMemory() *Memory {
	return &Memory{
		root:   make(map[string]any),
		subs:   make(map[uint64]*subscription),
		logger: log.With().Str("module", "store.memory").Logger(),
	}
}

func (m *Memory) Write(_ context.Context, path string, v any) error {
	val, err := normalizeValue(v)
	if err != nil {
		return err
	}
	return m.mutate(cleanPath(path), val)
}

func (m *Memory) Read(_ context.Context, path string) (core.Snapshot, error) {
	p := cleanPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.Snapshot{}, ErrClosed
	}
	return m.snapshotLocked(p), nil
}

func (m *Memory) Append(ctx context.Context, path string, v any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	key := id.String()
	if err := m.Write(ctx, cleanPath(path)+"/"+key, v); err != nil {
		return "", err
	}
	return key, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	return m.mutate(cleanPath(path), nil)
}

func (m *Memory) Subscribe(_ context.Context, path string, fn func(core.Snapshot)) (core.Unsubscribe, error) {
	p := cleanPath(path)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	id := m.nextID
	sub := newSubscription(p, fn)
	m.subs[id] = sub
	sub.push(m.snapshotLocked(p))
	m.mu.Unlock()

	m.workers.Go(sub.run)
	m.logger.Debug().Str("path", p).Uint64("sub", id).Msg("subscribed")

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		sub.stop()
	}, nil
}

// SubscriberCount reports live subscriptions. Used to check that sessions
// leave no listeners behind.
func (m *Memory) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close stops every subscription and waits for in-flight deliveries.
func (m *Memory) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[uint64]*subscription)
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	m.workers.Wait()
}

func (m *Memory) mutate(p string, val any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if p == "" {
		if obj, ok := val.(map[string]any); ok {
			m.root = obj
		} else {
			m.root = make(map[string]any)
		}
	} else {
		setPath(m.root, strings.Split(p, "/"), val)
	}
	for _, s := range m.subs {
		if related(s.path, p) {
			s.push(m.snapshotLocked(s.path))
		}
	}
	return nil
}

func (m *Memory) snapshotLocked(p string) core.Snapshot {
	var node any = m.root
	if p != "" {
		for _, seg := range strings.Split(p, "/") {
			obj, ok := node.(map[string]any)
			if !ok {
				return core.Snapshot{Path: p}
			}
			if node, ok = obj[seg]; !ok {
				return core.Snapshot{Path: p}
			}
		}
	}
	if obj, ok := node.(map[string]any); ok && len(obj) == 0 {
		return core.Snapshot{Path: p}
	}
	raw, err := json.Marshal(node)
	if err != nil {
		m.logger.Error().Err(err).Str("path", p).Msg("snapshot marshal")
		return core.Snapshot{Path: p}
	}
	return core.Snapshot{Path: p, Exists: true, Value: raw}
}

// setPath stores val under segs, creating objects on the way and pruning
// objects left empty by a removal. Returns whether obj is now empty.
func setPath(obj map[string]any, segs []string, val any) bool {
	key := segs[0]
	if len(segs) == 1 {
		if val == nil {
			delete(obj, key)
		} else {
			obj[key] = val
		}
		return len(obj) == 0
	}
	child, ok := obj[key].(map[string]any)
	if !ok {
		if val == nil {
			return len(obj) == 0
		}
		child = make(map[string]any)
		obj[key] = child
	}
	if setPath(child, segs[1:], val) {
		delete(obj, key)
	}
	return len(obj) == 0
}

// normalizeValue round-trips v through JSON so the tree only ever holds
// maps, slices and scalars it owns.
func normalizeValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func cleanPath(p string) string {
	return strings.Trim(p, "/")
}

// related reports whether a change at b can alter the value seen at a.
func related(a, b string) bool {
	if a == "" || b == "" || a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// subscription delivers snapshots in order on its own goroutine so a slow
// listener never blocks writers.
type subscription struct {
	path string
	fn   func(core.Snapshot)

	mu      sync.Mutex
	queue   []core.Snapshot
	stopped bool
	wake    chan struct{}
}

func newSubscription(path string, fn func(core.Snapshot)) *subscription {
	return &subscription{
		path: path,
		fn:   fn,
		wake: make(chan struct{}, 1),
	}
}

func (s *subscription) push(snap core.Snapshot) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, snap)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

func (s *subscription) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.queue = nil
	close(s.wake)
	s.mu.Unlock()
}

func (s *subscription) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if s.stopped || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			snap := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			s.fn(snap)
		}
	}
}
