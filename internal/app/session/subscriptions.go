package session

import (
	"sync"

	"github.com/dkeye/peercall/internal/core"
)

// Purposes a session subscribes for. At most one live subscription each.
const (
	subAnswer     = "answer"
	subStatus     = "status"
	subCandidates = "candidates"
)

// subscriptions tracks the store listeners a session owns, keyed by purpose,
// so teardown can release all of them in one sweep.
type subscriptions struct {
	mu     sync.Mutex
	closed bool
	byName map[string]core.Unsubscribe
}

func newSubscriptions() *subscriptions {
	return &subscriptions{byName: make(map[string]core.Unsubscribe)}
}

// Bind registers unsub under purpose. Returns false, after releasing unsub,
// when the registry is already closed.
func (r *subscriptions) Bind(purpose string, unsub core.Unsubscribe) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		unsub()
		return false
	}
	old := r.byName[purpose]
	r.byName[purpose] = unsub
	r.mu.Unlock()
	if old != nil {
		old()
	}
	return true
}

// Release drops one subscription early.
func (r *subscriptions) Release(purpose string) {
	r.mu.Lock()
	unsub := r.byName[purpose]
	delete(r.byName, purpose)
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (r *subscriptions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}

// CloseAll releases every subscription. Later Binds are refused.
func (r *subscriptions) CloseAll() {
	r.mu.Lock()
	r.closed = true
	all := r.byName
	r.byName = make(map[string]core.Unsubscribe)
	r.mu.Unlock()
	for _, unsub := range all {
		unsub()
	}
}
