package session

import (
	"sync"

	"github.com/dkeye/peercall/internal/domain"
)

// notifier delivers status changes to listeners in order on one goroutine,
// so a listener may call back into the session without deadlocking.
type notifier struct {
	mu        sync.Mutex
	listeners []func(domain.CallStatus)
	queue     []domain.CallStatus
	closed    bool
	wake      chan struct{}
	done      chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) Listen(fn func(domain.CallStatus)) {
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

func (n *notifier) Push(st domain.CallStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, st)
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close delivers what is queued, then stops.
func (n *notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	close(n.wake)
}

func (n *notifier) run() {
	defer close(n.done)
	for range n.wake {
		n.drain()
	}
	n.drain()
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		st := n.queue[0]
		n.queue = n.queue[1:]
		listeners := append([]func(domain.CallStatus){}, n.listeners...)
		n.mu.Unlock()
		for _, fn := range listeners {
			fn(st)
		}
	}
}
