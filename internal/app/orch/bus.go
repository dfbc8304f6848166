package orch

import (
	"sync"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventIncoming  EventType = "incoming"
	EventWithdrawn EventType = "withdrawn"
	EventStatus    EventType = "status"
)

// Event is what UI surfaces learn about calls.
type Event struct {
	Type       EventType
	CallID     domain.CallID
	Invitation *domain.Invitation
	Status     domain.CallStatus
	Err        error
}

const defaultBusBuffer = 32

// Bus fans events out to subscribers. A subscriber that falls behind loses
// events rather than stalling the publisher.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	next   uint64
	buffer int
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBusBuffer
	}
	return &Bus{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Warn().Str("module", "orch.bus").Uint64("sub", id).Str("type", string(e.Type)).Msg("event dropped")
		}
	}
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
