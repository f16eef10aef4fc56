// Package eventbus is the in-process fan-out that hands core results to the
// outbound collaborators: feed regeneration, tagging, alerts and metrics.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is one published result. Data is a value of one of the payload
// types in events.go (or a task engine event).
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Emit publishes data under typ on b. A nil bus is ignored.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

// Dropped reports how many deliveries b discarded for slow subscribers,
// or 0 when b does not track it.
func Dropped(b Bus) uint64 {
	if d, ok := b.(interface{ Dropped() uint64 }); ok {
		return d.Dropped()
	}
	return 0
}

type memBus struct {
	// mu is held for reading during delivery, so unsubscribe (which takes
	// it for writing) never closes a channel mid-send.
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
