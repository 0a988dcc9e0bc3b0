// Package eventbus carries in-process notifications between the
// dispatcher and anything that wants to react to call lifecycle
// changes without holding a reference to the dispatcher itself.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduling engine.
const (
	CallFired       = "call.fired"
	CallFailed      = "call.failed"
	CallSkipped     = "call.skipped"
	CallRescheduled = "call.rescheduled"
)

// CallEvent is the payload attached to every call.* event.
type CallEvent struct {
	CallID  string
	OwnerID int64
	Message string
	// Attempts is how many delivery tries the occurrence took.
	Attempts int
	// Err is set for call.failed and call.skipped.
	Err string
}

// Event is a lightweight in-memory signal.
//
// Publish never blocks; a subscriber that falls behind its channel
// buffer loses events rather than stalling the dispatcher.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.send(ch, e)
	}
}

// send drops when the channel is full and tolerates a concurrent
// unsubscribe closing it under us.
func (b *memBus) send(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
