package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the core. Data payloads are documented next to
// each constant; subscribers must tolerate unknown types.
const (
	// Data: jobs.ExecutionEvent
	TypeExecutionFinished = "execution.finished"
	// Data: jobs.Job (already broken, ErrorMessage holds the cause)
	TypeJobQuarantined = "job.quarantined"
	// Data: storage.AuditEntry
	TypeJobTransition = "job.transition"
	// Data: scheduler.StoreError
	TypeStoreError = "scheduler.store_error"
	// Data: notifier.NotificationEvent
	TypeNotifyQueued  = "notifier.queued"
	TypeNotifySent    = "notifier.sent"
	TypeNotifyDeduped = "notifier.deduped"
	TypeNotifyFailed  = "notifier.failed"
	TypeNotifyDropped = "notifier.dropped"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*subscriber
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Hold the read lock across sends: sends are non-blocking, and unsubscribe
	// takes the write lock before closing, so a closed channel is never sent on.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
	return s.ch, unsub
}

// Nop is a bus that discards everything. Useful as a default collaborator.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
