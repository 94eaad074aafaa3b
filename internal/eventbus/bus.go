package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatch pipeline.
const (
	CycleStarted    = "scheduler.cycle.started"
	CycleFinished   = "scheduler.cycle.finished"
	CycleFailed     = "scheduler.cycle.failed"
	DispatchStarted = "dispatch.started"
	DispatchDone    = "dispatch.finished"
	DispatchFailed  = "dispatch.failed"
	DispatchSkipped = "dispatch.skipped"
	TimerDelivered  = "timer.delivered"
	TimerAdvanced   = "timer.advanced"
	TimerRetired    = "timer.retired"
	TimerFailed     = "timer.failed"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
)

// Event is an in-memory signal. Data should be small and JSON-serializable.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
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
	// Sending under the read lock keeps unsubscribe (which closes the
	// channel under the write lock) from racing with a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
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
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Nop discards everything. Useful where a Bus is optional.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
