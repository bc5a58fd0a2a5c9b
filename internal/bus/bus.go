// Package bus implements the in-process event bus used by every overseer
// component. Delivery is synchronous on the emitting goroutine: handlers run
// in subscription order before Emit returns, so within one supervisor events
// are observed in the order operations complete.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single emission on the bus.
type Event struct {
	// Seq is a monotonically increasing sequence number assigned at emit time.
	Seq       uint64
	Name      string
	Timestamp time.Time
	Payload   map[string]interface{}
}

// Handler receives events synchronously. Handlers must not block for long;
// the emitter waits for them.
type Handler func(Event)

// Bus dispatches named events to subscribers. A nil *Bus is a valid no-op
// emitter so components can run without wiring one up.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   int
	sequence atomic.Uint64
}

type subscription struct {
	id      int
	handler Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[string][]subscription)}
}

// Subscribe registers a handler for an event name. The name "*" matches every
// event. A name ending in ":*" matches the prefix before the colon
// (e.g. "task:*" matches "task:updated"). Returns an unsubscribe func.
func (b *Bus) Subscribe(name string, h Handler) func() {
	if b == nil || h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, handler: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[name]
		for i, s := range subs {
			if s.id == id {
				b.handlers[name] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Emit dispatches an event to all matching subscribers, synchronously and in
// subscription order. Safe to call on a nil bus.
func (b *Bus) Emit(name string, payload map[string]interface{}) {
	if b == nil {
		return
	}
	ev := Event{
		Seq:       b.sequence.Add(1),
		Name:      name,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.RLock()
	targets := make([]Handler, 0, 4)
	for _, s := range b.handlers[name] {
		targets = append(targets, s.handler)
	}
	for _, s := range b.handlers["*"] {
		targets = append(targets, s.handler)
	}
	if idx := strings.IndexByte(name, ':'); idx > 0 {
		for _, s := range b.handlers[name[:idx]+":*"] {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(ev)
	}
}

// TotalEmitted returns how many events have been emitted so far.
func (b *Bus) TotalEmitted() uint64 {
	if b == nil {
		return 0
	}
	return b.sequence.Load()
}

// Stats holds bus statistics.
type Stats struct {
	SubscriberCount int
	TotalEmitted    uint64
}

// GetStats returns current bus statistics.
func (b *Bus) GetStats() Stats {
	if b == nil {
		return Stats{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, subs := range b.handlers {
		count += len(subs)
	}
	return Stats{SubscriberCount: count, TotalEmitted: b.sequence.Load()}
}
