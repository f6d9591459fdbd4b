package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHistory is the number of events an InMemoryBus retains.
const DefaultHistory = 1000

// InMemoryBus is a thread-safe in-process Bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[Type][]handlerEntry
	nextID   int
	history  []*Event
	maxHist  int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates a bus retaining up to maxHistory events. A
// non-positive value uses DefaultHistory.
func NewInMemoryBus(maxHistory int) *InMemoryBus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &InMemoryBus{
		handlers: make(map[Type][]handlerEntry),
		maxHist:  maxHistory,
	}
}

// Publish fills in a missing id and timestamp, appends ev to history and
// calls matching handlers outside the lock.
func (b *InMemoryBus) Publish(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	var targets []Handler
	for _, e := range b.handlers[ev.Type] {
		targets = append(targets, e.handler)
	}
	if ev.Type != "" {
		for _, e := range b.handlers[""] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d handler error(s): %v", ev.Type, len(errs), errs[0])
	}
	return nil
}

// Subscribe registers handler for typ; an empty typ receives every event.
func (b *InMemoryBus) Subscribe(typ Type, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[typ] = append(b.handlers[typ], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[typ]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, typ)
		} else {
			b.handlers[typ] = filtered
		}
	}
}

// History returns the most recent events matching f in chronological order.
func (b *InMemoryBus) History(f Filter) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*Event
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if !f.matches(ev) {
			continue
		}
		result = append(result, ev)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result
}

// Discard is a Bus that drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, *Event) error { return nil }

func (Discard) Subscribe(Type, Handler) func() { return func() {} }

func (Discard) History(Filter) []*Event { return nil }
