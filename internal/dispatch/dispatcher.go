// ABOUTME: Per-category listener registry fanning inbound push events to subscribers.
// ABOUTME: Snapshot iteration and recover-isolation keep one handler from blocking the rest.

package dispatch

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/skylane/skylane-messaging/internal/event"
)

// Handler consumes a dispatched push event.
type Handler func(ev *event.PushEvent)

// subscriber pairs a handler with its registration id so unregistration
// removes exactly that handler.
type subscriber struct {
	id string
	fn Handler
}

// Dispatcher delivers each event to every handler currently registered for
// its category, in registration order. There is no priority, coalescing, or
// backpressure: every event reaches every subscriber exactly once, in the
// order the transport delivered it.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[event.Category][]subscriber
	logger *slog.Logger
}

// New creates a dispatcher. Pass nil logger for the default.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:   make(map[event.Category][]subscriber),
		logger: logger.With("component", "dispatch"),
	}
}

// Register adds a handler for a category and returns a function that
// removes exactly that handler. The returned function is idempotent.
func (d *Dispatcher) Register(cat event.Category, fn Handler) func() {
	id := uuid.New().String()

	d.mu.Lock()
	d.subs[cat] = append(d.subs[cat], subscriber{id: id, fn: fn})
	d.mu.Unlock()

	d.logger.Debug("handler registered", "category", cat, "sub_id", id)

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		list := d.subs[cat]
		for i, sub := range list {
			if sub.id == id {
				d.subs[cat] = append(list[:i:i], list[i+1:]...)
				d.logger.Debug("handler removed", "category", cat, "sub_id", id)
				return
			}
		}
	}
}

// Dispatch delivers ev to a snapshot of the handlers registered for cat.
// A handler unregistering itself or another during dispatch cannot corrupt
// iteration, and a panicking handler does not prevent delivery to the rest.
func (d *Dispatcher) Dispatch(cat event.Category, ev *event.PushEvent) {
	d.mu.RLock()
	snapshot := make([]subscriber, len(d.subs[cat]))
	copy(snapshot, d.subs[cat])
	d.mu.RUnlock()

	for _, sub := range snapshot {
		d.invoke(cat, sub, ev)
	}
}

// invoke runs a single handler with panic isolation.
func (d *Dispatcher) invoke(cat event.Category, sub subscriber, ev *event.PushEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"category", cat,
				"sub_id", sub.id,
				"panic", r)
		}
	}()
	sub.fn(ev)
}

// HandlerCount returns the number of handlers registered for a category.
func (d *Dispatcher) HandlerCount(cat event.Category) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[cat])
}
