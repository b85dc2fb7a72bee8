// Package dispatcher provides the in-process event dispatcher that
// carries supervision events between services and the orchestrator.
// Fan-out is synchronous: handlers run on the emitter's goroutine in
// registration order, so a handler observes events in global emission
// order. Handlers must be fast, must not block, and must not re-enter
// Emit; long work belongs on the handler's own goroutine.
package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
)

// Handler receives dispatched events
type Handler func(event models.Event)

// SubscriptionID identifies one registered handler
type SubscriptionID string

type registration struct {
	id      SubscriptionID
	handler Handler
}

// Dispatcher is the in-process supervision event bus
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[models.EventKind][]registration

	// emitMu serializes emissions so handlers observe a single global order
	emitMu sync.Mutex

	logger  observability.Logger
	metrics observability.MetricsClient
}

// New creates a dispatcher. The metrics client may be nil.
func New(logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Dispatcher{
		handlers: make(map[models.EventKind][]registration),
		logger:   logger,
		metrics:  metrics,
	}
}

// On registers a handler for the given event kind and returns its
// subscription id.
func (d *Dispatcher) On(kind models.EventKind, handler Handler) SubscriptionID {
	id := SubscriptionID(uuid.New().String())

	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], registration{id: id, handler: handler})

	return id
}

// Off removes the handler registered under id for the given kind. It
// reports whether a handler was removed.
func (d *Dispatcher) Off(kind models.EventKind, id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[kind]
	for i, reg := range regs {
		if reg.id == id {
			d.handlers[kind] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// OffAll removes every handler for the given kind.
func (d *Dispatcher) OffAll(kind models.EventKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, kind)
}

// RemoveAll removes every handler for every kind.
func (d *Dispatcher) RemoveAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = make(map[models.EventKind][]registration)
}

// Emit synchronously invokes every handler registered for kind, in
// registration order. Handler panics are recovered and logged; they
// never reach the emitter.
func (d *Dispatcher) Emit(kind models.EventKind, name string, payload map[string]interface{}) {
	event := models.Event{
		Kind:      kind,
		Name:      name,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	d.mu.RLock()
	regs := make([]registration, len(d.handlers[kind]))
	copy(regs, d.handlers[kind])
	d.mu.RUnlock()

	if d.metrics != nil {
		d.metrics.RecordEvent(name, string(kind))
	}

	for _, reg := range regs {
		d.invoke(reg, event)
	}
}

func (d *Dispatcher) invoke(reg registration, event models.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Event handler panicked", map[string]interface{}{
				"kind":         string(event.Kind),
				"service":      event.Name,
				"subscription": string(reg.id),
				"panic":        fmt.Sprint(r),
			})
		}
	}()
	reg.handler(event)
}

// HandlerCount returns the number of handlers registered for kind.
func (d *Dispatcher) HandlerCount(kind models.EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}
