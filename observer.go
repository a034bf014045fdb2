// Package txnsvc provides Observer pattern interfaces for container events.
// Events use the CloudEvents specification for standardized event format
// and better interoperability with external systems.
package txnsvc

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type for convenience.
type CloudEvent = cloudevents.Event

// Container lifecycle event types.
const (
	EventServiceInstalled = "com.txnsvc.service.installed"
	EventServiceStarted   = "com.txnsvc.service.started"
	EventServiceFailed    = "com.txnsvc.service.failed"
	EventServiceStopped   = "com.txnsvc.service.stopped"
	EventServiceRemoved   = "com.txnsvc.service.removed"
	EventRegistryEnabled  = "com.txnsvc.registry.enabled"
	EventRegistryDisabled = "com.txnsvc.registry.disabled"
)

// Observer defines the interface for objects that want to be notified of
// container events. Observers register with a registry to receive
// notifications when service lifecycles change.
type Observer interface {
	// OnEvent is called when an event occurs that the observer is
	// interested in. Observers should handle events quickly to avoid
	// blocking other observers.
	OnEvent(ctx context.Context, event CloudEvent) error

	// ObserverID returns a unique identifier for this observer, used for
	// registration tracking and debugging.
	ObserverID() string
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc struct {
	ID string
	Fn func(ctx context.Context, event CloudEvent) error
}

// OnEvent calls the wrapped function.
func (o ObserverFunc) OnEvent(ctx context.Context, event CloudEvent) error {
	return o.Fn(ctx, event)
}

// ObserverID returns the configured identifier.
func (o ObserverFunc) ObserverID() string {
	return o.ID
}

// NewCloudEvent creates a new CloudEvent with the given type, source and
// payload.
func NewCloudEvent(eventType, source string, data any) CloudEvent {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	return event
}

// generateEventID generates a unique identifier for CloudEvents using
// UUIDv7, which provides time-ordered uniqueness. Falls back to v4 if v7
// generation fails for any reason.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// observerRegistry tracks registered observers and their event type
// filters.
type observerRegistry struct {
	mu      sync.RWMutex
	entries []observerEntry
}

type observerEntry struct {
	observer   Observer
	eventTypes []string
}

// register adds an observer, optionally filtered to specific event types.
// An empty filter receives all events.
func (r *observerRegistry) register(observer Observer, eventTypes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.observer.ObserverID() == observer.ObserverID() {
			r.entries[i] = observerEntry{observer: observer, eventTypes: eventTypes}
			return
		}
	}
	r.entries = append(r.entries, observerEntry{observer: observer, eventTypes: eventTypes})
}

// unregister removes an observer. Unknown observers are ignored.
func (r *observerRegistry) unregister(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.observer.ObserverID() == observer.ObserverID() {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// notify delivers the event to every interested observer. Observer errors
// are reported to the logger and never propagate.
func (r *observerRegistry) notify(event CloudEvent, logger Logger) {
	r.mu.RLock()
	entries := make([]observerEntry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()
	ctx := context.Background()
	for _, e := range entries {
		if !e.interested(event.Type()) {
			continue
		}
		if err := e.observer.OnEvent(ctx, event); err != nil {
			logger.Error("Observer failed to handle event",
				"observer", e.observer.ObserverID(), "eventType", event.Type(), "error", err)
		}
	}
}

func (e observerEntry) interested(eventType string) bool {
	if len(e.eventTypes) == 0 {
		return true
	}
	for _, t := range e.eventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// serviceEventData is the CloudEvents payload for service lifecycle events.
type serviceEventData struct {
	Service  string `json:"service"`
	Registry string `json:"registry"`
	State    string `json:"state"`
	Mode     string `json:"mode"`
}
