package models

import "time"

// EventKind names an in-process dispatcher event
type EventKind string

// Dispatcher event kinds. The supervisor listens on the service:* kinds;
// system:* and maintenance:* are emitted by operators and the composition
// root.
const (
	EventServiceInitialized    EventKind = "service:initialized"
	EventServiceStarted        EventKind = "service:started"
	EventServiceStopped        EventKind = "service:stopped"
	EventServiceError          EventKind = "service:error"
	EventServiceHeartbeat      EventKind = "service:heartbeat"
	EventServiceCircuitBreaker EventKind = "service:circuit_breaker"
	EventServiceStatusChange   EventKind = "service:status_change"
	EventSystemAlert           EventKind = "system:alert"
	EventMaintenanceStart      EventKind = "maintenance:start"
	EventMaintenanceEnd        EventKind = "maintenance:end"
)

// Event is a single in-process dispatcher event. Payload must be safe
// to serialize; services only ever attach sanitized snapshots.
type Event struct {
	Kind      EventKind              `json:"kind"`
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}
