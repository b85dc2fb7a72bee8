package models

import "time"

// ServiceStatus is the persisted status of a supervised service
type ServiceStatus string

// Persisted service statuses
const (
	StatusUnknown          ServiceStatus = "unknown"
	StatusActive           ServiceStatus = "active"
	StatusStopped          ServiceStatus = "stopped"
	StatusError            ServiceStatus = "error"
	StatusRecovered        ServiceStatus = "recovered"
	StatusDisabledByConfig ServiceStatus = "disabled_by_config"
	StatusCircuitOpen      ServiceStatus = "circuit_open"
	StatusDegraded         ServiceStatus = "degraded"
	StatusUnhealthy        ServiceStatus = "unhealthy"
	StatusHealthy          ServiceStatus = "healthy"
)

// ServiceState is the durable per-service state document written through
// the settings repository. Config and Stats hold the sanitized snapshots,
// never the live structs.
type ServiceState struct {
	Status        ServiceStatus          `json:"status"`
	Running       bool                   `json:"running"`
	LastCheck     *time.Time             `json:"last_check,omitempty"`
	LastStarted   *time.Time             `json:"last_started,omitempty"`
	LastStopped   *time.Time             `json:"last_stopped,omitempty"`
	LastError     string                 `json:"last_error,omitempty"`
	LastErrorTime *time.Time             `json:"last_error_time,omitempty"`
	UpdateCount   int64                  `json:"update_count"`
	Config        map[string]interface{} `json:"config,omitempty"`
	Stats         map[string]interface{} `json:"stats,omitempty"`
}

// CircuitStatus summarizes breaker health for operators
type CircuitStatus string

// Circuit statuses
const (
	CircuitOpen     CircuitStatus = "open"
	CircuitDegraded CircuitStatus = "degraded"
	CircuitClosed   CircuitStatus = "closed"
	CircuitUnknown  CircuitStatus = "unknown"
)

// CircuitReport is the derived breaker status plus supporting detail
type CircuitReport struct {
	Status  CircuitStatus          `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}
