package models

import "time"

// OperationStats counts operation outcomes. successful + failed == total
// at all times.
type OperationStats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// PerformanceStats tracks operation timing
type PerformanceStats struct {
	LastOperationTimeMs    float64 `json:"last_operation_time_ms"`
	AverageOperationTimeMs float64 `json:"average_operation_time_ms"`
}

// BreakerStats tracks the circuit breaker's view of a service. Zero time
// values mean "never".
type BreakerStats struct {
	IsOpen              bool      `json:"is_open"`
	Failures            int       `json:"failures"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastReset           time.Time `json:"last_reset,omitempty"`
	RecoveryAttempts    int       `json:"recovery_attempts"`
	LastRecoveryAttempt time.Time `json:"last_recovery_attempt,omitempty"`
}

// HistoryStats tracks lifecycle history
type HistoryStats struct {
	LastStarted         time.Time `json:"last_started,omitempty"`
	LastStopped         time.Time `json:"last_stopped,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorTime       time.Time `json:"last_error_time,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// ServiceStats is the complete mutable runtime statistics for one
// service. The owning service mutates it under its own lock; everyone
// else sees value copies.
type ServiceStats struct {
	Operations     OperationStats   `json:"operations"`
	Performance    PerformanceStats `json:"performance"`
	CircuitBreaker BreakerStats     `json:"circuit_breaker"`
	History        HistoryStats     `json:"history"`
}

// NewServiceStats returns zeroed statistics.
func NewServiceStats() ServiceStats {
	return ServiceStats{}
}
