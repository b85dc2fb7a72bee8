// Package services defines the supervised service contract and the
// BaseService runtime every concrete service embeds: a periodic
// operation loop, mutex-guarded statistics, a per-service circuit
// breaker with timed recovery probes, and sanitized snapshot accessors
// that are the only payloads other components ever see.
package services

import (
	"context"

	"github.com/skyduel/skyduel/pkg/models"
)

// OperationFunc is the unit of work a service performs on each tick.
// Operations must be idempotent: a stop does not wait for an in-flight
// invocation.
type OperationFunc func(ctx context.Context) error

// StateSource supplies previously persisted service state during
// initialization. The registry implements this over the settings store.
type StateSource interface {
	ServiceState(ctx context.Context, name string) (*models.ServiceState, error)
}

// Service is the contract the orchestrator supervises
type Service interface {
	Name() string
	Metadata() models.ServiceMetadata
	Config() models.ServiceConfig

	// Initialize prepares the service and restores curated persisted
	// state. It returns (false, nil) when the service is disabled by the
	// active profile.
	Initialize(ctx context.Context) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	IsInitialized() bool
	IsStarted() bool
	IsHealthy() bool

	// PerformOperation runs one supervised operation immediately on the
	// same recording path the periodic tick uses.
	PerformOperation(ctx context.Context) error

	Stats() models.ServiceStats
	SafeConfig() map[string]interface{}
	SafeStats() map[string]interface{}
	CircuitStatus() models.CircuitReport

	SetStateSource(source StateSource)
	SetDisabled(disabled bool)
	ResetCircuitBreaker(ctx context.Context) error
	ApplyConfig(changes map[string]interface{}) error
}
