package services

import "github.com/pkg/errors"

// Lifecycle errors returned by Service methods
var (
	ErrNilOperation      = errors.New("service operation is nil")
	ErrNotInitialized    = errors.New("service not initialized")
	ErrAlreadyRunning    = errors.New("service already running")
	ErrNotRunning        = errors.New("service not running")
	ErrOperationInFlight = errors.New("operation already in flight")
)
