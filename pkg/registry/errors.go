package registry

import "github.com/pkg/errors"

// Typed registry errors. Admin surfaces match on these to pick the
// error code returned to the operator.
var (
	// ErrServiceNotFound is returned when an operation names a service
	// that was never registered.
	ErrServiceNotFound = errors.New("service not found")

	// ErrInvalidService is returned when a registration candidate is nil,
	// unnamed, or missing required metadata.
	ErrInvalidService = errors.New("invalid service")

	// ErrDeprecatedService is returned when a registration names a
	// retired service identifier.
	ErrDeprecatedService = errors.New("service is deprecated")

	// ErrCyclicDependency is returned when a registration would introduce
	// a dependency cycle. The registry is left unchanged.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrDependencyFailed is returned when a service cannot initialize
	// because one of its dependencies failed and is not disabled by the
	// active profile.
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrServiceDisabled is returned when an admin action targets a
	// service the active profile has disabled.
	ErrServiceDisabled = errors.New("service disabled by active profile")
)
