// Package models defines the shared domain types for the skyduel
// supervision plane: service metadata and configuration, runtime
// statistics, persisted state documents, dispatcher events, and the
// administrative/audit records.
package models

import (
	"fmt"
	"time"
)

// Layer identifies the startup layer a service belongs to. Layers are
// initialized in a fixed order: infrastructure, data, contest, wallet.
type Layer string

// Startup layers in initialization order
const (
	LayerInfrastructure Layer = "infrastructure"
	LayerData           Layer = "data"
	LayerContest        Layer = "contest"
	LayerWallet         Layer = "wallet"
)

// LayerOrder returns all layers in initialization order.
func LayerOrder() []Layer {
	return []Layer{LayerInfrastructure, LayerData, LayerContest, LayerWallet}
}

// ServiceMetadata describes a service's identity and placement in the
// dependency graph. Metadata is immutable once the service is registered.
type ServiceMetadata struct {
	// Name is the stable textual identity used everywhere: registry keys,
	// persisted state keys, control-surface subscriptions
	Name string `json:"name"`

	// DisplayName is the human-readable name shown on the control surface
	DisplayName string `json:"display_name"`

	// Layer determines initialization ordering across services
	Layer Layer `json:"layer"`

	// CriticalLevel is advisory severity weighting for alerting; 0 when unset
	CriticalLevel int `json:"critical_level,omitempty"`

	Description string `json:"description,omitempty"`

	// Dependencies are the names of services that must initialize first
	Dependencies []string `json:"dependencies,omitempty"`
}

// BackoffConfig controls retry pacing for a service's own retries
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Factor       float64       `json:"factor" mapstructure:"factor"`
}

// BreakerConfig holds the per-service circuit breaker tuning
type BreakerConfig struct {
	Enabled             bool          `json:"enabled" mapstructure:"enabled"`
	FailureThreshold    int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout        time.Duration `json:"reset_timeout" mapstructure:"reset_timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
	MonitoringWindow    time.Duration `json:"monitoring_window" mapstructure:"monitoring_window"`
	MaxRecoveryAttempts int           `json:"max_recovery_attempts" mapstructure:"max_recovery_attempts"`
	BackoffMultiplier   float64       `json:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	Description         string        `json:"description,omitempty" mapstructure:"description"`
}

// ServiceConfig is the full runtime configuration of a supervised
// service. The persisted wire form is produced separately via the safe
// snapshot accessors; this struct is never written to storage directly.
type ServiceConfig struct {
	Name           string        `json:"name" mapstructure:"name"`
	CheckInterval  time.Duration `json:"check_interval" mapstructure:"check_interval"`
	MaxRetries     int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	Backoff        BackoffConfig `json:"backoff" mapstructure:"backoff"`
	CircuitBreaker BreakerConfig `json:"circuit_breaker" mapstructure:"circuit_breaker"`
	Layer          Layer         `json:"layer" mapstructure:"layer"`
	CriticalLevel  int           `json:"critical_level,omitempty" mapstructure:"critical_level"`
	Dependencies   []string      `json:"dependencies,omitempty" mapstructure:"dependencies"`
}

// DefaultBreakerConfig returns the breaker tuning used when a service
// does not override it.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		FailureThreshold:    5,
		ResetTimeout:        60 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		MonitoringWindow:    5 * time.Minute,
		MaxRecoveryAttempts: 3,
		BackoffMultiplier:   2.0,
	}
}

// DefaultServiceConfig returns a configuration with sane defaults for
// the given service name and layer.
func DefaultServiceConfig(name string, layer Layer) ServiceConfig {
	return ServiceConfig{
		Name:          name,
		CheckInterval: 30 * time.Second,
		MaxRetries:    3,
		RetryDelay:    5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
		},
		CircuitBreaker: DefaultBreakerConfig(),
		Layer:          layer,
	}
}

// Validate checks the numeric invariants of the configuration.
func (c ServiceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("service config: name is required")
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("service config %s: check_interval must be positive", c.Name)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("service config %s: max_retries must be non-negative", c.Name)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("service config %s: retry_delay must be non-negative", c.Name)
	}
	if c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("service config %s: backoff.initial_delay must be positive", c.Name)
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("service config %s: backoff.max_delay must be >= initial_delay", c.Name)
	}
	if c.Backoff.Factor <= 1 {
		return fmt.Errorf("service config %s: backoff.factor must be > 1", c.Name)
	}
	return c.CircuitBreaker.Validate(c.Name)
}

// Validate checks the breaker invariants.
func (b BreakerConfig) Validate(service string) error {
	if !b.Enabled {
		return nil
	}
	if b.FailureThreshold <= 0 {
		return fmt.Errorf("breaker config %s: failure_threshold must be positive", service)
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("breaker config %s: reset_timeout must be positive", service)
	}
	if b.HealthCheckInterval <= 0 {
		return fmt.Errorf("breaker config %s: health_check_interval must be positive", service)
	}
	if b.MonitoringWindow <= 0 {
		return fmt.Errorf("breaker config %s: monitoring_window must be positive", service)
	}
	if b.MaxRecoveryAttempts < 0 {
		return fmt.Errorf("breaker config %s: max_recovery_attempts must be non-negative", service)
	}
	if b.BackoffMultiplier <= 1 {
		return fmt.Errorf("breaker config %s: backoff_multiplier must be > 1", service)
	}
	return nil
}
