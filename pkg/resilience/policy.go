// Package resilience implements the per-service circuit breaker policy
// as pure functions over breaker statistics and configuration. Keeping
// the policy stateless makes breaker behavior deterministic and
// testable independent of any concrete service.
package resilience

import (
	"math"
	"time"

	"github.com/skyduel/skyduel/pkg/models"
)

// IsHealthy reports whether a service looks healthy under the breaker
// policy. It is false when the breaker is open, failures have reached
// the threshold, the last failure is within the reset timeout, or no
// success has been recorded within the monitoring window.
func IsHealthy(breaker models.BreakerStats, cfg models.BreakerConfig, now time.Time) bool {
	if breaker.IsOpen {
		return false
	}
	if cfg.FailureThreshold > 0 && breaker.Failures >= cfg.FailureThreshold {
		return false
	}
	if !breaker.LastFailure.IsZero() && now.Sub(breaker.LastFailure) < cfg.ResetTimeout {
		return false
	}
	if breaker.LastSuccess.IsZero() || now.Sub(breaker.LastSuccess) > cfg.MonitoringWindow {
		return false
	}
	return true
}

// ShouldReset reports whether an open breaker is due for a recovery
// attempt. The effective reset timeout grows by backoffMultiplier for
// every recovery attempt beyond maxRecoveryAttempts.
func ShouldReset(breaker models.BreakerStats, cfg models.BreakerConfig, now time.Time) bool {
	if !breaker.IsOpen {
		return false
	}
	if breaker.LastFailure.IsZero() {
		// Open with no recorded failure: nothing to wait out
		return true
	}
	elapsed := float64(now.Sub(breaker.LastFailure))
	return elapsed >= effectiveResetTimeout(breaker.RecoveryAttempts, cfg)
}

// BackoffDelay returns the delay before the next recovery attempt:
// resetTimeout * backoffMultiplier^attempts, capped at the monitoring
// window. The result is always positive; callers clamp to >= 1s.
func BackoffDelay(recoveryAttempts int, cfg models.BreakerConfig) time.Duration {
	if recoveryAttempts < 0 {
		recoveryAttempts = 0
	}

	delay := float64(cfg.ResetTimeout) * math.Pow(cfg.BackoffMultiplier, float64(recoveryAttempts))

	ceiling := float64(cfg.MonitoringWindow)
	if ceiling > 0 && (delay > ceiling || math.IsInf(delay, 1) || math.IsNaN(delay)) {
		delay = ceiling
	}
	if delay <= 0 {
		return time.Second
	}
	return time.Duration(delay)
}

func effectiveResetTimeout(attempts int, cfg models.BreakerConfig) float64 {
	timeout := float64(cfg.ResetTimeout)
	if attempts > cfg.MaxRecoveryAttempts {
		timeout *= math.Pow(cfg.BackoffMultiplier, float64(attempts-cfg.MaxRecoveryAttempts))
	}
	return timeout
}

// Status derives the operator-facing circuit status from breaker
// statistics.
func Status(breaker models.BreakerStats) models.CircuitReport {
	details := map[string]interface{}{
		"is_open":           breaker.IsOpen,
		"failures":          breaker.Failures,
		"recovery_attempts": breaker.RecoveryAttempts,
	}
	if !breaker.LastFailure.IsZero() {
		details["last_failure"] = breaker.LastFailure.UTC().Format(time.RFC3339)
	}
	if !breaker.LastSuccess.IsZero() {
		details["last_success"] = breaker.LastSuccess.UTC().Format(time.RFC3339)
	}
	if !breaker.LastReset.IsZero() {
		details["last_reset"] = breaker.LastReset.UTC().Format(time.RFC3339)
	}

	var status models.CircuitStatus
	switch {
	case breaker.IsOpen:
		status = models.CircuitOpen
	case breaker.Failures > 0:
		status = models.CircuitDegraded
	case breaker.LastSuccess.IsZero() && breaker.LastFailure.IsZero() && breaker.LastReset.IsZero():
		status = models.CircuitUnknown
	default:
		status = models.CircuitClosed
	}

	return models.CircuitReport{Status: status, Details: details}
}
