package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skyduel/skyduel/pkg/alerting"
	"github.com/skyduel/skyduel/pkg/dispatcher"
	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/observability"
	"github.com/skyduel/skyduel/pkg/resilience"
)

// Deps carries the collaborators shared by every supervised service.
// Nil fields fall back to no-op implementations.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Alerter    alerting.Alerter
	Logger     observability.Logger
	Metrics    observability.MetricsClient
}

// BaseService implements the Service contract. Concrete services embed
// *BaseService and supply their operation to NewBaseService.
type BaseService struct {
	metadata models.ServiceMetadata

	configMu sync.RWMutex
	config   models.ServiceConfig

	statsMu sync.RWMutex
	stats   models.ServiceStats

	// runMu guards the run context, ticker and recovery timer
	runMu         sync.Mutex
	runCtx        context.Context
	cancel        context.CancelFunc
	ticker        *time.Ticker
	recoveryTimer *time.Timer

	initialized atomic.Bool
	started     atomic.Bool
	disabled    atomic.Bool
	inFlight    atomic.Bool

	operation   OperationFunc
	stateSource StateSource

	dispatcher *dispatcher.Dispatcher
	alerter    alerting.Alerter
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewBaseService creates a supervised service around the given operation.
func NewBaseService(metadata models.ServiceMetadata, config models.ServiceConfig, operation OperationFunc, deps Deps) (*BaseService, error) {
	if operation == nil {
		return nil, ErrNilOperation
	}
	if config.Name == "" {
		config.Name = metadata.Name
	}
	if config.Layer == "" {
		config.Layer = metadata.Layer
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	alerter := deps.Alerter
	if alerter == nil {
		alerter = alerting.NewNoopAlerter()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	return &BaseService{
		metadata:   metadata,
		config:     config,
		stats:      models.NewServiceStats(),
		operation:  operation,
		dispatcher: deps.Dispatcher,
		alerter:    alerter,
		logger:     logger.WithPrefix(metadata.Name),
		metrics:    metrics,
	}, nil
}

// Name returns the service's stable identity.
func (s *BaseService) Name() string {
	return s.metadata.Name
}

// Metadata returns the immutable service metadata.
func (s *BaseService) Metadata() models.ServiceMetadata {
	return s.metadata
}

// Config returns a copy of the current configuration.
func (s *BaseService) Config() models.ServiceConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config
}

// SetStateSource injects the persisted state source consulted during
// Initialize. Must be called before Initialize.
func (s *BaseService) SetStateSource(source StateSource) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.stateSource = source
}

// SetDisabled marks the service as disabled by the active profile.
func (s *BaseService) SetDisabled(disabled bool) {
	s.disabled.Store(disabled)
}

// IsInitialized reports whether Initialize completed.
func (s *BaseService) IsInitialized() bool {
	return s.initialized.Load()
}

// IsStarted reports whether the operation loop is running.
func (s *BaseService) IsStarted() bool {
	return s.started.Load()
}

// IsHealthy reports whether the service is started and its breaker
// history looks healthy. A started service with no operation history
// yet counts as healthy.
func (s *BaseService) IsHealthy() bool {
	if !s.started.Load() {
		return false
	}
	cfg := s.breakerConfig()
	if !cfg.Enabled {
		return true
	}
	s.statsMu.RLock()
	breaker := s.stats.CircuitBreaker
	s.statsMu.RUnlock()
	if breaker.LastSuccess.IsZero() && breaker.Failures == 0 && !breaker.IsOpen {
		return true
	}
	return resilience.IsHealthy(breaker, cfg, time.Now())
}

// Initialize restores curated persisted state and marks the service
// ready to start. A breaker left open by a previous run is always
// cleared; a verification probe is scheduled instead.
func (s *BaseService) Initialize(ctx context.Context) (bool, error) {
	if s.disabled.Load() {
		s.logger.Info("Service disabled by active profile", map[string]interface{}{
			"service": s.Name(),
		})
		return false, nil
	}
	if s.initialized.Load() {
		return true, nil
	}

	priorOpen := false
	if s.stateSource != nil {
		state, err := s.stateSource.ServiceState(ctx, s.Name())
		if err != nil {
			s.logger.Warn("Failed to load persisted state, starting fresh", map[string]interface{}{
				"service": s.Name(),
				"error":   err.Error(),
			})
		} else if state != nil {
			priorOpen = s.restoreCurated(state)
		}
	}

	// A restored open breaker must never survive a fresh boot
	now := time.Now()
	s.statsMu.Lock()
	s.stats.CircuitBreaker.IsOpen = false
	s.stats.CircuitBreaker.Failures = 0
	s.stats.CircuitBreaker.LastReset = now
	recoveryAttempts := s.stats.CircuitBreaker.RecoveryAttempts
	s.statsMu.Unlock()

	s.initialized.Store(true)

	if priorOpen {
		cfg := s.breakerConfig()
		s.logger.Warn("Previous run left the circuit breaker open, scheduling verification probe", map[string]interface{}{
			"service":           s.Name(),
			"recovery_attempts": recoveryAttempts,
		})
		s.scheduleRecovery(resilience.BackoffDelay(recoveryAttempts, cfg))
	}

	s.emit(models.EventServiceInitialized, nil)
	s.logger.Info("Service initialized", map[string]interface{}{
		"service": s.Name(),
		"layer":   string(s.metadata.Layer),
	})
	return true, nil
}

// Start launches the periodic operation loop.
func (s *BaseService) Start(ctx context.Context) error {
	if !s.initialized.Load() {
		return ErrNotInitialized
	}

	s.runMu.Lock()
	if s.started.Load() {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.cancel = cancel
	ticker := time.NewTicker(s.checkInterval())
	s.ticker = ticker
	s.started.Store(true)
	s.runMu.Unlock()

	s.statsMu.Lock()
	s.stats.History.LastStarted = time.Now()
	s.statsMu.Unlock()

	go s.run(runCtx, ticker)

	s.emit(models.EventServiceStarted, nil)
	s.logger.Info("Service started", map[string]interface{}{
		"service":           s.Name(),
		"check_interval_ms": s.checkInterval().Milliseconds(),
	})
	return nil
}

// Stop cancels the operation loop and any pending recovery timer. It
// does not wait for an in-flight operation. Stopping a stopped service
// is a no-op.
func (s *BaseService) Stop(ctx context.Context) error {
	s.runMu.Lock()
	if !s.started.Load() {
		s.runMu.Unlock()
		return nil
	}
	s.started.Store(false)
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
	s.runCtx = nil
	s.runMu.Unlock()

	s.statsMu.Lock()
	s.stats.History.LastStopped = time.Now()
	s.statsMu.Unlock()

	s.emit(models.EventServiceStopped, nil)
	s.logger.Info("Service stopped", map[string]interface{}{
		"service": s.Name(),
	})
	return nil
}

// PerformOperation runs one supervised operation, feeding the outcome
// into the statistics and circuit breaker. If an operation is already
// in flight it returns ErrOperationInFlight without running.
func (s *BaseService) PerformOperation(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return ErrOperationInFlight
	}
	defer s.inFlight.Store(false)

	startTime := time.Now()
	err := s.operation(ctx)
	elapsed := time.Since(startTime)

	if err != nil {
		s.handleError(ctx, err, elapsed)
		return err
	}
	s.recordSuccess(elapsed)
	return nil
}

func (s *BaseService) run(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one scheduled supervision pass. Ticks are serialized per
// service: an in-flight operation makes the tick a no-op.
func (s *BaseService) tick(ctx context.Context) {
	if !s.started.Load() {
		return
	}

	cfg := s.breakerConfig()
	if cfg.Enabled {
		s.statsMu.RLock()
		breaker := s.stats.CircuitBreaker
		s.statsMu.RUnlock()

		if breaker.IsOpen {
			if resilience.ShouldReset(breaker, cfg, time.Now()) {
				s.attemptCircuitRecovery(ctx)
			} else {
				s.logger.Debug("Skipping tick, circuit breaker open", map[string]interface{}{
					"service":  s.Name(),
					"failures": breaker.Failures,
				})
			}
			return
		}
	}

	if err := s.PerformOperation(ctx); err == ErrOperationInFlight {
		s.logger.Debug("Skipping tick, operation still in flight", map[string]interface{}{
			"service": s.Name(),
		})
	}
}

func (s *BaseService) recordSuccess(elapsed time.Duration) {
	now := time.Now()
	ms := float64(elapsed) / float64(time.Millisecond)

	s.statsMu.Lock()
	s.stats.Operations.Total++
	s.stats.Operations.Successful++
	s.stats.Performance.LastOperationTimeMs = ms
	s.stats.Performance.AverageOperationTimeMs = cumulativeAverage(
		s.stats.Performance.AverageOperationTimeMs, ms, s.stats.Operations.Total)
	s.stats.CircuitBreaker.LastSuccess = now
	s.stats.CircuitBreaker.Failures = 0
	s.stats.History.ConsecutiveFailures = 0
	s.statsMu.Unlock()

	s.metrics.RecordServiceOperation(s.Name(), true, elapsed.Seconds())
	s.emit(models.EventServiceHeartbeat, nil)
}

func (s *BaseService) handleError(ctx context.Context, opErr error, elapsed time.Duration) {
	now := time.Now()
	ms := float64(elapsed) / float64(time.Millisecond)
	cfg := s.breakerConfig()

	s.statsMu.Lock()
	s.stats.Operations.Total++
	s.stats.Operations.Failed++
	s.stats.Performance.LastOperationTimeMs = ms
	s.stats.Performance.AverageOperationTimeMs = cumulativeAverage(
		s.stats.Performance.AverageOperationTimeMs, ms, s.stats.Operations.Total)
	s.stats.History.ConsecutiveFailures++
	s.stats.History.LastError = opErr.Error()
	s.stats.History.LastErrorTime = now
	s.stats.CircuitBreaker.Failures++
	s.stats.CircuitBreaker.LastFailure = now
	opened := false
	if cfg.Enabled && !s.stats.CircuitBreaker.IsOpen && s.stats.CircuitBreaker.Failures >= cfg.FailureThreshold {
		s.stats.CircuitBreaker.IsOpen = true
		opened = true
	}
	failures := s.stats.CircuitBreaker.Failures
	consecutive := s.stats.History.ConsecutiveFailures
	s.statsMu.Unlock()

	s.metrics.RecordServiceOperation(s.Name(), false, elapsed.Seconds())
	s.logger.Error("Service operation failed", map[string]interface{}{
		"service":              s.Name(),
		"error":                opErr.Error(),
		"failures":             failures,
		"consecutive_failures": consecutive,
	})
	s.emit(models.EventServiceError, map[string]interface{}{
		"error": opErr.Error(),
	})

	if opened {
		s.logger.Error("Circuit breaker opened", map[string]interface{}{
			"service":           s.Name(),
			"failures":          failures,
			"failure_threshold": cfg.FailureThreshold,
		})
		s.metrics.RecordCircuitBreakerState(s.Name(), "open", true)
		s.emit(models.EventServiceCircuitBreaker, map[string]interface{}{
			"status":   "open",
			"failures": failures,
		})

		// Alert delivery is best-effort and must not stall the loop
		go func() {
			_ = s.alerter.SendServiceStatusAlert(context.Background(), s.Name(), alerting.StatusDown,
				fmt.Sprintf("circuit breaker opened after %d consecutive failures: %v", consecutive, opErr))
		}()

		s.attemptCircuitRecovery(ctx)
	}
}

// attemptCircuitRecovery drives the breaker back to closed. When the
// breaker is not yet due for reset it reschedules itself; when due it
// temporarily closes the breaker, runs one probe operation, and either
// completes the recovery or reopens and backs off.
func (s *BaseService) attemptCircuitRecovery(ctx context.Context) {
	if !s.started.Load() {
		return
	}
	cfg := s.breakerConfig()
	if !cfg.Enabled {
		return
	}

	now := time.Now()
	s.statsMu.Lock()
	breaker := s.stats.CircuitBreaker
	if !breaker.IsOpen {
		// Closed since this probe was scheduled, nothing to recover
		s.statsMu.Unlock()
		return
	}
	if !resilience.ShouldReset(breaker, cfg, now) {
		s.statsMu.Unlock()
		s.scheduleRecovery(resilience.BackoffDelay(breaker.RecoveryAttempts, cfg))
		return
	}
	// Probe window: close the breaker for one supervised attempt
	s.stats.CircuitBreaker.IsOpen = false
	s.statsMu.Unlock()

	if !s.inFlight.CompareAndSwap(false, true) {
		s.statsMu.Lock()
		s.stats.CircuitBreaker.IsOpen = true
		s.statsMu.Unlock()
		s.scheduleRecovery(time.Second)
		return
	}

	s.logger.Info("Attempting circuit breaker recovery", map[string]interface{}{
		"service":           s.Name(),
		"recovery_attempts": breaker.RecoveryAttempts,
	})
	probeErr := s.operation(ctx)
	s.inFlight.Store(false)

	now = time.Now()
	s.statsMu.Lock()
	if probeErr == nil && s.stats.CircuitBreaker.Failures > 0 {
		s.stats.CircuitBreaker.Failures--
	}
	if probeErr == nil && s.stats.CircuitBreaker.Failures < cfg.FailureThreshold {
		s.stats.CircuitBreaker.IsOpen = false
		s.stats.CircuitBreaker.LastReset = now
		s.stats.CircuitBreaker.LastSuccess = now
		s.stats.CircuitBreaker.RecoveryAttempts = 0
		failures := s.stats.CircuitBreaker.Failures
		s.statsMu.Unlock()

		s.logger.Info("Circuit breaker recovered", map[string]interface{}{
			"service": s.Name(),
		})
		s.metrics.RecordCircuitBreakerState(s.Name(), "closed", false)
		s.emit(models.EventServiceCircuitBreaker, map[string]interface{}{
			"status":   "recovered",
			"failures": failures,
		})
		go func() {
			_ = s.alerter.SendServiceStatusAlert(context.Background(), s.Name(), alerting.StatusRecovered,
				"circuit breaker closed after successful recovery probe")
		}()
		return
	}

	// Probe failed or failures still at threshold: reopen and back off
	s.stats.CircuitBreaker.IsOpen = true
	s.stats.CircuitBreaker.Failures++
	if probeErr != nil {
		s.stats.CircuitBreaker.LastFailure = now
	}
	s.stats.CircuitBreaker.RecoveryAttempts++
	s.stats.CircuitBreaker.LastRecoveryAttempt = now
	attempts := s.stats.CircuitBreaker.RecoveryAttempts
	s.statsMu.Unlock()

	if probeErr != nil {
		s.logger.Warn("Circuit breaker recovery probe failed", map[string]interface{}{
			"service":           s.Name(),
			"error":             probeErr.Error(),
			"recovery_attempts": attempts,
		})
	}
	s.scheduleRecovery(resilience.BackoffDelay(attempts, cfg))
}

// scheduleRecovery arms the one-shot recovery timer, replacing any
// pending one. Delays are clamped to at least one second.
func (s *BaseService) scheduleRecovery(delay time.Duration) {
	if delay < time.Second {
		delay = time.Second
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
	}
	s.recoveryTimer = time.AfterFunc(delay, func() {
		s.attemptCircuitRecovery(s.currentRunContext())
	})

	s.logger.Debug("Scheduled circuit breaker recovery", map[string]interface{}{
		"service":  s.Name(),
		"delay_ms": delay.Milliseconds(),
	})
}

func (s *BaseService) currentRunContext() context.Context {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.runCtx != nil {
		return s.runCtx
	}
	return context.Background()
}

// ResetCircuitBreaker closes the breaker and clears its counters. Used
// by operators through the admin surface.
func (s *BaseService) ResetCircuitBreaker(ctx context.Context) error {
	now := time.Now()
	s.statsMu.Lock()
	wasOpen := s.stats.CircuitBreaker.IsOpen
	s.stats.CircuitBreaker.IsOpen = false
	s.stats.CircuitBreaker.Failures = 0
	s.stats.CircuitBreaker.RecoveryAttempts = 0
	s.stats.CircuitBreaker.LastReset = now
	s.statsMu.Unlock()

	s.runMu.Lock()
	if s.recoveryTimer != nil {
		s.recoveryTimer.Stop()
		s.recoveryTimer = nil
	}
	s.runMu.Unlock()

	s.metrics.RecordCircuitBreakerState(s.Name(), "closed", false)
	s.emit(models.EventServiceCircuitBreaker, map[string]interface{}{
		"status":   "reset",
		"was_open": wasOpen,
	})
	s.logger.Info("Circuit breaker manually reset", map[string]interface{}{
		"service":  s.Name(),
		"was_open": wasOpen,
	})
	return nil
}

// ApplyConfig merges recognized fields from changes into the live
// configuration. Unrecognized keys are ignored; an update that would
// produce an invalid configuration is rejected wholesale.
func (s *BaseService) ApplyConfig(changes map[string]interface{}) error {
	s.configMu.Lock()
	updated := s.config
	if ms, ok := int64Field(changes, "check_interval_ms"); ok && ms > 0 {
		updated.CheckInterval = time.Duration(ms) * time.Millisecond
	}
	if n, ok := int64Field(changes, "max_retries"); ok && n >= 0 {
		updated.MaxRetries = int(n)
	}
	if ms, ok := int64Field(changes, "retry_delay_ms"); ok && ms >= 0 {
		updated.RetryDelay = time.Duration(ms) * time.Millisecond
	}
	if cb, ok := childMap(changes, "circuit_breaker"); ok {
		if v, ok := boolField(cb, "enabled"); ok {
			updated.CircuitBreaker.Enabled = v
		}
		if n, ok := int64Field(cb, "failure_threshold"); ok {
			updated.CircuitBreaker.FailureThreshold = int(n)
		}
		if ms, ok := int64Field(cb, "reset_timeout_ms"); ok {
			updated.CircuitBreaker.ResetTimeout = time.Duration(ms) * time.Millisecond
		}
		if ms, ok := int64Field(cb, "health_check_interval_ms"); ok {
			updated.CircuitBreaker.HealthCheckInterval = time.Duration(ms) * time.Millisecond
		}
		if ms, ok := int64Field(cb, "monitoring_window_ms"); ok {
			updated.CircuitBreaker.MonitoringWindow = time.Duration(ms) * time.Millisecond
		}
		if n, ok := int64Field(cb, "max_recovery_attempts"); ok {
			updated.CircuitBreaker.MaxRecoveryAttempts = int(n)
		}
		if f, ok := floatField(cb, "backoff_multiplier"); ok {
			updated.CircuitBreaker.BackoffMultiplier = f
		}
	}
	if err := updated.Validate(); err != nil {
		s.configMu.Unlock()
		return err
	}
	intervalChanged := updated.CheckInterval != s.config.CheckInterval
	s.config = updated
	s.configMu.Unlock()

	if intervalChanged {
		s.runMu.Lock()
		if s.ticker != nil {
			s.ticker.Reset(updated.CheckInterval)
		}
		s.runMu.Unlock()
	}

	s.logger.Info("Service configuration updated", map[string]interface{}{
		"service":           s.Name(),
		"check_interval_ms": updated.CheckInterval.Milliseconds(),
	})
	return nil
}

// Stats returns a value copy of the current statistics.
func (s *BaseService) Stats() models.ServiceStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// CircuitStatus summarizes the breaker for operators.
func (s *BaseService) CircuitStatus() models.CircuitReport {
	s.statsMu.RLock()
	breaker := s.stats.CircuitBreaker
	s.statsMu.RUnlock()
	return resilience.Status(breaker)
}

// SafeConfig returns a bounded snapshot of the configuration suitable
// for events and persistence.
func (s *BaseService) SafeConfig() map[string]interface{} {
	s.configMu.RLock()
	cfg := s.config
	s.configMu.RUnlock()

	out := map[string]interface{}{
		"name":              cfg.Name,
		"layer":             string(cfg.Layer),
		"check_interval_ms": cfg.CheckInterval.Milliseconds(),
		"max_retries":       cfg.MaxRetries,
		"retry_delay_ms":    cfg.RetryDelay.Milliseconds(),
		"backoff": map[string]interface{}{
			"initial_delay_ms": cfg.Backoff.InitialDelay.Milliseconds(),
			"max_delay_ms":     cfg.Backoff.MaxDelay.Milliseconds(),
			"factor":           cfg.Backoff.Factor,
		},
		"circuit_breaker": map[string]interface{}{
			"enabled":                  cfg.CircuitBreaker.Enabled,
			"failure_threshold":        cfg.CircuitBreaker.FailureThreshold,
			"reset_timeout_ms":         cfg.CircuitBreaker.ResetTimeout.Milliseconds(),
			"health_check_interval_ms": cfg.CircuitBreaker.HealthCheckInterval.Milliseconds(),
			"monitoring_window_ms":     cfg.CircuitBreaker.MonitoringWindow.Milliseconds(),
			"max_recovery_attempts":    cfg.CircuitBreaker.MaxRecoveryAttempts,
			"backoff_multiplier":       cfg.CircuitBreaker.BackoffMultiplier,
		},
	}
	if cfg.CriticalLevel > 0 {
		out["critical_level"] = cfg.CriticalLevel
	}
	if len(cfg.Dependencies) > 0 {
		out["dependencies"] = append([]string(nil), cfg.Dependencies...)
	}
	return out
}

// SafeStats returns a bounded snapshot of the statistics suitable for
// events and persistence. Zero times are omitted.
func (s *BaseService) SafeStats() map[string]interface{} {
	s.statsMu.RLock()
	st := s.stats
	s.statsMu.RUnlock()

	breaker := map[string]interface{}{
		"is_open":           st.CircuitBreaker.IsOpen,
		"failures":          st.CircuitBreaker.Failures,
		"recovery_attempts": st.CircuitBreaker.RecoveryAttempts,
	}
	putTime(breaker, "last_failure", st.CircuitBreaker.LastFailure)
	putTime(breaker, "last_success", st.CircuitBreaker.LastSuccess)
	putTime(breaker, "last_reset", st.CircuitBreaker.LastReset)
	putTime(breaker, "last_recovery_attempt", st.CircuitBreaker.LastRecoveryAttempt)

	history := map[string]interface{}{
		"consecutive_failures": st.History.ConsecutiveFailures,
	}
	putTime(history, "last_started", st.History.LastStarted)
	putTime(history, "last_stopped", st.History.LastStopped)
	putTime(history, "last_error_time", st.History.LastErrorTime)
	if st.History.LastError != "" {
		history["last_error"] = st.History.LastError
	}

	return map[string]interface{}{
		"operations": map[string]interface{}{
			"total":      st.Operations.Total,
			"successful": st.Operations.Successful,
			"failed":     st.Operations.Failed,
		},
		"performance": map[string]interface{}{
			"last_operation_time_ms":    st.Performance.LastOperationTimeMs,
			"average_operation_time_ms": st.Performance.AverageOperationTimeMs,
		},
		"circuit_breaker": breaker,
		"history":         history,
	}
}

// restoreCurated copies the restorable subset of a persisted state
// document into the live stats. It reports whether the persisted
// breaker was open.
func (s *BaseService) restoreCurated(state *models.ServiceState) bool {
	priorOpen := false

	s.statsMu.Lock()
	if ops, ok := childMap(state.Stats, "operations"); ok {
		if v, ok := int64Field(ops, "total"); ok {
			s.stats.Operations.Total = v
		}
		if v, ok := int64Field(ops, "successful"); ok {
			s.stats.Operations.Successful = v
		}
		if v, ok := int64Field(ops, "failed"); ok {
			s.stats.Operations.Failed = v
		}
	}
	if hist, ok := childMap(state.Stats, "history"); ok {
		if t, ok := timeField(hist, "last_started"); ok {
			s.stats.History.LastStarted = t
		}
		if t, ok := timeField(hist, "last_stopped"); ok {
			s.stats.History.LastStopped = t
		}
		if v, ok := stringField(hist, "last_error"); ok {
			s.stats.History.LastError = v
		}
		if t, ok := timeField(hist, "last_error_time"); ok {
			s.stats.History.LastErrorTime = t
		}
	}
	if cb, ok := childMap(state.Stats, "circuit_breaker"); ok {
		if v, ok := boolField(cb, "is_open"); ok {
			priorOpen = v
		}
		if t, ok := timeField(cb, "last_failure"); ok {
			s.stats.CircuitBreaker.LastFailure = t
		}
		if t, ok := timeField(cb, "last_success"); ok {
			s.stats.CircuitBreaker.LastSuccess = t
		}
		if v, ok := int64Field(cb, "recovery_attempts"); ok {
			s.stats.CircuitBreaker.RecoveryAttempts = int(v)
		}
		if t, ok := timeField(cb, "last_recovery_attempt"); ok {
			s.stats.CircuitBreaker.LastRecoveryAttempt = t
		}
	}
	s.statsMu.Unlock()

	// Whitelisted config restore: check interval only
	if ms, ok := int64Field(state.Config, "check_interval_ms"); ok && ms > 0 {
		s.configMu.Lock()
		s.config.CheckInterval = time.Duration(ms) * time.Millisecond
		s.configMu.Unlock()
	}

	s.logger.Debug("Restored persisted service state", map[string]interface{}{
		"service":    s.Name(),
		"prior_open": priorOpen,
	})
	return priorOpen
}

func (s *BaseService) emit(kind models.EventKind, extra map[string]interface{}) {
	if s.dispatcher == nil {
		return
	}
	payload := map[string]interface{}{
		"config": s.SafeConfig(),
		"stats":  s.SafeStats(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.dispatcher.Emit(kind, s.Name(), payload)
}

func (s *BaseService) checkInterval() time.Duration {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.CheckInterval
}

func (s *BaseService) breakerConfig() models.BreakerConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.config.CircuitBreaker
}

func cumulativeAverage(avg, latest float64, count int64) float64 {
	if count <= 1 {
		return latest
	}
	return avg + (latest-avg)/float64(count)
}

func putTime(m map[string]interface{}, key string, t time.Time) {
	if t.IsZero() {
		return
	}
	m[key] = t.UTC().Format(time.RFC3339Nano)
}

func childMap(m map[string]interface{}, key string) (map[string]interface{}, bool) {
	if m == nil {
		return nil, false
	}
	child, ok := m[key].(map[string]interface{})
	return child, ok
}

func int64Field(m map[string]interface{}, key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func floatField(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func boolField(m map[string]interface{}, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	v, ok := m[key].(bool)
	return v, ok
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func timeField(m map[string]interface{}, key string) (time.Time, bool) {
	v, ok := stringField(m, key)
	if !ok || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
