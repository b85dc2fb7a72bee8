package registry

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/skyduel/skyduel/pkg/models"
	"github.com/skyduel/skyduel/pkg/safejson"
	"github.com/skyduel/skyduel/pkg/services"
)

// configUpdateSchema constrains the recognized fields of an operator
// config update. Unknown fields pass through and are ignored downstream.
const configUpdateSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"check_interval_ms": {"type": "integer", "minimum": 1},
		"max_retries": {"type": "integer", "minimum": 0},
		"retry_delay_ms": {"type": "integer", "minimum": 0},
		"circuit_breaker": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"failure_threshold": {"type": "integer", "minimum": 1},
				"reset_timeout_ms": {"type": "integer", "minimum": 1},
				"health_check_interval_ms": {"type": "integer", "minimum": 1},
				"monitoring_window_ms": {"type": "integer", "minimum": 1},
				"max_recovery_attempts": {"type": "integer", "minimum": 0},
				"backoff_multiplier": {"type": "number", "exclusiveMinimum": 1}
			}
		}
	}
}`

// StartService starts one service on behalf of an operator. The action
// is audited whether it succeeds or fails.
func (r *Registry) StartService(ctx context.Context, actor models.AdminActor, name string) error {
	svc, ok := r.service(name)
	if !ok {
		err := errors.Wrap(ErrServiceNotFound, name)
		r.recordAudit(ctx, actor, models.AuditServiceStart, name, nil, err)
		return err
	}
	err := r.startService(ctx, name, svc)
	r.recordAudit(ctx, actor, models.AuditServiceStart, name, nil, err)
	return err
}

func (r *Registry) startService(ctx context.Context, name string, svc services.Service) error {
	if svc.IsStarted() {
		return errors.Wrap(services.ErrAlreadyRunning, name)
	}
	if !svc.IsInitialized() {
		initialized, err := svc.Initialize(ctx)
		if err != nil {
			return errors.Wrapf(err, "initialize %s", name)
		}
		if !initialized {
			return errors.Wrap(ErrServiceDisabled, name)
		}
	}
	if err := svc.Start(ctx); err != nil {
		return errors.Wrapf(err, "start %s", name)
	}

	r.markInitialized(name)
	r.markStarted(name, true)
	r.clearFailure(name)
	now := time.Now()
	r.UpdateServiceState(ctx, name, StatePatch{
		Status:      models.StatusActive,
		Running:     boolPtr(true),
		LastStarted: &now,
	}, svc.SafeConfig(), svc.SafeStats())
	return nil
}

// StopService stops one running service on behalf of an operator.
// Stopping a service that is not running is a lifecycle error.
func (r *Registry) StopService(ctx context.Context, actor models.AdminActor, name string) error {
	svc, ok := r.service(name)
	if !ok {
		err := errors.Wrap(ErrServiceNotFound, name)
		r.recordAudit(ctx, actor, models.AuditServiceStop, name, nil, err)
		return err
	}

	var err error
	if !svc.IsStarted() {
		err = errors.Wrap(services.ErrNotRunning, name)
	} else if err = svc.Stop(ctx); err == nil {
		r.markStarted(name, false)
		now := time.Now()
		r.UpdateServiceState(ctx, name, StatePatch{
			Status:      models.StatusStopped,
			Running:     boolPtr(false),
			LastStopped: &now,
		}, nil, svc.SafeStats())
	}
	r.recordAudit(ctx, actor, models.AuditServiceStop, name, nil, err)
	return err
}

// RestartService stops the service when running, then starts it again.
// The audit trail records it as a start with a restart marker.
func (r *Registry) RestartService(ctx context.Context, actor models.AdminActor, name string) error {
	details := map[string]interface{}{"restart": true}
	svc, ok := r.service(name)
	if !ok {
		err := errors.Wrap(ErrServiceNotFound, name)
		r.recordAudit(ctx, actor, models.AuditServiceStart, name, details, err)
		return err
	}

	var err error
	if svc.IsStarted() {
		err = svc.Stop(ctx)
	}
	if err == nil {
		err = r.startService(ctx, name, svc)
	}
	r.recordAudit(ctx, actor, models.AuditServiceStart, name, details, err)
	return err
}

// ResetCircuitBreaker clears one service's breaker on behalf of an
// operator. State fan-out rides on the service's own reset event.
func (r *Registry) ResetCircuitBreaker(ctx context.Context, actor models.AdminActor, name string) error {
	svc, ok := r.service(name)
	if !ok {
		err := errors.Wrap(ErrServiceNotFound, name)
		r.recordAudit(ctx, actor, models.AuditResetCircuitBreaker, name, nil, err)
		return err
	}
	err := svc.ResetCircuitBreaker(ctx)
	r.recordAudit(ctx, actor, models.AuditResetCircuitBreaker, name, nil, err)
	return err
}

// UpdateServiceConfig validates and applies a partial configuration
// update. Recognized fields merge into the live config; unrelated
// fields are preserved untouched.
func (r *Registry) UpdateServiceConfig(ctx context.Context, actor models.AdminActor, name string, changes map[string]interface{}) error {
	details := map[string]interface{}{"changes": safejson.Sanitize(changes)}
	svc, ok := r.service(name)
	if !ok {
		err := errors.Wrap(ErrServiceNotFound, name)
		r.recordAudit(ctx, actor, models.AuditUpdateServiceConfig, name, details, err)
		return err
	}

	var err error
	switch {
	case len(changes) == 0:
		err = errors.Errorf("%s: empty config update", name)
	default:
		if err = validateConfigPayload(changes); err == nil {
			err = svc.ApplyConfig(changes)
		}
	}
	if err == nil {
		r.UpdateServiceState(ctx, name, StatePatch{}, svc.SafeConfig(), svc.SafeStats())
	}
	r.recordAudit(ctx, actor, models.AuditUpdateServiceConfig, name, details, err)
	return err
}

// RecordConnection audits a control-surface connection attempt.
func (r *Registry) RecordConnection(ctx context.Context, actor models.AdminActor, details map[string]interface{}, connErr error) {
	r.recordAudit(ctx, actor, models.AuditSkyDuelConnection, "skyduel", details, connErr)
}

func validateConfigPayload(changes map[string]interface{}) error {
	schemaLoader := gojsonschema.NewStringLoader(configUpdateSchema)
	docLoader := gojsonschema.NewGoLoader(changes)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return errors.Wrap(err, "validate config update")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return errors.Errorf("invalid config update: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// recordAudit writes one audit entry. Audit failures are logged and
// never fail the admin action itself.
func (r *Registry) recordAudit(ctx context.Context, actor models.AdminActor, action models.AuditAction, service string, details map[string]interface{}, opErr error) {
	if r.audit == nil {
		return
	}
	if details == nil {
		details = map[string]interface{}{}
	}
	details["service"] = service

	entry := &models.AuditEntry{
		AdminID:   actor.ID,
		Action:    action,
		Details:   details,
		IPAddress: actor.IP,
		UserAgent: actor.UserAgent,
		Status:    models.AuditStatusSuccess,
	}
	if opErr != nil {
		entry.Status = models.AuditStatusFailure
		entry.Error = opErr.Error()
	}
	if err := r.audit.LogAction(ctx, entry); err != nil {
		r.logger.Warn("Failed to record audit entry", map[string]interface{}{
			"action":  string(action),
			"service": service,
			"error":   err.Error(),
		})
	}
}

func (r *Registry) clearFailure(name string) {
	r.mu.Lock()
	delete(r.failed, name)
	r.mu.Unlock()
}
