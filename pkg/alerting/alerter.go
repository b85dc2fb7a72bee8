// Package alerting delivers operator notifications for service outages
// and recoveries. Delivery is best-effort: a failed alert is logged and
// never blocks the supervision loop that raised it.
package alerting

import (
	"context"

	"github.com/skyduel/skyduel/pkg/observability"
)

// Service status values carried in alerts
const (
	StatusDown      = "down"
	StatusRecovered = "recovered"
)

// Alerter sends operator notifications about service health
type Alerter interface {
	// SendServiceStatusAlert notifies that a service went down or recovered
	SendServiceStatusAlert(ctx context.Context, serviceName, status, message string) error
	// SendCriticalErrorAlert notifies about a critical service error
	SendCriticalErrorAlert(ctx context.Context, serviceName string, alertErr error, fields map[string]interface{}) error
}

// noopAlerter discards all alerts
type noopAlerter struct{}

// NewNoopAlerter returns an alerter that discards everything
func NewNoopAlerter() Alerter {
	return &noopAlerter{}
}

func (a *noopAlerter) SendServiceStatusAlert(ctx context.Context, serviceName, status, message string) error {
	return nil
}

func (a *noopAlerter) SendCriticalErrorAlert(ctx context.Context, serviceName string, alertErr error, fields map[string]interface{}) error {
	return nil
}

// logAlerter writes alerts to the structured log. Used when no webhook
// is configured so alert content still lands somewhere visible.
type logAlerter struct {
	logger observability.Logger
}

// NewLogAlerter returns an alerter backed by the structured log
func NewLogAlerter(logger observability.Logger) Alerter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &logAlerter{logger: logger}
}

func (a *logAlerter) SendServiceStatusAlert(ctx context.Context, serviceName, status, message string) error {
	fields := map[string]interface{}{
		"service": serviceName,
		"status":  status,
		"message": message,
	}
	if status == StatusRecovered {
		a.logger.Info("Service status alert", fields)
	} else {
		a.logger.Warn("Service status alert", fields)
	}
	return nil
}

func (a *logAlerter) SendCriticalErrorAlert(ctx context.Context, serviceName string, alertErr error, fields map[string]interface{}) error {
	logFields := map[string]interface{}{
		"service": serviceName,
	}
	if alertErr != nil {
		logFields["error"] = alertErr.Error()
	}
	for k, v := range fields {
		logFields[k] = v
	}
	a.logger.Error("Critical service error alert", logFields)
	return nil
}
