package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"

	"github.com/skyduel/skyduel/pkg/observability"
)

const webhookTimeout = 5 * time.Second

// slackAlerter posts alerts to a Slack incoming webhook
type slackAlerter struct {
	webhookURL string
	channel    string
	logger     observability.Logger
	metrics    observability.MetricsClient
}

// NewSlackAlerter creates an alerter that posts to a Slack webhook
func NewSlackAlerter(webhookURL, channel string, logger observability.Logger, metrics observability.MetricsClient) Alerter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}
	return &slackAlerter{
		webhookURL: webhookURL,
		channel:    channel,
		logger:     logger,
		metrics:    metrics,
	}
}

func (a *slackAlerter) SendServiceStatusAlert(ctx context.Context, serviceName, status, message string) error {
	color := "danger"
	title := fmt.Sprintf("Service %s is DOWN", serviceName)
	if status == StatusRecovered {
		color = "good"
		title = fmt.Sprintf("Service %s recovered", serviceName)
	}

	attachment := slack.Attachment{
		Color: color,
		Title: title,
		Text:  message,
		Fields: []slack.AttachmentField{
			{Title: "Service", Value: serviceName, Short: true},
			{Title: "Status", Value: status, Short: true},
		},
		Footer: "skyduel supervisor",
		Ts:     jsonTimestamp(time.Now()),
	}

	return a.post(ctx, "service_status", &slack.WebhookMessage{
		Channel:     a.channel,
		Username:    "skyduel-supervisor",
		Attachments: []slack.Attachment{attachment},
	})
}

func (a *slackAlerter) SendCriticalErrorAlert(ctx context.Context, serviceName string, alertErr error, fields map[string]interface{}) error {
	attachmentFields := []slack.AttachmentField{
		{Title: "Service", Value: serviceName, Short: true},
	}
	if alertErr != nil {
		attachmentFields = append(attachmentFields, slack.AttachmentField{
			Title: "Error", Value: alertErr.Error(),
		})
	}
	for _, k := range sortedKeys(fields) {
		attachmentFields = append(attachmentFields, slack.AttachmentField{
			Title: k, Value: fmt.Sprintf("%v", fields[k]), Short: true,
		})
	}

	attachment := slack.Attachment{
		Color:  "danger",
		Title:  fmt.Sprintf("Critical error in %s", serviceName),
		Fields: attachmentFields,
		Footer: "skyduel supervisor",
		Ts:     jsonTimestamp(time.Now()),
	}

	return a.post(ctx, "critical_error", &slack.WebhookMessage{
		Channel:     a.channel,
		Username:    "skyduel-supervisor",
		Attachments: []slack.Attachment{attachment},
	})
}

func (a *slackAlerter) post(ctx context.Context, alertType string, msg *slack.WebhookMessage) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	err := slack.PostWebhookContext(ctx, a.webhookURL, msg)
	a.metrics.RecordCounter("alerts_sent_total", 1, map[string]string{
		"type":   alertType,
		"status": statusLabel(err),
	})
	if err != nil {
		a.logger.Warn("Failed to deliver alert", map[string]interface{}{
			"type":        alertType,
			"error":       err.Error(),
			"duration_ms": time.Since(startTime).Milliseconds(),
		})
		return errors.Wrap(err, "failed to deliver alert")
	}
	return nil
}

func statusLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func jsonTimestamp(t time.Time) json.Number {
	return json.Number(fmt.Sprintf("%d", t.Unix()))
}
