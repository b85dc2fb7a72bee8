package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyduel/skyduel/pkg/observability"
)

func newWebhookServer(t *testing.T) (*httptest.Server, *[]slack.WebhookMessage) {
	var received []slack.WebhookMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg slack.WebhookMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received = append(received, msg)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)
	return server, &received
}

func TestSlackAlerter_SendServiceStatusAlert(t *testing.T) {
	t.Run("Down alert is marked danger", func(t *testing.T) {
		server, received := newWebhookServer(t)
		alerter := NewSlackAlerter(server.URL, "#service-alerts", observability.NewNoopLogger(), nil)

		err := alerter.SendServiceStatusAlert(context.Background(), "contest-scheduler", StatusDown, "circuit breaker opened after 5 failures")
		require.NoError(t, err)

		require.Len(t, *received, 1)
		msg := (*received)[0]
		assert.Equal(t, "#service-alerts", msg.Channel)
		require.Len(t, msg.Attachments, 1)
		assert.Equal(t, "danger", msg.Attachments[0].Color)
		assert.Contains(t, msg.Attachments[0].Title, "contest-scheduler")
		assert.Contains(t, msg.Attachments[0].Title, "DOWN")
		assert.Equal(t, "circuit breaker opened after 5 failures", msg.Attachments[0].Text)
	})

	t.Run("Recovered alert is marked good", func(t *testing.T) {
		server, received := newWebhookServer(t)
		alerter := NewSlackAlerter(server.URL, "#service-alerts", observability.NewNoopLogger(), nil)

		err := alerter.SendServiceStatusAlert(context.Background(), "contest-scheduler", StatusRecovered, "circuit breaker closed")
		require.NoError(t, err)

		require.Len(t, *received, 1)
		assert.Equal(t, "good", (*received)[0].Attachments[0].Color)
	})

	t.Run("Unreachable webhook returns error", func(t *testing.T) {
		alerter := NewSlackAlerter("http://127.0.0.1:1/webhook", "#service-alerts", observability.NewNoopLogger(), nil)

		err := alerter.SendServiceStatusAlert(context.Background(), "contest-scheduler", StatusDown, "x")
		assert.Error(t, err)
	})
}

func TestSlackAlerter_SendCriticalErrorAlert(t *testing.T) {
	server, received := newWebhookServer(t)
	alerter := NewSlackAlerter(server.URL, "#service-alerts", observability.NewNoopLogger(), nil)

	err := alerter.SendCriticalErrorAlert(context.Background(), "wallet-tracker",
		errors.New("rpc endpoint unreachable"),
		map[string]interface{}{"consecutive_failures": 5})
	require.NoError(t, err)

	require.Len(t, *received, 1)
	attachment := (*received)[0].Attachments[0]
	assert.Equal(t, "danger", attachment.Color)
	assert.Contains(t, attachment.Title, "wallet-tracker")

	var sawError, sawFailures bool
	for _, f := range attachment.Fields {
		switch f.Title {
		case "Error":
			sawError = true
			assert.Contains(t, f.Value, "rpc endpoint unreachable")
		case "consecutive_failures":
			sawFailures = true
			assert.Equal(t, "5", f.Value)
		}
	}
	assert.True(t, sawError)
	assert.True(t, sawFailures)
}

func TestLogAlerter(t *testing.T) {
	alerter := NewLogAlerter(observability.NewNoopLogger())

	assert.NoError(t, alerter.SendServiceStatusAlert(context.Background(), "x", StatusDown, "m"))
	assert.NoError(t, alerter.SendServiceStatusAlert(context.Background(), "x", StatusRecovered, "m"))
	assert.NoError(t, alerter.SendCriticalErrorAlert(context.Background(), "x", errors.New("boom"), nil))
}

func TestNoopAlerter(t *testing.T) {
	alerter := NewNoopAlerter()

	assert.NoError(t, alerter.SendServiceStatusAlert(context.Background(), "x", StatusDown, "m"))
	assert.NoError(t, alerter.SendCriticalErrorAlert(context.Background(), "x", nil, nil))
}
