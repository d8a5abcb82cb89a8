package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// Notifier delivers one alert to one channel.
type Notifier interface {
	Notify(ctx context.Context, alert *types.Alert, channel *types.NotificationChannel) error
}

// DefaultNotifiers wires the built-in notifier for every channel type.
func DefaultNotifiers(logger *slog.Logger) map[types.ChannelType]Notifier {
	return map[types.ChannelType]Notifier{
		types.ChannelTypeLog:     &LogNotifier{logger: logger},
		types.ChannelTypeWebhook: NewWebhookNotifier(logger),
		types.ChannelTypeSlack:   NewSlackNotifier(logger),
		types.ChannelTypeEmail:   &EmailNotifier{logger: logger},
	}
}

// LogNotifier emits the alert as a structured log line.
type LogNotifier struct {
	logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, alert *types.Alert, channel *types.NotificationChannel) error {
	attrs := []any{
		"alert_id", alert.ID,
		"alert_type", alert.AlertType,
		"severity", alert.Severity,
		"title", alert.Title,
		"metric", alert.MetricName,
		"value", alert.MetricValue,
		"threshold", alert.ThresholdValue,
		"database_id", alert.DatabaseID,
		"stream_id", alert.StreamID,
	}
	switch alert.Severity {
	case types.AlertSeverityCritical:
		n.logger.Error("ALERT", attrs...)
	case types.AlertSeverityWarning:
		n.logger.Warn("ALERT", attrs...)
	default:
		n.logger.Info("ALERT", attrs...)
	}
	return nil
}

// webhookPayload is the JSON body POSTed to webhook and Slack endpoints.
type webhookPayload struct {
	AlertID        string  `json:"alert_id"`
	AlertType      string  `json:"alert_type"`
	Severity       string  `json:"severity"`
	Title          string  `json:"title"`
	Message        string  `json:"message,omitempty"`
	DatabaseID     string  `json:"database_id,omitempty"`
	StreamID       string  `json:"stream_id,omitempty"`
	MetricName     string  `json:"metric_name"`
	MetricValue    float64 `json:"metric_value"`
	ThresholdValue float64 `json:"threshold_value"`
	TriggeredAt    string  `json:"triggered_at"`
}

func payloadFor(alert *types.Alert) webhookPayload {
	return webhookPayload{
		AlertID:        alert.ID,
		AlertType:      string(alert.AlertType),
		Severity:       string(alert.Severity),
		Title:          alert.Title,
		Message:        alert.Message,
		DatabaseID:     alert.DatabaseID,
		StreamID:       alert.StreamID,
		MetricName:     alert.MetricName,
		MetricValue:    alert.MetricValue,
		ThresholdValue: alert.ThresholdValue,
		TriggeredAt:    alert.TriggeredAt.Format(time.RFC3339),
	}
}

// WebhookNotifier POSTs the alert as JSON to the channel's URL. Dispatch is
// rate limited so an alert storm cannot flood a receiver.
type WebhookNotifier struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewWebhookNotifier creates a webhook notifier with a shared rate limit of
// 5 requests/second, burst 10.
func NewWebhookNotifier(logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert *types.Alert, channel *types.NotificationChannel) error {
	if channel.Webhook == nil || channel.Webhook.URL == "" {
		return types.NewConfigurationError("webhook channel %s has no URL", channel.ID)
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payloadFor(alert))
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range channel.Webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook for alert %s: %w", alert.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned status %d", channel.ID, resp.StatusCode)
	}

	n.logger.Debug("webhook notification sent", "alert_id", alert.ID, "channel_id", channel.ID)
	return nil
}

// SlackNotifier posts the alert to a Slack incoming webhook.
type SlackNotifier struct {
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewSlackNotifier creates a Slack notifier with a shared rate limit of
// 1 request/second, burst 5, matching Slack's incoming-webhook guidance.
func NewSlackNotifier(logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(1), 5),
		logger:  logger,
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, alert *types.Alert, channel *types.NotificationChannel) error {
	if channel.Slack == nil || channel.Slack.WebhookURL == "" {
		return types.NewConfigurationError("slack channel %s has no webhook URL", channel.ID)
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	msg := map[string]string{
		"text": fmt.Sprintf("[%s] %s: %s=%g (threshold %g)",
			alert.Severity, alert.Title, alert.MetricName, alert.MetricValue, alert.ThresholdValue),
	}
	if channel.Slack.Channel != "" {
		msg["channel"] = channel.Slack.Channel
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.Slack.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack for alert %s: %w", alert.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	n.logger.Debug("slack notification sent", "alert_id", alert.ID, "channel_id", channel.ID)
	return nil
}

// EmailNotifier is a placeholder dispatch target. SMTP delivery is not wired
// up; alerts routed here are logged so they are not silently dropped.
type EmailNotifier struct {
	logger *slog.Logger
}

func (n *EmailNotifier) Notify(ctx context.Context, alert *types.Alert, channel *types.NotificationChannel) error {
	recipients := 0
	if channel.Email != nil {
		recipients = len(channel.Email.To)
	}
	n.logger.Warn("email dispatch not configured, alert logged instead",
		"alert_id", alert.ID,
		"channel_id", channel.ID,
		"recipients", recipients,
		"title", alert.Title)
	return nil
}
