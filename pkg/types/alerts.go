// Package types - Alert model and notification routing
//
// # Alerting Design
//
// Thresholds are rules evaluated against collected metric points. Each rule
// names a metric, a comparison operator, and a numeric value, optionally
// scoped to one database or stream. A breach raises an Alert unless an active
// alert already exists for the same (threshold, database, stream) triple.
//
// Notification channels are a closed set (log, webhook, email, slack); each
// channel filters by severity and alert type before dispatch.
package types

import (
	"time"
)

// =============================================================================
// METRICS
// =============================================================================

// Metric names produced by the collection cycle. Threshold rules reference
// these by name.
const (
	MetricConnectionFailed     = "database_connection_failed"
	MetricResponseTimeMs       = "database_response_time_ms"
	MetricLongQueryCount       = "long_running_query_count"
	MetricLongQueryMaxSeconds  = "long_running_query_max_duration"
	MetricReplicationLagSecs   = "replication_lag_seconds"
	MetricReplicationLagBytes  = "replication_lag_bytes"
	MetricBackfillProgress     = "backfill_progress_percent"
)

// MetricPoint is a single measurement fed into threshold evaluation.
// DatabaseID and StreamID scope the point; either may be empty.
type MetricPoint struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	DatabaseID string            `json:"database_id,omitempty"`
	StreamID   string            `json:"stream_id,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// =============================================================================
// THRESHOLDS
// =============================================================================

// ComparisonOperator decides how a metric value is tested against a
// threshold value.
type ComparisonOperator string

const (
	OpGreaterThan        ComparisonOperator = "gt"
	OpGreaterThanOrEqual ComparisonOperator = "gte"
	OpLessThan           ComparisonOperator = "lt"
	OpLessThanOrEqual    ComparisonOperator = "lte"
	OpEqual              ComparisonOperator = "eq"
)

// Compare applies the operator with the metric value on the left.
func (op ComparisonOperator) Compare(value, threshold float64) bool {
	switch op {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterThanOrEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessThanOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	default:
		return false
	}
}

// AlertThreshold is a persisted evaluation rule.
type AlertThreshold struct {
	ID          string             `json:"id" validate:"required"`
	Name        string             `json:"name" validate:"required"`
	AlertType   AlertType          `json:"alert_type" validate:"required"`
	Severity    AlertSeverity      `json:"severity" validate:"required,oneof=critical warning info"`
	MetricName  string             `json:"metric_name" validate:"required"`
	Operator    ComparisonOperator `json:"operator" validate:"required,oneof=gt gte lt lte eq"`
	Value       float64            `json:"value"`
	Enabled     bool               `json:"enabled"`
	Description string             `json:"description,omitempty"`

	// Optional scoping. Empty means the rule applies to every database or
	// stream producing the metric.
	DatabaseID string `json:"database_id,omitempty"`
	StreamID   string `json:"stream_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the threshold definition.
func (t *AlertThreshold) Validate() error {
	if err := validate.Struct(t); err != nil {
		return NewValidationError("invalid alert threshold", err)
	}
	return nil
}

// =============================================================================
// ALERTS
// =============================================================================

// AlertSeverity indicates urgency level.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical" // Immediate action required
	AlertSeverityWarning  AlertSeverity = "warning"  // Attention needed
	AlertSeverityInfo     AlertSeverity = "info"     // Informational
)

// Level returns the numeric level for comparison (higher = more severe).
func (s AlertSeverity) Level() int {
	switch s {
	case AlertSeverityCritical:
		return 3
	case AlertSeverityWarning:
		return 2
	case AlertSeverityInfo:
		return 1
	default:
		return 0
	}
}

// AlertType categorizes the nature of the alert.
type AlertType string

const (
	AlertTypeReplicationLag     AlertType = "replication_lag"     // Stream lag over threshold
	AlertTypeReplicationFailure AlertType = "replication_failure" // Stream errored or stopped
	AlertTypeConnectionFailure  AlertType = "database_connection" // Database unreachable
	AlertTypeLongRunningQuery   AlertType = "long_running_query"  // Session active too long
	AlertTypeSystemError        AlertType = "system_error"        // Monitor-internal failure
)

// AlertStatus tracks the alert lifecycle.
type AlertStatus string

const (
	AlertStatusActive       AlertStatus = "active"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
)

// Alert is one raised threshold breach. At most one active alert exists per
// (threshold, database, stream) triple; repeated breaches of the same
// condition do not create duplicates.
type Alert struct {
	ID          string        `json:"id"`
	ThresholdID string        `json:"threshold_id"`
	AlertType   AlertType     `json:"alert_type"`
	Severity    AlertSeverity `json:"severity"`
	Status      AlertStatus   `json:"status"`

	Title   string `json:"title"`
	Message string `json:"message,omitempty"`

	// What breached.
	DatabaseID     string  `json:"database_id,omitempty"`
	StreamID       string  `json:"stream_id,omitempty"`
	MetricName     string  `json:"metric_name"`
	MetricValue    float64 `json:"metric_value"`
	ThresholdValue float64 `json:"threshold_value"`

	// Timeline.
	TriggeredAt     time.Time  `json:"triggered_at"`
	AcknowledgedAt  *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string     `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
}

// IsActive reports whether the alert still counts toward deduplication and
// system health.
func (a *Alert) IsActive() bool {
	return a.Status == AlertStatusActive
}

// =============================================================================
// NOTIFICATION CHANNELS
// =============================================================================

// ChannelType is the closed set of notification destinations.
type ChannelType string

const (
	ChannelTypeLog     ChannelType = "log"
	ChannelTypeWebhook ChannelType = "webhook"
	ChannelTypeEmail   ChannelType = "email"
	ChannelTypeSlack   ChannelType = "slack"
)

// NotificationChannel routes matching alerts to a destination.
type NotificationChannel struct {
	ID      string      `json:"id" validate:"required"`
	Name    string      `json:"name" validate:"required"`
	Type    ChannelType `json:"type" validate:"required,oneof=log webhook email slack"`
	Enabled bool        `json:"enabled"`

	// Filters. Empty means "all".
	Severities []AlertSeverity `json:"severities,omitempty"`
	AlertTypes []AlertType     `json:"alert_types,omitempty"`

	// Exactly one of these is set, matching Type.
	Webhook *WebhookChannelConfig `json:"webhook,omitempty"`
	Email   *EmailChannelConfig   `json:"email,omitempty"`
	Slack   *SlackChannelConfig   `json:"slack,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the channel definition.
func (c *NotificationChannel) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewValidationError("invalid notification channel", err)
	}
	return nil
}

// Accepts reports whether this channel's filters pass the given alert.
func (c *NotificationChannel) Accepts(alert *Alert) bool {
	if !c.Enabled {
		return false
	}
	if len(c.Severities) > 0 && !containsSeverity(c.Severities, alert.Severity) {
		return false
	}
	if len(c.AlertTypes) > 0 && !containsAlertType(c.AlertTypes, alert.AlertType) {
		return false
	}
	return true
}

// WebhookChannelConfig configures generic webhook notifications.
type WebhookChannelConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// EmailChannelConfig configures email notifications.
type EmailChannelConfig struct {
	To      []string `json:"to"`
	Subject string   `json:"subject,omitempty"`
}

// SlackChannelConfig configures Slack notifications.
type SlackChannelConfig struct {
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel,omitempty"`
}

// =============================================================================
// SYSTEM HEALTH
// =============================================================================

// HealthStatus is the aggregate system state.
type HealthStatus string

const (
	HealthStatusHealthy  HealthStatus = "healthy"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusCritical HealthStatus = "critical"
)

// SystemHealth is the fail-safe aggregate snapshot returned to callers. It is
// computed from cached state only and never blocks on live probes.
type SystemHealth struct {
	Status             HealthStatus `json:"status"`
	TotalDatabases     int          `json:"total_databases"`
	HealthyDatabases   int          `json:"healthy_databases"`
	UnhealthyDatabases int          `json:"unhealthy_databases"`
	TotalStreams       int          `json:"total_streams"`
	ActiveStreams      int          `json:"active_streams"`
	ActiveAlerts       int          `json:"active_alerts"`
	CriticalAlerts     int          `json:"critical_alerts"`
	WarningAlerts      int          `json:"warning_alerts"`
	UptimeSeconds      int64        `json:"uptime_seconds"`
	CheckedAt          time.Time    `json:"checked_at"`
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func containsSeverity(list []AlertSeverity, item AlertSeverity) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func containsAlertType(list []AlertType, item AlertType) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
