// Package alerting turns monitoring observations into alerts and
// notifications.
//
// # Design Principles
//
//  1. Fail-safe: a monitoring system that crashes when the monitored
//     databases misbehave is worse than useless. Every collection step is
//     isolated per database and per stream, and GetSystemHealth never
//     returns an error: when the engine cannot determine health it reports
//     critical rather than healthy.
//  2. Deduplicated: a sustained threshold breach produces exactly one
//     active alert per (threshold, database, stream) triple. New alerts
//     fire again only after the previous one is resolved.
//  3. Pluggable delivery: notification channels are records, notifiers are
//     code. Adding a delivery mechanism means registering one Notifier.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// HealthSource reports connection health for every managed database.
type HealthSource interface {
	AllHealth() map[string]types.ConnectionHealth
}

// StreamSource discovers replication streams and measures their lag.
type StreamSource interface {
	DiscoverLogical(ctx context.Context, databases []types.DatabaseDescriptor) ([]types.ReplicationStream, []string)
	DiscoverPhysical(ctx context.Context, databases []types.DatabaseDescriptor) ([]types.ReplicationStream, []string)
	CollectStreamMetrics(ctx context.Context, stream types.ReplicationStream) (*types.ReplicationMetrics, error)
}

// ActivitySource reports long-running query activity for one database.
type ActivitySource interface {
	LongRunningQueries(ctx context.Context, databaseID string) (count int, maxSeconds float64, err error)
}

// Store is the persistence surface the engine needs.
type Store interface {
	ListDescriptors(ctx context.Context) ([]types.DatabaseDescriptor, error)
	ListStreams(ctx context.Context) ([]types.ReplicationStream, error)

	SaveThreshold(ctx context.Context, threshold *types.AlertThreshold) error
	GetThreshold(ctx context.Context, id string) (*types.AlertThreshold, error)
	ListThresholds(ctx context.Context) ([]types.AlertThreshold, error)
	DeleteThreshold(ctx context.Context, id string) error

	SaveAlert(ctx context.Context, alert *types.Alert) error
	GetAlert(ctx context.Context, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context) ([]types.Alert, error)
	DeleteAlert(ctx context.Context, id string) error

	SaveChannel(ctx context.Context, channel *types.NotificationChannel) error
	ListChannels(ctx context.Context) ([]types.NotificationChannel, error)
}

// Engine evaluates metrics against thresholds and manages alert lifecycle.
type Engine struct {
	store     Store
	health    HealthSource
	streams   StreamSource
	activity  ActivitySource
	notifiers map[types.ChannelType]Notifier
	logger    *slog.Logger
	startedAt time.Time
}

// NewEngine creates an alerting engine. A nil notifiers map gets the
// built-in defaults.
func NewEngine(store Store, health HealthSource, streams StreamSource, activity ActivitySource, notifiers map[types.ChannelType]Notifier, logger *slog.Logger) *Engine {
	if notifiers == nil {
		notifiers = DefaultNotifiers(logger)
	}
	return &Engine{
		store:     store,
		health:    health,
		streams:   streams,
		activity:  activity,
		notifiers: notifiers,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// defaultThresholds returns the thresholds seeded into an empty deployment.
func defaultThresholds() []types.AlertThreshold {
	now := time.Now()
	mk := func(name string, at types.AlertType, sev types.AlertSeverity, metric string, op types.ComparisonOperator, value float64, desc string) types.AlertThreshold {
		return types.AlertThreshold{
			ID:          uuid.New().String(),
			Name:        name,
			AlertType:   at,
			Severity:    sev,
			MetricName:  metric,
			Operator:    op,
			Value:       value,
			Enabled:     true,
			Description: desc,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}
	return []types.AlertThreshold{
		mk("Replication lag warning", types.AlertTypeReplicationLag, types.AlertSeverityWarning,
			types.MetricReplicationLagSecs, types.OpGreaterThan, 300,
			"Replication lag exceeds 5 minutes"),
		mk("Replication lag critical", types.AlertTypeReplicationLag, types.AlertSeverityCritical,
			types.MetricReplicationLagSecs, types.OpGreaterThan, 1800,
			"Replication lag exceeds 30 minutes"),
		mk("Database connection failure", types.AlertTypeConnectionFailure, types.AlertSeverityCritical,
			types.MetricConnectionFailed, types.OpGreaterThanOrEqual, 1,
			"Database health check failed"),
		mk("Long-running queries detected", types.AlertTypeLongRunningQuery, types.AlertSeverityWarning,
			types.MetricLongQueryCount, types.OpGreaterThanOrEqual, 1,
			"At least one query has been running longer than 30 seconds"),
		mk("Very long-running query", types.AlertTypeLongRunningQuery, types.AlertSeverityCritical,
			types.MetricLongQueryMaxSeconds, types.OpGreaterThanOrEqual, 300,
			"A query has been running longer than 5 minutes"),
	}
}

// InitializeDefaultThresholds seeds default thresholds and the default log
// notification channel into an empty store. Existing records are left alone.
func (e *Engine) InitializeDefaultThresholds(ctx context.Context) error {
	existing, err := e.store.ListThresholds(ctx)
	if err != nil {
		return fmt.Errorf("listing thresholds: %w", err)
	}
	if len(existing) == 0 {
		for _, t := range defaultThresholds() {
			t := t
			if err := e.store.SaveThreshold(ctx, &t); err != nil {
				return fmt.Errorf("saving default threshold %s: %w", t.Name, err)
			}
		}
		e.logger.Info("seeded default alert thresholds", "count", len(defaultThresholds()))
	}

	channels, err := e.store.ListChannels(ctx)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}
	if len(channels) == 0 {
		ch := types.NotificationChannel{
			ID:        uuid.New().String(),
			Name:      "Default log channel",
			Type:      types.ChannelTypeLog,
			Enabled:   true,
			CreatedAt: time.Now(),
		}
		if err := e.store.SaveChannel(ctx, &ch); err != nil {
			return fmt.Errorf("saving default channel: %w", err)
		}
		e.logger.Info("seeded default log notification channel")
	}
	return nil
}

// CollectMetrics gathers one snapshot of every monitored metric: connection
// health and response time per database, long-running query activity per
// healthy database, and replication lag per discovered stream. Failures on
// one database or stream never abort the snapshot.
func (e *Engine) CollectMetrics(ctx context.Context) []types.MetricPoint {
	now := time.Now()
	var points []types.MetricPoint

	health := e.health.AllHealth()
	for id, h := range health {
		failed := 0.0
		if !h.Healthy {
			failed = 1.0
		}
		points = append(points, types.MetricPoint{
			Name:       types.MetricConnectionFailed,
			Value:      failed,
			DatabaseID: id,
			Timestamp:  now,
		})
		if !h.Healthy {
			continue
		}
		points = append(points, types.MetricPoint{
			Name:       types.MetricResponseTimeMs,
			Value:      h.ResponseTimeMs,
			DatabaseID: id,
			Timestamp:  now,
		})

		count, maxSecs, err := e.activity.LongRunningQueries(ctx, id)
		if err != nil {
			e.logger.Warn("failed to collect query activity", "database_id", id, "error", err)
			continue
		}
		points = append(points,
			types.MetricPoint{Name: types.MetricLongQueryCount, Value: float64(count), DatabaseID: id, Timestamp: now},
			types.MetricPoint{Name: types.MetricLongQueryMaxSeconds, Value: maxSecs, DatabaseID: id, Timestamp: now},
		)
	}

	points = append(points, e.collectStreamPoints(ctx, now)...)
	return points
}

func (e *Engine) collectStreamPoints(ctx context.Context, now time.Time) []types.MetricPoint {
	databases, err := e.store.ListDescriptors(ctx)
	if err != nil {
		e.logger.Warn("failed to list databases for stream metrics", "error", err)
		return nil
	}
	logical, errs := e.streams.DiscoverLogical(ctx, databases)
	physical, perrs := e.streams.DiscoverPhysical(ctx, databases)
	for _, msg := range append(errs, perrs...) {
		e.logger.Warn("stream discovery issue during metric collection", "error", msg)
	}

	var points []types.MetricPoint
	for _, stream := range append(logical, physical...) {
		m, err := e.streams.CollectStreamMetrics(ctx, stream)
		if err != nil {
			e.logger.Warn("failed to collect stream metrics",
				"stream_id", stream.ID, "type", stream.Type, "error", err)
			continue
		}
		points = append(points,
			types.MetricPoint{Name: types.MetricReplicationLagSecs, Value: m.LagSeconds, DatabaseID: stream.TargetDatabaseID, StreamID: stream.ID, Timestamp: now},
			types.MetricPoint{Name: types.MetricReplicationLagBytes, Value: float64(m.LagBytes), DatabaseID: stream.TargetDatabaseID, StreamID: stream.ID, Timestamp: now},
		)
		m.ComputeBackfillProgress()
		if p := m.BackfillProgress; p != nil {
			points = append(points, types.MetricPoint{
				Name: types.MetricBackfillProgress, Value: *p,
				DatabaseID: stream.TargetDatabaseID, StreamID: stream.ID, Timestamp: now,
			})
		}
	}
	return points
}

// EvaluateThresholds checks every metric point against every enabled,
// matching threshold and creates alerts for new breaches. A breach that
// already has an active alert for the same (threshold, database, stream)
// triple is skipped. Returns the alerts created in this pass.
func (e *Engine) EvaluateThresholds(ctx context.Context, points []types.MetricPoint) ([]types.Alert, error) {
	thresholds, err := e.store.ListThresholds(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing thresholds: %w", err)
	}
	existing, err := e.store.ListAlerts(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing alerts: %w", err)
	}

	active := make(map[string]bool)
	for _, a := range existing {
		if a.IsActive() {
			active[dedupKey(a.ThresholdID, a.DatabaseID, a.StreamID)] = true
		}
	}

	var created []types.Alert
	for _, t := range thresholds {
		if !t.Enabled {
			continue
		}
		for _, p := range points {
			if !thresholdMatches(t, p) {
				continue
			}
			if !t.Operator.Compare(p.Value, t.Value) {
				continue
			}
			key := dedupKey(t.ID, p.DatabaseID, p.StreamID)
			if active[key] {
				continue
			}
			alert := e.buildAlert(t, p)
			if err := e.store.SaveAlert(ctx, &alert); err != nil {
				e.logger.Error("failed to persist alert", "threshold", t.Name, "error", err)
				continue
			}
			active[key] = true
			created = append(created, alert)
			e.dispatch(ctx, &alert)
		}
	}
	return created, nil
}

func thresholdMatches(t types.AlertThreshold, p types.MetricPoint) bool {
	if t.MetricName != p.Name {
		return false
	}
	if t.DatabaseID != "" && t.DatabaseID != p.DatabaseID {
		return false
	}
	if t.StreamID != "" && t.StreamID != p.StreamID {
		return false
	}
	return true
}

func dedupKey(thresholdID, databaseID, streamID string) string {
	return thresholdID + "|" + databaseID + "|" + streamID
}

func (e *Engine) buildAlert(t types.AlertThreshold, p types.MetricPoint) types.Alert {
	title := t.Name
	if p.DatabaseID != "" {
		title = fmt.Sprintf("%s on %s", t.Name, p.DatabaseID)
	}
	return types.Alert{
		ID:          uuid.New().String(),
		ThresholdID: t.ID,
		AlertType:   t.AlertType,
		Severity:    t.Severity,
		Status:      types.AlertStatusActive,
		Title:       title,
		Message: fmt.Sprintf("%s is %g, threshold is %s %g",
			p.Name, p.Value, t.Operator, t.Value),
		DatabaseID:     p.DatabaseID,
		StreamID:       p.StreamID,
		MetricName:     p.Name,
		MetricValue:    p.Value,
		ThresholdValue: t.Value,
		TriggeredAt:    time.Now(),
	}
}

// dispatch fans the alert out to every enabled channel that accepts it.
// Delivery failures are logged, never propagated: the alert is already
// persisted.
func (e *Engine) dispatch(ctx context.Context, alert *types.Alert) {
	channels, err := e.store.ListChannels(ctx)
	if err != nil {
		e.logger.Error("failed to list notification channels", "alert_id", alert.ID, "error", err)
		return
	}
	for i := range channels {
		ch := &channels[i]
		if !ch.Enabled || !ch.Accepts(alert) {
			continue
		}
		notifier, ok := e.notifiers[ch.Type]
		if !ok {
			e.logger.Warn("no notifier registered for channel type", "type", ch.Type, "channel_id", ch.ID)
			continue
		}
		if err := notifier.Notify(ctx, alert, ch); err != nil {
			e.logger.Error("notification delivery failed",
				"alert_id", alert.ID, "channel_id", ch.ID, "type", ch.Type, "error", err)
		}
	}
}

// RunMonitoringCycle performs one collect-evaluate pass.
func (e *Engine) RunMonitoringCycle(ctx context.Context) error {
	start := time.Now()
	points := e.CollectMetrics(ctx)
	created, err := e.EvaluateThresholds(ctx, points)
	if err != nil {
		return fmt.Errorf("evaluating thresholds: %w", err)
	}
	e.logger.Info("monitoring cycle complete",
		"metrics", len(points),
		"alerts_created", len(created),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// GetSystemHealth summarizes the overall state. It never returns an error:
// when the engine cannot determine health it reports critical, because a
// monitor that fails open is not a monitor.
func (e *Engine) GetSystemHealth(ctx context.Context) types.SystemHealth {
	now := time.Now()
	uptime := int64(now.Sub(e.startedAt).Seconds())
	alerts, err := e.store.ListAlerts(ctx)
	if err != nil {
		e.logger.Error("failed to list alerts for health summary", "error", err)
		return types.SystemHealth{Status: types.HealthStatusCritical, UptimeSeconds: uptime, CheckedAt: now}
	}
	streams, err := e.store.ListStreams(ctx)
	if err != nil {
		e.logger.Error("failed to list streams for health summary", "error", err)
		return types.SystemHealth{Status: types.HealthStatusCritical, UptimeSeconds: uptime, CheckedAt: now}
	}

	health := e.health.AllHealth()
	summary := types.SystemHealth{
		Status:         types.HealthStatusHealthy,
		TotalDatabases: len(health),
		TotalStreams:   len(streams),
		UptimeSeconds:  uptime,
		CheckedAt:      now,
	}
	for _, h := range health {
		if h.Healthy {
			summary.HealthyDatabases++
		} else {
			summary.UnhealthyDatabases++
		}
	}
	for _, s := range streams {
		if s.Status == types.StreamStatusActive {
			summary.ActiveStreams++
		}
	}
	for _, a := range alerts {
		if !a.IsActive() {
			continue
		}
		summary.ActiveAlerts++
		switch a.Severity {
		case types.AlertSeverityCritical:
			summary.CriticalAlerts++
		case types.AlertSeverityWarning:
			summary.WarningAlerts++
		}
	}

	switch {
	case summary.CriticalAlerts > 0:
		summary.Status = types.HealthStatusCritical
	case summary.WarningAlerts > 0 || summary.UnhealthyDatabases > 0:
		summary.Status = types.HealthStatusDegraded
	}
	return summary
}

// ActiveAlerts returns alerts that have not been resolved.
func (e *Engine) ActiveAlerts(ctx context.Context) ([]types.Alert, error) {
	all, err := e.store.ListAlerts(ctx)
	if err != nil {
		return nil, err
	}
	var active []types.Alert
	for _, a := range all {
		if a.IsActive() {
			active = append(active, a)
		}
	}
	return active, nil
}

// AcknowledgeAlert marks an active alert as seen by an operator.
func (e *Engine) AcknowledgeAlert(ctx context.Context, id, acknowledgedBy string) error {
	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if alert.Status == types.AlertStatusResolved {
		return types.NewValidationError(fmt.Sprintf("alert %s is already resolved", id), nil)
	}
	now := time.Now()
	alert.Status = types.AlertStatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = acknowledgedBy
	return e.store.SaveAlert(ctx, alert)
}

// ResolveAlert closes an alert. Resolution is terminal.
func (e *Engine) ResolveAlert(ctx context.Context, id, resolvedBy, notes string) error {
	alert, err := e.store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if alert.Status == types.AlertStatusResolved {
		return types.NewValidationError(fmt.Sprintf("alert %s is already resolved", id), nil)
	}
	now := time.Now()
	alert.Status = types.AlertStatusResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = resolvedBy
	alert.ResolutionNotes = notes
	return e.store.SaveAlert(ctx, alert)
}

// CreateThreshold validates and persists a new threshold. An empty ID is
// assigned.
func (e *Engine) CreateThreshold(ctx context.Context, t *types.AlertThreshold) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := t.Validate(); err != nil {
		return err
	}
	return e.store.SaveThreshold(ctx, t)
}

// UpdateThreshold validates and persists changes to an existing threshold.
func (e *Engine) UpdateThreshold(ctx context.Context, t *types.AlertThreshold) error {
	existing, err := e.store.GetThreshold(ctx, t.ID)
	if err != nil {
		return err
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now()
	if err := t.Validate(); err != nil {
		return err
	}
	return e.store.SaveThreshold(ctx, t)
}

// DeleteThreshold removes a threshold. Existing alerts remain.
func (e *Engine) DeleteThreshold(ctx context.Context, id string) error {
	if _, err := e.store.GetThreshold(ctx, id); err != nil {
		return err
	}
	return e.store.DeleteThreshold(ctx, id)
}

// CleanupResolvedAlerts deletes alerts resolved before the retention cutoff.
// Returns how many were removed.
func (e *Engine) CleanupResolvedAlerts(ctx context.Context, retention time.Duration) (int, error) {
	alerts, err := e.store.ListAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing alerts: %w", err)
	}
	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, a := range alerts {
		if a.Status != types.AlertStatusResolved || a.ResolvedAt == nil {
			continue
		}
		if a.ResolvedAt.After(cutoff) {
			continue
		}
		if err := e.store.DeleteAlert(ctx, a.ID); err != nil {
			e.logger.Warn("failed to delete expired alert", "alert_id", a.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
