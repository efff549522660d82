package guard

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// TracerName identifies guard service spans.
	TracerName = "guard-service"
	meterName  = "guard-service"
)

// Metrics holds the guard protocol's OpenTelemetry metrics.
type Metrics struct {
	ValidationAttempts metric.Int64Counter
	ValidationSuccess  metric.Int64Counter
	ValidationFailures metric.Int64Counter

	HeartbeatAttempts metric.Int64Counter
	HeartbeatClean    metric.Int64Counter
	HeartbeatStale    metric.Int64Counter

	TamperDetections  metric.Int64Counter
	Escalations       metric.Int64Counter
	Notifications     metric.Int64Counter
	ActiveSessions    metric.Int64UpDownCounter
}

// newMetrics registers the guard metric instruments. Registration failures
// are logged and leave the corresponding instrument nil; record methods
// tolerate that so the protocol never fails on observability setup.
func newMetrics(logger *slog.Logger) *Metrics {
	meter := otel.Meter(meterName)
	m := &Metrics{}

	instrument := func(name, description string) metric.Int64Counter {
		counter, err := meter.Int64Counter(name, metric.WithDescription(description))
		if err != nil {
			logger.Warn("failed to register metric", slog.String("metric", name), slog.String("error", err.Error()))
			return nil
		}
		return counter
	}

	m.ValidationAttempts = instrument("guard_validation_attempts_total", "License validation requests")
	m.ValidationSuccess = instrument("guard_validation_success_total", "Successful license validations")
	m.ValidationFailures = instrument("guard_validation_failures_total", "Rejected license validations")
	m.HeartbeatAttempts = instrument("guard_heartbeat_attempts_total", "Heartbeat rounds processed")
	m.HeartbeatClean = instrument("guard_heartbeat_clean_total", "Clean heartbeat rounds")
	m.HeartbeatStale = instrument("guard_heartbeat_stale_total", "Heartbeats presenting a stale token")
	m.TamperDetections = instrument("guard_tamper_detections_total", "Tamper heuristic hits")
	m.Escalations = instrument("guard_escalations_total", "Status escalations by target status")
	m.Notifications = instrument("guard_notifications_total", "Breach notifications dispatched")

	sessions, err := meter.Int64UpDownCounter("guard_active_sessions",
		metric.WithDescription("Licenses with a live heartbeat session"))
	if err != nil {
		logger.Warn("failed to register metric", slog.String("metric", "guard_active_sessions"), slog.String("error", err.Error()))
	} else {
		m.ActiveSessions = sessions
	}

	return m
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}
