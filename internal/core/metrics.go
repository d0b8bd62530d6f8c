package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the broker's OpenTelemetry instruments. The meter
// provider is registered by the ops handler; instruments created
// before that point delegate through the otel global.
type Metrics struct {
	sessionsStarted   metric.Int64Counter
	sessionsResumed   metric.Int64Counter
	sessionsEnded     metric.Int64Counter
	admissionRejected metric.Int64Counter
	activeSessions    metric.Int64UpDownCounter
	outputBytes       metric.Int64Counter
}

// NewMetrics creates the broker instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/ably/cli-terminal-server/internal/core")

	var m Metrics
	var err error

	if m.sessionsStarted, err = meter.Int64Counter("terminal_sessions_started_total",
		metric.WithDescription("Sessions created")); err != nil {
		return nil, err
	}
	if m.sessionsResumed, err = meter.Int64Counter("terminal_sessions_resumed_total",
		metric.WithDescription("Successful resumes")); err != nil {
		return nil, err
	}
	if m.sessionsEnded, err = meter.Int64Counter("terminal_sessions_ended_total",
		metric.WithDescription("Sessions terminated, by cause")); err != nil {
		return nil, err
	}
	if m.admissionRejected, err = meter.Int64Counter("terminal_admission_rejected_total",
		metric.WithDescription("Admission denials, by reason")); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter("terminal_sessions",
		metric.WithDescription("Registered sessions (active plus orphaned)")); err != nil {
		return nil, err
	}
	if m.outputBytes, err = meter.Int64Counter("terminal_output_bytes_total",
		metric.WithDescription("Shell output bytes pumped")); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) sessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
	m.activeSessions.Add(ctx, 1)
}

func (m *Metrics) sessionResumed(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsResumed.Add(ctx, 1)
}

func (m *Metrics) sessionEnded(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
	m.activeSessions.Add(ctx, -1)
}

func (m *Metrics) admissionDenied(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.admissionRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) output(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.outputBytes.Add(ctx, int64(n))
}
