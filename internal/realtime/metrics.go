package realtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type realtimeMetrics struct {
	broadcasts   metric.Int64Counter
	sendFailures metric.Int64Counter
	sessions     metric.Int64UpDownCounter
	timeouts     metric.Int64Counter
}

func newRealtimeMetrics(logger pslog.Logger) *realtimeMetrics {
	meter := otel.Meter("pkt.systems/markd/realtime")
	m := &realtimeMetrics{}
	var err error

	m.broadcasts, err = meter.Int64Counter(
		"markd.realtime.broadcasts",
		metric.WithDescription("Messages broadcast to sessions"),
	)
	logMetricInitError(logger, "markd.realtime.broadcasts", err)

	m.sendFailures, err = meter.Int64Counter(
		"markd.realtime.send_failures",
		metric.WithDescription("Per-recipient send failures"),
	)
	logMetricInitError(logger, "markd.realtime.send_failures", err)

	m.sessions, err = meter.Int64UpDownCounter(
		"markd.realtime.sessions",
		metric.WithDescription("Live realtime sessions"),
	)
	logMetricInitError(logger, "markd.realtime.sessions", err)

	m.timeouts, err = meter.Int64Counter(
		"markd.realtime.heartbeat.timeouts",
		metric.WithDescription("Sessions closed by the heartbeat sweep"),
	)
	logMetricInitError(logger, "markd.realtime.heartbeat.timeouts", err)

	return m
}

func (m *realtimeMetrics) recordBroadcast(ctx context.Context, msgType string) {
	if m == nil || m.broadcasts == nil {
		return
	}
	m.broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("markd.message_type", msgType)))
}

func (m *realtimeMetrics) recordSendFailure(ctx context.Context) {
	if m == nil || m.sendFailures == nil {
		return
	}
	m.sendFailures.Add(ctx, 1)
}

func (m *realtimeMetrics) recordSessions(ctx context.Context, delta int64) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, delta)
}

func (m *realtimeMetrics) recordTimeout(ctx context.Context) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(ctx, 1)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
