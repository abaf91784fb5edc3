package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"
)

var tracer trace.Tracer = otel.Tracer("pkt.systems/markd/store")

type storeMetrics struct {
	persistDuration metric.Int64Histogram
	persistBytes    metric.Int64Counter
	persistSkipped  metric.Int64Counter
}

func newStoreMetrics(logger pslog.Logger) *storeMetrics {
	meter := otel.Meter("pkt.systems/markd/store")
	m := &storeMetrics{}
	var err error

	m.persistDuration, err = meter.Int64Histogram(
		"markd.store.persist.duration_ms",
		metric.WithDescription("Time spent writing the snapshot"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "markd.store.persist.duration_ms", err)

	m.persistBytes, err = meter.Int64Counter(
		"markd.store.persist.bytes",
		metric.WithDescription("Snapshot bytes written"),
		metric.WithUnit("By"),
	)
	logMetricInitError(logger, "markd.store.persist.bytes", err)

	m.persistSkipped, err = meter.Int64Counter(
		"markd.store.persist.skipped",
		metric.WithDescription("Persist calls that returned without writing"),
	)
	logMetricInitError(logger, "markd.store.persist.skipped", err)

	return m
}

func (m *storeMetrics) recordPersist(ctx context.Context, elapsed time.Duration, bytes int64, err error) {
	if m == nil || m.persistDuration == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persistDuration.Record(ctx, elapsed.Milliseconds(), metric.WithAttributes(attribute.String("markd.result", result)))
	if bytes > 0 && m.persistBytes != nil {
		m.persistBytes.Add(ctx, bytes)
	}
}

func (m *storeMetrics) recordSkip(ctx context.Context, reason string) {
	if m == nil || m.persistSkipped == nil {
		return
	}
	m.persistSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("markd.reason", reason)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
