package embeddings

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/fyrsmithlabs/rulesmith/internal/embeddings"

// Metrics records embedding calls. A nil instrument is skipped, so a
// Metrics whose construction partly failed still works.
type Metrics struct {
	latency  metric.Float64Histogram
	texts    metric.Int64Histogram
	requests metric.Int64Counter
}

// NewMetrics registers instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(meterName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	var (
		m    Metrics
		errs []error
		err  error
	)

	m.latency, err = meter.Float64Histogram("rulesmith.embedding.duration_seconds",
		metric.WithDescription("Embedding call latency by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	errs = append(errs, err)

	m.texts, err = meter.Int64Histogram("rulesmith.embedding.texts",
		metric.WithDescription("Texts embedded per call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
	)
	errs = append(errs, err)

	m.requests, err = meter.Int64Counter("rulesmith.embedding.requests_total",
		metric.WithDescription("Embedding calls by model, operation and outcome"),
		metric.WithUnit("{request}"),
	)
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil && logger != nil {
		logger.Warn("embedding metrics partially unavailable", zap.Error(err))
	}
	return &m
}

// RecordGeneration records one embedding call of n texts.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, took time.Duration, n int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	base := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)

	if m.latency != nil {
		m.latency.Record(ctx, took.Seconds(), base)
	}
	if m.texts != nil && n > 0 {
		m.texts.Record(ctx, int64(n), base)
	}
	if m.requests != nil {
		m.requests.Add(ctx, 1, base, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
