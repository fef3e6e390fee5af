package transcript

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/timeline"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type sessionMetrics struct {
	results       metric.Int64Counter
	segmentsTotal metric.Int64Counter
	startFailures metric.Int64Counter
	drops         metric.Int64Counter
}

func newSessionMetrics(logger *slog.Logger, tl *timeline.Timeline) *sessionMetrics {
	meter := otel.Meter(instrumentationName)
	m := &sessionMetrics{}
	var err error
	if m.results, err = meter.Int64Counter("scribe.results", metric.WithDescription("Recognition payloads by outcome")); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	if m.segmentsTotal, err = meter.Int64Counter("scribe.segments", metric.WithDescription("Segments appended to the timeline")); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	if m.startFailures, err = meter.Int64Counter("scribe.start_failures", metric.WithDescription("Failed attempts to open a recognition stream")); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}
	if m.drops, err = meter.Int64Counter("scribe.connection_drops", metric.WithDescription("Recognition streams closed by the transport")); err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
	}

	gauge, err := meter.Int64ObservableGauge("scribe.timeline.segments", metric.WithDescription("Segments held by the current session"))
	if err != nil {
		logger.Warn("failed to initialize metrics", slogError(err))
		return m
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(tl.Len()))
		return nil
	}, gauge)
	if err != nil {
		logger.Warn("failed to register timeline gauge", slogError(err))
	}
	return m
}

func (m *sessionMetrics) result(o Outcome) {
	if m.results != nil {
		m.results.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", o.String())))
	}
}

func (m *sessionMetrics) segments(n int) {
	if m.segmentsTotal != nil && n > 0 {
		m.segmentsTotal.Add(context.Background(), int64(n))
	}
}

func (m *sessionMetrics) startFailed(ctx context.Context) {
	if m.startFailures != nil {
		m.startFailures.Add(ctx, 1)
	}
}

func (m *sessionMetrics) dropped() {
	if m.drops != nil {
		m.drops.Add(context.Background(), 1)
	}
}
