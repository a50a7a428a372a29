package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-cantor/internal/retarget"
)

const instrumentationName = "github.com/loqalabs/loqa-cantor/pipeline"

// Metrics holds the pipeline instruments. The zero value is not usable; build
// one with NewMetrics.
type Metrics struct {
	tracer        trace.Tracer
	retargeted    metric.Int64Counter
	fallbacks     metric.Int64Counter
	phrases       metric.Int64Counter
	stageDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on mp and spans on tp. Nil providers
// resolve to the global ones. Instruments that fail to register degrade to
// no-ops.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) *Metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	m := &Metrics{tracer: tp.Tracer(instrumentationName)}
	var err error
	if m.retargeted, err = meter.Int64Counter("cantor.notes.retargeted",
		metric.WithDescription("Notes processed by the retargeter, by outcome")); err != nil {
		m.retargeted, _ = fallback.Int64Counter("cantor.notes.retargeted")
	}
	if m.fallbacks, err = meter.Int64Counter("cantor.retarget.fallbacks",
		metric.WithDescription("Notes that kept their raw waveform after a vocoder failure")); err != nil {
		m.fallbacks, _ = fallback.Int64Counter("cantor.retarget.fallbacks")
	}
	if m.phrases, err = meter.Int64Counter("cantor.phrases.assembled",
		metric.WithDescription("Phrases mixed onto a canvas")); err != nil {
		m.phrases, _ = fallback.Int64Counter("cantor.phrases.assembled")
	}
	if m.stageDuration, err = meter.Float64Histogram("cantor.stage.duration",
		metric.WithDescription("Wall time per pipeline stage"),
		metric.WithUnit("s")); err != nil {
		m.stageDuration, _ = fallback.Float64Histogram("cantor.stage.duration")
	}
	return m
}

// StartStage opens a span for a pipeline stage. The returned func ends the
// span and records the stage duration; pass the stage's error, if any.
func (m *Metrics) StartStage(ctx context.Context, stage string) (context.Context, func(error)) {
	ctx, span := m.tracer.Start(ctx, "cantor."+stage, trace.WithAttributes(attribute.String("stage", stage)))
	started := time.Now()
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		m.stageDuration.Record(ctx, time.Since(started).Seconds(), metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}

// AddRetargeted counts a phrase's retarget summary by outcome.
func (m *Metrics) AddRetargeted(ctx context.Context, s retarget.Summary) {
	for outcome, n := range map[retarget.Outcome]int{
		retarget.Skipped:  s.Skipped,
		retarget.Shifted:  s.Shifted,
		retarget.Unvoiced: s.Unvoiced,
		retarget.Fallback: s.Fallbacks,
	} {
		if n == 0 {
			continue
		}
		m.retargeted.Add(ctx, int64(n), metric.WithAttributes(attribute.String("outcome", outcome.String())))
	}
}

func (m *Metrics) AddPhrasesAssembled(ctx context.Context, n int) {
	m.phrases.Add(ctx, int64(n))
}

// RecordFallback implements retarget.FallbackRecorder.
func (m *Metrics) RecordFallback(ctx context.Context, _ retarget.Fallback) {
	m.fallbacks.Add(ctx, 1)
}
