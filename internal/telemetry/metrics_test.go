package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/retarget"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumInt(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, not an int64 sum", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordPipelineCounts(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), nil)
	ctx := context.Background()

	m.AddRetargeted(ctx, retarget.Summary{Shifted: 3, Unvoiced: 1, Fallbacks: 1})
	m.RecordFallback(ctx, retarget.Fallback{Text: "la"})
	m.AddPhrasesAssembled(ctx, 2)
	_, end := m.StartStage(ctx, "assemble")
	end(nil)
	_, end = m.StartStage(ctx, "export")
	end(errors.New("disk full"))

	got := collect(t, reader)
	if n := sumInt(t, got["cantor.notes.retargeted"]); n != 5 {
		t.Fatalf("expected 5 retargeted notes, got %d", n)
	}
	if n := sumInt(t, got["cantor.retarget.fallbacks"]); n != 1 {
		t.Fatalf("expected 1 fallback, got %d", n)
	}
	if n := sumInt(t, got["cantor.phrases.assembled"]); n != 2 {
		t.Fatalf("expected 2 phrases, got %d", n)
	}
	hist, ok := got["cantor.stage.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 2 {
		t.Fatalf("expected one histogram point per stage outcome, got %+v", got["cantor.stage.duration"].Data)
	}
}

func TestSetupRejectsUnknownExporter(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceExporter = "zipkin"
	if _, _, err := Setup(context.Background(), cfg, newLogger()); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSetupOTLPNeedsEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.TraceExporter = "otlp"
	cfg.Telemetry.OTLPEndpoint = ""
	if _, _, err := Setup(context.Background(), cfg, newLogger()); err == nil {
		t.Fatal("expected error without endpoint")
	}
}
