package journal

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/retarget"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.JournalConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "journal.db")
	js, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	return js
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	js, err := Open(ctx, config.JournalConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = js.Close() })
	if err := js.StartRender(ctx, "r1", "song.mid"); err != nil {
		t.Fatalf("start render: %v", err)
	}
	events, err := js.ListRenderEvents(ctx, "r1", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("ephemeral journal should store nothing, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	js := openTemp(t, config.JournalConfig{RetentionMode: "session"})

	if err := js.StartRender(ctx, "render-123", "song.mid"); err != nil {
		t.Fatalf("start render: %v", err)
	}
	if err := js.AppendEvent(ctx, Event{RenderID: "render-123", Type: EventStageCompleted, Payload: []byte("decode")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := js.ListRenderEvents(ctx, "render-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if string(events[0].Payload) != "decode" || events[0].Type != EventStageCompleted {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round trip")
	}
}

func TestFinishRender(t *testing.T) {
	ctx := context.Background()
	js := openTemp(t, config.JournalConfig{RetentionMode: "session"})

	if err := js.StartRender(ctx, "r1", "a.yaml"); err != nil {
		t.Fatalf("start render: %v", err)
	}
	if err := js.FinishRender(ctx, "r1", StatusCompleted); err != nil {
		t.Fatalf("finish render: %v", err)
	}
	renders, err := js.ListRenders(ctx, 10)
	if err != nil {
		t.Fatalf("list renders: %v", err)
	}
	if len(renders) != 1 || renders[0].Status != StatusCompleted || renders[0].Source != "a.yaml" {
		t.Fatalf("unexpected renders: %+v", renders)
	}
	if renders[0].FinishedAt.IsZero() {
		t.Fatal("expected finished_at to be set")
	}
}

func TestRecorderJournalsFallbacks(t *testing.T) {
	ctx := context.Background()
	js := openTemp(t, config.JournalConfig{RetentionMode: "session"})
	if err := js.StartRender(ctx, "r1", "song.mid"); err != nil {
		t.Fatalf("start render: %v", err)
	}

	js.Recorder("r1").RecordFallback(ctx, retarget.Fallback{Text: "la", Start: 1.5, Reason: "analysis failed"})

	events, err := js.ListRenderEvents(ctx, "r1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventRetargetFallback {
		t.Fatalf("expected one fallback event, got %+v", events)
	}
	var payload map[string]any
	if err := json.Unmarshal(events[0].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["text"] != "la" || payload["start"] != 1.5 {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestPruneByDaysAndRenders(t *testing.T) {
	ctx := context.Background()
	js := openTemp(t, config.JournalConfig{RetentionMode: "persistent", RetentionDays: 1, MaxRenders: 1})

	js.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := js.StartRender(ctx, "old-render", "a.mid"); err != nil {
		t.Fatalf("start render: %v", err)
	}
	if err := js.AppendEvent(ctx, Event{RenderID: "old-render", Type: EventRenderStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	js.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"mid-render", "new-render"} {
		if err := js.StartRender(ctx, id, "b.mid"); err != nil {
			t.Fatalf("start render: %v", err)
		}
		js.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 1, 0, 0, time.UTC) }
	}
	if err := js.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := js.ListRenderEvents(ctx, "old-render", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old render pruned")
	}
	renders, err := js.ListRenders(ctx, 10)
	if err != nil {
		t.Fatalf("list renders: %v", err)
	}
	if len(renders) != 1 || renders[0].ID != "new-render" {
		t.Fatalf("expected only the newest render kept, got %+v", renders)
	}
}
