package render

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-cantor/internal/bus"
	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/export"
	"github.com/loqalabs/loqa-cantor/internal/natsserver"
	"github.com/loqalabs/loqa-cantor/internal/pipeline"
	"github.com/loqalabs/loqa-cantor/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRenderer struct {
	mu      sync.Mutex
	calls   map[string]int
	sources []string
}

func (f *fakeRenderer) Run(_ context.Context, path string, opts ...pipeline.RunOption) (*pipeline.Result, error) {
	source := filepath.Base(path)
	f.mu.Lock()
	f.sources = append(f.sources, path)
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[source] = len(opts)
	f.mu.Unlock()

	if source == "overlap.mid" {
		return nil, &pipeline.StageError{Stage: pipeline.StageSegment, Err: errors.New("notes 0 and 1 overlap")}
	}
	return &pipeline.Result{Paths: []string{"out/" + source + ".wav"}}, nil
}

func (f *fakeRenderer) optsFor(source string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[source]
}

func (f *fakeRenderer) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sources...)
}

func subscribeDone(t *testing.T, client *bus.Client) chan *nats.Msg {
	t.Helper()
	done := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRenderDone, done)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return done
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{ns.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, client *bus.Client, done chan *nats.Msg, req protocol.RenderRequest) protocol.RenderStatus {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := client.Conn().Publish(protocol.SubjectRenderRequest, data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-done:
		var st protocol.RenderStatus
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		return st
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for render completion")
	}
	return protocol.RenderStatus{}
}

func TestServiceRendersRequests(t *testing.T) {
	client := startBus(t)
	renderer := &fakeRenderer{}
	exporter := export.NewWAV(config.ExportConfig{Dir: t.TempDir()}, config.AudioConfig{SampleRate: 8000}, newLogger())

	sourceDir := t.TempDir()
	svc := NewService(context.Background(), config.RenderConfig{Enabled: true, MaxConcurrency: 1, TimeoutSeconds: 5, SourceDir: sourceDir}, client, renderer, exporter, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service should be healthy once subscribed")
	}

	done := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRenderDone, done)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	st := request(t, client, done, protocol.RenderRequest{RenderID: "r-1", Source: "song.mid", OutputDir: "takes"})
	if st.State != protocol.StateCompleted || st.RenderID != "r-1" {
		t.Fatalf("unexpected status %+v", st)
	}
	if len(st.Paths) != 1 || st.Paths[0] != "out/song.mid.wav" {
		t.Fatalf("unexpected paths %v", st.Paths)
	}
	if got := renderer.optsFor("song.mid"); got != 2 {
		t.Fatalf("expected render id and exporter options, got %d", got)
	}
	if got := renderer.paths(); got[0] != filepath.Join(sourceDir, "song.mid") {
		t.Fatalf("expected source resolved inside %s, got %s", sourceDir, got[0])
	}

	st = request(t, client, done, protocol.RenderRequest{Source: "overlap.mid"})
	if st.State != protocol.StateFailed || st.Stage != pipeline.StageSegment {
		t.Fatalf("expected failed segment status, got %+v", st)
	}
	if st.RenderID == "" {
		t.Fatal("expected a generated render id")
	}

	st = request(t, client, done, protocol.RenderRequest{})
	if st.State != protocol.StateFailed || st.Error == "" {
		t.Fatalf("expected rejection of empty source, got %+v", st)
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	svc := NewService(context.Background(), config.RenderConfig{Enabled: false}, nil, &fakeRenderer{}, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() {
		t.Fatal("disabled service reports healthy")
	}
}

func TestServiceRateLimitsRequests(t *testing.T) {
	client := startBus(t)
	cfg := config.RenderConfig{Enabled: true, MaxConcurrency: 1, RequestsPerSecond: 0.001, Burst: 1}
	svc := NewService(context.Background(), cfg, client, &fakeRenderer{}, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	done := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectRenderDone, done)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if st := request(t, client, done, protocol.RenderRequest{Source: "a.mid"}); st.State != protocol.StateCompleted {
		t.Fatalf("first request should render, got %+v", st)
	}
	if st := request(t, client, done, protocol.RenderRequest{Source: "b.mid"}); st.State != protocol.StateFailed || st.Error != "rate limited" {
		t.Fatalf("second request should be throttled, got %+v", st)
	}
}

func TestServiceRejectsPathsOutsideRoots(t *testing.T) {
	client := startBus(t)
	renderer := &fakeRenderer{}
	exporter := export.NewWAV(config.ExportConfig{Dir: t.TempDir()}, config.AudioConfig{SampleRate: 8000}, newLogger())
	sourceDir := t.TempDir()
	svc := NewService(context.Background(), config.RenderConfig{Enabled: true, MaxConcurrency: 1, SourceDir: sourceDir}, client, renderer, exporter, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	done := subscribeDone(t, client)

	cases := map[string]protocol.RenderRequest{
		"parent source":     {Source: "../secret.mid"},
		"absolute source":   {Source: "/etc/passwd"},
		"parent output":     {Source: "song.mid", OutputDir: "../elsewhere"},
		"absolute output":   {Source: "song.mid", OutputDir: t.TempDir()},
		"nested escape out": {Source: "song.mid", OutputDir: "takes/../../x"},
	}
	for name, req := range cases {
		st := request(t, client, done, req)
		if st.State != protocol.StateFailed || !strings.Contains(st.Error, "outside") {
			t.Fatalf("%s: expected rejection, got %+v", name, st)
		}
	}
	if got := renderer.paths(); len(got) != 0 {
		t.Fatalf("renderer should not run for rejected requests, got %v", got)
	}

	st := request(t, client, done, protocol.RenderRequest{Source: "sub/../song.mid", OutputDir: "takes/a"})
	if st.State != protocol.StateCompleted {
		t.Fatalf("expected contained paths to render, got %+v", st)
	}
}

func TestServiceRejectsOutputDirWithoutExporter(t *testing.T) {
	client := startBus(t)
	svc := NewService(context.Background(), config.RenderConfig{Enabled: true, MaxConcurrency: 1}, client, &fakeRenderer{}, nil, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	done := subscribeDone(t, client)

	st := request(t, client, done, protocol.RenderRequest{Source: "song.mid", OutputDir: "takes"})
	if st.State != protocol.StateFailed || st.Error == "" {
		t.Fatalf("expected rejection, got %+v", st)
	}
}
