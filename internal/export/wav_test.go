package export

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/score"
	"github.com/loqalabs/loqa-cantor/internal/timeline"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func phraseAt(start float64, mixed score.Waveform) *score.Phrase {
	return &score.Phrase{
		Notes: []*score.Note{{Interval: timeline.Interval{Start: start, End: start + 0.1}, Text: "la"}},
		Mixed: mixed,
	}
}

func TestTrackTimelinePlacesPhrases(t *testing.T) {
	tr := &score.Track{Name: "lead", Phrases: []*score.Phrase{
		phraseAt(0, score.Waveform{1, 1, 1}),
		phraseAt(0.002, score.Waveform{0.5, 0.5}),
		phraseAt(0.01, score.Waveform{2}),
	}}
	out := TrackTimeline(tr, 1000)
	want := []float64{1, 1, 1.5, 0.5, 0, 0, 0, 0, 0, 0, 2}
	if len(out) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestPCMClipsOnlyAtExport(t *testing.T) {
	got := toPCM16(score.Waveform{0, 0.5, 1.7, -3})
	want := []int{0, 16384, 32767, -32768}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestExportWritesTracksAndPhrases(t *testing.T) {
	dir := t.TempDir()
	exp := NewWAV(config.ExportConfig{Dir: dir, PerPhrase: true}, config.AudioConfig{SampleRate: 8000}, newLogger())
	comp := &score.Composition{Name: "My Song", Tracks: []*score.Track{{
		Name:    "alto/2",
		Phrases: []*score.Phrase{phraseAt(0, score.Waveform{0.1, 0.2}), phraseAt(1, score.Waveform{0.3})},
	}}}
	paths, err := exp.Export(context.Background(), comp)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected track plus 2 phrase files, got %v", paths)
	}
	if filepath.Base(paths[0]) != "My_Song_alto_2.wav" {
		t.Fatalf("unexpected file name %s", paths[0])
	}

	f, err := os.Open(paths[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		t.Fatal("exported file is not a valid wav")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if d.SampleRate != 8000 || d.BitDepth != 16 || d.NumChans != 1 {
		t.Fatalf("unexpected format %d Hz %d bit %d ch", d.SampleRate, d.BitDepth, d.NumChans)
	}
	if len(buf.Data) != 8001 {
		t.Fatalf("expected 8001 samples on the track timeline, got %d", len(buf.Data))
	}
}
