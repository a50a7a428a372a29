package mix

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/score"
	"github.com/loqalabs/loqa-cantor/internal/timeline"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var audio = config.AudioConfig{SampleRate: 1000, FrameStepMS: 5}

func ones(n int) score.Waveform {
	w := make(score.Waveform, n)
	for i := range w {
		w[i] = 1
	}
	return w
}

func noteAt(start, end float64, raw, shifted score.Waveform) *score.Note {
	return &score.Note{
		PitchHz:  440,
		Interval: timeline.Interval{Start: start, End: end},
		Text:     "la",
		Raw:      raw,
		Shifted:  shifted,
	}
}

func TestAssembleTwoNotePhrase(t *testing.T) {
	a := New(audio, WithoutDeclick(), WithLogger(newLogger()))
	p := &score.Phrase{Notes: []*score.Note{
		noteAt(0, 0.5, nil, ones(500)),
		noteAt(0.5, 1.0, nil, ones(500)),
	}}
	if err := a.Assemble(p); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(p.Mixed) != 1500 {
		t.Fatalf("expected canvas of 1500 samples, got %d", len(p.Mixed))
	}
	if p.Mixed[0] != 1 || p.Mixed[499] != 1 || p.Mixed[500] != 1 || p.Mixed[999] != 1 {
		t.Fatalf("expected sources placed at offsets 0 and 500")
	}
	if p.Mixed[1000] != 0 || p.Mixed[1499] != 0 {
		t.Fatalf("expected silent tail margin")
	}
}

func TestAssembleGrowsCanvasForLongTail(t *testing.T) {
	a := New(audio, WithoutDeclick(), WithLogger(newLogger()))
	p := &score.Phrase{Notes: []*score.Note{
		noteAt(2.0, 2.1, ones(2000), nil),
	}}
	if err := a.Assemble(p); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(p.Mixed) != 2000 {
		t.Fatalf("expected canvas grown to 2000 samples, got %d", len(p.Mixed))
	}
	if p.Mixed[1999] != 1 {
		t.Fatal("source must not be truncated")
	}
}

func TestAssembleOverlappingTailsAdd(t *testing.T) {
	a := New(audio, WithoutDeclick(), WithLogger(newLogger()))
	p := &score.Phrase{Notes: []*score.Note{
		noteAt(0, 0.1, nil, ones(300)),
		noteAt(0.1, 0.2, nil, ones(100)),
	}}
	if err := a.Assemble(p); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if p.Mixed[150] != 2 {
		t.Fatalf("expected additive mix without clipping, got %v", p.Mixed[150])
	}
}

func TestAssembleRoundsOffsets(t *testing.T) {
	a := New(audio, WithoutDeclick(), WithLogger(newLogger()))
	p := &score.Phrase{Notes: []*score.Note{
		noteAt(0, 0.0016, nil, ones(1)),
		noteAt(0.0016, 0.1, nil, score.Waveform{5}),
	}}
	if err := a.Assemble(p); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if p.Mixed[2] != 5 {
		t.Fatalf("expected second note at rounded offset 2, canvas head %v", p.Mixed[:4])
	}
}

func TestAssemblePrefersShiftedAndSkipsEmpty(t *testing.T) {
	a := New(audio, WithoutDeclick(), WithLogger(newLogger()))
	p := &score.Phrase{Notes: []*score.Note{
		noteAt(0, 0.1, score.Waveform{9, 9}, score.Waveform{3, 3}),
		noteAt(0.1, 0.2, nil, nil),
		noteAt(0.2, 0.3, score.Waveform{7}, nil),
	}}
	if err := a.Assemble(p); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if p.Mixed[0] != 3 {
		t.Fatalf("expected shifted waveform used, got %v", p.Mixed[0])
	}
	if p.Mixed[100] != 0 {
		t.Fatalf("note without audio should contribute nothing")
	}
	if p.Mixed[200] != 7 {
		t.Fatalf("expected raw waveform used when shifted is absent")
	}
}

func TestAssembleDeclickLeavesSourceIntact(t *testing.T) {
	a := New(audio, WithLogger(newLogger()))
	src := ones(100)
	p := &score.Phrase{Notes: []*score.Note{noteAt(0, 0.1, nil, src)}}
	if err := a.Assemble(p); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if p.Mixed[0] != 0 || p.Mixed[99] != 0 {
		t.Fatalf("expected faded edges, got %v and %v", p.Mixed[0], p.Mixed[99])
	}
	if p.Mixed[50] != 1 {
		t.Fatalf("expected untouched middle, got %v", p.Mixed[50])
	}
	for i, v := range src {
		if v != 1 {
			t.Fatalf("source sample %d modified to %v", i, v)
		}
	}
}

func TestDeclickLengths(t *testing.T) {
	// 5ms at 1kHz is 5 samples.
	out := Declick(ones(20), 1000)
	want := []float64{0, 0.25, 0.5, 0.75, 1}
	for i, v := range want {
		if out[i] != v {
			t.Fatalf("fade-in sample %d = %v, want %v", i, out[i], v)
		}
		if out[19-i] != v {
			t.Fatalf("fade-out sample %d = %v, want %v", 19-i, out[19-i], v)
		}
	}

	// Short sources fade over half their length.
	short := Declick(ones(4), 1000)
	if short[0] != 0 || short[1] != 1 || short[2] != 1 || short[3] != 0 {
		t.Fatalf("unexpected short fade %v", short)
	}

	// Two and three samples fade over one sample at each edge.
	for _, n := range []int{2, 3} {
		edge := Declick(ones(n), 1000)
		if edge[0] != 0 || edge[n-1] != 0 {
			t.Fatalf("len %d: expected zeroed edges, got %v", n, edge)
		}
		if n == 3 && edge[1] != 1 {
			t.Fatalf("len 3: middle sample changed, got %v", edge)
		}
	}

	// A single sample has no fade at all.
	single := Declick(score.Waveform{0.5}, 1000)
	if single[0] != 0.5 {
		t.Fatalf("expected single sample untouched, got %v", single[0])
	}
}

func TestAssembleAllocationGuard(t *testing.T) {
	a := New(audio, WithMaxCanvasSamples(1000), WithLogger(newLogger()))
	p := &score.Phrase{Notes: []*score.Note{noteAt(0, 2, nil, ones(10))}}
	err := a.Assemble(p)
	var alloc *AllocationError
	if !errors.As(err, &alloc) {
		t.Fatalf("expected AllocationError, got %v", err)
	}
	if alloc.Requested != 2500 || alloc.Limit != 1000 {
		t.Fatalf("unexpected allocation error %+v", alloc)
	}

	p = &score.Phrase{Notes: []*score.Note{noteAt(0, 0.1, nil, ones(5000))}}
	if err := a.Assemble(p); !errors.As(err, &alloc) {
		t.Fatalf("expected AllocationError while growing, got %v", err)
	}
}

func TestAssembleTrackWrapsPhraseIndex(t *testing.T) {
	a := FromConfig(audio, config.AssemblyConfig{Declick: true, MaxCanvasSeconds: 1}, newLogger())
	tr := &score.Track{Name: "lead", Phrases: []*score.Phrase{
		{Notes: []*score.Note{noteAt(0, 0.1, ones(10), nil)}},
		{Notes: []*score.Note{noteAt(1, 3, ones(10), nil)}},
	}}
	err := a.AssembleTrack(tr)
	var alloc *AllocationError
	if !errors.As(err, &alloc) {
		t.Fatalf("expected wrapped AllocationError, got %v", err)
	}
	if tr.Phrases[0].Mixed == nil {
		t.Fatal("first phrase should have been assembled")
	}
}

func TestAssembleCanvasCoversEverySource(t *testing.T) {
	a := New(audio, WithLogger(newLogger()))
	notes := []*score.Note{
		noteAt(0, 0.2, ones(150), nil),
		noteAt(0.2, 0.3, ones(900), nil),
		noteAt(0.3, 0.35, ones(20), nil),
	}
	p := &score.Phrase{Notes: notes}
	if err := a.Assemble(p); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	for _, n := range notes {
		offset := int(n.Start()*1000 + 0.5)
		if len(p.Mixed) < offset+len(n.Raw) {
			t.Fatalf("canvas %d shorter than offset %d + len %d", len(p.Mixed), offset, len(n.Raw))
		}
	}
}
