// Package mix lays the per-note waveforms of a phrase onto one canvas.
package mix

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/score"
)

const (
	// TailMargin is appended to every canvas so word tails running past
	// their note are kept.
	TailMargin = 0.5
	// DeclickSeconds is the length of the linear fade at each source edge.
	DeclickSeconds = 0.005
)

// AllocationError is returned when a canvas would exceed the configured limit.
type AllocationError struct {
	Requested int
	Limit     int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("canvas of %d samples exceeds limit of %d", e.Requested, e.Limit)
}

type Option func(*Assembler)

// WithoutDeclick disables the edge fades.
func WithoutDeclick() Option {
	return func(a *Assembler) { a.declick = false }
}

// WithMaxCanvasSamples caps the length of a single phrase canvas.
func WithMaxCanvasSamples(n int) Option {
	return func(a *Assembler) { a.maxSamples = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Assembler) { a.logger = l }
}

// Assembler mixes phrases. It holds no per-phrase state and is safe for
// concurrent use.
type Assembler struct {
	sampleRate int
	declick    bool
	maxSamples int
	logger     *slog.Logger
}

func New(audio config.AudioConfig, opts ...Option) *Assembler {
	a := &Assembler{
		sampleRate: audio.SampleRate,
		declick:    true,
		maxSamples: math.MaxInt32,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(slog.String("component", "assembler"))
	return a
}

// FromConfig builds an Assembler from the assembly section.
func FromConfig(audio config.AudioConfig, cfg config.AssemblyConfig, logger *slog.Logger) *Assembler {
	opts := []Option{WithLogger(logger)}
	if !cfg.Declick {
		opts = append(opts, WithoutDeclick())
	}
	if cfg.MaxCanvasSeconds > 0 {
		opts = append(opts, WithMaxCanvasSamples(int(math.Ceil(cfg.MaxCanvasSeconds*float64(audio.SampleRate)))))
	}
	return New(audio, opts...)
}

// Assemble mixes the notes of p into p.Mixed. Each note contributes its
// shifted waveform, or its raw one when no shifted waveform exists, starting
// at its offset from the first note. Sources are never truncated; the canvas
// grows instead. Sample values are summed without clipping.
func (a *Assembler) Assemble(p *score.Phrase) error {
	if len(p.Notes) == 0 {
		p.Mixed = nil
		return nil
	}
	sr := float64(a.sampleRate)
	base := p.Notes[0].Start()
	end := p.Notes[len(p.Notes)-1].End()

	size := int(math.Round((end - base + TailMargin) * sr))
	if size < 0 {
		size = 0
	}
	if size > a.maxSamples {
		return &AllocationError{Requested: size, Limit: a.maxSamples}
	}
	canvas := make(score.Waveform, size)

	for _, n := range p.Notes {
		src := n.Shifted
		if !src.Present() {
			src = n.Raw
		}
		if !src.Present() {
			continue
		}
		offset := int(math.Round((n.Start() - base) * sr))
		if offset < 0 {
			a.logger.Warn("note starts before phrase, skipping",
				slog.String("text", n.Text), slog.Float64("start", n.Start()))
			continue
		}
		needed := offset + len(src)
		if needed > len(canvas) {
			if needed > a.maxSamples {
				return &AllocationError{Requested: needed, Limit: a.maxSamples}
			}
			canvas = append(canvas, make(score.Waveform, needed-len(canvas))...)
		}
		if a.declick {
			src = Declick(src, a.sampleRate)
		}
		for i, v := range src {
			canvas[offset+i] += v
		}
	}
	p.Mixed = canvas
	a.logger.Debug("phrase assembled",
		slog.Int("notes", len(p.Notes)),
		slog.Float64("start", base),
		slog.Int("samples", len(canvas)))
	return nil
}

// AssembleTrack assembles every phrase of t, stopping at the first error.
func (a *Assembler) AssembleTrack(t *score.Track) error {
	for i, p := range t.Phrases {
		if err := a.Assemble(p); err != nil {
			return fmt.Errorf("phrase %d of track %q: %w", i, t.Name, err)
		}
	}
	return nil
}

// Declick returns a copy of w with linear fades over its first and last
// min(DeclickSeconds*sampleRate, len(w)/2) samples. The fades run from 0 to 1
// and from 1 to 0 inclusive, so the outermost samples become zero.
func Declick(w score.Waveform, sampleRate int) score.Waveform {
	out := w.Clone()
	fade := int(math.Round(DeclickSeconds * float64(sampleRate)))
	if half := len(w) / 2; fade > half {
		fade = half
	}
	if fade <= 0 {
		return out
	}
	// The fade-out mirrors the fade-in so a one-sample ramp zeroes both edges.
	ramp := linspace(0, 1, fade)
	tail := len(out) - fade
	for k := 0; k < fade; k++ {
		out[k] *= ramp[k]
		out[tail+k] *= ramp[fade-1-k]
	}
	return out
}

// linspace returns n evenly spaced values from start to stop inclusive. With
// n == 1 it returns just start.
func linspace(start, stop float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (stop - start) / float64(n-1)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	out[n-1] = stop
	return out
}
