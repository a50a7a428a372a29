// Package retarget moves each synthesized syllable onto its note's pitch.
//
// A syllable is analysed with a vocoder, its voiced F0 frames are scaled by
// target/mean(F0), clamped to a singable range and resynthesized. Vocoder
// failures never abort a render: the raw waveform is used instead and the
// fallback is reported.
package retarget

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/score"
	"github.com/loqalabs/loqa-cantor/internal/vocoder"
)

// Shifted F0 values outside this range are clamped into it.
const (
	MinF0Hz = 50.0
	MaxF0Hz = 1600.0
)

// Outcome describes what happened to one note.
type Outcome int

const (
	// Skipped: the note had no target pitch or no raw waveform.
	Skipped Outcome = iota
	// Shifted: the note was resynthesized at its target pitch.
	Shifted
	// Unvoiced: analysis found no voiced frame, the raw waveform was copied.
	Unvoiced
	// Fallback: the vocoder failed, the raw waveform was copied.
	Fallback
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Shifted:
		return "shifted"
	case Unvoiced:
		return "unvoiced"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Fallback is emitted whenever the vocoder fails on a note.
type Fallback struct {
	Text   string
	Start  float64
	Reason string
}

// FallbackRecorder receives fallback events. Implementations must be safe for
// concurrent use.
type FallbackRecorder interface {
	RecordFallback(ctx context.Context, fb Fallback)
}

// Recorders fans a fallback out to every non-nil recorder.
type Recorders []FallbackRecorder

func (rs Recorders) RecordFallback(ctx context.Context, fb Fallback) {
	for _, r := range rs {
		if r != nil {
			r.RecordFallback(ctx, fb)
		}
	}
}

// Summary tallies outcomes for a phrase.
type Summary struct {
	Skipped   int
	Shifted   int
	Unvoiced  int
	Fallbacks int
}

func (s *Summary) add(o Outcome) {
	switch o {
	case Skipped:
		s.Skipped++
	case Shifted:
		s.Shifted++
	case Unvoiced:
		s.Unvoiced++
	case Fallback:
		s.Fallbacks++
	}
}

// Merge adds other into s.
func (s *Summary) Merge(other Summary) {
	s.Skipped += other.Skipped
	s.Shifted += other.Shifted
	s.Unvoiced += other.Unvoiced
	s.Fallbacks += other.Fallbacks
}

type Option func(*Retargeter)

// WithRecorder routes fallback events to r.
func WithRecorder(r FallbackRecorder) Option {
	return func(rt *Retargeter) { rt.recorder = r }
}

// WithLogger sets the logger used for fallback warnings.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Retargeter) { rt.logger = l }
}

// Retargeter owns one vocoder. It is not safe for concurrent use unless the
// vocoder is.
type Retargeter struct {
	vocoder  vocoder.Vocoder
	audio    config.AudioConfig
	recorder FallbackRecorder
	logger   *slog.Logger
}

func New(v vocoder.Vocoder, audio config.AudioConfig, opts ...Option) *Retargeter {
	rt := &Retargeter{vocoder: v, audio: audio, logger: slog.Default()}
	for _, opt := range opts {
		opt(rt)
	}
	rt.logger = rt.logger.With(slog.String("component", "retarget"))
	return rt
}

// RetargetPhrase retargets every note of p in order.
func (r *Retargeter) RetargetPhrase(ctx context.Context, p *score.Phrase) Summary {
	var sum Summary
	for _, n := range p.Notes {
		sum.add(r.Retarget(ctx, n))
	}
	return sum
}

// Retarget fills n.Shifted. It never fails; see Outcome.
func (r *Retargeter) Retarget(ctx context.Context, n *score.Note) Outcome {
	if !n.Pitched() || !n.Raw.Present() {
		return Skipped
	}
	shifted, voiced, err := r.resynthesize(ctx, n)
	if err != nil {
		r.logger.Warn("retarget fell back to raw waveform",
			slog.String("text", n.Text),
			slog.Float64("start", n.Start()),
			slog.String("error", err.Error()))
		if r.recorder != nil {
			r.recorder.RecordFallback(ctx, Fallback{Text: n.Text, Start: n.Start(), Reason: err.Error()})
		}
		n.Shifted = n.Raw.Clone()
		return Fallback
	}
	if !voiced {
		n.Shifted = n.Raw.Clone()
		return Unvoiced
	}
	n.Shifted = fitLength(shifted, len(n.Raw))
	return Shifted
}

func (r *Retargeter) resynthesize(ctx context.Context, n *score.Note) (score.Waveform, bool, error) {
	sr, step := r.audio.SampleRate, r.audio.FrameStepMS
	f0, times, err := r.vocoder.AnalyzeF0(ctx, n.Raw, sr, step)
	if err != nil {
		return nil, false, err
	}
	f0, err = r.vocoder.RefineF0(ctx, n.Raw, f0, times, sr)
	if err != nil {
		return nil, false, err
	}
	env, err := r.vocoder.ExtractEnvelope(ctx, n.Raw, f0, times, sr)
	if err != nil {
		return nil, false, err
	}
	ap, err := r.vocoder.ExtractAperiodicity(ctx, n.Raw, f0, times, sr)
	if err != nil {
		return nil, false, err
	}

	ratio, ok := Ratio(n.PitchHz, f0)
	if !ok {
		return nil, false, nil
	}
	wave, err := r.vocoder.Resynthesize(ctx, ShiftContour(f0, ratio), env, ap, sr, step)
	if err != nil {
		return nil, false, err
	}
	return wave, true, nil
}

// Ratio returns target divided by the mean of the voiced (non-zero) frames of
// f0. ok is false when no frame is voiced.
func Ratio(target float64, f0 []float64) (ratio float64, ok bool) {
	var sum float64
	var count int
	for _, hz := range f0 {
		if hz > 0 {
			sum += hz
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return target / (sum / float64(count)), true
}

// ShiftContour scales voiced frames of f0 by ratio and clamps them to
// [MinF0Hz, MaxF0Hz]. Unvoiced frames stay zero.
func ShiftContour(f0 []float64, ratio float64) []float64 {
	out := make([]float64, len(f0))
	for i, hz := range f0 {
		if hz <= 0 {
			continue
		}
		v := hz * ratio
		switch {
		case v < MinF0Hz:
			v = MinF0Hz
		case v > MaxF0Hz:
			v = MaxF0Hz
		}
		out[i] = v
	}
	return out
}

// fitLength truncates or zero-pads w to n samples.
func fitLength(w score.Waveform, n int) score.Waveform {
	out := make(score.Waveform, n)
	copy(out, w)
	return out
}
