// Package vocoder provides analysis/resynthesis back-ends used to move a
// synthesized word onto a new pitch contour.
package vocoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/score"
)

// Envelope is the per-frame spectral description of a waveform. The layout of
// Frames is owned by the vocoder that produced it; callers pass it back to
// Resynthesize unchanged.
type Envelope struct {
	Frames   [][]float64
	SourceF0 []float64
}

// Aperiodicity holds per-frame noise measures, opaque to callers.
type Aperiodicity struct {
	Frames [][]float64
}

// Vocoder decomposes a waveform into F0, envelope and aperiodicity and
// rebuilds a waveform from a (possibly modified) F0 contour.
type Vocoder interface {
	AnalyzeF0(ctx context.Context, wave score.Waveform, sampleRate int, stepMS float64) (f0, times []float64, err error)
	RefineF0(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) ([]float64, error)
	ExtractEnvelope(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) (*Envelope, error)
	ExtractAperiodicity(ctx context.Context, wave score.Waveform, f0, times []float64, sampleRate int) (*Aperiodicity, error)
	Resynthesize(ctx context.Context, f0 []float64, env *Envelope, ap *Aperiodicity, sampleRate int, stepMS float64) (score.Waveform, error)
}

// Kind selects a vocoder back-end.
type Kind int

const (
	KindNative Kind = iota
	KindExec
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindExec:
		return "exec"
	default:
		return fmt.Sprintf("vocoder.Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind. Matching is exact apart from
// case and surrounding whitespace.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "native":
		return KindNative, nil
	case "exec":
		return KindExec, nil
	default:
		return 0, fmt.Errorf("unknown vocoder kind %q", name)
	}
}

// Factory builds a fresh Vocoder. Pipelines call it once per worker.
type Factory func() (Vocoder, error)

// NewFactory returns a Factory for the configured back-end.
func NewFactory(cfg config.VocoderConfig) (Factory, error) {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindExec:
		if _, err := NewExec(cfg.Command); err != nil {
			return nil, err
		}
		return func() (Vocoder, error) { return NewExec(cfg.Command) }, nil
	default:
		return func() (Vocoder, error) { return NewNative(), nil }, nil
	}
}
