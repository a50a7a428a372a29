// Package synth turns a syllable into a raw waveform. Back-ends are chosen
// with an explicit Kind at configuration time.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/score"
)

// Synthesizer produces a mono waveform at the configured sample rate.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (score.Waveform, error)
}

// SynthesisError wraps any back-end failure for one syllable.
type SynthesisError struct {
	Text string
	Err  error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize %q: %v", e.Text, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Kind selects a synthesizer back-end.
type Kind int

const (
	KindMock Kind = iota
	KindExec
	KindBank
)

func (k Kind) String() string {
	switch k {
	case KindMock:
		return "mock"
	case KindExec:
		return "exec"
	case KindBank:
		return "bank"
	default:
		return fmt.Sprintf("synth.Kind(%d)", int(k))
	}
}

// ParseKind maps a configuration name to a Kind. Only exact names are
// accepted.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mock":
		return KindMock, nil
	case "exec":
		return KindExec, nil
	case "bank":
		return KindBank, nil
	default:
		return 0, fmt.Errorf("unknown synthesizer kind %q", name)
	}
}

// Factory builds a fresh Synthesizer. Pipelines call it once per worker.
type Factory func() (Synthesizer, error)

// NewFactory returns a Factory for the configured back-end, wrapped with
// retries and an LRU cache when those are enabled. The cache is shared by
// every synthesizer the factory builds.
func NewFactory(cfg config.SynthConfig, audio config.AudioConfig, logger *slog.Logger) (Factory, error) {
	kind, err := ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	sourceRate := cfg.SampleRate
	if sourceRate == 0 {
		sourceRate = audio.SampleRate
	}

	build := func() (Synthesizer, error) {
		switch kind {
		case KindExec:
			return NewExec(cfg.Command, cfg.Voice, sourceRate, audio.SampleRate)
		case KindBank:
			return NewBank(cfg.BankDir, audio.SampleRate)
		default:
			return NewMock(audio.SampleRate), nil
		}
	}
	if _, err := build(); err != nil {
		return nil, err
	}

	var cache *Cache
	if cfg.CacheSize > 0 {
		cache, err = NewCache(cfg.CacheSize)
		if err != nil {
			return nil, err
		}
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	return func() (Synthesizer, error) {
		s, err := build()
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			s = WithTimeout(s, timeout)
		}
		if cfg.MaxRetries > 0 {
			s = NewRetrying(s, cfg.MaxRetries, logger)
		}
		if cache != nil {
			s = cache.Wrap(s)
		}
		return s, nil
	}, nil
}

type timeoutSynth struct {
	next    Synthesizer
	timeout time.Duration
}

// WithTimeout bounds every call to s.
func WithTimeout(s Synthesizer, d time.Duration) Synthesizer {
	return &timeoutSynth{next: s, timeout: d}
}

func (t *timeoutSynth) Synthesize(ctx context.Context, text string) (score.Waveform, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.next.Synthesize(ctx, text)
}

// Silence returns a zero waveform lasting seconds.
func Silence(seconds float64, sampleRate int) score.Waveform {
	n := int(seconds*float64(sampleRate) + 0.5)
	if n < 0 {
		n = 0
	}
	return make(score.Waveform, n)
}
