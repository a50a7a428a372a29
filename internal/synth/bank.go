package synth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

type bankSynth struct {
	dir        string
	sampleRate int
}

// NewBank serves syllables from pre-recorded WAV files named <text>.wav in
// dir. Spaces in the text map to underscores.
func NewBank(dir string, sampleRate int) (Synthesizer, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open sample bank: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("sample bank %s is not a directory", dir)
	}
	return &bankSynth{dir: dir, sampleRate: sampleRate}, nil
}

// BankFileName returns the file a bank looks up for text.
func BankFileName(text string) string {
	name := strings.ToLower(strings.TrimSpace(text))
	name = strings.Join(strings.Fields(name), "_")
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	return name + ".wav"
}

func (b *bankSynth) Synthesize(ctx context.Context, text string) (score.Waveform, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SynthesisError{Text: text, Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return nil, &SynthesisError{Text: text, Err: errEmptyText}
	}
	path := filepath.Join(b.dir, BankFileName(text))
	wave, rate, err := readWAVFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			err = fmt.Errorf("no recording for syllable: %w", err)
		}
		return nil, &SynthesisError{Text: text, Err: err}
	}
	wave, err = Resample(wave, rate, b.sampleRate)
	if err != nil {
		return nil, &SynthesisError{Text: text, Err: err}
	}
	return wave, nil
}
