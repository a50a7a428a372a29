package synth

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

const (
	mockSyllableSeconds = 0.3
	mockAttackSeconds   = 0.01
)

type mockSynth struct {
	sampleRate int
}

// NewMock returns a deterministic synthesizer that renders each syllable as a
// short harmonic tone. The tone's pitch depends on the text, its length on
// the number of vowel groups.
func NewMock(sampleRate int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, text string) (score.Waveform, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SynthesisError{Text: text, Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &SynthesisError{Text: text, Err: errEmptyText}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	base := 110 + float64(h.Sum32()%110)

	sr := float64(m.sampleRate)
	n := int(float64(syllables(text)) * mockSyllableSeconds * sr)
	attack := int(mockAttackSeconds * sr)
	out := make(score.Waveform, n)
	for i := range out {
		t := float64(i) / sr
		v := 0.3*math.Sin(2*math.Pi*base*t) +
			0.15*math.Sin(2*math.Pi*2*base*t) +
			0.075*math.Sin(2*math.Pi*3*base*t)
		switch {
		case i < attack:
			v *= float64(i) / float64(attack)
		case n-i < attack:
			v *= float64(n-i) / float64(attack)
		}
		out[i] = v
	}
	return out, nil
}

func syllables(text string) int {
	count := 0
	inVowel := false
	for _, r := range strings.ToLower(text) {
		vowel := strings.ContainsRune("aeiouy", r)
		if vowel && !inVowel {
			count++
		}
		inVowel = vowel
	}
	if count == 0 {
		count = 1
	}
	return count
}
