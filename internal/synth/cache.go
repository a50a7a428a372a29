package synth

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

// Cache remembers synthesized syllables by text. Lyrics repeat a lot, so a
// small cache removes most synthesizer calls. Cached waveforms are copied on
// the way in and out.
type Cache struct {
	entries *lru.Cache[string, score.Waveform]
}

func NewCache(size int) (*Cache, error) {
	entries, err := lru.New[string, score.Waveform](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Len reports the number of cached syllables.
func (c *Cache) Len() int { return c.entries.Len() }

// Wrap returns a Synthesizer that consults c before calling next.
func (c *Cache) Wrap(next Synthesizer) Synthesizer {
	return &cachedSynth{cache: c, next: next}
}

type cachedSynth struct {
	cache *Cache
	next  Synthesizer
}

func (s *cachedSynth) Synthesize(ctx context.Context, text string) (score.Waveform, error) {
	if wave, ok := s.cache.entries.Get(text); ok {
		return wave.Clone(), nil
	}
	wave, err := s.next.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.entries.Add(text, wave.Clone())
	return wave, nil
}
