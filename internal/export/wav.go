// Package export writes rendered compositions to disk.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-cantor/internal/config"
	"github.com/loqalabs/loqa-cantor/internal/score"
)

const bitDepth = 16

// Exporter persists a composition and returns the paths it wrote.
type Exporter interface {
	Export(ctx context.Context, comp *score.Composition) ([]string, error)
}

// WAV writes one 16-bit mono file per track, with every phrase placed at its
// start time. Samples are clipped to the PCM range only here.
type WAV struct {
	dir        string
	perPhrase  bool
	sampleRate int
	logger     *slog.Logger
}

func NewWAV(cfg config.ExportConfig, audioCfg config.AudioConfig, logger *slog.Logger) *WAV {
	return &WAV{
		dir:        cfg.Dir,
		perPhrase:  cfg.PerPhrase,
		sampleRate: audioCfg.SampleRate,
		logger:     logger.With(slog.String("component", "export")),
	}
}

// WithDir returns a copy of w writing into dir.
// Dir is the directory files are written to.
func (w *WAV) Dir() string { return w.dir }

func (w *WAV) WithDir(dir string) *WAV {
	cp := *w
	cp.dir = dir
	return &cp
}

func (w *WAV) Export(ctx context.Context, comp *score.Composition) ([]string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	var written []string
	for _, track := range comp.Tracks {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		stem := sanitize(comp.Name) + "_" + sanitize(track.Name)
		path := filepath.Join(w.dir, stem+".wav")
		if err := WriteFile(path, TrackTimeline(track, w.sampleRate), w.sampleRate); err != nil {
			return written, err
		}
		written = append(written, path)

		if !w.perPhrase {
			continue
		}
		for i, p := range track.Phrases {
			if !p.Mixed.Present() {
				continue
			}
			path := filepath.Join(w.dir, fmt.Sprintf("%s_phrase%03d.wav", stem, i))
			if err := WriteFile(path, p.Mixed, w.sampleRate); err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}
	w.logger.Info("composition exported",
		slog.String("composition", comp.Name),
		slog.Int("files", len(written)))
	return written, nil
}

// TrackTimeline lays each phrase's mixed signal onto one buffer at
// round(start*sampleRate). Overlapping phrase tails add.
func TrackTimeline(t *score.Track, sampleRate int) score.Waveform {
	size := 0
	offsets := make([]int, len(t.Phrases))
	for i, p := range t.Phrases {
		offsets[i] = int(math.Round(p.Start() * float64(sampleRate)))
		if offsets[i] < 0 {
			offsets[i] = 0
		}
		if end := offsets[i] + len(p.Mixed); end > size {
			size = end
		}
	}
	out := make(score.Waveform, size)
	for i, p := range t.Phrases {
		for j, v := range p.Mixed {
			out[offsets[i]+j] += v
		}
	}
	return out
}

// WriteFile encodes wave as a 16-bit mono PCM WAV file.
func WriteFile(path string, wave score.Waveform, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, bitDepth, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           toPCM16(wave),
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("finalize %s: %w", path, err)
	}
	return nil
}

func toPCM16(wave score.Waveform) []int {
	out := make([]int, len(wave))
	for i, v := range wave {
		s := int(math.Round(v * math.MaxInt16))
		switch {
		case s > math.MaxInt16:
			s = math.MaxInt16
		case s < math.MinInt16:
			s = math.MinInt16
		}
		out[i] = s
	}
	return out
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "untitled"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
