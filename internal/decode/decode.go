// Package decode reads scores from disk into per-part note lists.
package decode

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-cantor/internal/score"
)

// Decoder turns a score file into parts whose notes are sorted by start.
type Decoder interface {
	Decode(ctx context.Context, source string) (*score.Score, error)
}

// MissingLyricError reports a note that carries no lyric text.
type MissingLyricError struct {
	Part  string
	Index int
	Start float64
}

func (e *MissingLyricError) Error() string {
	return fmt.Sprintf("part %q: note %d at %.3fs has no lyric", e.Part, e.Index, e.Start)
}

// Kind selects a score format.
type Kind int

const (
	KindAuto Kind = iota
	KindMIDI
	KindYAML
)

func (k Kind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindMIDI:
		return "midi"
	case KindYAML:
		return "yaml"
	default:
		return fmt.Sprintf("decode.Kind(%d)", int(k))
	}
}

func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "auto", "":
		return KindAuto, nil
	case "midi":
		return KindMIDI, nil
	case "yaml":
		return KindYAML, nil
	default:
		return 0, fmt.Errorf("unknown decoder kind %q", name)
	}
}

// KindForPath picks a format from a file extension.
func KindForPath(path string) (Kind, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mid", ".midi", ".smf":
		return KindMIDI, nil
	case ".yaml", ".yml":
		return KindYAML, nil
	default:
		return 0, fmt.Errorf("cannot infer score format from %q", path)
	}
}

// New returns a Decoder for kind. KindAuto dispatches on the file extension of
// each source.
func New(kind Kind) Decoder {
	switch kind {
	case KindMIDI:
		return NewMIDI()
	case KindYAML:
		return NewYAML()
	default:
		return autoDecoder{}
	}
}

type autoDecoder struct{}

func (autoDecoder) Decode(ctx context.Context, source string) (*score.Score, error) {
	kind, err := KindForPath(source)
	if err != nil {
		return nil, err
	}
	return New(kind).Decode(ctx, source)
}

// scoreName derives a composition name from a file path.
func scoreName(source string) string {
	base := filepath.Base(source)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// finishPart normalizes lyrics and rejects notes without one.
func finishPart(part *score.Part) error {
	if len(part.Notes) == 0 {
		return fmt.Errorf("part %q has no notes", part.Name)
	}
	for i, n := range part.Notes {
		n.Text = Phoneticize(n.Text)
		if n.Text == "" {
			return &MissingLyricError{Part: part.Name, Index: i, Start: n.Start()}
		}
	}
	return nil
}
