package decode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-cantor/internal/score"
	"github.com/loqalabs/loqa-cantor/internal/timeline"
)

// YAMLDecoder reads note lists written by hand or exported by other tools:
//
//	name: round
//	tempo: 90
//	parts:
//	  - name: lead
//	    notes:
//	      - {pitch: A4, start: 0, end: 0.5, lyric: la}
//	      - {midi: 72, beat: 1, beats: 1, lyric: li}
//	      - {hz: 0, start: 1.5, duration: 0.25, lyric: ha}
//
// Times are seconds unless given in beats, which use the document tempo.
type YAMLDecoder struct{}

func NewYAML() *YAMLDecoder { return &YAMLDecoder{} }

type yamlScore struct {
	Name  string     `yaml:"name"`
	Tempo float64    `yaml:"tempo"`
	Parts []yamlPart `yaml:"parts"`
}

type yamlPart struct {
	Name  string     `yaml:"name"`
	Notes []yamlNote `yaml:"notes"`
}

type yamlNote struct {
	Pitch    string   `yaml:"pitch"`
	MIDI     *float64 `yaml:"midi"`
	Hz       *float64 `yaml:"hz"`
	Start    *float64 `yaml:"start"`
	End      *float64 `yaml:"end"`
	Duration *float64 `yaml:"duration"`
	Beat     *float64 `yaml:"beat"`
	Beats    *float64 `yaml:"beats"`
	Lyric    string   `yaml:"lyric"`
}

func (d *YAMLDecoder) Decode(ctx context.Context, source string) (*score.Score, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read score file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.DecodeBytes(scoreName(source), data)
}

func (d *YAMLDecoder) DecodeBytes(name string, data []byte) (*score.Score, error) {
	var doc yamlScore
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse score: %w", err)
	}
	if doc.Name != "" {
		name = doc.Name
	}
	if doc.Tempo <= 0 {
		doc.Tempo = 120
	}
	if len(doc.Parts) == 0 {
		return nil, errors.New("score has no parts")
	}

	out := &score.Score{Name: name}
	for pi, p := range doc.Parts {
		partName := p.Name
		if partName == "" {
			partName = fmt.Sprintf("part-%d", pi)
		}
		part := &score.Part{Name: partName}
		for ni, n := range p.Notes {
			note, err := n.toNote(doc.Tempo)
			if err != nil {
				return nil, fmt.Errorf("part %q note %d: %w", partName, ni, err)
			}
			part.Notes = append(part.Notes, note)
		}
		sort.SliceStable(part.Notes, func(i, j int) bool { return part.Notes[i].Start() < part.Notes[j].Start() })
		if err := finishPart(part); err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, part)
	}
	return out, nil
}

func (n yamlNote) toNote(tempo float64) (*score.Note, error) {
	hz, err := n.frequency()
	if err != nil {
		return nil, err
	}
	secondsPerBeat := 60 / tempo

	var start float64
	switch {
	case n.Start != nil:
		start = *n.Start
	case n.Beat != nil:
		start = *n.Beat * secondsPerBeat
	default:
		return nil, errors.New("start or beat is required")
	}

	var end float64
	switch {
	case n.End != nil:
		end = *n.End
	case n.Duration != nil:
		end = start + *n.Duration
	case n.Beats != nil:
		end = start + *n.Beats*secondsPerBeat
	default:
		return nil, errors.New("end, duration or beats is required")
	}

	iv := timeline.Interval{Start: start, End: end}
	if !iv.Valid() {
		return nil, fmt.Errorf("end %.3f precedes start %.3f", end, start)
	}
	return &score.Note{PitchHz: hz, Interval: iv, Text: n.Lyric}, nil
}

func (n yamlNote) frequency() (float64, error) {
	switch {
	case n.Hz != nil:
		return *n.Hz, nil
	case n.MIDI != nil:
		return KeyToHz(*n.MIDI), nil
	case n.Pitch != "":
		key, err := ParsePitch(n.Pitch)
		if err != nil {
			return 0, err
		}
		return KeyToHz(float64(key)), nil
	default:
		return 0, nil
	}
}
