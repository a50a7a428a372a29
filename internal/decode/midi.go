package decode

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sort"

	"gitlab.com/gomidi/midi/v2/smf"

	"github.com/loqalabs/loqa-cantor/internal/score"
	"github.com/loqalabs/loqa-cantor/internal/timeline"
)

// MIDIDecoder reads Standard MIDI Files. Each track holding notes becomes a
// part; lyric meta events are attached to the note starting on the same tick.
// Tempo changes anywhere in the file apply to every track.
type MIDIDecoder struct{}

func NewMIDI() *MIDIDecoder { return &MIDIDecoder{} }

func (d *MIDIDecoder) Decode(ctx context.Context, source string) (*score.Score, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read midi file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.DecodeBytes(scoreName(source), data)
}

// DecodeBytes decodes an in-memory SMF.
func (d *MIDIDecoder) DecodeBytes(name string, data []byte) (*score.Score, error) {
	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse midi: %w", err)
	}

	out := &score.Score{Name: name}
	for i, track := range s.Tracks {
		part, err := decodeTrack(s, track, i)
		if err != nil {
			return nil, err
		}
		if part == nil {
			continue
		}
		if err := finishPart(part); err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, part)
	}
	if len(out.Parts) == 0 {
		return nil, fmt.Errorf("midi file %q contains no notes", name)
	}
	return out, nil
}

type pendingNote struct {
	key   uint8
	start int64
}

type tickedNote struct {
	start, end int64
	key        uint8
}

func decodeTrack(s *smf.SMF, track smf.Track, index int) (*score.Part, error) {
	var (
		name    string
		abs     int64
		open    = map[uint16][]pendingNote{}
		notes   []tickedNote
		lyricAt = map[int64]string{}
	)
	for _, ev := range track {
		abs += int64(ev.Delta)
		var (
			channel, key, velocity uint8
			text                   string
		)
		switch {
		case ev.Message.GetMetaTrackName(&text):
			if name == "" {
				name = text
			}
		case ev.Message.GetMetaLyric(&text):
			if prev, ok := lyricAt[abs]; ok {
				text = prev + text
			}
			lyricAt[abs] = text
		case ev.Message.GetNoteOn(&channel, &key, &velocity):
			id := uint16(channel)<<8 | uint16(key)
			if velocity == 0 {
				notes = closeNote(open, id, abs, notes)
				continue
			}
			open[id] = append(open[id], pendingNote{key: key, start: abs})
		case ev.Message.GetNoteOff(&channel, &key, &velocity):
			notes = closeNote(open, uint16(channel)<<8|uint16(key), abs, notes)
		}
	}
	if len(notes) == 0 {
		return nil, nil
	}
	if name == "" {
		name = fmt.Sprintf("track-%d", index)
	}

	sort.SliceStable(notes, func(i, j int) bool { return notes[i].start < notes[j].start })
	part := &score.Part{Name: name, Notes: make([]*score.Note, 0, len(notes))}
	for _, n := range notes {
		part.Notes = append(part.Notes, &score.Note{
			PitchHz: KeyToHz(float64(n.key)),
			Interval: timeline.Interval{
				Start: float64(s.TimeAt(n.start)) / 1e6,
				End:   float64(s.TimeAt(n.end)) / 1e6,
			},
			Text: lyricAt[n.start],
		})
	}
	return part, nil
}

// closeNote ends the oldest open note for id.
func closeNote(open map[uint16][]pendingNote, id uint16, abs int64, notes []tickedNote) []tickedNote {
	stack := open[id]
	if len(stack) == 0 {
		return notes
	}
	p := stack[0]
	open[id] = stack[1:]
	return append(notes, tickedNote{start: p.start, end: abs, key: p.key})
}
