// Package score defines the note, phrase and track model that flows through
// the rendering pipeline, and the segmenter that groups notes into phrases.
package score

import "github.com/loqalabs/loqa-cantor/internal/timeline"

// Waveform is mono PCM at the process sample rate with nominal range [-1, 1].
// A nil or empty Waveform means the audio is absent.
type Waveform []float64

// Present reports whether w carries any samples.
func (w Waveform) Present() bool { return len(w) > 0 }

// Clone returns an independent copy of w.
func (w Waveform) Clone() Waveform {
	if w == nil {
		return nil
	}
	out := make(Waveform, len(w))
	copy(out, w)
	return out
}

// Note is one sung syllable.
type Note struct {
	// PitchHz is the target fundamental. Values <= 0 mean the note is unpitched.
	PitchHz  float64
	Interval timeline.Interval
	// Text is the phonetic form of the syllable handed to the synthesizer.
	Text string

	Raw     Waveform
	Shifted Waveform
}

// Pitched reports whether the note carries a target pitch.
func (n *Note) Pitched() bool { return n.PitchHz > 0 }

// Start and End are shorthands for the interval bounds.
func (n *Note) Start() float64 { return n.Interval.Start }
func (n *Note) End() float64   { return n.Interval.End }

// Phrase is a maximal run of notes with no gap between consecutive members.
type Phrase struct {
	Notes []*Note
	Mixed Waveform
}

// Start returns the start time of the first note.
func (p *Phrase) Start() float64 {
	if len(p.Notes) == 0 {
		return 0
	}
	return p.Notes[0].Start()
}

// End returns the end time of the last note.
func (p *Phrase) End() float64 {
	if len(p.Notes) == 0 {
		return 0
	}
	return p.Notes[len(p.Notes)-1].End()
}

// Text joins the syllables of the phrase, separated by spaces.
func (p *Phrase) Text() string {
	n := 0
	for _, note := range p.Notes {
		n += len(note.Text) + 1
	}
	buf := make([]byte, 0, n)
	for i, note := range p.Notes {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, note.Text...)
	}
	return string(buf)
}

// Track is one voice part after segmentation.
type Track struct {
	Name    string
	Phrases []*Phrase
}

// NoteCount returns the number of notes across all phrases.
func (t *Track) NoteCount() int {
	total := 0
	for _, p := range t.Phrases {
		total += len(p.Notes)
	}
	return total
}

// Composition is the segmented form of a whole score.
type Composition struct {
	Name   string
	Tracks []*Track
}

// Part is one voice of a decoded score, before segmentation. Notes are in
// ascending start order.
type Part struct {
	Name  string
	Notes []*Note
}

// Score is the decoder output.
type Score struct {
	Name  string
	Parts []*Part
}
