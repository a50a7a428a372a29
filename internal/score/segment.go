package score

import (
	"fmt"

	"github.com/loqalabs/loqa-cantor/internal/timeline"
)

// TemporalOverlapError reports two consecutive notes whose intervals overlap.
// Prev and Next are positions in the slice passed to Segment.
type TemporalOverlapError struct {
	Prev      int
	Next      int
	PrevEnd   float64
	NextStart float64
}

func (e *TemporalOverlapError) Error() string {
	return fmt.Sprintf("notes %d and %d overlap: note %d ends at %.6fs after note %d starts at %.6fs",
		e.Prev, e.Next, e.Prev, e.PrevEnd, e.Next, e.NextStart)
}

// Segment groups notes into phrases. A new phrase begins wherever the gap
// between consecutive notes exceeds timeline.Tolerance. Every phrase is
// checked for overlapping neighbours before it is emitted, and on success each
// note except the last has its End moved to the following note's Start.
//
// Notes are mutated in place and become owned by the returned phrases.
func Segment(notes []*Note) ([]*Phrase, error) {
	if len(notes) == 0 {
		return nil, nil
	}

	var phrases []*Phrase
	first := 0
	for i := 1; i <= len(notes); i++ {
		if i < len(notes) && timeline.IsContinuous(notes[i-1].Interval, notes[i].Interval) {
			continue
		}
		phrase, err := finalize(notes, first, i)
		if err != nil {
			return nil, err
		}
		phrases = append(phrases, phrase)
		first = i
	}
	return phrases, nil
}

// finalize validates notes[lo:hi] and normalizes their end times.
func finalize(notes []*Note, lo, hi int) (*Phrase, error) {
	run := notes[lo:hi]
	for k := 1; k < len(run); k++ {
		prev, next := run[k-1], run[k]
		if timeline.IsOverlapping(prev.Interval, next.Interval) {
			return nil, &TemporalOverlapError{
				Prev:      lo + k - 1,
				Next:      lo + k,
				PrevEnd:   prev.End(),
				NextStart: next.Start(),
			}
		}
	}
	for k := 0; k < len(run)-1; k++ {
		run[k].Interval.End = run[k+1].Interval.Start
	}
	out := make([]*Note, len(run))
	copy(out, run)
	return &Phrase{Notes: out}, nil
}

// SegmentScore segments every part of s into a track.
func SegmentScore(s *Score) (*Composition, error) {
	comp := &Composition{Name: s.Name}
	for _, part := range s.Parts {
		phrases, err := Segment(part.Notes)
		if err != nil {
			return nil, fmt.Errorf("segment part %q: %w", part.Name, err)
		}
		comp.Tracks = append(comp.Tracks, &Track{Name: part.Name, Phrases: phrases})
	}
	return comp, nil
}
