package score

import (
	"errors"
	"testing"

	"github.com/loqalabs/loqa-cantor/internal/timeline"
)

func note(start, end float64, text string) *Note {
	return &Note{PitchHz: 440, Interval: timeline.Interval{Start: start, End: end}, Text: text}
}

func TestSegmentSinglePhrase(t *testing.T) {
	notes := []*Note{note(0, 0.5, "la"), note(0.5, 1.0, "li")}
	phrases, err := Segment(notes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phrases) != 1 {
		t.Fatalf("expected 1 phrase, got %d", len(phrases))
	}
	if got := len(phrases[0].Notes); got != 2 {
		t.Fatalf("expected 2 notes, got %d", got)
	}
	if phrases[0].Notes[0].End() != 0.5 || phrases[0].Notes[1].End() != 1.0 {
		t.Fatalf("unexpected end times: %v %v", phrases[0].Notes[0].End(), phrases[0].Notes[1].End())
	}
}

func TestSegmentSplitsOnGap(t *testing.T) {
	notes := []*Note{note(0, 0.5, "a"), note(0.6, 1.0, "b")}
	phrases, err := Segment(notes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phrases) != 2 {
		t.Fatalf("expected 2 phrases, got %d", len(phrases))
	}
	if phrases[0].Notes[0].Text != "a" || phrases[1].Notes[0].Text != "b" {
		t.Fatalf("phrases out of order")
	}
}

func TestSegmentRejectsOverlap(t *testing.T) {
	notes := []*Note{note(0, 0.7, "a"), note(0.5, 1.0, "b")}
	_, err := Segment(notes)
	var overlap *TemporalOverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("expected TemporalOverlapError, got %v", err)
	}
	if overlap.Prev != 0 || overlap.Next != 1 {
		t.Fatalf("unexpected indices %d,%d", overlap.Prev, overlap.Next)
	}
	if overlap.PrevEnd != 0.7 || overlap.NextStart != 0.5 {
		t.Fatalf("unexpected times %v,%v", overlap.PrevEnd, overlap.NextStart)
	}
}

func TestSegmentOverlapIndicesAreGlobal(t *testing.T) {
	notes := []*Note{
		note(0, 0.5, "a"),
		note(1.0, 1.5, "b"),
		note(1.5, 2.2, "c"),
		note(2.0, 2.5, "d"),
	}
	_, err := Segment(notes)
	var overlap *TemporalOverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("expected TemporalOverlapError, got %v", err)
	}
	if overlap.Prev != 2 || overlap.Next != 3 {
		t.Fatalf("expected indices 2,3 got %d,%d", overlap.Prev, overlap.Next)
	}
}

func TestSegmentNormalizesEndTimes(t *testing.T) {
	// The second note starts within tolerance of the first's end, so the run
	// stays continuous and the first end snaps to the second start.
	notes := []*Note{
		note(0, 0.5, "a"),
		note(0.5+5e-13, 1.0, "b"),
		note(1.0, 1.4, "c"),
	}
	phrases, err := Segment(notes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phrases) != 1 {
		t.Fatalf("expected 1 phrase, got %d", len(phrases))
	}
	got := phrases[0].Notes
	for i := 0; i < len(got)-1; i++ {
		if got[i].End() != got[i+1].Start() {
			t.Fatalf("note %d end %v != next start %v", i, got[i].End(), got[i+1].Start())
		}
	}
	if got[len(got)-1].End() != 1.4 {
		t.Fatalf("last note end must be untouched, got %v", got[len(got)-1].End())
	}
}

func TestSegmentEdgeCases(t *testing.T) {
	phrases, err := Segment(nil)
	if err != nil || len(phrases) != 0 {
		t.Fatalf("empty input should produce no phrases, got %d (%v)", len(phrases), err)
	}

	phrases, err = Segment([]*Note{note(2, 3, "solo")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phrases) != 1 || len(phrases[0].Notes) != 1 {
		t.Fatalf("single note should give one single-note phrase")
	}

	phrases, err = Segment([]*Note{note(1, 1, "z"), note(1, 2, "y")})
	if err != nil {
		t.Fatalf("zero-duration note should be accepted: %v", err)
	}
	if len(phrases) != 1 {
		t.Fatalf("expected zero-duration note to join the phrase, got %d phrases", len(phrases))
	}
}

func TestSegmentScoreWrapsPartName(t *testing.T) {
	s := &Score{Name: "song", Parts: []*Part{
		{Name: "soprano", Notes: []*Note{note(0, 1, "a"), note(2, 3, "b")}},
		{Name: "alto", Notes: []*Note{note(0, 1, "a"), note(0.5, 2, "b")}},
	}}
	_, err := SegmentScore(s)
	if err == nil {
		t.Fatal("expected error for overlapping alto part")
	}
	var overlap *TemporalOverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("expected wrapped TemporalOverlapError, got %v", err)
	}

	s.Parts = s.Parts[:1]
	comp, err := SegmentScore(s)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(comp.Tracks) != 1 || len(comp.Tracks[0].Phrases) != 2 {
		t.Fatalf("unexpected composition shape")
	}
	if comp.Tracks[0].NoteCount() != 2 {
		t.Fatalf("expected 2 notes in track")
	}
}

func TestPhraseText(t *testing.T) {
	p := &Phrase{Notes: []*Note{note(0, 1, "do"), note(1, 2, "re")}}
	if got := p.Text(); got != "do re" {
		t.Fatalf("unexpected text %q", got)
	}
	if p.Start() != 0 || p.End() != 2 {
		t.Fatalf("unexpected bounds %v-%v", p.Start(), p.End())
	}
}
