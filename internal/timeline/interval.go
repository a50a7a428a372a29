// Package timeline holds the time arithmetic shared by segmentation and
// assembly. All times are seconds from the start of the score.
package timeline

// Tolerance absorbs floating-point error when comparing note boundaries.
const Tolerance = 1e-12

// Interval is a closed span of time. End must not precede Start.
type Interval struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// Duration returns End-Start.
func (i Interval) Duration() float64 { return i.End - i.Start }

// Valid reports whether End >= Start.
func (i Interval) Valid() bool { return i.End >= i.Start }

// Gap returns the silence between a note ending at prevEnd and the next note
// starting at nextStart. Negative values mean the two overlap.
func Gap(prevEnd, nextStart float64) float64 {
	return nextStart - prevEnd
}

// IsContinuous reports whether next follows prev without a gap.
func IsContinuous(prev, next Interval) bool {
	return Gap(prev.End, next.Start) <= Tolerance
}

// IsOverlapping reports whether prev runs past the start of next.
func IsOverlapping(prev, next Interval) bool {
	return prev.End-next.Start > Tolerance
}
