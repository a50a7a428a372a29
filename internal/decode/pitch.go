package decode

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var letterSemitones = map[byte]int{'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11}

// KeyToHz converts a MIDI key number to equal-tempered frequency (A4 = 440).
func KeyToHz(key float64) float64 {
	return 440 * math.Pow(2, (key-69)/12)
}

// ParsePitch parses scientific pitch notation such as "A4", "C#5" or "Bb3"
// and returns the MIDI key number.
func ParsePitch(name string) (int, error) {
	s := strings.TrimSpace(name)
	if s == "" {
		return 0, fmt.Errorf("empty pitch name")
	}
	semitone, ok := letterSemitones[byte(strings.ToUpper(s[:1])[0])]
	if !ok {
		return 0, fmt.Errorf("invalid pitch %q", name)
	}
	i := 1
	for ; i < len(s); i++ {
		switch s[i] {
		case '#':
			semitone++
			continue
		case 'b':
			semitone--
			continue
		}
		break
	}
	octave, err := strconv.Atoi(s[i:])
	if err != nil {
		return 0, fmt.Errorf("invalid octave in pitch %q", name)
	}
	key := 12*(octave+1) + semitone
	if key < 0 || key > 127 {
		return 0, fmt.Errorf("pitch %q outside MIDI range", name)
	}
	return key, nil
}
