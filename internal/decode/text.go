package decode

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Phoneticize reduces a lyric to the plain form handed to synthesizers:
// compatibility-normalized, stripped of combining marks, lower-cased, with
// runs of whitespace collapsed. Hyphens used to split melismas are dropped.
func Phoneticize(lyric string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, lyric)
	if err != nil {
		out = lyric
	}
	out = cases.Lower(language.Und).String(out)
	out = strings.Map(func(r rune) rune {
		if r == '-' || r == '_' {
			return ' '
		}
		return r
	}, out)
	return strings.Join(strings.Fields(out), " ")
}
