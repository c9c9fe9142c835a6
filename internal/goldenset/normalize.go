package goldenset

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopwords are Portuguese function words that carry no classification signal.
var stopwords = map[string]struct{}{
	"a": {}, "o": {}, "as": {}, "os": {}, "e": {}, "de": {}, "da": {}, "do": {},
	"das": {}, "dos": {}, "em": {}, "na": {}, "no": {}, "nas": {}, "nos": {},
	"com": {}, "sem": {}, "para": {}, "por": {}, "um": {}, "uma": {}, "p": {},
}

// Normalize lowercases a description, strips diacritics and collapses every
// run of non-alphanumeric characters to a single space.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	space := false
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}

// Tokens returns the distinct significant tokens of a normalized description.
func Tokens(normalized string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range strings.Fields(normalized) {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out[tok] = struct{}{}
	}
	return out
}

// Similarity is the Jaccard index of two token sets. Two empty sets score 0.
func Similarity(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
