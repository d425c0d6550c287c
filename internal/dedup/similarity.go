package dedup

import (
	"unicode/utf8"

	"github.com/agext/levenshtein"
)

// Similarity returns 1 - distance/maxLen over runes. Two empty strings are
// identical; an empty string against a non-empty one scores 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.Distance(a, b, nil)
	return 1 - float64(d)/float64(longest)
}
