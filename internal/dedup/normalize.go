package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/toolscout/internal/cache"
)

// suffixes are legal-form and industry words stripped from the end of a
// company name. Entries are in their post-punctuation form ("l.l.c." is
// matched as "llc").
var suffixes = map[string]bool{
	// English
	"inc": true, "incorporated": true, "corp": true, "corporation": true,
	"co": true, "company": true, "llc": true, "llp": true, "lp": true, "pllc": true,
	"ltd": true, "limited": true, "plc": true, "pc": true, "pty": true,
	// German, Austrian, Swiss
	"gmbh": true, "ag": true, "kg": true, "ug": true, "ev": true, "mbh": true,
	// French, Spanish, Italian, Portuguese
	"sa": true, "sas": true, "sarl": true, "srl": true, "spa": true, "sl": true, "ltda": true, "sca": true,
	// Dutch, Belgian
	"bv": true, "nv": true, "vof": true,
	// Nordic
	"ab": true, "as": true, "asa": true, "oy": true, "oyj": true, "aps": true,
	// Asia-Pacific
	"kk": true, "pte": true, "bhd": true, "sdn": true, "pvt": true,
	// Industry descriptors
	"group": true, "holdings": true, "holding": true, "international": true,
	"technologies": true, "technology": true, "tech": true, "software": true,
	"solutions": true, "systems": true, "labs": true, "services": true, "global": true,
}

// foldDiacritics removes combining marks after canonical decomposition,
// turning "Société" into "Societe".
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalizer canonicalizes company names for matching. Results are memoized.
type Normalizer struct {
	memo *cache.Cache[string, string]
}

// NewNormalizer creates a Normalizer whose memo holds up to size entries.
func NewNormalizer(size int) *Normalizer {
	return &Normalizer{memo: cache.New[string, string](size, 0)}
}

// Normalize lowercases name, folds diacritics, strips punctuation and
// trailing suffixes, and collapses whitespace. It is idempotent.
func (n *Normalizer) Normalize(name string) string {
	if v, ok := n.memo.Get(name); ok {
		return v
	}
	out := normalize(name)
	n.memo.Set(name, out)
	return out
}

// Stats returns memo statistics.
func (n *Normalizer) Stats() cache.Stats {
	return n.memo.Stats()
}

func normalize(name string) string {
	s := foldDiacritics(strings.ToLower(name))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '.' || r == '’':
			// dropped so "O'Reilly" and "L.L.C." stay one token
		case r == '&':
			b.WriteString(" and ")
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}

	tokens := strings.Fields(b.String())
	for len(tokens) > 1 && suffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}
