package dedup

import (
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// DefaultNameSimilarity is the minimum similarity for a name match.
const DefaultNameSimilarity = 0.85

// legalForms are whole-word tokens dropped from names before comparison.
var legalForms = map[string]bool{
	"gmbh": true,
	"gbr":  true,
	"ohg":  true,
	"kg":   true,
	"e.k.": true,
	"ek":   true,
	"ag":   true,
	"ug":   true,
	"co.":  true,
	"mbh":  true,
}

var lower = cases.Lower(language.German)

// NormalizeName folds a business name for fuzzy comparison: NFC, German
// lowercase, legal-form tokens removed, punctuation dropped and whitespace
// collapsed.
func NormalizeName(name string) string {
	name = lower.String(norm.NFC.String(strings.TrimSpace(name)))

	fields := strings.Fields(name)
	kept := fields[:0]
	for _, f := range fields {
		if legalForms[strings.Trim(f, ",()")] {
			continue
		}
		kept = append(kept, f)
	}

	var b strings.Builder
	for _, r := range strings.Join(kept, " ") {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NameSimilarity returns the Levenshtein similarity of two normalized names
// in [0, 1]. Empty names never match.
func NameSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	return levenshtein.Similarity(a, b, nil)
}
