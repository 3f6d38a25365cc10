package utils

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FoldAccents strips combining marks, so "Depreciación" becomes "Depreciacion".
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// SplitWords breaks an identifier or phrase into words at separators,
// lower-to-upper case changes, acronym boundaries and letter/digit changes.
// "CashAndCashEquivalents" yields Cash, And, Cash, Equivalents and
// "IFRSRevenue2024" yields IFRS, Revenue, 2024.
func SplitWords(s string) []string {
	rs := []rune(s)
	var (
		words []string
		cur   []rune
	)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	for i, r := range rs {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := cur[len(cur)-1]
			switch {
			case unicode.IsLower(prev) && unicode.IsUpper(r):
				flush()
			case unicode.IsUpper(prev) && unicode.IsUpper(r) && i+1 < len(rs) && unicode.IsLower(rs[i+1]):
				flush()
			case unicode.IsDigit(prev) != unicode.IsDigit(r):
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}

// NormalizeWords lowercases, folds accents and drops stopwords.
func NormalizeWords(words []string, stop map[string]bool) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(FoldAccents(w))
		if w == "" || stop[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}
