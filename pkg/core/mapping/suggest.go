package mapping

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"

	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/core/utils"
	"corvus_analytics/pkg/models"
)

// Suggestion is a ranked candidate line for an unmapped concept.
type Suggestion struct {
	Code  string  `json:"code"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

var stopwords = map[string]bool{
	"and": true, "of": true, "the": true, "to": true, "for": true, "in": true, "or": true,
	"y": true, "de": true, "del": true, "la": true, "el": true, "los": true, "las": true,
	"en": true, "por": true, "a": true, "o": true, "e": true,
}

// LocalName strips the namespace prefix of a qname: "ifrs-full:Revenue"
// and "ifrs-full_Revenue" both yield "Revenue".
func LocalName(qname string) string {
	if i := strings.LastIndex(qname, ":"); i >= 0 {
		return qname[i+1:]
	}
	if i := strings.Index(qname, "_"); i > 0 && i+1 < len(qname) {
		prefix, rest := qname[:i], []rune(qname[i+1:])
		if isNamespacePrefix(prefix) && unicode.IsUpper(rest[0]) {
			return string(rest)
		}
	}
	return qname
}

func isNamespacePrefix(s string) bool {
	for _, r := range s {
		if !(unicode.IsLower(r) || unicode.IsDigit(r) || r == '-') {
			return false
		}
	}
	return true
}

// Tokens returns the distinct normalized words of s.
func Tokens(s string) []string {
	words := utils.NormalizeWords(utils.SplitWords(s), stopwords)
	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, w := range words {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

// dice is the Sorensen-Dice coefficient of two token sets.
func dice(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	shared := 0
	for _, t := range b {
		if set[t] {
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(a)+len(b))
}

// Score rates how well a line matches a concept, taking the best of the
// line's name, code and synonyms.
func Score(qname string, line models.CanonicalLine) float64 {
	concept := Tokens(LocalName(qname))
	best := dice(concept, Tokens(line.Name))
	candidates := append([]string{line.Code}, line.Synonyms...)
	for _, c := range candidates {
		if s := dice(concept, Tokens(c)); s > best {
			best = s
		}
	}
	return best
}

// Rank scores every line and returns those with a positive score, best
// first, ties broken by code ascending. limit <= 0 returns all.
func Rank(qname string, lines []models.CanonicalLine, limit int) []Suggestion {
	out := make([]Suggestion, 0)
	for _, l := range lines {
		if s := Score(qname, l); s > 0 {
			out = append(out, Suggestion{Code: l.Code, Name: l.Name, Score: s})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Code < out[j].Code
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Suggest ranks the canonical lines for qname within a taxonomy version.
// The line the pair is already mapped to is left out.
func (r *Resolver) Suggest(ctx context.Context, version, qname string, limit int) ([]Suggestion, error) {
	if err := r.hierarchy.Refresh(ctx); err != nil {
		return nil, err
	}
	lines := r.hierarchy.All()

	current, err := r.store.GetMapping(ctx, version, qname)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		kept := lines[:0]
		for _, l := range lines {
			if l.Code != current.CanonicalCode {
				kept = append(kept, l)
			}
		}
		lines = kept
	}
	return Rank(qname, lines, limit), nil
}
