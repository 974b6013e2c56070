package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/scrypster/kinship/pkg/types"
)

const (
	abbreviationSimilarity = 0.80
	nicknameSimilarity     = 0.75
	minSimilarity          = 0.5
)

// Similarity returns 1 - editDistance/maxLen over the lower-cased inputs.
// Two empty strings are identical.
func Similarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1.0
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

// scoreCandidate compares observed text with an entity name. It returns the
// similarity, the kind of match and a short explanation; ok is false when the
// entity is not a candidate at all.
func scoreCandidate(text string, e *types.Entity) (score float64, kind MatchKind, explanation string, ok bool) {
	if isAbbreviationOf(text, e.Name) {
		return abbreviationSimilarity, MatchKindPattern, "abbreviation pattern", true
	}
	if e.Type == types.EntityTypePerson && isNicknameOf(text, e.Name) {
		return nicknameSimilarity, MatchKindPattern, "nickname pattern", true
	}

	score = max(Similarity(text, e.Name), Similarity(types.NormalizeName(text), e.NormalizedName))
	if score <= minSimilarity {
		return 0, "", "", false
	}
	return score, MatchKindSimilarity, "edit-distance similarity", true
}

// isAbbreviationOf reports whether text, upper-cased with periods removed,
// spells the initials of name ("J.D." for "John Doe").
func isAbbreviationOf(text, name string) bool {
	compact := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(text), ".", ""))
	initials := initialsOf(name)
	return utf8.RuneCountInString(initials) >= 2 && compact == initials
}

// isNicknameOf reports whether text is the first name of name, or one of the
// two is a case-insensitive prefix of the other ("Jon" and "Jonathan Smith").
func isNicknameOf(text, name string) bool {
	words := strings.Fields(name)
	if len(words) == 0 {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if text == words[0] {
		return true
	}
	lt, ln := strings.ToLower(text), strings.ToLower(name)
	return strings.HasPrefix(ln, lt) || strings.HasPrefix(lt, ln)
}

// initialsOf concatenates the upper-cased first letter of every word.
func initialsOf(name string) string {
	var b strings.Builder
	for _, w := range strings.Fields(name) {
		r, _ := utf8.DecodeRuneInString(w)
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}
