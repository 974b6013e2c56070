package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/scrypster/kinship/pkg/types"
)

// technicalSynonyms groups names that refer to the same technology. Any
// member of a set suggests the others.
var technicalSynonyms = [][]string{
	{"JavaScript", "JS", "ECMAScript"},
	{"TypeScript", "TS"},
	{"Python", "py"},
	{"Go", "Golang"},
	{"Kubernetes", "k8s", "kube"},
	{"PostgreSQL", "Postgres", "PG"},
	{"Machine Learning", "ML"},
	{"Artificial Intelligence", "AI"},
	{"Continuous Integration", "CI"},
	{"Amazon Web Services", "AWS"},
	{"Google Cloud Platform", "GCP"},
	{"React", "React.js", "ReactJS"},
	{"Node.js", "Node", "NodeJS"},
}

// synonymIndex maps the normalized form of every synonym to its set.
var synonymIndex = func() map[string][]string {
	index := make(map[string][]string)
	for _, set := range technicalSynonyms {
		for _, name := range set {
			index[types.NormalizeName(name)] = set
		}
	}
	return index
}()

// corporateSuffixes are skipped when building organization acronyms.
var corporateSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "corp": true, "corporation": true,
	"llc": true, "ltd": true, "limited": true, "co": true, "company": true,
	"gmbh": true, "ag": true, "plc": true, "sa": true, "group": true,
}

// Alias confidences per suggestion kind.
const (
	firstNameConfidence    = 0.7
	shortFormalConfidence  = 0.8
	initialsConfidence     = 0.6
	synonymConfidence      = 0.9
	orgAcronymConfidence   = 0.8
	observedTextConfidence = 0.7
)

// SuggestAliases proposes aliases for entity after observed was linked to it.
// Suggestions are deduplicated, never equal the entity's display name and are
// at least two characters long.
func SuggestAliases(observed string, e *types.Entity) []AliasSuggestion {
	display := e.DisplayName()
	var out []AliasSuggestion
	seen := map[string]bool{strings.ToLower(display): true}

	add := func(alias string, kind types.AliasKind, confidence float64) {
		alias = strings.TrimSpace(alias)
		if utf8.RuneCountInString(alias) < 2 {
			return
		}
		key := strings.ToLower(alias)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, AliasSuggestion{Alias: alias, Kind: kind, Confidence: confidence})
	}

	switch e.Type {
	case types.EntityTypePerson:
		words := strings.Fields(e.Name)
		if len(words) >= 2 {
			first, last := words[0], words[len(words)-1]
			add(first, types.AliasInformal, firstNameConfidence)
			lastInitial, _ := utf8.DecodeRuneInString(last)
			add(first+" "+strings.ToUpper(string(lastInitial))+".", types.AliasFormal, shortFormalConfidence)
			add(initialsOf(e.Name), types.AliasAbbreviation, initialsConfidence)
		}
	case types.EntityTypeTechnical:
		normalized := types.NormalizeName(e.Name)
		for _, syn := range synonymIndex[normalized] {
			if types.NormalizeName(syn) == normalized {
				continue
			}
			add(syn, types.AliasVariation, synonymConfidence)
		}
	case types.EntityTypeOrganization:
		if acronym := orgAcronym(e.Name); acronym != "" {
			add(acronym, types.AliasAbbreviation, orgAcronymConfidence)
		}
	}

	if !strings.EqualFold(strings.TrimSpace(observed), display) {
		add(observed, types.AliasVariation, observedTextConfidence)
	}
	return out
}

// orgAcronym builds an acronym from the capitalized words of an
// organization name, corporate suffixes excluded ("Bank of America" is "BA").
// Names with a single such word have none.
func orgAcronym(name string) string {
	var words []string
	for _, w := range strings.Fields(name) {
		first, _ := utf8.DecodeRuneInString(w)
		if !unicode.IsUpper(first) || corporateSuffixes[types.NormalizeName(w)] {
			continue
		}
		words = append(words, w)
	}
	if len(words) < 2 {
		return ""
	}
	return initialsOf(strings.Join(words, " "))
}
