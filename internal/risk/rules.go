// Package risk classifies listing risk. A rule pass over keyword families
// runs on every listing; the LLM evaluator is consulted only when the rule
// verdict is uncertain.
package risk

import (
	"sort"
	"strings"

	"github.com/avtolov/avtolov/internal/model"
)

var redFlagFamilies = map[string][]string{
	"accident": {
		"катастрофирал", "катастрофа", "удар", "ударен", "повреди от катастрофа",
		"accident", "crashed", "collision",
	},
	"salvage": {
		"тотал", "дерегистриран", "бракуван", "на части",
		"salvage", "totaled", "write-off", "for parts",
	},
	"import": {
		"нов внос", "пресен внос", "американски внос", "от америка",
		"fresh import", "imported from",
	},
	"mileage_doubt": {
		"реални километри", "неманипулиран километраж", "верен километраж",
		"real mileage", "original mileage",
	},
	"urgent": {
		"спешно", "бърза продажба", "зле ми са парите", "заминавам",
		"urgent", "quick sale", "need money",
	},
	"cosmetic": {
		"драскотини", "вдлъбнатини", "нуждае се от бояджийски",
		"scratches", "dents", "needs bodywork",
	},
}

var positiveFamilies = map[string][]string{
	"maintenance": {
		"сервизна история", "редовно обслужвана", "на гаранция",
		"service history", "well maintained", "under warranty",
	},
	"ownership": {
		"първи собственик", "един собственик", "личен автомобил",
		"first owner", "one owner", "personal use",
	},
	"condition": {
		"перфектно състояние", "отлично състояние", "много запазена",
		"perfect condition", "excellent condition", "well preserved",
	},
}

// Flag is one keyword hit.
type Flag struct {
	Category string `json:"category"`
	Keyword  string `json:"keyword"`
}

// RuleResult is the rule classifier's verdict.
type RuleResult struct {
	RedFlags      []Flag          `json:"red_flags"`
	PositiveFlags []Flag          `json:"positive_flags"`
	RiskLevel     model.RiskLevel `json:"risk_level"`
	Confidence    float64         `json:"rule_confidence"`
}

// NeedsLLM reports whether the verdict is uncertain enough to consult the
// LLM evaluator.
func (r RuleResult) NeedsLLM(minConfidence float64) bool {
	return r.Confidence < minConfidence || r.RiskLevel == model.RiskMedium
}

// Classify runs the keyword families over title and description.
func Classify(title, description string) RuleResult {
	text := strings.ToLower(title + "\n" + description)

	var result RuleResult
	result.RedFlags = matchFamilies(text, redFlagFamilies)
	result.PositiveFlags = matchFamilies(text, positiveFamilies)

	switch {
	case len(result.RedFlags) >= 3:
		result.RiskLevel = model.RiskHigh
		result.Confidence = 0.8
	case len(result.RedFlags) >= 1:
		result.RiskLevel = model.RiskMedium
		result.Confidence = 0.6
	case len(result.PositiveFlags) >= 2:
		result.RiskLevel = model.RiskLow
		result.Confidence = 0.7
	default:
		result.RiskLevel = model.RiskLow
		result.Confidence = 0.5
	}
	return result
}

// matchFamilies hits are emitted in sorted category order so repeated
// classifications of the same text are byte-identical.
func matchFamilies(text string, families map[string][]string) []Flag {
	categories := make([]string, 0, len(families))
	for c := range families {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var out []Flag
	for _, category := range categories {
		for _, kw := range families[category] {
			if strings.Contains(text, kw) {
				out = append(out, Flag{Category: category, Keyword: kw})
			}
		}
	}
	return out
}
