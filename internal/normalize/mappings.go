// Package normalize maps free text into the controlled vocabulary, extracts USD
// amounts and scores materiality. Every function here is pure and deterministic.
package normalize

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// Patterns of this many bytes or fewer must match as a whole word (acronyms like "sec", "occ").
const shortPattern = 4

type entry struct {
	pattern string
	term    string
}

// dictionary is a phrase table ordered longest phrase first, ties alphabetical.
type dictionary []entry

func newDictionary(src map[string][]string) dictionary {
	var d dictionary
	for term, phrases := range src {
		for _, p := range phrases {
			d = append(d, entry{pattern: p, term: term})
		}
	}
	sort.Slice(d, func(i, j int) bool {
		if len(d[i].pattern) != len(d[j].pattern) {
			return len(d[i].pattern) > len(d[j].pattern)
		}
		if d[i].pattern != d[j].pattern {
			return d[i].pattern < d[j].pattern
		}
		return d[i].term < d[j].term
	})
	return d
}

// first returns the term of the longest phrase found in text.
func (d dictionary) first(text string) (string, bool) {
	folded := Fold(text)
	for _, e := range d {
		if containsPhrase(folded, e.pattern) {
			return e.term, true
		}
	}
	return "", false
}

// all returns every distinct term found, in the order their longest phrase ranks.
func (d dictionary) all(text string) []string {
	folded := Fold(text)
	var out []string
	seen := map[string]bool{}
	for _, e := range d {
		if seen[e.term] {
			continue
		}
		if containsPhrase(folded, e.pattern) {
			seen[e.term] = true
			out = append(out, e.term)
		}
	}
	return out
}

// Fold lowercases, applies NFKC and collapses whitespace.
func Fold(s string) string {
	s = norm.NFKC.String(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// containsPhrase looks for p in s starting on a word boundary; short phrases must also end on one.
func containsPhrase(s, p string) bool {
	for from := 0; from <= len(s)-len(p); {
		i := strings.Index(s[from:], p)
		if i < 0 {
			return false
		}
		i += from
		end := i + len(p)
		startOK := i == 0 || !isWordByte(s[i-1])
		endOK := len(p) > shortPattern || end == len(s) || !isWordByte(s[end])
		if startOK && endOK {
			return true
		}
		from = i + 1
	}
	return false
}

func isWordByte(b byte) bool {
	r := rune(b)
	return r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

var categories = newDictionary(map[string][]string{
	model.CategoryRegulatoryAction: {
		"consent order", "cease and desist", "cease-and-desist", "order to cease and desist",
		"formal agreement", "written agreement", "memorandum of understanding",
		"enforcement action", "regulatory order",
	},
	model.CategoryFine: {
		"civil money penalty", "civil monetary penalty", "monetary penalty",
		"financial penalty", "administrative penalty", "regulatory fine",
	},
	model.CategoryDataBreach: {
		"data breach", "data breach notice", "security breach", "cybersecurity incident",
		"privacy breach", "information security incident",
	},
	model.CategoryFinancialPerformance: {
		"bank failure", "bank closure", "receivership", "liquidation", "bankruptcy",
	},
	model.CategoryLawsuit: {
		"lawsuit", "complaint", "litigation", "class action", "legal action", "court filing",
	},
	model.CategoryFraud: {
		"fraud", "fraudulent activity", "financial fraud", "banking fraud",
	},
	model.CategoryOperationalOutage: {
		"outage", "service disruption", "system failure",
	},
	model.CategoryTechnologyFailure: {
		"technology failure", "cyber attack",
	},
	model.CategorySanctionsAML: {
		"bsa violation", "aml violation", "anti-money laundering", "sanctions violation",
		"compliance failure",
	},
	model.CategoryDiscrimination: {
		"discrimination", "fair lending violation", "redlining",
	},
	model.CategoryPredatoryPractices: {
		"predatory lending",
	},
	model.CategoryExecutiveMisconduct: {
		"executive misconduct", "executive resignation", "ceo scandal", "management misconduct",
	},
	model.CategoryESGControversy: {
		"environmental controversy", "greenwashing",
	},
	model.CategoryLaborDispute: {
		"labor dispute", "strike", "mass layoff",
	},
	model.CategoryCustomerService: {
		"customer service failure", "service crisis", "customer complaint",
	},
	model.CategoryGovernanceIssue: {
		"governance issue", "board controversy", "shareholder activism", "proxy battle",
	},
	model.CategoryMarketManipulation: {
		"market manipulation", "insider trading", "securities fraud",
	},
	model.CategoryInvestigation: {
		"investigation", "probe", "inquiry", "examination",
	},
	model.CategoryBrandMarketing: {
		"marketing controversy", "brand crisis", "pr crisis", "public relations crisis",
	},
	model.CategoryPartnershipFailure: {
		"partnership failure", "vendor scandal", "fintech partnership failure",
	},
})

var natures = newDictionary(map[string][]string{
	model.NatureComplianceFailure:     {"compliance failure", "regulatory violation", "bsa/aml failure", "sanctions violation"},
	model.NatureCustomerTrust:         {"customer trust", "customer confidence", "trust breach", "customer harm"},
	model.NatureGovernance:            {"governance", "board oversight", "management oversight", "corporate governance"},
	model.NatureOperationalResilience: {"operational resilience", "system reliability", "service availability", "business continuity"},
	model.NatureDataSecurity:          {"data security", "information security", "cybersecurity", "privacy protection"},
	model.NatureFairness:              {"fairness discrimination", "discriminatory practices", "fair lending", "equal access"},
	model.NatureMarketIntegrity:       {"market integrity", "financial market integrity", "trading integrity", "market manipulation"},
	model.NatureExecutiveConduct:      {"executive conduct", "leadership conduct", "management behavior", "executive ethics"},
	model.NatureEnvironmentalSocial:   {"environmental social", "esg impact", "social responsibility", "environmental impact"},
	model.NatureLaborRelations:        {"labor relations", "employee relations", "workforce management", "employment practices"},
	model.NatureProductControversy:    {"product controversy", "product practices", "lending practices", "fee practices"},
	model.NaturePartnerReputation:     {"partner reputation", "vendor reputation", "third-party risk", "business partner"},
})

var regulators = newDictionary(map[string][]string{
	model.RegulatorOCC:     {"occ", "office of the comptroller of the currency"},
	model.RegulatorFDIC:    {"fdic", "federal deposit insurance corporation"},
	model.RegulatorFRB:     {"frb", "federal reserve board", "federal reserve"},
	model.RegulatorSEC:     {"sec", "securities and exchange commission"},
	model.RegulatorCFPB:    {"cfpb", "consumer financial protection bureau"},
	model.RegulatorDOJ:     {"doj", "department of justice"},
	model.RegulatorNYDFS:   {"nydfs", "new york department of financial services"},
	model.RegulatorNCUA:    {"ncua", "national credit union administration"},
	model.RegulatorStateAG: {"state ag", "state attorney general", "attorney general"},
})

// MapCategory returns the category of the longest matching phrase, or "other".
func MapCategory(text string) string {
	if t, ok := categories.first(text); ok {
		return t
	}
	return model.CategoryOther
}

// MapCategories returns every matched category, or ["other"].
func MapCategories(text string) []string {
	if out := categories.all(text); len(out) > 0 {
		return out
	}
	return []string{model.CategoryOther}
}

// MapNature returns every matched damage-nature tag, or ["other"].
func MapNature(text string) []string {
	if out := natures.all(text); len(out) > 0 {
		return out
	}
	return []string{model.NatureOther}
}

// MapRegulator returns the regulator of the longest matching phrase, or "Other".
func MapRegulator(text string) string {
	if t, ok := regulators.first(text); ok {
		return t
	}
	return model.RegulatorOther
}

// MapRegulators returns every regulator named in text; empty when none is named.
func MapRegulators(text string) []string {
	return regulators.all(text)
}

// CanonicalCategories maps each value onto the vocabulary, keeping known terms as they are.
func CanonicalCategories(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if model.IsCategory(c) {
			out = append(out, c)
			continue
		}
		out = append(out, MapCategory(strings.ReplaceAll(c, "_", " ")))
	}
	out = model.Uniq(out)
	if len(out) > 1 {
		out = without(out, model.CategoryOther)
	}
	if len(out) == 0 {
		return []string{model.CategoryOther}
	}
	return out
}

// CanonicalNature is CanonicalCategories for damage-nature tags.
func CanonicalNature(in []string) []string {
	var out []string
	for _, n := range in {
		if model.IsNature(n) {
			out = append(out, n)
			continue
		}
		out = append(out, MapNature(strings.ReplaceAll(n, "_", " "))...)
	}
	out = model.Uniq(out)
	if len(out) > 1 {
		out = without(out, model.NatureOther)
	}
	if len(out) == 0 {
		return []string{model.NatureOther}
	}
	return out
}

// CanonicalRegulators maps regulator names onto the vocabulary.
func CanonicalRegulators(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if model.IsRegulator(r) {
			out = append(out, r)
			continue
		}
		out = append(out, MapRegulator(r))
	}
	return model.Uniq(out)
}

func without(in []string, drop string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}
