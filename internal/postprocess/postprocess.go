package postprocess

import (
	"regexp"
	"strings"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
)

// Engine applies operator rules to normalized events. Rules only add tags or
// fill fields; they never remove what a connector produced.
type Engine struct {
	kw   []keywordRule
	regs []regexRule
	maps []config.MapRule
}

type keywordRule struct {
	words      []string
	categories []string
	nature     []string
}

type regexRule struct {
	field      string
	re         *regexp.Regexp
	categories []string
	nature     []string
}

// New compiles cfg. An invalid expression is a configuration error.
func New(cfg config.PostProcessConfig) (*Engine, error) {
	eng := &Engine{}
	for _, kr := range cfg.Keywords {
		var words []string
		for _, w := range kr.When {
			if s := strings.TrimSpace(w); s != "" {
				words = append(words, normalize.Fold(s))
			}
		}
		if len(words) == 0 {
			continue
		}
		eng.kw = append(eng.kw, keywordRule{words: words, categories: kr.Categories, nature: kr.Nature})
	}
	for _, rr := range cfg.Regex {
		if strings.TrimSpace(rr.Field) == "" || strings.TrimSpace(rr.Expr) == "" {
			continue
		}
		re, err := regexp.Compile(rr.Expr)
		if err != nil {
			return nil, config.Errorf("postprocess regex %q: %v", rr.Expr, err)
		}
		eng.regs = append(eng.regs, regexRule{field: rr.Field, re: re, categories: rr.Categories, nature: rr.Nature})
	}
	for _, mr := range cfg.Maps {
		if strings.TrimSpace(mr.Field) == "" || len(mr.Mapping) == 0 {
			continue
		}
		if mr.OutKey == "" {
			mr.OutKey = "parent_company"
		}
		eng.maps = append(eng.maps, mr)
	}
	return eng, nil
}

// Empty reports whether the engine has no rules.
func (e *Engine) Empty() bool {
	return e == nil || len(e.kw)+len(e.regs)+len(e.maps) == 0
}

func fieldValues(ev *model.Event, name string) []string {
	switch strings.ToLower(name) {
	case "title":
		return []string{ev.Title}
	case "summary":
		return []string{ev.Summary}
	case "url":
		out := make([]string, 0, len(ev.Sources))
		for _, s := range ev.Sources {
			out = append(out, s.URL)
		}
		return out
	case "publisher":
		out := make([]string, 0, len(ev.Sources))
		for _, s := range ev.Sources {
			out = append(out, s.Publisher)
		}
		return out
	case "institution", "institutions":
		return ev.Institutions
	default:
		return nil
	}
}

// Apply returns ev with every matching rule applied and its materiality rescored.
func (e *Engine) Apply(ev model.Event) model.Event {
	if e.Empty() {
		return ev
	}
	cats := append([]string{}, ev.Categories...)
	nature := append([]string{}, ev.ReputationalDamage.Nature...)

	// 1) keyword rules: every word must appear in the title or summary
	text := normalize.Fold(ev.Title + " " + ev.Summary)
	for _, kr := range e.kw {
		matched := true
		for _, w := range kr.words {
			if !strings.Contains(text, w) {
				matched = false
				break
			}
		}
		if matched {
			cats = append(cats, kr.categories...)
			nature = append(nature, kr.nature...)
		}
	}

	// 2) regex rules against one field
	for _, rr := range e.regs {
		for _, v := range fieldValues(&ev, rr.field) {
			if rr.re.MatchString(v) {
				cats = append(cats, rr.categories...)
				nature = append(nature, rr.nature...)
				break
			}
		}
	}

	// 3) map rules
	for _, mr := range e.maps {
		for _, v := range fieldValues(&ev, mr.Field) {
			mapped, ok := mr.Mapping[v]
			if !ok {
				continue
			}
			switch mr.OutKey {
			case "parent_company":
				if ev.ParentCompany == "" {
					ev.ParentCompany = mapped
				}
			case "jurisdiction", "jurisdictions":
				ev.Jurisdictions = model.Uniq(append(ev.Jurisdictions, mapped))
			case "institution", "institutions":
				ev.Institutions = model.Uniq(append(ev.Institutions, mapped))
			}
			break
		}
	}

	ev.Categories = normalize.CanonicalCategories(cats)
	ev.ReputationalDamage.Nature = normalize.CanonicalNature(nature)
	normalize.ScoreEvent(&ev)
	return ev
}

// ApplyAll runs Apply over events.
func (e *Engine) ApplyAll(events []model.Event) []model.Event {
	if e.Empty() || len(events) == 0 {
		return events
	}
	out := make([]model.Event, 0, len(events))
	for _, ev := range events {
		out = append(out, e.Apply(ev))
	}
	return out
}
