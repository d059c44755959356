package normalize

import (
	"strings"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// Signals are the inputs to materiality scoring.
type Signals struct {
	PenaltyUSD        int64
	CustomersAffected int64
	Categories        []string
	Title             string
}

// Tier is one severity level. Any satisfied condition selects the tier.
type Tier struct {
	Score         int
	MinPenaltyUSD int64 // 0 disables the condition
	MinCustomers  int64 // 0 disables the condition
	Categories    []string
	TitlePhrases  []string
}

// Tiers are evaluated in order; the first match wins.
var Tiers = []Tier{
	{
		Score:         5,
		MinPenaltyUSD: 1_000_000_000,
		MinCustomers:  5_000_000,
		Categories:    []string{model.CategoryFinancialPerformance},
		TitlePhrases:  []string{"congressional hearing", "ceo resignation scandal"},
	},
	{
		Score:         4,
		MinPenaltyUSD: 100_000_000,
		MinCustomers:  1_000_000,
		TitlePhrases:  []string{"mass layoff", "esg controversy", "sustained negative press"},
	},
	{
		Score:         3,
		MinPenaltyUSD: 10_000_000,
		MinCustomers:  100_000,
		TitlePhrases:  []string{"significant outage", "workforce reduction", "multiple state ag"},
	},
	{
		Score:         2,
		MinPenaltyUSD: 1_000_000,
		MinCustomers:  10_000,
		TitlePhrases:  []string{"executive misconduct", "branch closure", "fintech partnership failure"},
	},
	{
		Score:        1,
		TitlePhrases: []string{"investigation", "discrimination allegation", "customer service failure"},
	},
}

// Score returns the materiality score 1..5 for s.
func Score(s Signals) int {
	title := strings.ToLower(s.Title)
	for _, t := range Tiers {
		if t.matches(s, title) {
			return t.Score
		}
	}
	return 1
}

func (t Tier) matches(s Signals, title string) bool {
	if t.MinPenaltyUSD > 0 && s.PenaltyUSD >= t.MinPenaltyUSD {
		return true
	}
	if t.MinCustomers > 0 && s.CustomersAffected >= t.MinCustomers {
		return true
	}
	for _, c := range t.Categories {
		for _, have := range s.Categories {
			if have == c {
				return true
			}
		}
	}
	for _, p := range t.TitlePhrases {
		if strings.Contains(title, p) {
			return true
		}
	}
	return false
}

// SignalsOf reads the scoring inputs from an event.
func SignalsOf(ev model.Event) Signals {
	s := Signals{
		PenaltyUSD: ev.PenaltyTotal(),
		Categories: ev.Categories,
		Title:      ev.Title,
	}
	if c := ev.ReputationalDamage.Drivers.CustomersAffected; c != nil {
		s.CustomersAffected = *c
	}
	return s
}

// ScoreEvent sets the event's materiality score from its own fields.
func ScoreEvent(ev *model.Event) {
	ev.ReputationalDamage.MaterialityScore = Score(SignalsOf(*ev))
}

// Summary trims text to the event summary bound, cutting on a rune boundary.
func Summary(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= model.MaxSummaryLen {
		return text
	}
	return strings.TrimSpace(string(r[:model.MaxSummaryLen-3])) + "..."
}
