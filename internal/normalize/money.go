package normalize

import (
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// moneyPatterns are applied in order; a later match overlapping an earlier one is ignored.
var moneyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$\d[\d,]*(?:\.\d+)?(?:\s*(?:million|billion|thousand|k|m|b)\b)?`),
	regexp.MustCompile(`(?i)\b\d[\d,]*(?:\.\d+)?\s*(?:million|billion|thousand|k|m|b)\b(?:\s*(?:dollars?|usd)\b)?`),
	regexp.MustCompile(`(?i)\b(?:penalty|fine|settlement|payment)\s*(?:of\s*)?\$?\d[\d,]*(?:\.\d+)?`),
}

var (
	amountPart = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(billion|million|thousand|k|m|b)?\b`)
	multiplier = map[string]decimal.Decimal{
		"thousand": decimal.NewFromInt(1_000),
		"k":        decimal.NewFromInt(1_000),
		"million":  decimal.NewFromInt(1_000_000),
		"m":        decimal.NewFromInt(1_000_000),
		"billion":  decimal.NewFromInt(1_000_000_000),
		"b":        decimal.NewFromInt(1_000_000_000),
	}
	maxUSD = decimal.NewFromInt(math.MaxInt64)
)

// Money is the result of scanning a text blob for USD amounts.
type Money struct {
	TotalUSD     int64
	Matches      []string
	OriginalText string // matches joined with "; "
}

type span struct{ start, end int }

// ExtractAmounts sums every amount found in text. Overlapping matches count once.
func ExtractAmounts(text string) Money {
	var taken []span
	type hit struct {
		span
		literal string
	}
	var hits []hit
	for _, re := range moneyPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			s := span{loc[0], loc[1]}
			if overlaps(taken, s) {
				continue
			}
			taken = append(taken, s)
			hits = append(hits, hit{span: s, literal: text[s.start:s.end]})
		}
	}
	// report in reading order
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].start < hits[j-1].start; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	var m Money
	total := decimal.Zero
	for _, h := range hits {
		total = total.Add(ParseAmount(h.literal))
		m.Matches = append(m.Matches, h.literal)
	}
	if total.GreaterThan(maxUSD) {
		total = maxUSD
	}
	m.TotalUSD = total.IntPart()
	m.OriginalText = strings.Join(m.Matches, "; ")
	return m
}

// ParseAmount converts one literal like "$1.5 million" or "1,000,000" to USD.
func ParseAmount(literal string) decimal.Decimal {
	clean := strings.NewReplacer("$", "", ",", "").Replace(literal)
	sub := amountPart.FindStringSubmatch(clean)
	if sub == nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(sub[1])
	if err != nil {
		return decimal.Zero
	}
	if mult, ok := multiplier[strings.ToLower(sub[2])]; ok {
		v = v.Mul(mult)
	}
	return v
}

func overlaps(taken []span, s span) bool {
	for _, t := range taken {
		if s.start < t.end && t.start < s.end {
			return true
		}
	}
	return false
}
