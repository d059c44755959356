package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/apex/log"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
)

// majorBanks are queried one by one when no bank list is configured.
var majorBanks = []string{
	"JPMorgan Chase",
	"Bank of America",
	"Wells Fargo",
	"Citigroup",
	"Goldman Sachs",
	"Morgan Stanley",
	"U.S. Bancorp",
	"PNC Financial",
	"Capital One",
	"American Express",
	"Bank of New York Mellon",
	"State Street",
	"Charles Schwab",
	"Citizens Financial",
	"Fifth Third",
}

var (
	reputationKeywords = []string{"fine", "penalty", "enforcement action", "lawsuit", "settlement", "investigation", "fraud", "money laundering"}
	regulatoryKeywords = []string{
		"bank enforcement", "FDIC enforcement", "OCC enforcement", "Federal Reserve enforcement",
		"banking compliance", "financial penalties", "regulatory fines",
	}
)

// article is one search hit, reduced to what every news API returns.
type article struct {
	Title       string
	Description string
	URL         string
	Publisher   string
	Published   string
}

// newsSearch runs one query. bank is empty for the regulatory query.
type newsSearch func(ctx context.Context, s *Session, bank string, since model.Date) ([]article, error)

// news holds the pipeline shared by the news search connectors.
type news struct {
	Base
	banks    []string
	pageSize int
	search   newsSearch
}

func newNews(name string, c config.SourceConfig) news {
	banks := c.Banks
	if len(banks) == 0 {
		banks = majorBanks
	}
	return news{
		Base:     newBase(name, c.BaseURL, c.HTTP, c.RatePerSecond, c.Burst),
		banks:    banks,
		pageSize: c.PageSize,
	}
}

func (n *news) FetchUpdates(ctx context.Context, since model.Date) (*Result, error) {
	return Run(ctx, n, since)
}

// DiscoverItems runs one query per bank plus the regulatory query. A failed
// query is logged and skipped; discovery fails only when every query failed.
func (n *news) DiscoverItems(ctx context.Context, s *Session, since model.Date) ([]DiscoveredItem, error) {
	queries := append([]string{}, n.banks...)
	queries = append(queries, "")

	var (
		items  []DiscoveredItem
		failed int
		last   error
	)
	seen := map[string]bool{}
	for _, bank := range queries {
		arts, err := n.search(ctx, s, bank, since)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			last = err
			s.Log.WithError(err).WithField("bank", bank).Warn("news query failed")
			continue
		}
		for _, a := range arts {
			if a.URL == "" || a.Title == "" || seen[a.URL] {
				continue
			}
			seen[a.URL] = true
			it := DiscoveredItem{
				ID:    urlKey(a.URL),
				Title: cleanText(a.Title),
				URL:   a.URL,
				Meta: map[string]string{
					"description": cleanText(a.Description),
					"publisher":   a.Publisher,
					"published":   a.Published,
					"bank":        bank,
				},
			}
			if d, err := parseDateFlexible(a.Published); err == nil {
				it.Date = d
			}
			items = append(items, it)
		}
	}
	if failed == len(queries) {
		return nil, fmt.Errorf("all %d news queries failed: %w", failed, last)
	}
	return items, nil
}

// FetchItemDetail needs no I/O: the search hit already carries the article fields.
func (n *news) FetchItemDetail(_ context.Context, _ *Session, item DiscoveredItem) (RawItem, error) {
	return RawItem{Item: item, Body: item.Meta["description"], Meta: item.Meta}, nil
}

func (n *news) ParseItem(raw RawItem) (ParsedItem, error) {
	p := ParsedItem{
		ExternalID: raw.Item.ID,
		Title:      raw.Item.Title,
		URL:        raw.Item.URL,
		Publisher:  raw.Meta["publisher"],
		Text:       raw.Item.Title + ". " + raw.Body,
	}
	if p.Title == "" {
		return p, &ParseError{Source: n.name, ItemID: raw.Item.ID, Msg: "article has no title"}
	}
	p.EventDate = raw.Item.Date
	if p.EventDate.IsZero() {
		return p, &ParseError{Source: n.name, ItemID: raw.Item.ID, Msg: "article has no publication date"}
	}
	p.PublishedDate = p.EventDate
	if p.Publisher == "" {
		p.Publisher = "Unknown"
	}
	p.Institutions = mentionedBanks(p.Text, n.banks)
	if len(p.Institutions) == 0 && raw.Meta["bank"] != "" {
		p.Institutions = []string{raw.Meta["bank"]}
	}
	p.Money = normalize.ExtractAmounts(p.Text)
	return p, nil
}

// mentionedBanks lists the banks whose name appears in text, in list order.
func mentionedBanks(text string, banks []string) []string {
	folded := normalize.Fold(text)
	var out []string
	for _, b := range banks {
		if strings.Contains(folded, normalize.Fold(b)) {
			out = append(out, b)
		}
	}
	return out
}

func (n *news) NormalizeItem(p ParsedItem) (model.Event, error) {
	if p.EventDate.IsZero() {
		return model.Event{}, &ParseError{Source: n.name, ItemID: p.ExternalID, Msg: "no event date"}
	}
	penalty := p.Money.TotalUSD
	cats := normalize.MapCategories(p.Text)
	if penalty > 0 {
		cats = append(cats, model.CategoryFine)
	}
	cats = normalize.CanonicalCategories(cats)
	regs := normalize.MapRegulators(p.Text)
	if regs == nil {
		regs = []string{}
	}

	confidence := model.ConfidenceLow
	if len(regs) > 0 || isReputable(p.Publisher) {
		confidence = model.ConfidenceMedium
	}
	litigation := model.LitigationNone
	for _, c := range cats {
		if c == model.CategoryLawsuit {
			litigation = model.LitigationFiled
		}
	}
	institutions := model.Uniq(p.Institutions)

	ev := model.Event{
		EventID:       model.NewEventID(n.name, p.ExternalID, p.EventDate),
		Title:         p.Title,
		Institutions:  institutions,
		USOperations:  true,
		Jurisdictions: []string{"USA"},
		Categories:    cats,
		EventDate:     p.EventDate,
		ReportedDates: []model.Date{p.PublishedDate},
		Summary:       normalize.Summary(p.Text),
		ReputationalDamage: model.ReputationalDamage{
			Nature: normalize.CanonicalNature(normalize.MapNature(p.Text)),
			Drivers: model.Drivers{
				FineUSD:           penalty,
				LitigationStatus:  litigation,
				RegulatorInvolved: regs,
			},
		},
		Amounts: model.Amounts{PenaltiesUSD: penalty, OriginalText: p.Money.OriginalText},
		Sources: []model.SourceRef{{
			Title:         p.Title,
			Publisher:     p.Publisher,
			URL:           p.URL,
			DatePublished: p.PublishedDate,
			SourceType:    model.SourceMedia,
		}},
		SourceCount: 1,
		Confidence:  confidence,
	}
	normalize.ScoreEvent(&ev)
	log.WithFields(log.Fields{"connector": n.name, "event_id": ev.EventID, "score": ev.ReputationalDamage.MaterialityScore}).Debug("event normalized")
	return ev, nil
}

var reputablePublishers = []string{"reuters", "bloomberg", "wall street journal", "financial times", "cnbc", "associated press"}

func isReputable(publisher string) bool {
	p := normalize.Fold(publisher)
	for _, r := range reputablePublishers {
		if strings.Contains(p, r) {
			return true
		}
	}
	return false
}

// quoteOr renders terms as a quoted OR group.
func quoteOr(terms []string) string {
	q := make([]string, len(terms))
	for i, t := range terms {
		q[i] = `"` + t + `"`
	}
	return "(" + strings.Join(q, " OR ") + ")"
}
