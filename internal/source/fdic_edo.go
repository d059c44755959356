package source

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
)

var (
	reOrderURL   = regexp.MustCompile(`/orders/([^/?#]+)`)
	reOrderTitle = regexp.MustCompile(`(?i)(?:Order|Notice)\s+(?:No\.?\s*)?([A-Z0-9][A-Z0-9\-]*\d[A-Z0-9\-]*)`)
)

// FDICEDO reads the FDIC Enforcement Decisions and Orders site.
type FDICEDO struct {
	Base
	searchPath string
}

func NewFDICEDO(c config.SourceConfig) *FDICEDO {
	return &FDICEDO{Base: newBase(config.FDICEDO, c.BaseURL, c.HTTP, c.RatePerSecond, c.Burst), searchPath: "/s/"}
}

func (f *FDICEDO) FetchUpdates(ctx context.Context, since model.Date) (*Result, error) {
	return Run(ctx, f, since)
}

// DiscoverItems lists the orders linked from the search page. The listing has no dates,
// so every linked order is a candidate and the repository absorbs repeats.
func (f *FDICEDO) DiscoverItems(ctx context.Context, s *Session, since model.Date) ([]DiscoveredItem, error) {
	pageURL := f.baseURL + f.searchPath
	resp, err := s.Client.Get(ctx, pageURL, nil, nil)
	if err != nil {
		return nil, f.unreachable(s, "fdic search page", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body)))
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	var items []DiscoveredItem
	seen := map[string]bool{}
	add := func(title, href string) {
		if href == "" {
			return
		}
		u := absURL(pageURL, href)
		id := orderNumber(title, u)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		items = append(items, DiscoveredItem{ID: id, Title: cleanText(title), URL: u})
	}

	for _, heading := range []string{"Press Release Orders", "Recent Orders"} {
		section := doc.Find(fmt.Sprintf(`section:contains(%q)`, heading)).Last()
		section.Find(`a[href*="/orders/"]`).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			add(a.Text(), href)
		})
	}
	doc.Find(".slds-card").Each(func(_ int, card *goquery.Selection) {
		a := card.Find(`a[href*="/orders/"]`).First()
		href, ok := a.Attr("href")
		if !ok {
			return
		}
		title := cleanText(card.Find("h3, h4, .title").First().Text())
		if title == "" {
			title = a.Text()
		}
		add(title, href)
	})
	s.Log.WithField("items", len(items)).Debug("fdic orders discovered")
	return items, nil
}

// orderNumber takes the id from the URL, then the title, then the last path segment.
func orderNumber(title, rawURL string) string {
	if m := reOrderURL.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	if m := reOrderTitle.FindStringSubmatch(title); m != nil {
		return m[1]
	}
	if u, err := url.Parse(rawURL); err == nil {
		if seg := path.Base(strings.TrimRight(u.Path, "/")); seg != "." && seg != "/" {
			return seg
		}
	}
	return ""
}

func (f *FDICEDO) FetchItemDetail(ctx context.Context, s *Session, item DiscoveredItem) (RawItem, error) {
	resp, err := s.Client.Get(ctx, item.URL, nil, nil)
	if err != nil {
		return RawItem{}, err
	}
	raw := RawItem{Item: item, Body: string(resp.Body), Meta: map[string]string{}}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw.Body))
	if err != nil {
		return raw, &ParseError{Source: f.name, ItemID: item.ID, Msg: err.Error()}
	}
	raw.Meta["institution"] = firstText(doc, ".institution-name", ".bank-name", "h1", "h2")
	raw.Meta["date"] = firstDate(doc, ".date", ".order-date", "time")
	raw.Meta["order_type"] = firstText(doc, ".order-type", ".type")
	raw.DocURL, raw.Document = fetchDocument(ctx, s, item.URL, doc)
	return raw, nil
}

func (f *FDICEDO) ParseItem(raw RawItem) (ParsedItem, error) {
	p := ParsedItem{
		ExternalID:  raw.Item.ID,
		Title:       raw.Item.Title,
		URL:         raw.Item.URL,
		Publisher:   model.RegulatorFDIC,
		ActionType:  raw.Meta["order_type"],
		HasDocument: strings.TrimSpace(raw.Document) != "",
	}
	institution := raw.Meta["institution"]
	if p.HasDocument {
		d := extractDocumentFields(raw.Document)
		if d.Institution != "" {
			institution = d.Institution
		}
		if p.ActionType == "" {
			p.ActionType = d.ActionType
		}
		p.State = d.State
		p.Docket = d.Docket
		p.Money = d.Money
		p.Subjects = d.Subjects
		p.EventDate = d.Date
		p.Text = raw.Document
	}
	if p.EventDate.IsZero() && raw.Meta["date"] != "" {
		if d, err := parseDateFlexible(raw.Meta["date"]); err == nil {
			p.EventDate = d
		}
	}
	if p.EventDate.IsZero() {
		p.EventDate = raw.Item.Date
	}
	if p.EventDate.IsZero() {
		return p, &ParseError{Source: f.name, ItemID: raw.Item.ID, Msg: "no order date in page or document"}
	}
	if institution == "" {
		if i := strings.LastIndex(p.Title, " - "); i >= 0 {
			institution = strings.TrimSpace(p.Title[i+3:])
		}
	}
	if institution != "" {
		p.Institutions = []string{institution}
	}
	if p.ActionType == "" {
		if m := reActionType.FindString(p.Title); m != "" {
			p.ActionType = titleCase(m)
		}
	}
	if p.Money.TotalUSD == 0 && p.Text == "" {
		// page-only orders sometimes state the amount in the heading
		if m := rePenalty.FindString(raw.Meta["order_type"] + " " + p.Title); m != "" {
			p.Money = normalize.ExtractAmounts(m)
		}
	}
	return p, nil
}

func (f *FDICEDO) NormalizeItem(p ParsedItem) (model.Event, error) {
	return enforcementEvent(f.name, model.RegulatorFDIC, p)
}
