package source

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/apex/log"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

const (
	occNewsPath  = "/news-issuances/news-releases"
	occIndexPath = "/topics/laws-regulations/enforcement-actions/index-enforcement-actions.html"
	// months probed even when since is recent
	occMinLookback = 6
)

var (
	reEAURL   = regexp.MustCompile(`EA-ENF-(\d{4}-\d+)`)
	reEATitle = regexp.MustCompile(`(?i)(?:EA|Enforcement Action)\s*(?:No\.?\s*)?([A-Z0-9]*\d[A-Z0-9\-]*)`)

	occIndexSkip = []string{
		"enforcement-actions-types.html",
		"index-enforcement-actions.html",
		"sec.gov",
		"federalreserve.gov",
		"fdic.gov",
	}
)

// OCCEnforcement reads OCC monthly enforcement releases and the enforcement index.
type OCCEnforcement struct {
	Base
	maxMonths int
}

func NewOCCEnforcement(c config.SourceConfig) *OCCEnforcement {
	return &OCCEnforcement{
		Base:      newBase(config.OCCEnforcement, c.BaseURL, c.HTTP, c.RatePerSecond, c.Burst),
		maxMonths: c.MaxMonths,
	}
}

func (o *OCCEnforcement) FetchUpdates(ctx context.Context, since model.Date) (*Result, error) {
	return Run(ctx, o, since)
}

// probeMonths lists the release months to try, newest first: every complete month back to
// since, at least occMinLookback of them, at most maxMonths.
func (o *OCCEnforcement) probeMonths(since model.Date) []model.Date {
	today := o.today()
	current := model.NewDate(today.Year, today.Month, 1)
	n := occMinLookback
	if !since.IsZero() {
		if back := monthsBetween(since, current); back > n {
			n = back
		}
	}
	if o.maxMonths > 0 && n > o.maxMonths {
		n = o.maxMonths
	}
	out := make([]model.Date, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, model.DateOf(current.Time().AddDate(0, -i, 0)))
	}
	return out
}

func (o *OCCEnforcement) DiscoverItems(ctx context.Context, s *Session, since model.Date) ([]DiscoveredItem, error) {
	var items []DiscoveredItem
	seen := map[string]bool{}
	add := func(it DiscoveredItem) {
		if it.ID == "" || seen[it.ID] {
			return
		}
		seen[it.ID] = true
		items = append(items, it)
	}

	for _, month := range o.probeMonths(since) {
		pageURL := fmt.Sprintf("%s%s/%d/nr-occ-%d-%02d.html", o.baseURL, occNewsPath, month.Year, month.Year, int(month.Month))
		resp, err := s.Client.Probe(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// no release for that month, or the site is down for this probe
			s.Log.WithError(err).WithField("url", pageURL).Debug("monthly release not available")
			continue
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body)))
		if err != nil {
			s.Log.WithError(err).WithField("url", pageURL).Warn("monthly release unreadable")
			continue
		}
		doc.Find(`a[href*="EASearch"]`).Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			title := cleanText(a.Text())
			if href == "" || title == "" {
				return
			}
			u := absURL(pageURL, href)
			add(DiscoveredItem{ID: eaNumber(title, u), Title: title, URL: u, Date: month})
		})
	}

	indexItems, err := o.discoverIndex(ctx, s)
	if err != nil {
		return nil, err
	}
	for _, it := range indexItems {
		add(it)
	}
	return items, nil
}

func (o *OCCEnforcement) discoverIndex(ctx context.Context, s *Session) ([]DiscoveredItem, error) {
	indexURL := o.baseURL + occIndexPath
	resp, err := s.Client.Probe(ctx, indexURL)
	if err != nil {
		return nil, o.unreachable(s, "occ enforcement index", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body)))
	if err != nil {
		return nil, fmt.Errorf("parse enforcement index: %w", err)
	}
	host := ""
	if u, err := url.Parse(o.baseURL); err == nil {
		host = u.Hostname()
	}
	var items []DiscoveredItem
	doc.Find(`a[href*="enforcement"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		title := cleanText(a.Text())
		if href == "" || title == "" {
			return
		}
		for _, skip := range occIndexSkip {
			if strings.Contains(href, skip) {
				return
			}
		}
		u := absURL(indexURL, href)
		if pu, err := url.Parse(u); err == nil && host != "" && !strings.HasSuffix(pu.Hostname(), strings.TrimPrefix(host, "www.")) {
			return
		}
		items = append(items, DiscoveredItem{ID: eaNumber(title, u), Title: title, URL: u})
	})
	log.WithFields(log.Fields{"connector": o.name, "items": len(items)}).Debug("enforcement index read")
	return items, nil
}

// eaNumber takes the EA number from the URL, then the title, then the last path segment.
func eaNumber(title, rawURL string) string {
	if m := reEAURL.FindStringSubmatch(rawURL); m != nil {
		return "EA-ENF-" + m[1]
	}
	if m := reEATitle.FindStringSubmatch(title); m != nil {
		return strings.ToUpper(m[1])
	}
	if u, err := url.Parse(rawURL); err == nil {
		if seg := path.Base(strings.TrimRight(u.Path, "/")); seg != "." && seg != "/" {
			return seg
		}
	}
	return ""
}

func (o *OCCEnforcement) FetchItemDetail(ctx context.Context, s *Session, item DiscoveredItem) (RawItem, error) {
	resp, err := s.Client.Get(ctx, item.URL, nil, nil)
	if err != nil {
		return RawItem{}, err
	}
	raw := RawItem{Item: item, Body: string(resp.Body), Meta: map[string]string{}}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw.Body))
	if err != nil {
		return raw, &ParseError{Source: o.name, ItemID: item.ID, Msg: err.Error()}
	}
	raw.Meta["institution"] = firstText(doc, ".institution-name", ".institution", ".bank-name", "h1", "h2", ".title")
	raw.Meta["date"] = firstDate(doc, ".date", ".action-date", "time", ".effective-date")
	raw.Meta["action_type"] = firstText(doc, ".action-type", ".type", ".enforcement-type")
	raw.Meta["subject_matter"] = firstText(doc, ".subject-matter", ".subject", ".matter")
	raw.DocURL, raw.Document = fetchDocument(ctx, s, item.URL, doc)
	return raw, nil
}

func (o *OCCEnforcement) ParseItem(raw RawItem) (ParsedItem, error) {
	p := ParsedItem{
		ExternalID:    raw.Item.ID,
		Title:         raw.Item.Title,
		URL:           raw.Item.URL,
		Publisher:     model.RegulatorOCC,
		ActionType:    raw.Meta["action_type"],
		HasDocument:   strings.TrimSpace(raw.Document) != "",
		PublishedDate: raw.Item.Date,
	}
	institution := raw.Meta["institution"]
	if subj := raw.Meta["subject_matter"]; subj != "" {
		p.Subjects = subjects(subj)
	}
	if d, err := parseDateFlexible(raw.Meta["date"]); err == nil {
		p.EventDate = d
	}
	if p.HasDocument {
		d := extractDocumentFields(raw.Document)
		if d.Institution != "" {
			institution = d.Institution
		}
		if d.ActionType != "" {
			p.ActionType = d.ActionType
		}
		if len(d.Subjects) > 0 {
			p.Subjects = d.Subjects
		}
		if !d.Date.IsZero() {
			p.EventDate = d.Date
		}
		p.State = d.State
		p.Docket = d.Docket
		p.Money = d.Money
		p.Text = raw.Document
	}
	if p.EventDate.IsZero() {
		p.EventDate = raw.Item.Date
	}
	if p.EventDate.IsZero() {
		return p, &ParseError{Source: o.name, ItemID: raw.Item.ID, Msg: "no action date in page or document"}
	}
	if institution != "" {
		p.Institutions = []string{institution}
	}
	if p.ActionType == "" {
		if m := reActionType.FindString(p.Title); m != "" {
			p.ActionType = titleCase(m)
		}
	}
	return p, nil
}

func (o *OCCEnforcement) NormalizeItem(p ParsedItem) (model.Event, error) {
	return enforcementEvent(o.name, model.RegulatorOCC, p)
}
