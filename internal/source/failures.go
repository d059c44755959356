package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
)

const failedBankList = "https://www.fdic.gov/bank-failures/failed-bank-list"

// FDICFailures lists bank failures from the BankFind failures endpoint.
type FDICFailures struct {
	Base
	apiKey   string
	pageSize int
}

func NewFDICFailures(c config.SourceConfig) *FDICFailures {
	size := c.PageSize
	if size < 100 {
		size = 100
	}
	return &FDICFailures{
		Base:     newBase(config.FDICFailures, c.BaseURL, c.HTTP, c.RatePerSecond, c.Burst),
		apiKey:   c.APIKey,
		pageSize: size,
	}
}

func (f *FDICFailures) FetchUpdates(ctx context.Context, since model.Date) (*Result, error) {
	return Run(ctx, f, since)
}

// bankFindPage is the envelope of BankFind list endpoints. Rows come either
// wrapped ({"data": {...}}) or flat, depending on the endpoint version.
type bankFindPage struct {
	Data []json.RawMessage `json:"data"`
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
}

func (p bankFindPage) rows() ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(p.Data))
	for _, raw := range p.Data {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			return nil, err
		}
		if inner, ok := row["data"].(map[string]any); ok {
			row = inner
		}
		out = append(out, row)
	}
	return out, nil
}

func (f *FDICFailures) DiscoverItems(ctx context.Context, s *Session, since model.Date) ([]DiscoveredItem, error) {
	params := url.Values{}
	filter := "FAILDATE:[* TO *]"
	if !since.IsZero() {
		filter = fmt.Sprintf("FAILDATE:[%s TO *]", since)
	}
	params.Set("filters", filter)
	params.Set("fields", "NAME,CERT,FAILDATE,CITYST,PSTALP,QBFASSET,QBFDEP,COST,RESTYPE,RESTYPE1,SAVR")
	params.Set("sort_by", "FAILDATE")
	params.Set("sort_order", "DESC")
	params.Set("limit", strconv.Itoa(f.pageSize))
	params.Set("format", "json")

	resp, err := s.Client.Get(ctx, f.baseURL+"/failures", params, map[string]string{"X-API-Key": f.apiKey})
	if err != nil {
		return nil, f.unreachable(s, "fdic failures", err)
	}
	var page bankFindPage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("decode failures: %w", err)
	}
	rows, err := page.rows()
	if err != nil {
		return nil, fmt.Errorf("decode failures: %w", err)
	}
	items := make([]DiscoveredItem, 0, len(rows))
	for _, row := range rows {
		name := pickStr(row, "NAME")
		cert := pickStr(row, "CERT")
		if name == "" {
			continue
		}
		it := DiscoveredItem{ID: cert, Title: name, URL: failedBankList, Data: row}
		if it.ID == "" {
			it.ID = urlKey(name + pickStr(row, "FAILDATE"))
		}
		if d, err := parseDateFlexible(pickStr(row, "FAILDATE")); err == nil {
			it.Date = d
		}
		items = append(items, it)
	}
	return items, nil
}

// FetchItemDetail needs no I/O: the failures row is the whole record.
func (f *FDICFailures) FetchItemDetail(_ context.Context, _ *Session, item DiscoveredItem) (RawItem, error) {
	return RawItem{Item: item, Meta: map[string]string{}}, nil
}

func (f *FDICFailures) ParseItem(raw RawItem) (ParsedItem, error) {
	row := raw.Item.Data
	p := ParsedItem{
		ExternalID: raw.Item.ID,
		Title:      raw.Item.Title,
		URL:        raw.Item.URL,
		Publisher:  model.RegulatorFDIC,
		EventDate:  raw.Item.Date,
		ActionType: pickStr(row, "RESTYPE1"),
	}
	if p.EventDate.IsZero() {
		return p, &ParseError{Source: f.name, ItemID: raw.Item.ID, Msg: "failure has no FAILDATE"}
	}
	p.PublishedDate = p.EventDate
	p.Institutions = []string{raw.Item.Title}
	p.State = pickStr(row, "PSTALP")
	if p.State == "" {
		if cityst := pickStr(row, "CITYST"); strings.Contains(cityst, ",") {
			p.State = strings.TrimSpace(cityst[strings.LastIndex(cityst, ",")+1:])
		}
	}
	// BankFind reports amounts in thousands of dollars
	if cost, err := strconv.ParseFloat(pickStr(row, "COST"), 64); err == nil && cost > 0 {
		p.Money.TotalUSD = int64(cost * 1000)
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("%s failed and was closed by regulators", raw.Item.Title))
	if city := pickStr(row, "CITYST"); city != "" {
		parts = append(parts, "("+city+")")
	}
	if assets, err := strconv.ParseFloat(pickStr(row, "QBFASSET"), 64); err == nil && assets > 0 {
		parts = append(parts, "with total assets of "+formatUSD(int64(assets*1000)))
	}
	if p.Money.TotalUSD > 0 {
		parts = append(parts, "and an estimated cost to the Deposit Insurance Fund of "+formatUSD(p.Money.TotalUSD))
	}
	p.Text = strings.Join(parts, " ")
	return p, nil
}

func (f *FDICFailures) NormalizeItem(p ParsedItem) (model.Event, error) {
	jur := []string{"USA"}
	if p.State != "" {
		jur = append(jur, p.State)
	}
	title := "Bank failure: " + p.Title
	ev := model.Event{
		EventID:       model.NewEventID(f.name, p.ExternalID, p.EventDate),
		Title:         title,
		Institutions:  model.Uniq(p.Institutions),
		USOperations:  true,
		Jurisdictions: jur,
		Categories:    []string{model.CategoryFinancialPerformance},
		EventDate:     p.EventDate,
		ReportedDates: []model.Date{p.PublishedDate},
		Summary:       normalize.Summary(p.Text),
		ReputationalDamage: model.ReputationalDamage{
			Nature: []string{model.NatureCustomerTrust, model.NatureGovernance},
			Drivers: model.Drivers{
				LitigationStatus:  model.LitigationNone,
				RegulatorInvolved: []string{model.RegulatorFDIC},
			},
		},
		// the loss falls on the insurance fund, not on the bank as a penalty
		Amounts: model.Amounts{OtherUSD: p.Money.TotalUSD},
		Sources: []model.SourceRef{{
			Title:         title,
			Publisher:     model.RegulatorFDIC,
			URL:           p.URL,
			DatePublished: p.PublishedDate,
			SourceType:    model.SourceRegulator,
		}},
		SourceCount: 1,
		Confidence:  model.ConfidenceHigh,
	}
	normalize.ScoreEvent(&ev)
	return ev, nil
}
