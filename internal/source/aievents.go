package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
	"github.com/colinpriest/bank-reputation-damage-events/internal/util"
)

// AIEvents asks a research model for each month's negative bank events.
type AIEvents struct {
	Base
	apiKey    string
	model     string
	maxMonths int
}

func NewAIEvents(c config.SourceConfig) *AIEvents {
	return &AIEvents{
		Base:      newBase(config.AIEvents, c.BaseURL, c.HTTP, c.RatePerSecond, c.Burst),
		apiKey:    c.APIKey,
		model:     c.Model,
		maxMonths: c.MaxMonths,
	}
}

func (a *AIEvents) FetchUpdates(ctx context.Context, since model.Date) (*Result, error) {
	return Run(ctx, a, since)
}

// months lists the calendar months from since's month to the current one,
// keeping the latest maxMonths.
func (a *AIEvents) months(since model.Date) []model.Date {
	today := a.today()
	current := model.NewDate(today.Year, today.Month, 1)
	if since.IsZero() || since.After(today) {
		since = current
	}
	first := model.NewDate(since.Year, since.Month, 1)
	n := monthsBetween(first, current) + 1
	if a.maxMonths > 0 && n > a.maxMonths {
		n = a.maxMonths
	}
	out := make([]model.Date, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, model.DateOf(current.Time().AddDate(0, -i, 0)))
	}
	return out
}

// DiscoverItems makes one research call per month. A failed month is logged and
// skipped; discovery fails only when no month could be read.
func (a *AIEvents) DiscoverItems(ctx context.Context, s *Session, since model.Date) ([]DiscoveredItem, error) {
	var (
		items  []DiscoveredItem
		failed int
		last   error
	)
	seen := map[string]bool{}
	months := a.months(since)
	for _, month := range months {
		coll, err := a.research(ctx, s, month)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failed++
			last = err
			s.Log.WithError(err).WithField("month", month.String()[:7]).Warn("research call failed")
			continue
		}
		events, _ := coll["events"].([]any)
		for _, raw := range events {
			ev, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			id := pickStr(ev, "event_id")
			if id == "" {
				id = urlKey(pickStr(ev, "title"))
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			it := DiscoveredItem{ID: id, Title: pickStr(ev, "title"), Data: ev, Meta: map[string]string{"month": month.String()[:7]}}
			if d, err := parseDateFlexible(pickStr(ev, "event_date")); err == nil {
				it.Date = d
			}
			items = append(items, it)
		}
	}
	if len(months) > 0 && failed == len(months) {
		return nil, fmt.Errorf("all %d research months failed: %w", failed, last)
	}
	return items, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// research runs the call for one month and returns the validated collection.
func (a *AIEvents) research(ctx context.Context, s *Session, month model.Date) (map[string]any, error) {
	body, err := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You are a meticulous research assistant. Output valid JSON only."},
			{Role: "user", Content: researchPrompt(month)},
		},
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(ctx, util.Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/chat/completions",
		Header: map[string]string{
			"Authorization": "Bearer " + a.apiKey,
			"Content-Type":  "application/json",
			"Accept":        "application/json",
		},
		Body: body,
	})
	if err != nil {
		return nil, err
	}
	var env chatResponse
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("decode chat envelope: %w", err)
	}
	if len(env.Choices) == 0 || strings.TrimSpace(env.Choices[0].Message.Content) == "" {
		return nil, errors.New("chat response has no message content")
	}
	return decodeCollection(env.Choices[0].Message.Content)
}

// decodeCollection repairs and validates the model output.
func decodeCollection(content string) (map[string]any, error) {
	text, err := extractJSON(content)
	if err != nil {
		return nil, &StructureError{Err: err, Snippet: snippet(content)}
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, &StructureError{Err: err, Snippet: snippet(text)}
	}
	if err := collectionSchema.Validate(v); err != nil {
		return nil, &StructureError{Err: err, Snippet: snippet(text)}
	}
	return v.(map[string]any), nil
}

var reFenced = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")

// extractJSON returns the content itself when it is a JSON object, else the first
// fenced block holding one, else the largest balanced object in the text.
func extractJSON(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	for _, m := range reFenced.FindAllStringSubmatch(content, -1) {
		if json.Valid([]byte(m[1])) {
			return m[1], nil
		}
	}
	best := ""
	for _, obj := range balancedObjects(content) {
		if len(obj) > len(best) && json.Valid([]byte(obj)) {
			best = obj
		}
	}
	if best == "" {
		return "", errors.New("no JSON object in model output")
	}
	return best, nil
}

// balancedObjects returns every top-level {...} span, ignoring braces inside strings.
func balancedObjects(s string) []string {
	var (
		out      []string
		depth    int
		start    int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, s[start:i+1])
			}
		}
	}
	return out
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}

// FetchItemDetail needs no I/O: the research call returned the whole record.
func (a *AIEvents) FetchItemDetail(_ context.Context, _ *Session, item DiscoveredItem) (RawItem, error) {
	return RawItem{Item: item, Meta: item.Meta}, nil
}

func (a *AIEvents) ParseItem(raw RawItem) (ParsedItem, error) {
	data, ok := integralNumbers(raw.Item.Data).(map[string]any)
	if !ok {
		return ParsedItem{}, &ParseError{Source: a.name, ItemID: raw.Item.ID, Msg: "no event record"}
	}
	if amounts, ok := data["amounts"].(map[string]any); ok {
		if _, ok := amounts["other_usd"]; !ok {
			amounts["other_usd"] = amounts["other_amounts_usd"]
		}
		delete(amounts, "other_amounts_usd")
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ParsedItem{}, &ParseError{Source: a.name, ItemID: raw.Item.ID, Msg: err.Error()}
	}
	var ev model.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ParsedItem{}, &ParseError{Source: a.name, ItemID: raw.Item.ID, Msg: "decode event: " + err.Error()}
	}
	if ev.EventDate.IsZero() {
		return ParsedItem{}, &ParseError{Source: a.name, ItemID: raw.Item.ID, Msg: "event has no event_date"}
	}
	return ParsedItem{
		ExternalID:   raw.Item.ID,
		Title:        ev.Title,
		Institutions: ev.Institutions,
		EventDate:    ev.EventDate,
		Event:        &ev,
	}, nil
}

// integralNumbers turns whole float64 values into int64 so that amounts such as
// 1.5e9 decode into integer fields.
func integralNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = integralNumbers(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = integralNumbers(x)
		}
		return out
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<62 {
			return int64(t)
		}
		return t
	default:
		return v
	}
}

// NormalizeItem re-keys the record and maps every tag onto the controlled vocabulary.
func (a *AIEvents) NormalizeItem(p ParsedItem) (model.Event, error) {
	if p.Event == nil {
		return model.Event{}, &ParseError{Source: a.name, ItemID: p.ExternalID, Msg: "no event"}
	}
	ev := *p.Event
	ev.EventID = model.NewEventID(a.name, p.ExternalID, ev.EventDate)
	ev.Title = cleanText(ev.Title)
	if ev.Title == "" {
		return model.Event{}, &ParseError{Source: a.name, ItemID: p.ExternalID, Msg: "event has no title"}
	}
	ev.Institutions = model.Uniq(ev.Institutions)
	ev.Jurisdictions = model.Uniq(ev.Jurisdictions)
	if len(ev.Jurisdictions) == 0 {
		ev.Jurisdictions = []string{"USA"}
	}
	ev.Categories = normalize.CanonicalCategories(ev.Categories)
	rd := &ev.ReputationalDamage
	rd.Nature = normalize.CanonicalNature(rd.Nature)
	rd.Drivers.RegulatorInvolved = normalize.CanonicalRegulators(rd.Drivers.RegulatorInvolved)
	switch rd.Drivers.LitigationStatus {
	case model.LitigationNone, model.LitigationFiled, model.LitigationSettled, model.LitigationOngoing:
	default:
		rd.Drivers.LitigationStatus = model.LitigationNone
	}
	clampNonNegative(&ev)
	if ev.Amounts.PenaltiesUSD == 0 && ev.Amounts.OriginalText != "" {
		ev.Amounts.PenaltiesUSD = normalize.ExtractAmounts(ev.Amounts.OriginalText).TotalUSD
	}
	if rd.Drivers.FineUSD == 0 {
		rd.Drivers.FineUSD = ev.Amounts.PenaltiesUSD
	}

	sources := ev.Sources[:0:0]
	for _, s := range ev.Sources {
		if strings.TrimSpace(s.URL) == "" {
			continue
		}
		switch s.SourceType {
		case model.SourceRegulator, model.SourceMedia, model.SourceCourt:
		default:
			s.SourceType = model.SourceMedia
		}
		if s.Title == "" {
			s.Title = ev.Title
		}
		if s.DatePublished.IsZero() {
			s.DatePublished = ev.EventDate
		}
		sources = append(sources, s)
	}
	if len(sources) == 0 {
		return model.Event{}, &ParseError{Source: a.name, ItemID: p.ExternalID, Msg: "event has no usable source"}
	}
	ev.Sources = sources
	ev.SourceCount = len(sources)
	if len(ev.ReportedDates) == 0 {
		ev.ReportedDates = []model.Date{sources[0].DatePublished}
	}
	switch ev.Confidence {
	case model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow:
	default:
		ev.Confidence = model.ConfidenceLow
	}
	ev.Summary = normalize.Summary(ev.Summary)
	normalize.ScoreEvent(&ev)
	return ev, nil
}

func clampNonNegative(ev *model.Event) {
	for _, v := range []*int64{&ev.Amounts.PenaltiesUSD, &ev.Amounts.SettlementsUSD, &ev.Amounts.OtherUSD, &ev.ReputationalDamage.Drivers.FineUSD} {
		if *v < 0 {
			*v = 0
		}
	}
}

func researchPrompt(month model.Date) string {
	start, end := model.MonthBounds(month.Year, month.Month)
	return fmt.Sprintf(`Search credible, publicly verifiable sources and return ONLY a JSON object (no prose, no markdown).
List every major negative event involving banks operating in the USA between %[1]s and %[2]s inclusive, America/New_York time.

Include regulatory actions, enforcement, significant lawsuits, fines, sanctions or AML failures, investigations,
material data breaches, fraud, customer-facing outages, technology failures, misconduct, discrimination,
predatory practices, market manipulation, ESG controversies, mass layoffs, labor disputes, customer service crises,
bank failures or receiverships, marketing backlash, partner or fintech failures and governance disputes.
Exclude routine earnings misses, unconfirmed rumors and events outside the window.

Give two or more independent sources per event when available, preferring a regulator or court document.
Normalize currency to USD and keep the reported amount text in amounts.original_text. Summaries stay under 80 words.

Return exactly this structure:
{"query": {"timeframe": {"start": "%[1]s", "end": "%[2]s", "timezone": "America/New_York"}, "scope_note": "..."},
 "events": [{"event_id": "kebab-case-id", "title": "...", "institutions": ["..."], "parent_company": null,
   "us_operations": true, "jurisdictions": ["USA"], "categories": [%[3]s], "event_date": "YYYY-MM-DD",
   "reported_dates": ["YYYY-MM-DD"], "summary": "...",
   "reputational_damage": {"nature": [%[4]s], "materiality_score": 1,
     "drivers": {"fine_usd": 0, "customers_affected": null, "service_disruption_hours": null,
       "executive_changes": false, "litigation_status": "none|filed|settled|ongoing", "regulator_involved": [%[5]s]}},
   "amounts": {"penalties_usd": 0, "settlements_usd": 0, "other_usd": 0, "original_text": ""},
   "sources": [{"title": "...", "publisher": "...", "url": "https://...", "date_published": "YYYY-MM-DD",
     "source_type": "regulator|media|court"}],
   "source_count": 1, "confidence": "high|medium|low"}],
 "dedupe_note": "", "coverage_notes": "", "last_updated": "%[6]s"}
If nothing qualifies return the same object with an empty events list.`,
		start, end,
		quoted(model.Categories), quoted(model.Natures), quoted(model.Regulators),
		time.Now().UTC().Format(time.RFC3339))
}

func quoted(terms []string) string {
	q := make([]string, len(terms))
	for i, t := range terms {
		q[i] = `"` + t + `"`
	}
	return strings.Join(q, ", ")
}

const collectionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["query", "events"],
  "properties": {
    "query": {
      "type": "object",
      "required": ["timeframe"],
      "properties": {
        "timeframe": {
          "type": "object",
          "required": ["start", "end"],
          "properties": {
            "start": {"type": "string"},
            "end": {"type": "string"},
            "timezone": {"type": "string"}
          }
        }
      }
    },
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "event_date", "sources"],
        "properties": {
          "event_id": {"type": "string"},
          "title": {"type": "string", "minLength": 1},
          "institutions": {"type": "array", "items": {"type": "string"}},
          "categories": {"type": "array", "items": {"type": "string"}},
          "event_date": {"type": "string"},
          "summary": {"type": ["string", "null"]},
          "reputational_damage": {"type": "object"},
          "amounts": {"type": "object"},
          "sources": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["url"],
              "properties": {"url": {"type": "string"}}
            }
          },
          "confidence": {"type": "string"}
        }
      }
    },
    "dedupe_note": {"type": ["string", "null"]},
    "coverage_notes": {"type": ["string", "null"]},
    "last_updated": {"type": ["string", "null"]}
  }
}`

var collectionSchema = mustCompileSchema("event-collection.json", collectionSchemaJSON)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(name)
}
