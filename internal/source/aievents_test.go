package source

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

const acmeCollection = `{
  "query": {"timeframe": {"start": "2024-01-01", "end": "2024-01-31", "timezone": "America/New_York"}},
  "events": [{
    "event_id": "acme-bank-aml-consent-order",
    "title": "  Acme Bank hit with AML consent order ",
    "institutions": ["Acme Bank, N.A.", "Acme Bank, N.A."],
    "parent_company": null,
    "us_operations": true,
    "categories": ["sanctions_aml", "civil money penalty"],
    "event_date": "2024-01-18",
    "summary": "The OCC assessed a $25 million penalty for BSA/AML program failures.",
    "reputational_damage": {
      "nature": ["compliance failure"],
      "materiality_score": 5,
      "drivers": {"fine_usd": 0, "customers_affected": null, "executive_changes": false,
        "litigation_status": "pending", "regulator_involved": ["Office of the Comptroller of the Currency"]}
    },
    "amounts": {"penalties_usd": 2.5e7, "settlements_usd": 0, "other_amounts_usd": 5000000, "original_text": "$25 million"},
    "sources": [
      {"title": "OCC Assesses Penalty", "publisher": "OCC", "url": "https://occ.test/ea", "date_published": "2024-01-19", "source_type": "regulator"},
      {"title": "No link", "publisher": "Blog", "url": "", "date_published": "2024-01-19", "source_type": "media"},
      {"title": "Acme fined", "publisher": "Wire", "url": "https://news.test/acme", "date_published": "2024-01-20", "source_type": "blog"}
    ],
    "source_count": 3,
    "confidence": "very high"
  }],
  "dedupe_note": "", "coverage_notes": null, "last_updated": "2024-02-01T00:00:00Z"
}`

func chatBody(t *testing.T, content string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	require.NoError(t, err)
	return b
}

func newTestAI(baseURL string) *AIEvents {
	a := NewAIEvents(testSourceConfig(baseURL))
	a.SetClock(fixedClock(2024, time.February, 10))
	a.SetRetrySleep(noSleep)
	return a
}

func TestAIEventsFetchUpdates(t *testing.T) {
	var prompts []string
	fenced := "Here are the events I found:\n```json\n" + acmeCollection + "\n```\nLet me know if you need more."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "sonar-pro", req.Model)
		if !assert.Len(t, req.Messages, 2) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		prompts = append(prompts, req.Messages[1].Content)
		w.Write(chatBody(t, fenced))
	}))
	defer srv.Close()

	res, err := newTestAI(srv.URL).FetchUpdates(context.Background(), model.NewDate(2024, 1, 20))
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "between 2024-01-01 and 2024-01-31")
	assert.Contains(t, prompts[1], "between 2024-02-01 and 2024-02-29")

	assert.Equal(t, 1, res.Discovered, "the same event from two months counts once")
	require.Len(t, res.Events, 1)
	require.Empty(t, res.Errors)

	ev := res.Events[0]
	assert.Equal(t, "ai-events-acme-bank-aml-consent-order-2024-01-18", ev.EventID)
	assert.Equal(t, "Acme Bank hit with AML consent order", ev.Title)
	assert.Equal(t, []string{"Acme Bank, N.A."}, ev.Institutions)
	assert.Equal(t, []string{"USA"}, ev.Jurisdictions)
	assert.Equal(t, []string{model.CategorySanctionsAML, model.CategoryFine}, ev.Categories)
	assert.Equal(t, []string{model.NatureComplianceFailure}, ev.ReputationalDamage.Nature)
	assert.Equal(t, []string{model.RegulatorOCC}, ev.ReputationalDamage.Drivers.RegulatorInvolved)
	assert.Equal(t, model.LitigationNone, ev.ReputationalDamage.Drivers.LitigationStatus)
	assert.Equal(t, int64(25_000_000), ev.Amounts.PenaltiesUSD)
	assert.Equal(t, int64(5_000_000), ev.Amounts.OtherUSD)
	assert.Equal(t, int64(25_000_000), ev.ReputationalDamage.Drivers.FineUSD)
	assert.Equal(t, 3, ev.ReputationalDamage.MaterialityScore, "score is recomputed from the amounts")
	assert.Equal(t, model.ConfidenceLow, ev.Confidence)

	require.Len(t, ev.Sources, 2)
	assert.Equal(t, 2, ev.SourceCount)
	assert.Equal(t, model.SourceRegulator, ev.Sources[0].SourceType)
	assert.Equal(t, model.SourceMedia, ev.Sources[1].SourceType)
	assert.Equal(t, []model.Date{model.NewDate(2024, 1, 19)}, ev.ReportedDates)
}

func TestAIEventsToleratesOneBadMonth(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.Write(chatBody(t, "Sorry, I could not find anything."))
			return
		}
		w.Write(chatBody(t, acmeCollection))
	}))
	defer srv.Close()

	a := newTestAI(srv.URL)
	s := a.NewSession()
	defer s.Close()
	items, err := a.DiscoverItems(context.Background(), s, model.NewDate(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "2024-02", items[0].Meta["month"])
	assert.Equal(t, model.NewDate(2024, 1, 18), items[0].Date)
}

func TestAIEventsAllMonthsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestAI(srv.URL).FetchUpdates(context.Background(), model.NewDate(2024, 1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 research months failed")
}

func TestAIEventsMonths(t *testing.T) {
	a := newTestAI("http://unused.test")
	assert.Equal(t, []model.Date{model.NewDate(2024, 2, 1)}, a.months(model.Date{}))
	assert.Equal(t, []model.Date{model.NewDate(2024, 2, 1)}, a.months(model.NewDate(2025, 1, 1)))

	months := a.months(model.NewDate(2021, 1, 1))
	require.Len(t, months, 36)
	assert.Equal(t, model.NewDate(2021, 3, 1), months[0])
	assert.Equal(t, model.NewDate(2024, 2, 1), months[35])
}

func TestExtractJSON(t *testing.T) {
	got, err := extractJSON(` {"a":1} `)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, got)

	got, err = extractJSON("Result:\n```json\n{\"a\": 2}\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a": 2}`, got)

	got, err = extractJSON(`prefix {"a": "}"} and {"b": {"c": 2}} suffix`)
	require.NoError(t, err)
	assert.Equal(t, `{"b": {"c": 2}}`, got)

	_, err = extractJSON("no json here")
	assert.Error(t, err)
}

func TestDecodeCollectionRejectsInvalidShape(t *testing.T) {
	cases := map[string]string{
		"missing query":   `{"events": []}`,
		"missing sources": `{"query": {"timeframe": {"start": "2024-01-01", "end": "2024-01-31"}}, "events": [{"title": "x", "event_date": "2024-01-02"}]}`,
		"empty sources":   `{"query": {"timeframe": {"start": "2024-01-01", "end": "2024-01-31"}}, "events": [{"title": "x", "event_date": "2024-01-02", "sources": []}]}`,
		"not json":        `I am unable to comply.`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeCollection(content)
			var se *StructureError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.NotEmpty(t, se.Snippet)
		})
	}

	coll, err := decodeCollection(acmeCollection)
	require.NoError(t, err)
	assert.Len(t, coll["events"], 1)
}

func TestAIEventsNormalizeRequiresSource(t *testing.T) {
	a := newTestAI("http://unused.test")
	raw := RawItem{Item: DiscoveredItem{ID: "x", Data: map[string]any{
		"title":      "Bank outage",
		"event_date": "2024-01-05",
		"sources":    []any{map[string]any{"url": "  "}},
	}}}
	p, err := a.ParseItem(raw)
	require.NoError(t, err)
	_, err = a.NormalizeItem(p)
	assert.True(t, IsParseError(err))

	_, err = a.ParseItem(RawItem{Item: DiscoveredItem{ID: "y", Data: map[string]any{"title": "undated"}}})
	assert.True(t, IsParseError(err))
}

func TestResearchPromptListsVocabulary(t *testing.T) {
	p := researchPrompt(model.NewDate(2024, 2, 1))
	assert.Contains(t, p, `"sanctions_aml"`)
	assert.Contains(t, p, `"NYDFS"`)
	assert.True(t, strings.Contains(p, "2024-02-29"))
}
