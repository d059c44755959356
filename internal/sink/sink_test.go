package sink

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

func sampleEvents() []model.Event {
	return []model.Event{
		{
			EventID:      "fdic-edo-fdic-24-0001-2024-01-15",
			Title:        "Consent Order - ABC Bank",
			Institutions: []string{"ABC Bank"},
			Categories:   []string{model.CategoryRegulatoryAction, model.CategoryFine},
			EventDate:    model.NewDate(2024, 1, 15),
			ReputationalDamage: model.ReputationalDamage{
				MaterialityScore: 2,
				Drivers:          model.Drivers{RegulatorInvolved: []string{model.RegulatorFDIC}},
			},
			Amounts: model.Amounts{PenaltiesUSD: 1_000_000},
		},
		{
			EventID:    "fdic-edo-fdic-24-0002-2024-01-16",
			Title:      "Order - \"XYZ\" Bank",
			Categories: []string{model.CategoryRegulatoryAction},
			EventDate:  model.NewDate(2024, 1, 16),
			ReputationalDamage: model.ReputationalDamage{
				MaterialityScore: 1,
			},
		},
		{
			EventID:    "fdic-edo-fdic-24-0003-2024-01-17",
			Title:      "Another order",
			Categories: []string{model.CategoryRegulatoryAction, model.CategoryFine},
			EventDate:  model.NewDate(2024, 1, 17),
			ReputationalDamage: model.ReputationalDamage{
				MaterialityScore: 2,
			},
		},
	}
}

type captured struct {
	path   string
	header http.Header
	body   []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, *[]captured) {
	t.Helper()
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = append(got, captured{path: r.URL.Path, header: r.Header.Clone(), body: b})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestFromConfig(t *testing.T) {
	assert.Empty(t, FromConfig(config.Config{}))

	sinks := FromConfig(config.Config{
		Loki:     config.LokiConfig{URL: "http://loki:3100"},
		Victoria: config.VictoriaConfig{URL: "http://vm:8428"},
	})
	require.Len(t, sinks, 2)
	assert.Equal(t, "loki", sinks[0].Name())
	assert.Equal(t, "victoria", sinks[1].Name())
	for _, s := range sinks {
		s.Close()
	}
}

func TestLokiPushGroupsStreams(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	l := NewLoki(config.LokiConfig{URL: srv.URL + "/", TenantID: "bank", Job: "bank-events"}).(*lokiSink)
	l.now = func() time.Time { return time.Unix(1700000000, 0) }
	defer l.Close()

	require.NoError(t, l.Push(context.Background(), "fdic_edo", sampleEvents()))
	require.Len(t, *got, 1)
	req := (*got)[0]
	assert.Equal(t, "/loki/api/v1/push", req.path)
	assert.Equal(t, "bank", req.header.Get("X-Scope-OrgID"))

	var body struct {
		Streams []lokiStream `json:"streams"`
	}
	require.NoError(t, json.Unmarshal(req.body, &body))
	require.Len(t, body.Streams, 2)

	first := body.Streams[0]
	assert.Equal(t, map[string]string{"job": "bank-events", "connector": "fdic_edo", "category": "regulatory_action", "score": "2"}, first.Stream)
	require.Len(t, first.Values, 2)
	assert.Equal(t, "1700000000000000000", first.Values[0][0])
	assert.Equal(t, "1700000000000000002", first.Values[1][0])

	var ev model.Event
	require.NoError(t, json.Unmarshal([]byte(first.Values[0][1]), &ev))
	assert.Equal(t, "fdic-edo-fdic-24-0001-2024-01-15", ev.EventID)

	assert.Equal(t, "1", body.Streams[1].Stream["score"])
}

func TestLokiPushNothing(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	l := NewLoki(config.LokiConfig{URL: srv.URL})
	defer l.Close()
	require.NoError(t, l.Push(context.Background(), "fdic_edo", nil))
	assert.Empty(t, *got)
}

func TestLokiPushRejected(t *testing.T) {
	srv, _ := captureServer(t, http.StatusBadRequest)
	l := NewLoki(config.LokiConfig{URL: srv.URL})
	defer l.Close()
	assert.Error(t, l.Push(context.Background(), "fdic_edo", sampleEvents()))
}

func TestVictoriaPushImportsSamples(t *testing.T) {
	srv, got := captureServer(t, http.StatusNoContent)
	v := NewVictoria(config.VictoriaConfig{URL: srv.URL})
	defer v.Close()

	require.NoError(t, v.Push(context.Background(), "fdic_edo", sampleEvents()[:2]))
	require.Len(t, *got, 1)
	assert.Equal(t, "/api/v1/import/prometheus", (*got)[0].path)

	lines := strings.Split(strings.TrimSpace(string((*got)[0].body)), "\n")
	require.Len(t, lines, 3)
	ts := model.NewDate(2024, 1, 15).Time().UnixMilli()
	assert.Equal(t,
		`bank_event{category="regulatory_action",connector="fdic_edo",event_id="fdic-edo-fdic-24-0001-2024-01-15",institution="ABC Bank",regulator="FDIC"} 2 `+itoa(ts),
		lines[0])
	assert.True(t, strings.HasPrefix(lines[1], `bank_event_penalty_usd{`))
	assert.True(t, strings.HasSuffix(lines[1], " 1000000 "+itoa(ts)))
	assert.Contains(t, lines[2], `institution="none"`)
}

func TestLabelStringEscapes(t *testing.T) {
	assert.Equal(t, `a="x \"y\" z",b="c:\\d"`, labelString(map[string]string{"b": `c:\d`, "a": "x \"y\"\nz"}))
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
