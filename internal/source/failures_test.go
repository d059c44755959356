package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

const failuresPage = `{"data":[
  {"data":{"NAME":"Republic First Bank","CERT":27332,"FAILDATE":"4/26/2024","CITYST":"PHILADELPHIA, PA","PSTALP":"PA","QBFASSET":6000000,"COST":667000}},
  {"NAME":"Heartland Tri-State Bank","CERT":25851,"FAILDATE":"07/28/2023","CITYST":"ELKHART, KS","QBFASSET":139000,"COST":54200},
  {"NAME":"Undated Bank","CERT":1},
  {"CERT":2}
],"meta":{"total":4}}`

func TestFDICFailuresFetchUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/failures", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		q := r.URL.Query()
		assert.Equal(t, "FAILDATE:[2023-01-01 TO *]", q.Get("filters"))
		assert.Equal(t, "100", q.Get("limit"))
		fmt.Fprint(w, failuresPage)
	}))
	defer srv.Close()

	f := NewFDICFailures(testSourceConfig(srv.URL))
	res, err := f.FetchUpdates(context.Background(), model.NewDate(2023, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Discovered)
	require.Len(t, res.Events, 2)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "1", res.Errors[0].ItemID)

	rf := res.Events[0]
	assert.Equal(t, "fdic-failures-27332-2024-04-26", rf.EventID)
	assert.Equal(t, "Bank failure: Republic First Bank", rf.Title)
	assert.Equal(t, []string{"USA", "PA"}, rf.Jurisdictions)
	assert.Equal(t, []string{model.CategoryFinancialPerformance}, rf.Categories)
	assert.Equal(t, int64(667_000_000), rf.Amounts.OtherUSD)
	assert.Zero(t, rf.Amounts.PenaltiesUSD)
	assert.Equal(t, 5, rf.ReputationalDamage.MaterialityScore)
	assert.Equal(t, model.ConfidenceHigh, rf.Confidence)
	assert.Contains(t, rf.Summary, "total assets of $6,000,000,000")
	assert.Equal(t, failedBankList, rf.Sources[0].URL)

	ht := res.Events[1]
	assert.Equal(t, model.NewDate(2023, 7, 28), ht.EventDate)
	assert.Equal(t, []string{"USA", "KS"}, ht.Jurisdictions)
	assert.NoError(t, ht.Validate(time.Now()))
}

func TestFDICFailuresEndpointMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewFDICFailures(testSourceConfig(srv.URL))
	_, err := f.FetchUpdates(context.Background(), model.NewDate(2023, 1, 1))
	assert.Error(t, err, "the failures endpoint is fetched with Get, so 404 is a failure")
}
