package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err, "failed to open sqlite repository")
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testEvent(id string, date model.Date, categories []string, regulators []string, penalty int64) model.Event {
	return model.Event{
		EventID:       id,
		Title:         "Event " + id,
		Institutions:  []string{"ABC Bank, N.A."},
		USOperations:  true,
		Jurisdictions: []string{"USA"},
		Categories:    categories,
		EventDate:     date,
		ReportedDates: []model.Date{date},
		Summary:       "summary " + id,
		ReputationalDamage: model.ReputationalDamage{
			Nature:           []string{model.NatureComplianceFailure},
			MaterialityScore: 2,
			Drivers: model.Drivers{
				FineUSD:           penalty,
				LitigationStatus:  model.LitigationNone,
				RegulatorInvolved: regulators,
			},
		},
		Amounts: model.Amounts{PenaltiesUSD: penalty},
		Sources: []model.SourceRef{
			{Title: "Order", Publisher: "FDIC", URL: "https://example.test/" + id, DatePublished: date, SourceType: model.SourceRegulator},
		},
		SourceCount: 1,
		Confidence:  model.ConfidenceHigh,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	ev := testEvent("fdic-edo-2024-001-2024-01-15", model.NewDate(2024, 1, 15), []string{model.CategoryFine}, []string{model.RegulatorFDIC}, 1_000_000)

	wrote, err := repo.Upsert(ctx, ev)
	require.NoError(t, err)
	assert.True(t, wrote, "first upsert inserts")

	wrote, err = repo.Upsert(ctx, ev)
	require.NoError(t, err)
	assert.False(t, wrote, "identical payload is a no-op")

	got, err := repo.GetEventByID(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestUpsertReplacesSources(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	d := model.NewDate(2024, 1, 15)
	ev := testEvent("occ-ea-2024-1-2024-01-15", d, []string{model.CategoryFine}, []string{model.RegulatorOCC}, 5_000_000)
	ev.Sources = append(ev.Sources, model.SourceRef{Title: "News", Publisher: "Reuters", URL: "https://news.test/a", DatePublished: d, SourceType: model.SourceMedia})
	ev.SourceCount = 2
	_, err := repo.Upsert(ctx, ev)
	require.NoError(t, err)

	changed := ev
	changed.Sources = []model.SourceRef{{Title: "Press release", Publisher: "OCC", URL: "https://occ.test/nr", DatePublished: d, SourceType: model.SourceRegulator}}
	changed.SourceCount = 1
	changed.Amounts.PenaltiesUSD = 200_000_000
	changed.Categories = []string{model.CategoryRegulatoryAction}

	wrote, err := repo.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.True(t, wrote)

	rows, err := repo.SourceRows(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, changed.Sources, rows, "sources replaced wholesale")

	t.Run("filter columns follow the update", func(t *testing.T) {
		got, err := repo.GetEvents(ctx, Filter{Categories: []string{model.CategoryRegulatoryAction}}, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		none, err := repo.GetEvents(ctx, Filter{Categories: []string{model.CategoryFine}}, 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestGetEventsFilters(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	events := []model.Event{
		testEvent("a-2024-01-10", model.NewDate(2024, 1, 10), []string{model.CategoryFine}, []string{model.RegulatorFDIC}, 1_000_000),
		testEvent("b-2024-02-10", model.NewDate(2024, 2, 10), []string{model.CategoryLawsuit}, []string{model.RegulatorSEC}, 0),
		testEvent("c-2024-03-10", model.NewDate(2024, 3, 10), []string{model.CategoryFine, model.CategoryRegulatoryAction}, []string{model.RegulatorOCC}, 20_000_000),
	}
	events[1].Institutions = []string{"Wells Fargo Bank"}
	for _, ev := range events {
		_, err := repo.Upsert(ctx, ev)
		require.NoError(t, err)
	}

	ids := func(evs []model.Event) []string {
		var out []string
		for _, e := range evs {
			out = append(out, e.EventID)
		}
		return out
	}

	t.Run("newest first", func(t *testing.T) {
		got, err := repo.GetEvents(ctx, Filter{}, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"c-2024-03-10", "b-2024-02-10", "a-2024-01-10"}, ids(got))
	})

	t.Run("date range", func(t *testing.T) {
		got, err := repo.GetEvents(ctx, Filter{Start: model.NewDate(2024, 2, 1), End: model.NewDate(2024, 2, 29)}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"b-2024-02-10"}, ids(got))
	})

	t.Run("values within a dimension are ORed", func(t *testing.T) {
		got, err := repo.GetEvents(ctx, Filter{Regulators: []string{model.RegulatorFDIC, model.RegulatorSEC}}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"b-2024-02-10", "a-2024-01-10"}, ids(got))
	})

	t.Run("dimensions are ANDed", func(t *testing.T) {
		got, err := repo.GetEvents(ctx, Filter{Categories: []string{model.CategoryFine}, Regulators: []string{model.RegulatorOCC}}, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"c-2024-03-10"}, ids(got))
	})

	t.Run("limit", func(t *testing.T) {
		got, err := repo.GetEvents(ctx, Filter{}, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("institution", func(t *testing.T) {
		got, err := repo.GetEventsByInstitution(ctx, "wells fargo", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"b-2024-02-10"}, ids(got))
	})

	t.Run("statistics", func(t *testing.T) {
		st, err := repo.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.TotalEvents)
		assert.Equal(t, DateRange{Start: "2024-01-10", End: "2024-03-10"}, st.DateRange)
		assert.EqualValues(t, 21_000_000, st.TotalPenaltiesUSD)
		assert.Equal(t, map[string]int{model.CategoryFine: 2, model.CategoryLawsuit: 1, model.CategoryRegulatoryAction: 1}, st.Categories)
		assert.Equal(t, 1, st.Regulators[model.RegulatorOCC])
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := repo.GetEventByID(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConcurrentUpsertSameID(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	ev := testEvent("same-2024-01-15", model.NewDate(2024, 1, 15), []string{model.CategoryFine}, []string{model.RegulatorFDIC}, 1)

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wrote, err := repo.Upsert(ctx, ev)
			assert.NoError(t, err)
			results <- wrote
		}()
	}
	wg.Wait()
	close(results)
	writes := 0
	for w := range results {
		if w {
			writes++
		}
	}
	assert.Equal(t, 1, writes, "exactly one writer wins")
}

func TestInstitutions(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	inst := model.Institution{Cert: "628", Name: "JPMorgan Chase Bank, National Association", State: "OH", PrimaryReg: "OCC", Aliases: []string{"JPMorgan Chase"}}
	require.NoError(t, repo.UpsertInstitution(ctx, inst))
	inst.Aliases = []string{"Chase Bank"}
	require.NoError(t, repo.UpsertInstitution(ctx, inst))

	got, err := repo.GetInstitution(ctx, "628")
	require.NoError(t, err)
	assert.Equal(t, []string{"Chase Bank", "JPMorgan Chase"}, got.Aliases, "aliases accumulate")
	assert.Equal(t, "OCC", got.PrimaryReg)
	assert.False(t, got.UpdatedAt.IsZero())

	_, err = repo.GetInstitution(ctx, "999")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Error(t, repo.UpsertInstitution(ctx, model.Institution{Name: "no cert"}))
}

func TestInstitutionFilterMatchesLiterally(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	day := model.NewDate(2024, 5, 1)
	ids := func(evs []model.Event) []string {
		var out []string
		for _, e := range evs {
			out = append(out, e.EventID)
		}
		return out
	}

	us := testEvent("us-2024-05-01", day, []string{model.CategoryFine}, []string{model.RegulatorOCC}, 1_000_000)
	us.Institutions = []string{"U_S Bank 100% Trust"}
	uxs := testEvent("uxs-2024-05-01", day, []string{model.CategorySanctionsAML}, []string{model.RegulatorOCC}, 1_000_000)
	uxs.Institutions = []string{"UXS Bank 1000 Trust"}
	for _, ev := range []model.Event{us, uxs} {
		_, err := repo.Upsert(ctx, ev)
		require.NoError(t, err)
	}

	got, err := repo.GetEventsByInstitution(ctx, "u_s", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"us-2024-05-01"}, ids(got))

	got, err = repo.GetEventsByInstitution(ctx, "100%", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"us-2024-05-01"}, ids(got))

	got, err = repo.GetEvents(ctx, Filter{Categories: []string{model.CategorySanctionsAML}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"uxs-2024-05-01"}, ids(got))
}

func TestLikeEscape(t *testing.T) {
	assert.Equal(t, `a\_b\%c\\d`, likeEscape(`a_b%c\d`))
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", rebind(DriverPostgres, "a = ? AND b = ?"))
	assert.Equal(t, "a = ?", rebind(DriverSQLite, "a = ?"))
}

func TestKeyLockDistinctKeys(t *testing.T) {
	kl := newKeyLock()
	unlockA := kl.Lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := kl.Lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
	assert.Empty(t, kl.locks, fmt.Sprintf("entries left: %v", kl.locks))
}
