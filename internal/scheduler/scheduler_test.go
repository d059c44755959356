package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/postprocess"
	"github.com/colinpriest/bank-reputation-damage-events/internal/sink"
	"github.com/colinpriest/bank-reputation-damage-events/internal/source"
	"github.com/colinpriest/bank-reputation-damage-events/internal/store"
	"github.com/colinpriest/bank-reputation-damage-events/internal/util"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeConnector struct {
	name        string
	res         *source.Result
	err         error
	discoverErr error

	mu    sync.Mutex
	calls []model.Date
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) NewSession() *source.Session {
	return &source.Session{Client: util.NewClient(util.ClientOptions{Name: f.name}), Log: log.WithField("connector", f.name)}
}

func (f *fakeConnector) DiscoverItems(context.Context, *source.Session, model.Date) ([]source.DiscoveredItem, error) {
	if f.discoverErr != nil {
		return nil, f.discoverErr
	}
	return make([]source.DiscoveredItem, 3), nil
}

func (f *fakeConnector) FetchItemDetail(_ context.Context, _ *source.Session, it source.DiscoveredItem) (source.RawItem, error) {
	return source.RawItem{Item: it}, nil
}

func (f *fakeConnector) ParseItem(source.RawItem) (source.ParsedItem, error) {
	return source.ParsedItem{}, nil
}

func (f *fakeConnector) NormalizeItem(source.ParsedItem) (model.Event, error) {
	return model.Event{}, nil
}

func (f *fakeConnector) FetchUpdates(_ context.Context, since model.Date) (*source.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, since)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func event(id string, date model.Date) model.Event {
	return model.Event{
		EventID:    id,
		Title:      "Event " + id,
		EventDate:  date,
		Categories: []string{model.CategoryRegulatoryAction},
		ReputationalDamage: model.ReputationalDamage{
			MaterialityScore: 1,
		},
	}
}

type fakeRepo struct {
	mu      sync.Mutex
	stored  map[string]model.Event
	failIDs map[string]bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stored: map[string]model.Event{}, failIDs: map[string]bool{}}
}

func (r *fakeRepo) Upsert(_ context.Context, ev model.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failIDs[ev.EventID] {
		return false, &store.StorageError{Op: "upsert", EventID: ev.EventID, Err: errors.New("database is locked")}
	}
	if prev, ok := r.stored[ev.EventID]; ok {
		a, _ := prev.Payload()
		b, _ := ev.Payload()
		if string(a) == string(b) {
			return false, nil
		}
	}
	r.stored[ev.EventID] = ev
	return true, nil
}

func (r *fakeRepo) UpsertInstitution(context.Context, model.Institution) error { return nil }

func (r *fakeRepo) GetStatistics(context.Context) (store.Statistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return store.Statistics{TotalEvents: len(r.stored)}, nil
}

type fakeSink struct {
	err    error
	pushes map[string]int
}

func (f *fakeSink) Name() string { return "fake" }
func (f *fakeSink) Close()       {}
func (f *fakeSink) Push(_ context.Context, connector string, events []model.Event) error {
	if f.pushes == nil {
		f.pushes = map[string]int{}
	}
	f.pushes[connector] += len(events)
	return f.err
}

func threeConnectors() []source.Connector {
	day := model.NewDate(2024, 3, 9)
	return []source.Connector{
		&fakeConnector{name: "a", res: &source.Result{
			Discovered: 3,
			Events:     []model.Event{event("a-1", day), event("a-2", day)},
			Errors:     []source.ItemError{{ItemID: "a-3", Stage: "parse", Err: errors.New("no date")}},
		}},
		&fakeConnector{name: "b", err: errors.New("discover: listing page returned 503")},
		&fakeConnector{name: "c", res: &source.Result{Discovered: 1, Events: []model.Event{event("c-1", day)}}},
	}
}

func TestRunDailyIsolatesConnectorFailure(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		conns := threeConnectors()
		repo := newFakeRepo()
		s := New(Options{Connectors: conns, Repository: repo, Parallel: parallel, Now: func() time.Time { return testNow }})

		rep := s.RunDaily(context.Background(), model.Date{})
		assert.NotEmpty(t, rep.RunID)
		assert.Equal(t, KindDaily, rep.Kind)
		assert.Equal(t, model.NewDate(2024, 3, 9), rep.Since)
		assert.Equal(t, []model.Date{model.NewDate(2024, 3, 9)}, conns[0].(*fakeConnector).calls)

		a, b, c := rep.Connectors["a"], rep.Connectors["b"], rep.Connectors["c"]
		assert.Equal(t, StatusSuccess, a.Status)
		assert.Equal(t, 3, a.EventsDiscovered)
		assert.Equal(t, 2, a.EventsFetched)
		assert.Equal(t, 2, a.EventsStored)
		require.Len(t, a.Errors, 1)
		assert.Equal(t, "parse", a.Errors[0].Stage)
		assert.Equal(t, "a-3", a.Errors[0].ItemID)

		assert.Equal(t, StatusError, b.Status)
		assert.Contains(t, b.Error, "503")
		assert.Zero(t, b.EventsStored)

		assert.Equal(t, StatusSuccess, c.Status)
		assert.Equal(t, 1, c.EventsStored)

		assert.Equal(t, a.EventsStored+b.EventsStored+c.EventsStored, rep.TotalEvents)
		assert.Len(t, rep.Errors, 2)
		assert.Len(t, repo.stored, 3)
	}
}

func TestRunDailyIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	snk := &fakeSink{}
	s := New(Options{Connectors: threeConnectors(), Repository: repo, Sinks: []sink.Sink{snk}, Now: func() time.Time { return testNow }})

	first := s.RunDaily(context.Background(), model.NewDate(2024, 3, 1))
	assert.Equal(t, model.NewDate(2024, 3, 1), first.Since)
	assert.Equal(t, 3, first.TotalEvents)

	second := s.RunDaily(context.Background(), model.NewDate(2024, 3, 1))
	assert.Zero(t, second.TotalEvents)
	assert.Len(t, repo.stored, 3)
	// sinks only ever see newly written events
	assert.Equal(t, map[string]int{"a": 2, "c": 1}, snk.pushes)
}

func TestRunRecordsStoreAndSinkFailures(t *testing.T) {
	repo := newFakeRepo()
	repo.failIDs["a-2"] = true
	snk := &fakeSink{err: errors.New("loki unavailable")}
	conns := threeConnectors()[:1]
	s := New(Options{Connectors: conns, Repository: repo, Sinks: []sink.Sink{snk}, Now: func() time.Time { return testNow }})

	rep := s.RunDaily(context.Background(), model.Date{})
	a := rep.Connectors["a"]
	assert.Equal(t, StatusSuccess, a.Status)
	assert.Equal(t, 1, a.EventsStored)
	assert.Equal(t, 1, rep.TotalEvents)

	var stages []string
	for _, e := range a.Errors {
		stages = append(stages, e.Stage)
	}
	assert.Equal(t, []string{"parse", "store", "sink:fake"}, stages)
	assert.Equal(t, "a-2", a.Errors[1].EventID)
	assert.Contains(t, a.Errors[1].Error, "database is locked")
}

func TestRunAppliesPostProcessing(t *testing.T) {
	post, err := postprocess.New(config.PostProcessConfig{Keywords: []config.KeywordRule{
		{When: []string{"event", "a-1"}, Categories: []string{model.CategoryFraud}},
	}})
	require.NoError(t, err)
	repo := newFakeRepo()
	s := New(Options{Connectors: threeConnectors()[:1], Repository: repo, Post: post, Now: func() time.Time { return testNow }})

	s.RunDaily(context.Background(), model.Date{})
	assert.Equal(t, []string{model.CategoryRegulatoryAction, model.CategoryFraud}, repo.stored["a-1"].Categories)
	assert.Equal(t, []string{model.CategoryRegulatoryAction}, repo.stored["a-2"].Categories)
}

func TestRunMonthlyBackfillFiltersPeriod(t *testing.T) {
	conn := &fakeConnector{name: "a", res: &source.Result{
		Discovered: 4,
		Events: []model.Event{
			event("jan-31", model.NewDate(2024, 1, 31)),
			event("feb-01", model.NewDate(2024, 2, 1)),
			event("feb-29", model.NewDate(2024, 2, 29)),
			event("mar-01", model.NewDate(2024, 3, 1)),
		},
	}}
	repo := newFakeRepo()
	s := New(Options{Connectors: []source.Connector{conn}, Repository: repo, Now: func() time.Time { return testNow }})

	rep, err := s.RunMonthlyBackfill(context.Background(), 2024, 2)
	require.NoError(t, err)
	assert.Equal(t, KindBackfill, rep.Kind)
	assert.Equal(t, []model.Date{model.NewDate(2024, 2, 1)}, conn.calls)
	require.NotNil(t, rep.Period)
	assert.Equal(t, model.NewDate(2024, 2, 29), rep.Period.End)

	cr := rep.Connectors["a"]
	assert.Equal(t, 4, cr.EventsFetched)
	require.NotNil(t, cr.EventsInPeriod)
	assert.Equal(t, 2, *cr.EventsInPeriod)
	assert.Equal(t, 2, cr.EventsStored)
	assert.Contains(t, repo.stored, "feb-01")
	assert.Contains(t, repo.stored, "feb-29")
	assert.NotContains(t, repo.stored, "mar-01")
}

func TestRunMonthlyBackfillRejectsImpossibleMonths(t *testing.T) {
	s := New(Options{Connectors: threeConnectors(), Repository: newFakeRepo(), Now: func() time.Time { return testNow }})
	for _, tc := range []struct{ year, month int }{{2024, 0}, {2024, 13}, {1800, 5}, {2024, 4}} {
		_, err := s.RunMonthlyBackfill(context.Background(), tc.year, tc.month)
		require.Error(t, err, "%d-%d", tc.year, tc.month)
		assert.True(t, config.IsConfigError(err))
	}
	_, err := s.RunMonthlyBackfill(context.Background(), 2024, 3)
	assert.NoError(t, err, "the current month may be backfilled")
}

func TestRunConnector(t *testing.T) {
	conns := threeConnectors()
	s := New(Options{Connectors: conns, Repository: newFakeRepo(), Now: func() time.Time { return testNow }})

	_, err := s.RunConnector(context.Background(), "nope", model.NewDate(2024, 1, 1))
	assert.ErrorIs(t, err, ErrUnknownConnector)

	rep, err := s.RunConnector(context.Background(), "c", model.NewDate(2024, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, KindConnector, rep.Kind)
	assert.Len(t, rep.Connectors, 1)
	assert.Equal(t, 1, rep.TotalEvents)
	assert.Empty(t, conns[0].(*fakeConnector).calls)
}

func TestHealthCheck(t *testing.T) {
	ok := func(name string) source.Connector { return &fakeConnector{name: name} }
	bad := func(name string) source.Connector {
		return &fakeConnector{name: name, discoverErr: errors.New("timeout")}
	}
	cases := []struct {
		name  string
		conns []source.Connector
		want  string
	}{
		{"all healthy", []source.Connector{ok("a"), ok("b")}, Healthy},
		{"some healthy", []source.Connector{ok("a"), bad("b")}, Degraded},
		{"none healthy", []source.Connector{bad("a"), bad("b")}, Unhealthy},
		{"no connectors", nil, Unhealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Options{Connectors: tc.conns, Repository: newFakeRepo(), Now: func() time.Time { return testNow }})
			rep := s.HealthCheck(context.Background())
			assert.Equal(t, tc.want, rep.Status)
			assert.Equal(t, model.NewDate(2024, 3, 3), rep.Since)
			assert.Len(t, rep.Connectors, len(tc.conns))
		})
	}

	s := New(Options{Connectors: []source.Connector{ok("a"), bad("b")}, Repository: newFakeRepo()})
	rep := s.HealthCheck(context.Background())
	assert.Equal(t, 3, rep.Connectors["a"].ItemsDiscovered)
	assert.Equal(t, "timeout", rep.Connectors["b"].Error)
}

func TestStatistics(t *testing.T) {
	repo := newFakeRepo()
	s := New(Options{
		Connectors: threeConnectors(),
		Repository: repo,
		Schedules:  map[string]config.ScheduleConfig{"a": {Time: "06:00", Timezone: "America/New_York"}},
		Now:        func() time.Time { return testNow },
	})
	s.RunDaily(context.Background(), model.Date{})

	st, err := s.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalEvents)
	assert.Len(t, st.Schedules, 3)
	assert.Equal(t, "06:00", st.Schedules["a"].Time)
	assert.Equal(t, config.ScheduleConfig{}, st.Schedules["b"])
}

func TestFromConfig(t *testing.T) {
	off := false
	cfg := config.Config{
		Sources: []config.SourceConfig{
			{Type: config.FDICEDO, Schedule: config.ScheduleConfig{Time: "05:00", Timezone: "UTC"}},
			{Type: config.OCCEnforcement, Enabled: &off},
		},
		Loki: config.LokiConfig{URL: "http://loki:3100"},
	}
	s, err := FromConfig(cfg, newFakeRepo())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{config.FDICEDO}, s.Connectors())
	assert.Equal(t, "05:00", s.opts.Schedules[config.FDICEDO].Time)
	assert.Len(t, s.opts.Sinks, 1)
	assert.Nil(t, s.opts.Enricher)

	cfg.Post.Regex = []config.RegexRule{{Field: "title", Expr: "[unclosed"}}
	_, err = FromConfig(cfg, newFakeRepo())
	assert.True(t, config.IsConfigError(err))

	cfg.Post.Regex = nil
	cfg.Sources = append(cfg.Sources, config.SourceConfig{Type: "twitter"})
	_, err = FromConfig(cfg, newFakeRepo())
	assert.True(t, config.IsConfigError(err))
}

func TestRunDueFollowsScheduleAndCursor(t *testing.T) {
	conn := &fakeConnector{name: "a", res: &source.Result{}}
	unscheduled := &fakeConnector{name: "u", res: &source.Result{}}
	path := filepath.Join(t.TempDir(), "cursors.json")
	s := New(Options{
		Connectors: []source.Connector{conn, unscheduled},
		Repository: newFakeRepo(),
		Schedules:  map[string]config.ScheduleConfig{"a": {Time: "06:00", Timezone: "UTC"}},
		Cursors:    store.NewCursorFile(path),
	})
	ctx := context.Background()

	reps, err := s.RunDue(ctx, time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, reps, "before the slot")

	reps, err = s.RunDue(ctx, time.Date(2024, 3, 10, 6, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, []model.Date{model.NewDate(2024, 3, 9)}, conn.calls)

	reps, err = s.RunDue(ctx, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, reps, "already ran today")

	saved, err := store.NewCursorFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, model.NewDate(2024, 3, 10), saved["a"].LastSuccess)
	assert.Equal(t, StatusSuccess, saved["a"].LastStatus)

	conn.err = errors.New("site down")
	_, err = s.RunDue(ctx, time.Date(2024, 3, 11, 6, 1, 0, 0, time.UTC))
	require.NoError(t, err)
	conn.err = nil
	_, err = s.RunDue(ctx, time.Date(2024, 3, 12, 6, 1, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, []model.Date{
		model.NewDate(2024, 3, 9),
		model.NewDate(2024, 3, 10),
		model.NewDate(2024, 3, 10), // the failed day is retried
	}, conn.calls)
	assert.Empty(t, unscheduled.calls)
}

func TestRunDueInMemoryCursorAndBadZone(t *testing.T) {
	conn := &fakeConnector{name: "a", res: &source.Result{}}
	s := New(Options{
		Connectors: []source.Connector{conn},
		Repository: newFakeRepo(),
		Schedules:  map[string]config.ScheduleConfig{"a": {Time: "23:30", Timezone: "America/New_York"}},
	})
	// 03:00 UTC on the 11th is 23:00 on the 10th in New York
	reps, err := s.RunDue(context.Background(), time.Date(2024, 3, 11, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, reps)
	reps, err = s.RunDue(context.Background(), time.Date(2024, 3, 11, 3, 45, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, []model.Date{model.NewDate(2024, 3, 9)}, conn.calls)

	bad := New(Options{
		Connectors: []source.Connector{conn},
		Repository: newFakeRepo(),
		Schedules:  map[string]config.ScheduleConfig{"a": {Time: "06:00", Timezone: "Mars/Olympus"}},
	})
	_, err = bad.RunDue(context.Background(), testNow)
	assert.True(t, config.IsConfigError(err))
}
