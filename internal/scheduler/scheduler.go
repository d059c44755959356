package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/metrics"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/postprocess"
	"github.com/colinpriest/bank-reputation-damage-events/internal/sink"
	"github.com/colinpriest/bank-reputation-damage-events/internal/source"
	"github.com/colinpriest/bank-reputation-damage-events/internal/store"
)

// ErrUnknownConnector is returned for a connector name not in the registry.
var ErrUnknownConnector = errors.New("unknown connector")

// Repository is the storage the scheduler writes to.
type Repository interface {
	Upsert(ctx context.Context, ev model.Event) (bool, error)
	UpsertInstitution(ctx context.Context, inst model.Institution) error
	GetStatistics(ctx context.Context) (store.Statistics, error)
}

// Options wires a Scheduler. Connectors, Repository are required.
type Options struct {
	Connectors     []source.Connector
	Repository     Repository
	Enricher       *source.BankFind // nil disables enrichment
	Post           *postprocess.Engine
	Sinks          []sink.Sink
	Parallel       bool
	HealthLookback time.Duration
	Schedules      map[string]config.ScheduleConfig
	Cursors        *store.CursorFile // nil keeps cursors in memory
	Now            func() time.Time
}

// Scheduler runs connectors and stores what they return.
type Scheduler struct {
	opts   Options
	byName map[string]source.Connector

	mu      sync.Mutex
	cursors map[string]store.Cursor
}

func New(opts Options) *Scheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HealthLookback <= 0 {
		opts.HealthLookback = 7 * 24 * time.Hour
	}
	s := &Scheduler{opts: opts, byName: map[string]source.Connector{}, cursors: map[string]store.Cursor{}}
	for _, c := range opts.Connectors {
		s.byName[c.Name()] = c
	}
	return s
}

// FromConfig builds connectors, enrichment, rules and sinks from cfg.
func FromConfig(cfg config.Config, repo Repository) (*Scheduler, error) {
	opts := Options{
		Repository:     repo,
		Parallel:       cfg.Scheduler.Parallel,
		HealthLookback: cfg.Scheduler.HealthLookback,
		Schedules:      map[string]config.ScheduleConfig{},
		Sinks:          sink.FromConfig(cfg),
	}
	for _, sc := range cfg.Sources {
		if !sc.IsEnabled() {
			continue
		}
		c, err := source.NewFromConfig(sc)
		if err != nil {
			return nil, err
		}
		opts.Connectors = append(opts.Connectors, c)
		opts.Schedules[c.Name()] = sc.Schedule
		log.WithField("connector", c.Name()).Info("configured connector")
	}
	if cfg.BankFind.Enabled {
		opts.Enricher = source.NewBankFind(cfg.BankFind)
	}
	post, err := postprocess.New(cfg.Post)
	if err != nil {
		return nil, err
	}
	opts.Post = post
	if cfg.Scheduler.StatePath != "" {
		opts.Cursors = store.NewCursorFile(cfg.Scheduler.StatePath)
	}
	return New(opts), nil
}

// Close releases the sinks.
func (s *Scheduler) Close() {
	for _, sk := range s.opts.Sinks {
		sk.Close()
	}
}

// Connectors lists the registered connector names in registry order.
func (s *Scheduler) Connectors() []string {
	out := make([]string, 0, len(s.opts.Connectors))
	for _, c := range s.opts.Connectors {
		out = append(out, c.Name())
	}
	return out
}

func (s *Scheduler) today() model.Date { return model.DateOf(s.opts.Now().UTC()) }

// RunDaily fetches every connector's updates since target. A zero target means yesterday.
func (s *Scheduler) RunDaily(ctx context.Context, target model.Date) *RunReport {
	if target.IsZero() {
		target = s.today().AddDays(-1)
	}
	return s.run(ctx, KindDaily, target, nil, s.opts.Connectors)
}

// RunMonthlyBackfill fetches from the first day of the month and stores only
// the events dated inside it. An impossible month is a configuration error.
func (s *Scheduler) RunMonthlyBackfill(ctx context.Context, year, month int) (*RunReport, error) {
	if month < 1 || month > 12 {
		return nil, config.Errorf("month %d outside 1..12", month)
	}
	if year < 1900 || year > 2100 {
		return nil, config.Errorf("year %d outside 1900..2100", year)
	}
	start, end := model.MonthBounds(year, time.Month(month))
	if start.After(s.today()) {
		return nil, config.Errorf("backfill month %s is in the future", start.String()[:7])
	}
	p := &Period{Year: year, Month: month, Start: start, End: end}
	rep := s.run(ctx, KindBackfill, start, p, s.opts.Connectors)
	rep.Period = p
	return rep, nil
}

// RunConnector runs one connector by name.
func (s *Scheduler) RunConnector(ctx context.Context, name string, since model.Date) (*RunReport, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnector, name)
	}
	return s.run(ctx, KindConnector, since, nil, []source.Connector{c}), nil
}

func (s *Scheduler) run(ctx context.Context, kind string, since model.Date, period *Period, conns []source.Connector) *RunReport {
	rep := &RunReport{
		RunID:      uuid.NewString(),
		Kind:       kind,
		Since:      since,
		StartedAt:  s.opts.Now().UTC(),
		Connectors: make(map[string]*ConnectorReport, len(conns)),
		Errors:     []RunError{},
	}
	logger := log.WithFields(log.Fields{"run_id": rep.RunID, "kind": kind, "since": since.String()})
	logger.WithField("connectors", len(conns)).Info("run started")

	results := make([]*ConnectorReport, len(conns))
	if s.opts.Parallel {
		var wg sync.WaitGroup
		for i, c := range conns {
			i, c := i, c
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = s.runOne(ctx, logger, c, since, period)
			}()
		}
		wg.Wait()
	} else {
		for i, c := range conns {
			results[i] = s.runOne(ctx, logger, c, since, period)
		}
	}

	for i, c := range conns {
		cr := results[i]
		rep.Connectors[c.Name()] = cr
		rep.TotalEvents += cr.EventsStored
		rep.Errors = append(rep.Errors, cr.Errors...)
	}
	rep.FinishedAt = s.opts.Now().UTC()
	logger.WithFields(log.Fields{"stored": rep.TotalEvents, "errors": len(rep.Errors)}).Info("run finished")
	return rep
}

// runOne never returns an error: every failure lands in the report.
func (s *Scheduler) runOne(ctx context.Context, logger *log.Entry, c source.Connector, since model.Date, period *Period) *ConnectorReport {
	name := c.Name()
	logger = logger.WithField("connector", name)
	cr := &ConnectorReport{Status: StatusSuccess, Errors: []RunError{}}
	start := time.Now()
	defer func() {
		cr.Duration = time.Since(start).Truncate(time.Millisecond).String()
		metrics.ObserveRun(name, cr.Status, time.Since(start))
	}()

	res, err := c.FetchUpdates(ctx, since)
	if err != nil {
		cr.Status = StatusError
		cr.Error = err.Error()
		cr.Errors = append(cr.Errors, RunError{Connector: name, Stage: "connector", Error: err.Error()})
		logger.WithError(err).Error("connector failed")
		return cr
	}
	cr.EventsDiscovered = res.Discovered
	cr.EventsFetched = len(res.Events)
	for _, ie := range res.Errors {
		cr.Errors = append(cr.Errors, RunError{Connector: name, ItemID: ie.ItemID, Stage: ie.Stage, Error: ie.Err.Error()})
	}

	events := res.Events
	if period != nil {
		kept := events[:0:0]
		for _, ev := range events {
			if ev.EventDate.Within(period.Start, period.End) {
				kept = append(kept, ev)
			}
		}
		n := len(kept)
		cr.EventsInPeriod = &n
		events = kept
	}
	events = s.opts.Post.ApplyAll(events)

	var enr *source.Enricher
	if s.opts.Enricher != nil {
		enr = s.opts.Enricher.Open(s.opts.Repository)
		defer enr.Close()
	}
	var written []model.Event
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			cr.Errors = append(cr.Errors, RunError{Connector: name, EventID: ev.EventID, Stage: "store", Error: err.Error()})
			break
		}
		if enr != nil {
			if _, err := enr.Enrich(ctx, ev); err != nil {
				logger.WithError(err).WithField("event_id", ev.EventID).Warn("enrichment failed")
			}
		}
		wrote, err := s.opts.Repository.Upsert(ctx, ev)
		if err != nil {
			cr.Errors = append(cr.Errors, RunError{Connector: name, EventID: ev.EventID, Stage: "store", Error: err.Error()})
			logger.WithError(err).WithField("event_id", ev.EventID).Error("store failed")
			continue
		}
		if wrote {
			written = append(written, ev)
		}
	}
	cr.EventsStored = len(written)
	metrics.AddStored(name, len(written))

	for _, sk := range s.opts.Sinks {
		if err := sk.Push(ctx, name, written); err != nil {
			cr.Errors = append(cr.Errors, RunError{Connector: name, Stage: "sink:" + sk.Name(), Error: err.Error()})
			logger.WithError(err).WithField("sink", sk.Name()).Warn("sink push failed")
		}
	}
	logger.WithFields(log.Fields{
		"discovered": cr.EventsDiscovered,
		"fetched":    cr.EventsFetched,
		"stored":     cr.EventsStored,
		"errors":     len(cr.Errors),
	}).Info("connector finished")
	return cr
}

// HealthCheck runs only discovery for each connector over the lookback window.
func (s *Scheduler) HealthCheck(ctx context.Context) *HealthReport {
	since := model.DateOf(s.opts.Now().UTC().Add(-s.opts.HealthLookback))
	rep := &HealthReport{CheckedAt: s.opts.Now().UTC(), Since: since, Connectors: map[string]*ConnectorHealth{}}
	healthy := 0
	for _, c := range s.opts.Connectors {
		h := probe(ctx, c, since)
		rep.Connectors[c.Name()] = h
		if h.Status == Healthy {
			healthy++
		}
	}
	switch {
	case len(s.opts.Connectors) > 0 && healthy == len(s.opts.Connectors):
		rep.Status = Healthy
	case healthy > 0:
		rep.Status = Degraded
	default:
		rep.Status = Unhealthy
	}
	return rep
}

func probe(ctx context.Context, c source.Connector, since model.Date) *ConnectorHealth {
	sess := c.NewSession()
	defer sess.Close()
	start := time.Now()
	items, err := c.DiscoverItems(ctx, sess, since)
	h := &ConnectorHealth{Status: Healthy, ItemsDiscovered: len(items), LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		h.Status = Unhealthy
		h.Error = err.Error()
		log.WithError(err).WithField("connector", c.Name()).Warn("health probe failed")
	}
	return h
}

// Statistics returns repository statistics with the connector schedules.
func (s *Scheduler) Statistics(ctx context.Context) (*StatisticsReport, error) {
	st, err := s.opts.Repository.GetStatistics(ctx)
	if err != nil {
		return nil, err
	}
	sched := map[string]config.ScheduleConfig{}
	for _, name := range s.Connectors() {
		sched[name] = s.opts.Schedules[name]
	}
	return &StatisticsReport{Statistics: st, Schedules: sched}, nil
}
