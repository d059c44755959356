package source

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/metrics"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
	"github.com/colinpriest/bank-reputation-damage-events/internal/util"
)

// Connector is implemented by every event source. One run walks
// DiscoverItems, then per item FetchItemDetail, ParseItem and NormalizeItem.
type Connector interface {
	Name() string
	// NewSession acquires the per-run HTTP client.
	NewSession() *Session
	DiscoverItems(ctx context.Context, s *Session, since model.Date) ([]DiscoveredItem, error)
	FetchItemDetail(ctx context.Context, s *Session, item DiscoveredItem) (RawItem, error)
	// ParseItem never performs I/O.
	ParseItem(raw RawItem) (ParsedItem, error)
	NormalizeItem(p ParsedItem) (model.Event, error)
	FetchUpdates(ctx context.Context, since model.Date) (*Result, error)
}

// DiscoveredItem is one candidate occurrence from a listing.
type DiscoveredItem struct {
	ID    string
	Title string
	URL   string
	Date  model.Date // zero when the listing carries no date
	Meta  map[string]string
	Data  map[string]any // raw record for JSON APIs
}

// RawItem is the fetched content of one item.
type RawItem struct {
	Item     DiscoveredItem
	Body     string // page HTML
	DocURL   string
	Document string // text of the attached document
	Meta     map[string]string
}

// ParsedItem carries the fields extracted from a RawItem.
type ParsedItem struct {
	ExternalID    string
	Title         string
	URL           string
	Publisher     string
	Institutions  []string
	State         string
	EventDate     model.Date
	PublishedDate model.Date
	ActionType    string
	Subjects      []string
	Docket        string
	Text          string // free text used for classification
	Money         normalize.Money
	HasDocument   bool
	Event         *model.Event // sources that already deliver canonical records
}

// Result is the outcome of FetchUpdates.
type Result struct {
	Discovered int
	Events     []model.Event
	Errors     []ItemError
}

// ItemError records one skipped item.
type ItemError struct {
	ItemID string
	Stage  string
	Err    error
}

func (e ItemError) Error() string { return fmt.Sprintf("%s %s: %v", e.Stage, e.ItemID, e.Err) }

// ParseError marks malformed source content for one item.
type ParseError struct {
	Source string
	ItemID string
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s item %s: %s", e.Source, e.ItemID, e.Msg)
}

// StructureError marks collaborator output that fails validation after repair.
type StructureError struct {
	Err     error
	Snippet string
}

func (e *StructureError) Error() string { return "invalid collaborator output: " + e.Err.Error() }
func (e *StructureError) Unwrap() error { return e.Err }

// Session is the per-run scope of a connector.
type Session struct {
	Client *util.Client
	Log    *log.Entry
}

func (s *Session) Close() { s.Client.Close() }

// Base carries what every connector shares.
type Base struct {
	name    string
	baseURL string
	opts    util.ClientOptions
	now     func() time.Time
}

func newBase(name, baseURL string, h config.CommonHTTP, ratePerSecond float64, burst int) Base {
	return Base{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
		opts: util.ClientOptions{
			Name:               name,
			Timeout:            h.Timeout,
			MaxRetries:         h.MaxRetries,
			Backoff:            h.Backoff,
			MaxBackoff:         h.MaxBackoff,
			UserAgent:          h.UserAgent,
			InsecureSkipVerify: h.InsecureSkipVerify,
			RatePerSecond:      ratePerSecond,
			Burst:              burst,
			Observe:            metrics.ObserveHTTP,
		},
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) NewSession() *Session {
	return &Session{
		Client: util.NewClient(b.opts),
		Log:    log.WithField("connector", b.name),
	}
}

// SetClock replaces the wall clock used for date windows.
func (b *Base) SetClock(now func() time.Time) { b.now = now }

// SetRetrySleep replaces the wait between retries.
func (b *Base) SetRetrySleep(sleep func(context.Context, time.Duration) error) { b.opts.Sleep = sleep }

func (b *Base) today() model.Date { return model.DateOf(b.now().UTC()) }

// unreachable treats a missing listing page, or one still failing transiently
// after retries, as an empty listing. Permanent failures are returned and fail
// discovery for the run.
func (b *Base) unreachable(s *Session, what string, err error) error {
	switch {
	case util.IsNotFound(err):
		s.Log.WithError(err).Warnf("%s not found, nothing discovered", what)
		return nil
	case util.IsTransient(err):
		s.Log.WithError(err).Warnf("%s temporarily unreachable, nothing discovered", what)
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Run executes the pipeline for c. Item failures are collected in the result;
// a discovery failure is returned as an error. The session is closed on every path.
func Run(ctx context.Context, c Connector, since model.Date) (res *Result, err error) {
	s := c.NewSession()
	defer s.Close()

	start := time.Now()
	items, err := c.DiscoverItems(ctx, s, since)
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	metrics.AddItems(c.Name(), "discovered", len(items))
	s.Log.WithFields(log.Fields{"items": len(items), "since": since.String()}).Info("discovery finished")

	res = &Result{Discovered: len(items)}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ev, stage, err := runItem(ctx, c, s, it)
		if err != nil {
			metrics.IncItemError(c.Name(), stage)
			s.Log.WithError(err).WithFields(log.Fields{"item": it.ID, "stage": stage}).Warn("item skipped")
			res.Errors = append(res.Errors, ItemError{ItemID: it.ID, Stage: stage, Err: err})
			continue
		}
		res.Events = append(res.Events, ev)
	}
	metrics.AddItems(c.Name(), "normalized", len(res.Events))
	s.Log.WithFields(log.Fields{"events": len(res.Events), "errors": len(res.Errors), "took": time.Since(start)}).Info("fetch finished")
	return res, nil
}

func runItem(ctx context.Context, c Connector, s *Session, it DiscoveredItem) (ev model.Event, stage string, err error) {
	stage = "fetch"
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	raw, err := c.FetchItemDetail(ctx, s, it)
	if err != nil {
		return ev, stage, err
	}
	stage = "parse"
	parsed, err := c.ParseItem(raw)
	if err != nil {
		return ev, stage, err
	}
	stage = "normalize"
	ev, err = c.NormalizeItem(parsed)
	if err != nil {
		return ev, stage, err
	}
	if err := ev.Validate(time.Now()); err != nil {
		return ev, stage, fmt.Errorf("invalid event %s: %w", ev.EventID, err)
	}
	return ev, stage, nil
}

// NewFromConfig builds the connector for one configured source.
func NewFromConfig(c config.SourceConfig) (Connector, error) {
	switch c.Type {
	case config.FDICEDO:
		return NewFDICEDO(c), nil
	case config.OCCEnforcement:
		return NewOCCEnforcement(c), nil
	case config.FDICFailures:
		return NewFDICFailures(c), nil
	case config.NewsAPI:
		return NewNewsAPI(c), nil
	case config.MediaStack:
		return NewMediaStack(c), nil
	case config.AIEvents:
		return NewAIEvents(c), nil
	default:
		return nil, config.Errorf("unknown source type: %s", c.Type)
	}
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
