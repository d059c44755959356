package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxSummaryLen bounds Event.Summary in runes.
const MaxSummaryLen = 480

// Source types.
const (
	SourceRegulator = "regulator"
	SourceMedia     = "media"
	SourceCourt     = "court"
)

// Confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Litigation states.
const (
	LitigationNone    = "none"
	LitigationFiled   = "filed"
	LitigationSettled = "settled"
	LitigationOngoing = "ongoing"
)

// Event is the canonical negative-event record shared by all connectors.
// Field order is fixed so that the JSON payload of two equal events is byte-identical.
type Event struct {
	EventID            string             `json:"event_id"`
	Title              string             `json:"title"`
	Institutions       []string           `json:"institutions"`
	ParentCompany      string             `json:"parent_company,omitempty"`
	USOperations       bool               `json:"us_operations"`
	Jurisdictions      []string           `json:"jurisdictions"`
	Categories         []string           `json:"categories"`
	EventDate          Date               `json:"event_date"`
	ReportedDates      []Date             `json:"reported_dates"`
	Summary            string             `json:"summary"`
	ReputationalDamage ReputationalDamage `json:"reputational_damage"`
	Amounts            Amounts            `json:"amounts"`
	Sources            []SourceRef        `json:"sources"`
	SourceCount        int                `json:"source_count"`
	Confidence         string             `json:"confidence"`
}

// SourceRef points at one publication backing an event.
type SourceRef struct {
	Title         string `json:"title"`
	Publisher     string `json:"publisher"`
	URL           string `json:"url"`
	DatePublished Date   `json:"date_published"`
	SourceType    string `json:"source_type"`
}

type ReputationalDamage struct {
	Nature           []string `json:"nature"`
	MaterialityScore int      `json:"materiality_score"`
	Drivers          Drivers  `json:"drivers"`
}

type Drivers struct {
	FineUSD                int64    `json:"fine_usd"`
	CustomersAffected      *int64   `json:"customers_affected"`
	ServiceDisruptionHours *float64 `json:"service_disruption_hours"`
	ExecutiveChanges       bool     `json:"executive_changes"`
	LitigationStatus       string   `json:"litigation_status"`
	RegulatorInvolved      []string `json:"regulator_involved"`
}

// Amounts holds USD figures found for the event. OriginalText keeps the matched literals.
type Amounts struct {
	PenaltiesUSD   int64  `json:"penalties_usd"`
	SettlementsUSD int64  `json:"settlements_usd"`
	OtherUSD       int64  `json:"other_usd"`
	OriginalText   string `json:"original_text"`
}

// Institution is a registry identity cached by enrichment.
type Institution struct {
	Cert       string    `json:"cert"`
	Name       string    `json:"name"`
	RSSD       string    `json:"rssd,omitempty"`
	LEI        string    `json:"lei,omitempty"`
	State      string    `json:"state,omitempty"`
	PrimaryReg string    `json:"primary_reg,omitempty"`
	Aliases    []string  `json:"aliases"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// InstitutionMatch is the result of an identity lookup.
type InstitutionMatch struct {
	Institution
	Active  bool    `json:"active"`
	Website string  `json:"website,omitempty"`
	Offices int     `json:"offices,omitempty"`
	Method  string  `json:"method"` // exact or fuzzy
	Score   float64 `json:"score"`
}

// EventCollection is the document shape exchanged with the AI research collaborator.
type EventCollection struct {
	Query         CollectionQuery `json:"query"`
	Events        []Event         `json:"events"`
	DedupeNote    string          `json:"dedupe_note"`
	CoverageNotes string          `json:"coverage_notes"`
	LastUpdated   string          `json:"last_updated"`
}

type CollectionQuery struct {
	Timeframe Timeframe `json:"timeframe"`
	ScopeNote string    `json:"scope_note,omitempty"`
}

type Timeframe struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone"`
}

// Payload returns the serialized form stored as the source of truth.
func (e Event) Payload() ([]byte, error) {
	return json.Marshal(e)
}

// PenaltyTotal is the figure used for filtering and statistics.
func (e Event) PenaltyTotal() int64 {
	if e.Amounts.PenaltiesUSD > 0 {
		return e.Amounts.PenaltiesUSD
	}
	return e.ReputationalDamage.Drivers.FineUSD
}

var (
	nonSlug   = regexp.MustCompile(`[^a-z0-9]+`)
	slugShape = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
)

// NewEventID derives a stable kebab-case id from source name, external id and event date.
func NewEventID(source, externalID string, date Date) string {
	raw := strings.ToLower(fmt.Sprintf("%s:%s:%s", source, externalID, date))
	return strings.Trim(nonSlug.ReplaceAllString(raw, "-"), "-")
}

// ValidEventID reports whether id has the shape produced by NewEventID.
func ValidEventID(id string) bool {
	return slugShape.MatchString(id)
}

// Validate checks the structural invariants of an event. now bounds event_date.
func (e Event) Validate(now time.Time) error {
	var errs []error
	if !ValidEventID(e.EventID) {
		errs = append(errs, fmt.Errorf("event_id %q is not kebab-case", e.EventID))
	}
	if strings.TrimSpace(e.Title) == "" {
		errs = append(errs, errors.New("title is empty"))
	}
	if e.EventDate.IsZero() {
		errs = append(errs, errors.New("event_date is missing"))
	} else if e.EventDate.After(DateOf(now)) {
		errs = append(errs, fmt.Errorf("event_date %s is in the future", e.EventDate))
	}
	if len(e.Sources) == 0 {
		errs = append(errs, errors.New("sources is empty"))
	}
	if e.SourceCount != len(e.Sources) {
		errs = append(errs, fmt.Errorf("source_count %d does not match %d sources", e.SourceCount, len(e.Sources)))
	}
	if s := e.ReputationalDamage.MaterialityScore; s < 1 || s > 5 {
		errs = append(errs, fmt.Errorf("materiality_score %d outside 1..5", s))
	}
	a := e.Amounts
	if a.PenaltiesUSD < 0 || a.SettlementsUSD < 0 || a.OtherUSD < 0 || e.ReputationalDamage.Drivers.FineUSD < 0 {
		errs = append(errs, errors.New("amounts must be non-negative"))
	}
	if len([]rune(e.Summary)) > MaxSummaryLen {
		errs = append(errs, fmt.Errorf("summary longer than %d characters", MaxSummaryLen))
	}
	for _, c := range e.Categories {
		if !IsCategory(c) {
			errs = append(errs, fmt.Errorf("unknown category %q", c))
		}
	}
	for _, n := range e.ReputationalDamage.Nature {
		if !IsNature(n) {
			errs = append(errs, fmt.Errorf("unknown nature %q", n))
		}
	}
	for _, r := range e.ReputationalDamage.Drivers.RegulatorInvolved {
		if !IsRegulator(r) {
			errs = append(errs, fmt.Errorf("unknown regulator %q", r))
		}
	}
	switch e.Confidence {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
	default:
		errs = append(errs, fmt.Errorf("confidence %q invalid", e.Confidence))
	}
	for _, s := range e.Sources {
		switch s.SourceType {
		case SourceRegulator, SourceMedia, SourceCourt:
		default:
			errs = append(errs, fmt.Errorf("source %q has invalid type %q", s.URL, s.SourceType))
		}
	}
	return errors.Join(errs...)
}

// Uniq drops empty and repeated strings keeping first-seen order.
func Uniq(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
