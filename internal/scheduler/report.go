package scheduler

import (
	"time"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/store"
)

// Run kinds.
const (
	KindDaily     = "daily"
	KindBackfill  = "backfill"
	KindConnector = "connector"
)

// Connector statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Health states.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// RunError is one failure recorded during a run.
type RunError struct {
	Connector string `json:"connector"`
	ItemID    string `json:"item_id,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

// ConnectorReport is the outcome of one connector within a run.
type ConnectorReport struct {
	Status           string     `json:"status"`
	EventsDiscovered int        `json:"events_discovered"`
	EventsFetched    int        `json:"events_fetched"`
	EventsInPeriod   *int       `json:"events_in_period,omitempty"` // backfill only
	EventsStored     int        `json:"events_stored"`
	Error            string     `json:"error,omitempty"`
	Errors           []RunError `json:"errors"`
	Duration         string     `json:"duration"`
}

// Period is the month covered by a backfill.
type Period struct {
	Year  int        `json:"year"`
	Month int        `json:"month"`
	Start model.Date `json:"start"`
	End   model.Date `json:"end"`
}

// RunReport is printed for every run. It never hides a partial failure:
// every skipped item, failed store and failed connector is listed in Errors.
type RunReport struct {
	RunID       string                      `json:"run_id"`
	Kind        string                      `json:"kind"`
	Since       model.Date                  `json:"since"`
	Period      *Period                     `json:"period,omitempty"`
	StartedAt   time.Time                   `json:"started_at"`
	FinishedAt  time.Time                   `json:"finished_at"`
	Connectors  map[string]*ConnectorReport `json:"connectors"`
	TotalEvents int                         `json:"total_events"`
	Errors      []RunError                  `json:"errors"`
}

// ConnectorHealth is the discovery probe result of one connector.
type ConnectorHealth struct {
	Status          string `json:"status"`
	ItemsDiscovered int    `json:"items_discovered"`
	LatencyMS       int64  `json:"latency_ms"`
	Error           string `json:"error,omitempty"`
}

// HealthReport summarizes HealthCheck.
type HealthReport struct {
	Status     string                      `json:"status"`
	CheckedAt  time.Time                   `json:"checked_at"`
	Since      model.Date                  `json:"since"`
	Connectors map[string]*ConnectorHealth `json:"connectors"`
}

// StatisticsReport is repository statistics plus the configured schedules.
type StatisticsReport struct {
	store.Statistics
	Schedules map[string]config.ScheduleConfig `json:"schedules"`
}
