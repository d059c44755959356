package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bank_events"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_runs_total",
		Help:      "Connector runs by outcome",
	}, []string{"connector", "status"})
	itemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_total",
		Help:      "Items seen per pipeline stage",
	}, []string{"connector", "stage"})
	itemErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "item_errors_total",
		Help:      "Items skipped because a stage failed",
	}, []string{"connector", "stage"})
	eventsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_stored_total",
		Help:      "Events inserted or replaced in the repository",
	}, []string{"connector"})
	runDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: namespace,
		Name:      "connector_run_duration_seconds",
		Help:      "Time spent in one connector run",
	}, []string{"connector"})
	lastSuccessTS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the last successful connector run",
	}, []string{"connector"})
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Outbound HTTP attempts by source and outcome",
	}, []string{"source", "outcome"})
)

func init() {
	prometheus.MustRegister(runsTotal, itemsTotal, itemErrors, eventsStored, runDuration, lastSuccessTS, httpRequests)
}

// ObserveRun records one finished connector run.
func ObserveRun(connector, status string, took time.Duration) {
	runsTotal.WithLabelValues(connector, status).Inc()
	runDuration.WithLabelValues(connector).Observe(took.Seconds())
	if status == "success" {
		lastSuccessTS.WithLabelValues(connector).SetToCurrentTime()
	}
}

func AddItems(connector, stage string, n int) {
	itemsTotal.WithLabelValues(connector, stage).Add(float64(n))
}

func IncItemError(connector, stage string) {
	itemErrors.WithLabelValues(connector, stage).Inc()
}

func AddStored(connector string, n int) {
	eventsStored.WithLabelValues(connector).Add(float64(n))
}

// ObserveHTTP matches util.ClientOptions.Observe.
func ObserveHTTP(source, outcome string) {
	httpRequests.WithLabelValues(source, outcome).Inc()
}

// Dump returns a one-line snapshot of the counters (for logging).
func Dump() string {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return ""
	}
	var out []string
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			out = append(out, fmt.Sprintf("%s{%s} %g", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue()))
		}
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}
