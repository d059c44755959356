package sink

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/metrics"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/util"
)

const (
	eventMetric   = "bank_event"
	penaltyMetric = "bank_event_penalty_usd"
)

type victoriaSink struct {
	cfg    config.VictoriaConfig
	client *util.Client
}

func NewVictoria(cfg config.VictoriaConfig) Sink {
	return &victoriaSink{
		cfg: cfg,
		client: util.NewClient(util.ClientOptions{
			Name:      "victoria",
			Timeout:   cfg.Timeout,
			UserAgent: cfg.UserAgent,
			Observe:   metrics.ObserveHTTP,
		}),
	}
}

func (v *victoriaSink) Name() string { return "victoria" }

func (v *victoriaSink) Close() { v.client.Close() }

// Push imports one sample per event at its event date, in Prometheus text format.
func (v *victoriaSink) Push(ctx context.Context, connector string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, ev := range events {
		lbls := labelString(map[string]string{
			"connector":   connector,
			"event_id":    ev.EventID,
			"category":    primary(ev.Categories),
			"regulator":   primary(ev.ReputationalDamage.Drivers.RegulatorInvolved),
			"institution": primary(ev.Institutions),
		})
		ts := ev.EventDate.Time().UnixMilli()
		fmt.Fprintf(&buf, "%s{%s} %d %d\n", eventMetric, lbls, ev.ReputationalDamage.MaterialityScore, ts)
		if p := ev.PenaltyTotal(); p > 0 {
			fmt.Fprintf(&buf, "%s{%s} %d %d\n", penaltyMetric, lbls, p, ts)
		}
	}
	_, err := v.client.Do(ctx, util.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(v.cfg.URL, "/") + "/api/v1/import/prometheus",
		Header: map[string]string{"Content-Type": "text/plain"},
		Body:   buf.Bytes(),
	})
	return err
}

// labelString renders labels in key order.
func labelString(lbls map[string]string) string {
	keys := make([]string, 0, len(lbls))
	for k := range lbls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, escape(lbls[k]))
	}
	return b.String()
}

// escape drops line breaks; %q quoting handles quotes and backslashes.
func escape(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
