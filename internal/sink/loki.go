package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/metrics"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/util"
)

type lokiSink struct {
	cfg    config.LokiConfig
	client *util.Client
	now    func() time.Time
}

func NewLoki(cfg config.LokiConfig) Sink {
	return &lokiSink{
		cfg: cfg,
		client: util.NewClient(util.ClientOptions{
			Name:      "loki",
			Timeout:   cfg.Timeout,
			UserAgent: cfg.UserAgent,
			Observe:   metrics.ObserveHTTP,
		}),
		now: time.Now,
	}
}

func (l *lokiSink) Name() string { return "loki" }

func (l *lokiSink) Close() { l.client.Close() }

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Push sends one log line per event, grouped into streams by connector and primary category.
// Lines carry the stored payload and are stamped with the push time.
func (l *lokiSink) Push(ctx context.Context, connector string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	streams := map[string]*lokiStream{}
	var order []string
	base := l.now().UnixNano()
	for i, ev := range events {
		line, err := ev.Payload()
		if err != nil {
			return err
		}
		labels := map[string]string{
			"job":       l.cfg.Job,
			"connector": connector,
			"category":  primary(ev.Categories),
			"score":     strconv.Itoa(ev.ReputationalDamage.MaterialityScore),
		}
		key := labels["category"] + "|" + labels["score"]
		st, ok := streams[key]
		if !ok {
			st = &lokiStream{Stream: labels}
			streams[key] = st
			order = append(order, key)
		}
		// distinct nanosecond stamps keep lines of one batch in order
		st.Values = append(st.Values, [2]string{strconv.FormatInt(base+int64(i), 10), string(line)})
	}
	payload := struct {
		Streams []lokiStream `json:"streams"`
	}{}
	for _, k := range order {
		payload.Streams = append(payload.Streams, *streams[k])
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	header := map[string]string{"Content-Type": "application/json"}
	if l.cfg.TenantID != "" {
		header["X-Scope-OrgID"] = l.cfg.TenantID
	}
	_, err = l.client.Do(ctx, util.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(l.cfg.URL, "/") + "/loki/api/v1/push",
		Header: header,
		Body:   body,
	})
	return err
}
