package sink

import (
	"context"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// Sink receives the events a connector newly wrote in one run.
type Sink interface {
	Name() string
	Push(ctx context.Context, connector string, events []model.Event) error
	Close()
}

// FromConfig builds the sinks that have a URL configured.
func FromConfig(cfg config.Config) []Sink {
	var out []Sink
	if cfg.Loki.URL != "" {
		out = append(out, NewLoki(cfg.Loki))
	}
	if cfg.Victoria.URL != "" {
		out = append(out, NewVictoria(cfg.Victoria))
	}
	return out
}

func primary(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return values[0]
}
