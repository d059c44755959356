package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func schema(driver string) []string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == DriverPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS institutions (
			cert TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			rssd TEXT NOT NULL DEFAULT '',
			lei TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT '',
			primary_reg TEXT NOT NULL DEFAULT '',
			aliases TEXT NOT NULL DEFAULT '[]',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			event_date TEXT NOT NULL,
			categories TEXT NOT NULL,
			regulators TEXT NOT NULL,
			institutions TEXT NOT NULL,
			penalties_usd BIGINT NOT NULL DEFAULT 0,
			customers_affected BIGINT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sources (
			id %s,
			event_id TEXT NOT NULL REFERENCES events(event_id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			publisher TEXT NOT NULL,
			date_published TEXT NOT NULL,
			source_type TEXT NOT NULL
		)`, serial),
		`CREATE INDEX IF NOT EXISTS idx_events_date ON events(event_date)`,
		`CREATE INDEX IF NOT EXISTS idx_events_penalties ON events(penalties_usd)`,
		`CREATE INDEX IF NOT EXISTS idx_sources_event ON sources(event_id)`,
	}
}

func (r *Repository) migrate(ctx context.Context) error {
	for _, stmt := range schema(r.driver) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func rebind(driver, q string) string {
	if driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}
