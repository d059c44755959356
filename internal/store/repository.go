package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// ErrNotFound is returned when a lookup by key finds nothing.
var ErrNotFound = errors.New("not found")

// StorageError wraps a persistence failure for one operation.
type StorageError struct {
	Op      string
	EventID string
	Err     error
}

func (e *StorageError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.EventID, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Repository persists events, their sources and enriched institutions.
// The serialized payload is the source of truth; the other event columns only serve filtering.
type Repository struct {
	db     *sql.DB
	driver string
	locks  *keyLock
	now    func() time.Time
}

// Open connects to driver/dsn and creates the schema.
func Open(ctx context.Context, driver, dsn string) (*Repository, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// one writer; also keeps a :memory: database alive
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	r := New(db, driver)
	if err := r.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New wraps an existing handle without migrating.
func New(db *sql.DB, driver string) *Repository {
	return &Repository{db: db, driver: driver, locks: newKeyLock(), now: time.Now}
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) q(query string) string { return rebind(r.driver, query) }

// Upsert stores ev. It reports true when a row was inserted or replaced and false when the
// stored payload is byte-identical.
func (r *Repository) Upsert(ctx context.Context, ev model.Event) (bool, error) {
	payload, err := ev.Payload()
	if err != nil {
		return false, &StorageError{Op: "encode", EventID: ev.EventID, Err: err}
	}
	unlock := r.locks.Lock(ev.EventID)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &StorageError{Op: "begin", EventID: ev.EventID, Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var existing string
	err = tx.QueryRowContext(ctx, r.q(`SELECT payload FROM events WHERE event_id = ?`), ev.EventID).Scan(&existing)
	found := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		found = false
	case err != nil:
		return false, &StorageError{Op: "lookup", EventID: ev.EventID, Err: err}
	case existing == string(payload):
		return false, nil
	}

	cats, _ := json.Marshal(ev.Categories)
	regs, _ := json.Marshal(ev.ReputationalDamage.Drivers.RegulatorInvolved)
	insts, _ := json.Marshal(ev.Institutions)
	var customers sql.NullInt64
	if c := ev.ReputationalDamage.Drivers.CustomersAffected; c != nil {
		customers = sql.NullInt64{Int64: *c, Valid: true}
	}
	ts := r.now().UTC().Format(time.RFC3339Nano)

	if found {
		_, err = tx.ExecContext(ctx, r.q(`UPDATE events SET payload = ?, event_date = ?, categories = ?, regulators = ?,
			institutions = ?, penalties_usd = ?, customers_affected = ?, updated_at = ? WHERE event_id = ?`),
			string(payload), ev.EventDate.String(), string(cats), string(regs), string(insts),
			ev.PenaltyTotal(), customers, ts, ev.EventID)
		if err != nil {
			return false, &StorageError{Op: "update", EventID: ev.EventID, Err: err}
		}
		if _, err = tx.ExecContext(ctx, r.q(`DELETE FROM sources WHERE event_id = ?`), ev.EventID); err != nil {
			return false, &StorageError{Op: "delete sources", EventID: ev.EventID, Err: err}
		}
	} else {
		_, err = tx.ExecContext(ctx, r.q(`INSERT INTO events (event_id, payload, event_date, categories, regulators,
			institutions, penalties_usd, customers_affected, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			ev.EventID, string(payload), ev.EventDate.String(), string(cats), string(regs), string(insts),
			ev.PenaltyTotal(), customers, ts, ts)
		if err != nil {
			return false, &StorageError{Op: "insert", EventID: ev.EventID, Err: err}
		}
	}

	for i, s := range ev.Sources {
		_, err = tx.ExecContext(ctx, r.q(`INSERT INTO sources (event_id, position, url, title, publisher, date_published, source_type)
			VALUES (?, ?, ?, ?, ?, ?, ?)`), ev.EventID, i, s.URL, s.Title, s.Publisher, s.DatePublished.String(), s.SourceType)
		if err != nil {
			return false, &StorageError{Op: "insert source", EventID: ev.EventID, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return false, &StorageError{Op: "commit", EventID: ev.EventID, Err: err}
	}
	log.WithFields(log.Fields{"event_id": ev.EventID, "updated": found}).Debug("event stored")
	return true, nil
}

// Filter selects events. Dimensions are ANDed, values within one dimension ORed.
type Filter struct {
	Start       model.Date
	End         model.Date
	Categories  []string
	Regulators  []string
	Institution string // case-insensitive substring
}

// DefaultLimit applies when a query passes a non-positive limit.
const DefaultLimit = 100

// GetEvents returns matching events newest first.
func (r *Repository) GetEvents(ctx context.Context, f Filter, limit int) ([]model.Event, error) {
	var where []string
	var args []any
	if !f.Start.IsZero() {
		where = append(where, "event_date >= ?")
		args = append(args, f.Start.String())
	}
	if !f.End.IsZero() {
		where = append(where, "event_date <= ?")
		args = append(args, f.End.String())
	}
	if clause, a := anyOf("categories", f.Categories); clause != "" {
		where = append(where, clause)
		args = append(args, a...)
	}
	if clause, a := anyOf("regulators", f.Regulators); clause != "" {
		where = append(where, clause)
		args = append(args, a...)
	}
	if f.Institution != "" {
		where = append(where, `LOWER(institutions) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscape(strings.ToLower(f.Institution))+"%")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := "SELECT payload FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_date DESC, event_id LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, &StorageError{Op: "scan", Err: err}
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, &StorageError{Op: "decode", Err: err}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	return out, nil
}

// anyOf matches a JSON array column holding any of values.
func anyOf(column string, values []string) (string, []any) {
	if len(values) == 0 {
		return "", nil
	}
	parts := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		quoted, _ := json.Marshal(v)
		parts[i] = column + ` LIKE ? ESCAPE '\'`
		args[i] = "%" + likeEscape(string(quoted)) + "%"
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// likeEscape makes s match literally inside a LIKE pattern escaped by '\'.
func likeEscape(s string) string { return likeEscaper.Replace(s) }

// GetEventsByInstitution returns events naming institution, newest first.
func (r *Repository) GetEventsByInstitution(ctx context.Context, institution string, limit int) ([]model.Event, error) {
	return r.GetEvents(ctx, Filter{Institution: institution}, limit)
}

// GetEventByID returns ErrNotFound when id is unknown.
func (r *Repository) GetEventByID(ctx context.Context, id string) (model.Event, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.q(`SELECT payload FROM events WHERE event_id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, &StorageError{Op: "get", EventID: id, Err: err}
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return model.Event{}, &StorageError{Op: "decode", EventID: id, Err: err}
	}
	return ev, nil
}

// SourceRows returns the stored source rows of one event in order.
func (r *Repository) SourceRows(ctx context.Context, id string) ([]model.SourceRef, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`SELECT url, title, publisher, date_published, source_type
		FROM sources WHERE event_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, &StorageError{Op: "sources", EventID: id, Err: err}
	}
	defer rows.Close()
	var out []model.SourceRef
	for rows.Next() {
		var s model.SourceRef
		var published string
		if err := rows.Scan(&s.URL, &s.Title, &s.Publisher, &published, &s.SourceType); err != nil {
			return nil, &StorageError{Op: "sources", EventID: id, Err: err}
		}
		if published != "" {
			s.DatePublished, _ = model.ParseDate(published)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DateRange is the span of stored event dates.
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Statistics aggregates over decoded payloads.
type Statistics struct {
	TotalEvents       int            `json:"total_events"`
	DateRange         DateRange      `json:"date_range"`
	TotalPenaltiesUSD int64          `json:"total_penalties_usd"`
	Categories        map[string]int `json:"categories"`
	Regulators        map[string]int `json:"regulators"`
	MaterialityScores map[int]int    `json:"materiality_scores"`
	Institutions      int            `json:"institutions"`
}

// GetStatistics recomputes every aggregate from the stored payloads.
func (r *Repository) GetStatistics(ctx context.Context) (Statistics, error) {
	st := Statistics{Categories: map[string]int{}, Regulators: map[string]int{}, MaterialityScores: map[int]int{}}
	rows, err := r.db.QueryContext(ctx, `SELECT payload FROM events`)
	if err != nil {
		return st, &StorageError{Op: "statistics", Err: err}
	}
	defer rows.Close()
	var dates []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return st, &StorageError{Op: "statistics", Err: err}
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return st, &StorageError{Op: "statistics decode", Err: err}
		}
		st.TotalEvents++
		st.TotalPenaltiesUSD += ev.PenaltyTotal()
		if !ev.EventDate.IsZero() {
			dates = append(dates, ev.EventDate.String())
		}
		for _, c := range ev.Categories {
			st.Categories[c]++
		}
		for _, reg := range ev.ReputationalDamage.Drivers.RegulatorInvolved {
			st.Regulators[reg]++
		}
		st.MaterialityScores[ev.ReputationalDamage.MaterialityScore]++
	}
	if err := rows.Err(); err != nil {
		return st, &StorageError{Op: "statistics", Err: err}
	}
	if len(dates) > 0 {
		sort.Strings(dates)
		st.DateRange = DateRange{Start: dates[0], End: dates[len(dates)-1]}
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM institutions`).Scan(&st.Institutions); err != nil {
		return st, &StorageError{Op: "statistics", Err: err}
	}
	return st, nil
}

// UpsertInstitution stores inst, unioning aliases with the stored ones.
func (r *Repository) UpsertInstitution(ctx context.Context, inst model.Institution) error {
	if inst.Cert == "" {
		return &StorageError{Op: "institution", Err: errors.New("cert is empty")}
	}
	unlock := r.locks.Lock("institution:" + inst.Cert)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "institution", Err: err}
	}
	defer tx.Rollback() //nolint:errcheck

	var stored string
	err = tx.QueryRowContext(ctx, r.q(`SELECT aliases FROM institutions WHERE cert = ?`), inst.Cert).Scan(&stored)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return &StorageError{Op: "institution", Err: err}
	}
	var aliases []string
	if found {
		_ = json.Unmarshal([]byte(stored), &aliases)
	}
	aliases = model.Uniq(append(aliases, inst.Aliases...))
	sort.Strings(aliases)
	enc, _ := json.Marshal(aliases)
	ts := r.now().UTC().Format(time.RFC3339Nano)

	if found {
		_, err = tx.ExecContext(ctx, r.q(`UPDATE institutions SET name = ?, rssd = ?, lei = ?, state = ?, primary_reg = ?,
			aliases = ?, updated_at = ? WHERE cert = ?`),
			inst.Name, inst.RSSD, inst.LEI, inst.State, inst.PrimaryReg, string(enc), ts, inst.Cert)
	} else {
		_, err = tx.ExecContext(ctx, r.q(`INSERT INTO institutions (cert, name, rssd, lei, state, primary_reg, aliases, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			inst.Cert, inst.Name, inst.RSSD, inst.LEI, inst.State, inst.PrimaryReg, string(enc), ts)
	}
	if err != nil {
		return &StorageError{Op: "institution", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "institution", Err: err}
	}
	return nil
}

// GetInstitution returns ErrNotFound when cert is unknown.
func (r *Repository) GetInstitution(ctx context.Context, cert string) (model.Institution, error) {
	var inst model.Institution
	var aliases, updated string
	err := r.db.QueryRowContext(ctx, r.q(`SELECT cert, name, rssd, lei, state, primary_reg, aliases, updated_at
		FROM institutions WHERE cert = ?`), cert).
		Scan(&inst.Cert, &inst.Name, &inst.RSSD, &inst.LEI, &inst.State, &inst.PrimaryReg, &aliases, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, &StorageError{Op: "institution", Err: err}
	}
	_ = json.Unmarshal([]byte(aliases), &inst.Aliases)
	inst.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return inst, nil
}

// keyLock serializes work per key while letting distinct keys proceed.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyLock() *keyLock { return &keyLock{locks: map[string]*keyEntry{}} }

func (k *keyLock) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
