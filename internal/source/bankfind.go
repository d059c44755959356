package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/apex/log"

	"github.com/colinpriest/bank-reputation-damage-events/internal/config"
	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
	"github.com/colinpriest/bank-reputation-damage-events/internal/normalize"
	"github.com/colinpriest/bank-reputation-damage-events/internal/store"
)

// FuzzyThreshold is the similarity a fuzzy candidate must exceed.
const FuzzyThreshold = 80.0

const bankFindFields = "CERT,NAME,STALP,ACTIVE,PRIMARY_REG,ID_RSSD,LEI,WEBSITE,OFFICES"

// InstitutionStore persists resolved identities.
type InstitutionStore interface {
	UpsertInstitution(ctx context.Context, inst model.Institution) error
}

// BankFind resolves institution names against the FDIC institution registry.
// It enriches events and is never run as a connector.
type BankFind struct {
	Base
	apiKey string
	cache  *store.Cache[*model.InstitutionMatch]
}

func NewBankFind(c config.BankFindConfig) *BankFind {
	return &BankFind{
		Base:   newBase("bankfind", c.BaseURL, c.HTTP, 0, 0),
		apiKey: c.APIKey,
		cache:  store.NewCache[*model.InstitutionMatch](c.CacheMax, c.CacheTTL),
	}
}

// Search opens a one-off session and resolves name. It returns nil, nil when
// nothing matches or when the registry cannot be used without a key.
func (b *BankFind) Search(ctx context.Context, name, state string) (*model.InstitutionMatch, error) {
	if b.apiKey == "" {
		return nil, nil
	}
	s := b.NewSession()
	defer s.Close()
	return b.search(ctx, s, name, state)
}

func (b *BankFind) search(ctx context.Context, s *Session, name, state string) (*model.InstitutionMatch, error) {
	name = strings.TrimSpace(name)
	if b.apiKey == "" || name == "" {
		return nil, nil
	}
	key := normalize.Fold(name) + "|" + strings.ToUpper(state)
	if m, ok := b.cache.Get(key); ok {
		return m, nil
	}

	m, err := b.exact(ctx, s, name, state)
	if err != nil {
		return nil, err
	}
	if m == nil {
		if m, err = b.fuzzy(ctx, s, name, state); err != nil {
			return nil, err
		}
	}
	b.cache.Put(key, m)
	return m, nil
}

func (b *BankFind) exact(ctx context.Context, s *Session, name, state string) (*model.InstitutionMatch, error) {
	filter := fmt.Sprintf("NAME:%q", name)
	if state != "" {
		filter += fmt.Sprintf(" AND STALP:%q", strings.ToUpper(state))
	}
	rows, err := b.institutions(ctx, s, filter, 10)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	m := matchFromRow(rows[0])
	m.Method = "exact"
	m.Score = 100
	return &m, nil
}

// fuzzy scores a bounded candidate set and keeps the first best candidate above the threshold.
func (b *BankFind) fuzzy(ctx context.Context, s *Session, name, state string) (*model.InstitutionMatch, error) {
	filter := ""
	if state != "" {
		filter = fmt.Sprintf("STALP:%q", strings.ToUpper(state))
	}
	rows, err := b.institutions(ctx, s, filter, 100)
	if err != nil {
		return nil, err
	}
	var (
		best      *model.InstitutionMatch
		bestScore float64
	)
	for _, row := range rows {
		score := similarity(name, pickStr(row, "NAME"))
		if score > FuzzyThreshold && score > bestScore {
			m := matchFromRow(row)
			m.Method = "fuzzy"
			m.Score = score
			best, bestScore = &m, score
		}
	}
	if best != nil {
		s.Log.WithFields(log.Fields{"name": name, "matched": best.Name, "score": best.Score}).Debug("fuzzy institution match")
	}
	return best, nil
}

func (b *BankFind) institutions(ctx context.Context, s *Session, filter string, limit int) ([]map[string]any, error) {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("fields", bankFindFields)
	params.Set("limit", strconv.Itoa(limit))
	if filter != "" {
		params.Set("filters", filter)
	}
	resp, err := s.Client.Get(ctx, b.baseURL+"/institutions", params, map[string]string{
		"Accept":    "application/json",
		"X-API-Key": b.apiKey,
	})
	if err != nil {
		return nil, err
	}
	var page bankFindPage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("decode institutions: %w", err)
	}
	return page.rows()
}

// similarity is the case-insensitive Levenshtein ratio of a and b on a 0..100 scale.
func similarity(a, b string) float64 {
	a, b = normalize.Fold(a), normalize.Fold(b)
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 100
	}
	d := levenshtein.ComputeDistance(a, b)
	return 100 * (1 - float64(d)/float64(longest))
}

func matchFromRow(row map[string]any) model.InstitutionMatch {
	m := model.InstitutionMatch{
		Institution: model.Institution{
			Cert:       pickStr(row, "CERT"),
			Name:       pickStr(row, "NAME"),
			RSSD:       pickStr(row, "ID_RSSD"),
			LEI:        pickStr(row, "LEI"),
			State:      pickStr(row, "STALP"),
			PrimaryReg: pickStr(row, "PRIMARY_REG"),
		},
		Active:  pickBool(row, "ACTIVE"),
		Website: pickStr(row, "WEBSITE"),
	}
	if n, err := strconv.Atoi(pickStr(row, "OFFICES")); err == nil {
		m.Offices = n
	}
	return m
}

// Enricher resolves the institutions of stored events within one run.
type Enricher struct {
	bf   *BankFind
	s    *Session
	repo InstitutionStore
}

// Open starts an enrichment session; Close releases it.
func (b *BankFind) Open(repo InstitutionStore) *Enricher {
	return &Enricher{bf: b, s: b.NewSession(), repo: repo}
}

func (e *Enricher) Close() { e.s.Close() }

// Enrich resolves every institution named by ev and records the matches, with
// the event's spelling kept as an alias. The event itself is left unchanged.
func (e *Enricher) Enrich(ctx context.Context, ev model.Event) ([]model.InstitutionMatch, error) {
	state := ""
	for _, j := range ev.Jurisdictions {
		if len(j) == 2 && j == strings.ToUpper(j) {
			state = j
			break
		}
	}
	var out []model.InstitutionMatch
	for _, name := range ev.Institutions {
		m, err := e.bf.search(ctx, e.s, name, state)
		if err != nil {
			return out, fmt.Errorf("resolve %q: %w", name, err)
		}
		if m == nil || m.Cert == "" {
			continue
		}
		inst := m.Institution
		inst.Aliases = []string{name}
		if err := e.repo.UpsertInstitution(ctx, inst); err != nil {
			return out, err
		}
		out = append(out, *m)
	}
	return out, nil
}
