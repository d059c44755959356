package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

// Cursor records the schedule position of one connector.
type Cursor struct {
	LastSuccess model.Date `json:"last_success"` // "since" for the next run
	LastRun     time.Time  `json:"last_run"`
	LastStatus  string     `json:"last_status"`
}

// CursorFile is a JSON file of cursors keyed by connector name.
type CursorFile struct {
	mu   sync.Mutex
	path string
}

func NewCursorFile(path string) *CursorFile { return &CursorFile{path: path} }

// Load returns all cursors; a missing file is an empty set.
func (f *CursorFile) Load() (map[string]Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *CursorFile) load() (map[string]Cursor, error) {
	out := map[string]Cursor{}
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cursors: %w", err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("parse cursors %s: %w", f.path, err)
	}
	return out, nil
}

// Save replaces one connector's cursor, writing through a temp file.
func (f *CursorFile) Save(name string, c Cursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	all, err := f.load()
	if err != nil {
		return err
	}
	all[name] = c
	b, err := json.MarshalIndent(all, "", " ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".cursors-*")
	if err != nil {
		return fmt.Errorf("write cursors: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cursors: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
