// Package state persists small machine state documents across restarts.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

// DefaultMaxStateBytes bounds one section document.
const DefaultMaxStateBytes = 64 << 10

// Store keeps one JSON object per machine section.
type Store struct {
	db       *sql.DB
	maxBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		maxBytes: DefaultMaxStateBytes,
	}
}

// Get returns the document of a section, or {} if it was never written.
func (s *Store) Get(ctx context.Context, section string) (json.RawMessage, error) {
	if section == "" {
		return nil, fmt.Errorf("state section is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM machine_state WHERE section = ?;", section).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s state: %w", section, err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored %s state is invalid JSON", section)
	}
	return json.RawMessage(raw), nil
}

// ShallowMerge replaces the top-level keys of a section with those of
// updates and returns the stored result.
func (s *Store) ShallowMerge(ctx context.Context, section string, updates json.RawMessage) (json.RawMessage, error) {
	if section == "" {
		return nil, fmt.Errorf("state section is empty")
	}
	upd, err := decodeObject(updates)
	if err != nil {
		return nil, fmt.Errorf("decode %s updates: %w", section, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT state FROM machine_state WHERE section = ?;", section).Scan(&curRaw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		curRaw = "{}"
	case err != nil:
		return nil, fmt.Errorf("read %s state: %w", section, err)
	}
	cur, err := decodeObject(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored %s state: %w", section, err)
	}
	maps.Copy(cur, upd)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal %s state: %w", section, err)
	}
	if len(merged) > s.maxBytes {
		return nil, fmt.Errorf("%s state exceeds %d bytes", section, s.maxBytes)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO machine_state(section, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(section) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, section, string(merged), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert %s state: %w", section, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

func decodeObject(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
