package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScratchpadEntry is one shared key/value pair of a swarm. Values are
// arbitrary JSON text so agents can exchange structured results, not
// just strings.
type ScratchpadEntry struct {
	SwarmID   string    `json:"swarm_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Author    string    `json:"author,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetScratchpad writes a scratchpad entry, replacing any previous
// value for the same key. Last writer wins.
func (s *Store) SetScratchpad(swarmID, key, value, author string) error {
	_, err := s.db.Exec(`
		INSERT INTO swarm_scratchpad (swarm_id, key, value, author, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(swarm_id, key) DO UPDATE SET
			value = excluded.value,
			author = excluded.author,
			updated_at = CURRENT_TIMESTAMP`,
		swarmID, key, value, author)
	if err != nil {
		return fmt.Errorf("set scratchpad %s: %w", key, err)
	}
	return nil
}

// GetScratchpad reads one entry. Returns ErrNotFound for a missing key
// so callers can distinguish absence from an empty value.
func (s *Store) GetScratchpad(swarmID, key string) (*ScratchpadEntry, error) {
	row := s.db.QueryRow(`
		SELECT swarm_id, key, value, author, updated_at
		FROM swarm_scratchpad WHERE swarm_id = ? AND key = ?`, swarmID, key)
	e := &ScratchpadEntry{}
	err := row.Scan(&e.SwarmID, &e.Key, &e.Value, &e.Author, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scratchpad key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scratchpad %s: %w", key, err)
	}
	return e, nil
}

// ListScratchpad returns all entries of a swarm ordered by key.
func (s *Store) ListScratchpad(swarmID string) ([]ScratchpadEntry, error) {
	rows, err := s.db.Query(`
		SELECT swarm_id, key, value, author, updated_at
		FROM swarm_scratchpad WHERE swarm_id = ? ORDER BY key`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list scratchpad: %w", err)
	}
	defer rows.Close()

	var entries []ScratchpadEntry
	for rows.Next() {
		var e ScratchpadEntry
		if err := rows.Scan(&e.SwarmID, &e.Key, &e.Value, &e.Author, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scratchpad: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteScratchpad removes one entry. Deleting a missing key is not an
// error.
func (s *Store) DeleteScratchpad(swarmID, key string) error {
	_, err := s.db.Exec(`DELETE FROM swarm_scratchpad WHERE swarm_id = ? AND key = ?`, swarmID, key)
	if err != nil {
		return fmt.Errorf("delete scratchpad %s: %w", key, err)
	}
	return nil
}
