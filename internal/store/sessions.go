package store

import (
	"database/sql"
	"fmt"
	"time"
)

type Session struct {
	ID        string     `json:"id"`
	SwarmID   string     `json:"swarm_id"`
	AgentID   string     `json:"agent_id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Block is one ordered entry of a session transcript: text, thinking,
// tool_use or tool_result, in the order the provider produced them.
type Block struct {
	Seq     int    `json:"seq"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	OK      bool   `json:"ok"`
}

// CreateSession opens an execution session. This happens before the
// agent row is flipped to running.
func (s *Store) CreateSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_sessions (id, swarm_id, agent_id, status)
		VALUES (?, ?, ?, 'open')`,
		sess.ID, sess.SwarmID, sess.AgentID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) CloseSession(id string) error {
	_, err := s.db.Exec(`
		UPDATE agent_sessions SET status = 'closed', closed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'open'`, id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, swarm_id, agent_id, status, started_at, closed_at
		FROM agent_sessions WHERE id = ?`, id)
	sess := &Session{}
	err := row.Scan(&sess.ID, &sess.SwarmID, &sess.AgentID, &sess.Status, &sess.StartedAt, &sess.ClosedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// AppendBlocks persists transcript blocks in order, in one
// transaction, continuing the session's sequence.
func (s *Store) AppendBlocks(sessionID string, blocks []Block) error {
	if len(blocks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var next int
	row := tx.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM session_blocks WHERE session_id = ?`, sessionID)
	if err := row.Scan(&next); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	for i, b := range blocks {
		_, err := tx.Exec(`
			INSERT INTO session_blocks (session_id, seq, block_type, name, content, ok)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sessionID, next+i, b.Type, b.Name, b.Content, b.OK)
		if err != nil {
			return fmt.Errorf("insert block: %w", err)
		}
	}

	return tx.Commit()
}

// GetTranscript returns a session's blocks in order.
func (s *Store) GetTranscript(sessionID string) ([]Block, error) {
	rows, err := s.db.Query(`
		SELECT seq, block_type, name, content, ok
		FROM session_blocks WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Seq, &b.Type, &b.Name, &b.Content, &b.OK); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}
