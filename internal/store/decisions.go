package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/akyriacou/synod/internal/consensus"
)

// DecisionRow is one committed consensus decision. The (view, sequence)
// pair is the primary key, so replayed commits are idempotent.
type DecisionRow struct {
	View        uint64          `json:"view"`
	Sequence    uint64          `json:"sequence"`
	Digest      string          `json:"digest"`
	Value       json.RawMessage `json:"value"`
	Votes       int             `json:"votes"`
	CommittedAt time.Time       `json:"committed_at"`
}

// RecordDecision appends a committed decision to the audit log.
func (s *Store) RecordDecision(d consensus.CommittedDecision) error {
	_, err := s.db.Exec(`
		INSERT INTO decisions (view, sequence, digest, value, votes, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(view, sequence) DO NOTHING`,
		d.View, d.Sequence, d.Digest, string(d.Value), d.Votes, d.CommittedAt.UTC())
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}
	return nil
}

// ListDecisions returns the most recent decisions, newest first.
func (s *Store) ListDecisions(limit int) ([]DecisionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT view, sequence, digest, value, votes, committed_at
		FROM decisions ORDER BY view DESC, sequence DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []DecisionRow
	for rows.Next() {
		r := DecisionRow{}
		var value string
		if err := rows.Scan(&r.View, &r.Sequence, &r.Digest, &value, &r.Votes, &r.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.Value = json.RawMessage(value)
		decisions = append(decisions, r)
	}
	return decisions, rows.Err()
}
