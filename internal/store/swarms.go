package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/akyriacou/synod/internal/swarm"
)

// SwarmRow is the persisted shape of a swarm. Membership is not stored;
// it is reconstructed from the tasks table.
type SwarmRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordSwarm upserts the swarm's current state.
func (s *Store) RecordSwarm(sw *swarm.Swarm) error {
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, name, type, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			state = excluded.state`,
		sw.ID, sw.Name, sw.Type, string(sw.State), sw.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*SwarmRow, error) {
	row := s.db.QueryRow(`SELECT id, name, type, state, created_at FROM swarms WHERE id = ?`, id)
	r := &SwarmRow{}
	err := row.Scan(&r.ID, &r.Name, &r.Type, &r.State, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return r, nil
}

func (s *Store) ListSwarms() ([]SwarmRow, error) {
	rows, err := s.db.Query(`SELECT id, name, type, state, created_at FROM swarms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []SwarmRow
	for rows.Next() {
		r := SwarmRow{}
		if err := rows.Scan(&r.ID, &r.Name, &r.Type, &r.State, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, r)
	}
	return swarms, rows.Err()
}
