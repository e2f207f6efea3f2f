package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecurringSpec is a task spec submitted to the coordinator on a cron
// schedule. The spec column holds the JSON-encoded swarm.TaskSpec.
type RecurringSpec struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Schedule   string          `json:"schedule"`
	Spec       json.RawMessage `json:"spec"`
	Status     string          `json:"status"`
	NextRunAt  *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty"`
	LastStatus string          `json:"last_status,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

const recurringColumns = `id, name, schedule, spec, status, next_run_at, last_run_at, last_status, last_error, created_at`

func scanRecurring(scanner interface {
	Scan(dest ...any) error
}) (*RecurringSpec, error) {
	r := &RecurringSpec{}
	var spec string
	var lastStatus, lastError *string
	err := scanner.Scan(&r.ID, &r.Name, &r.Schedule, &spec, &r.Status,
		&r.NextRunAt, &r.LastRunAt, &lastStatus, &lastError, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Spec = json.RawMessage(spec)
	if lastStatus != nil {
		r.LastStatus = *lastStatus
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return r, nil
}

func (s *Store) SaveRecurring(r *RecurringSpec) error {
	_, err := s.db.Exec(`
		INSERT INTO recurring_specs (id, name, schedule, spec, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			spec = excluded.spec,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		r.ID, r.Name, r.Schedule, string(r.Spec), r.Status, r.NextRunAt)
	if err != nil {
		return fmt.Errorf("save recurring spec: %w", err)
	}
	return nil
}

func (s *Store) GetRecurring(id string) (*RecurringSpec, error) {
	row := s.db.QueryRow(`SELECT `+recurringColumns+` FROM recurring_specs WHERE id = ?`, id)
	r, err := scanRecurring(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recurring spec: %w", err)
	}
	return r, nil
}

func (s *Store) ListRecurring() ([]RecurringSpec, error) {
	rows, err := s.db.Query(`SELECT ` + recurringColumns + ` FROM recurring_specs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list recurring specs: %w", err)
	}
	defer rows.Close()

	var specs []RecurringSpec
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring spec: %w", err)
		}
		specs = append(specs, *r)
	}
	return specs, rows.Err()
}

// GetDueRecurring returns active specs whose next run is at or before now.
func (s *Store) GetDueRecurring(now time.Time) ([]RecurringSpec, error) {
	rows, err := s.db.Query(`
		SELECT `+recurringColumns+`
		FROM recurring_specs
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due recurring specs: %w", err)
	}
	defer rows.Close()

	var specs []RecurringSpec
	for rows.Next() {
		r, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring spec: %w", err)
		}
		specs = append(specs, *r)
	}
	return specs, rows.Err()
}

func (s *Store) UpdateRecurringRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE recurring_specs
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateRecurringStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE recurring_specs SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteRecurring(id string) error {
	_, err := s.db.Exec(`DELETE FROM recurring_specs WHERE id = ?`, id)
	return err
}
