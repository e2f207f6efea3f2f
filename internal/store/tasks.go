package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akyriacou/synod/internal/swarm"
)

// TaskRow is the persisted shape of a task transition. Each RecordTask
// call overwrites the row with the latest state, so the table always
// reflects the registry.
type TaskRow struct {
	ID          string          `json:"id"`
	SwarmID     string          `json:"swarm_id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Priority    string          `json:"priority"`
	State       string          `json:"state"`
	Attempts    int             `json:"attempts"`
	Forced      bool            `json:"forced"`
	Conflicts   json.RawMessage `json:"conflicts,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

const taskColumns = `id, swarm_id, agent_id, name, type, priority, state, attempts, forced, conflicts, error, created_at, started_at, completed_at`

func scanTaskRow(scanner interface {
	Scan(dest ...any) error
}) (*TaskRow, error) {
	r := &TaskRow{}
	var agentID, conflicts, errMsg *string
	err := scanner.Scan(&r.ID, &r.SwarmID, &agentID, &r.Name, &r.Type, &r.Priority, &r.State,
		&r.Attempts, &r.Forced, &conflicts, &errMsg, &r.CreatedAt, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if agentID != nil {
		r.AgentID = *agentID
	}
	if conflicts != nil {
		r.Conflicts = json.RawMessage(*conflicts)
	}
	if errMsg != nil {
		r.Error = *errMsg
	}
	return r, nil
}

// RecordTask upserts the task's current state.
func (s *Store) RecordTask(t *swarm.Task) error {
	var conflicts any
	if len(t.Conflicts) > 0 {
		data, err := json.Marshal(t.Conflicts)
		if err != nil {
			return fmt.Errorf("marshal conflicts: %w", err)
		}
		conflicts = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, swarm_id, agent_id, name, type, priority, state, attempts, forced, conflicts, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			state = excluded.state,
			attempts = excluded.attempts,
			forced = excluded.forced,
			conflicts = excluded.conflicts,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		t.ID, t.SwarmID, t.AgentID, t.Name, t.Type, t.Priority, string(t.State),
		t.Attempts, t.ForcedExecution, conflicts, t.Error, t.CreatedAt.UTC(), t.StartedAt, t.CompletedAt)
	if err != nil {
		return fmt.Errorf("record task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(id string) (*TaskRow, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	r, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r, nil
}

func (s *Store) ListTasks() ([]TaskRow, error) {
	return s.queryTasks(`SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at`)
}

func (s *Store) ListTasksForSwarm(swarmID string) ([]TaskRow, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE swarm_id = ? ORDER BY created_at`, swarmID)
}

func (s *Store) queryTasks(query string, args ...any) ([]TaskRow, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []TaskRow
	for rows.Next() {
		r, err := scanTaskRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *r)
	}
	return tasks, rows.Err()
}
