package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/consensus"
	"github.com/akyriacou/synod/internal/swarm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "synod.db")})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordSwarmUpsert(t *testing.T) {
	s := newTestStore(t)

	sw := &swarm.Swarm{
		ID:        "sw-1",
		Name:      "build-farm",
		Type:      "ci",
		State:     swarm.SwarmActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RecordSwarm(sw); err != nil {
		t.Fatalf("record swarm: %v", err)
	}

	sw.State = swarm.SwarmDraining
	if err := s.RecordSwarm(sw); err != nil {
		t.Fatalf("re-record swarm: %v", err)
	}

	got, err := s.GetSwarm("sw-1")
	if err != nil {
		t.Fatalf("get swarm: %v", err)
	}
	if got == nil {
		t.Fatal("swarm not found")
	}
	if got.State != string(swarm.SwarmDraining) {
		t.Errorf("state %q, want draining", got.State)
	}
	if got.Name != "build-farm" || got.Type != "ci" {
		t.Errorf("row %+v", got)
	}

	all, err := s.ListSwarms()
	if err != nil {
		t.Fatalf("list swarms: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("upsert produced %d rows", len(all))
	}
}

func TestGetSwarmMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetSwarm("nope")
	if err != nil {
		t.Fatalf("get swarm: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing swarm, got %+v", got)
	}
}

func TestRecordTaskTransitions(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordSwarm(&swarm.Swarm{ID: "sw-1", Name: "n", State: swarm.SwarmActive, CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}

	task := &swarm.Task{
		ID:        "t-1",
		SwarmID:   "sw-1",
		Name:      "migrate users",
		Type:      "migrate",
		Priority:  "high",
		State:     swarm.TaskQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.RecordTask(task); err != nil {
		t.Fatalf("record task: %v", err)
	}

	started := time.Now().UTC()
	task.AgentID = "agent-3"
	task.State = swarm.TaskExecuting
	task.Attempts = 1
	task.StartedAt = &started
	if err := s.RecordTask(task); err != nil {
		t.Fatalf("update task: %v", err)
	}

	got, err := s.GetTask("t-1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.State != string(swarm.TaskExecuting) || got.AgentID != "agent-3" || got.Attempts != 1 {
		t.Errorf("row %+v", got)
	}
	if got.StartedAt == nil {
		t.Error("started_at lost on update")
	}

	// Blocked tasks carry their conflicts as JSON.
	task.State = swarm.TaskBlocked
	task.Conflicts = []swarm.Conflict{{
		Type:        swarm.ConflictResource,
		Severity:    swarm.SeverityHigh,
		Resource:    "db",
		BlockedByID: "t-0",
	}}
	if err := s.RecordTask(task); err != nil {
		t.Fatalf("record blocked task: %v", err)
	}
	got, err = s.GetTask("t-1")
	if err != nil {
		t.Fatal(err)
	}
	var conflicts []swarm.Conflict
	if err := json.Unmarshal(got.Conflicts, &conflicts); err != nil {
		t.Fatalf("conflicts column not JSON: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Resource != "db" {
		t.Errorf("conflicts %+v", conflicts)
	}
}

func TestListTasksForSwarm(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for _, id := range []string{"sw-a", "sw-b"} {
		if err := s.RecordSwarm(&swarm.Swarm{ID: id, Name: id, State: swarm.SwarmActive, CreatedAt: now}); err != nil {
			t.Fatal(err)
		}
	}
	for i, tc := range []struct{ id, swarmID string }{
		{"t-1", "sw-a"}, {"t-2", "sw-b"}, {"t-3", "sw-a"},
	} {
		task := &swarm.Task{
			ID: tc.id, SwarmID: tc.swarmID, Name: tc.id, Priority: "medium",
			State: swarm.TaskQueued, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordTask(task); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.ListTasksForSwarm("sw-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != "t-1" || rows[1].ID != "t-3" {
		t.Errorf("rows %+v", rows)
	}

	all, err := s.ListTasks()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 tasks, got %d", len(all))
	}
}

func TestRecordDecisionIdempotent(t *testing.T) {
	s := newTestStore(t)

	dec := consensus.CommittedDecision{
		View:        0,
		Sequence:    1,
		Digest:      "abc",
		Value:       []byte(`{"kind":"TASK_SCHEDULE"}`),
		Votes:       3,
		CommittedAt: time.Now().UTC(),
	}
	if err := s.RecordDecision(dec); err != nil {
		t.Fatalf("record decision: %v", err)
	}

	// Replayed commits at the same (view, sequence) are silently dropped.
	dec.Votes = 99
	if err := s.RecordDecision(dec); err != nil {
		t.Fatalf("replay decision: %v", err)
	}

	rows, err := s.ListDecisions(10)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(rows))
	}
	if rows[0].Votes != 3 {
		t.Errorf("replay overwrote the original decision: %+v", rows[0])
	}
}

func TestListDecisionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	for seq := uint64(1); seq <= 3; seq++ {
		dec := consensus.CommittedDecision{
			View: 0, Sequence: seq, Digest: "d", Value: []byte(`{}`), Votes: 1, CommittedAt: now,
		}
		if err := s.RecordDecision(dec); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := s.ListDecisions(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].Sequence != 3 || rows[1].Sequence != 2 {
		t.Errorf("rows %+v", rows)
	}
}

func TestRecurringLifecycle(t *testing.T) {
	s := newTestStore(t)

	past := time.Now().UTC().Add(-time.Minute)
	future := time.Now().UTC().Add(time.Hour)

	due := &RecurringSpec{
		ID: "r-due", Name: "nightly", Schedule: "0 3 * * *",
		Spec: json.RawMessage(`{"name":"cleanup"}`), Status: "active", NextRunAt: &past,
	}
	notDue := &RecurringSpec{
		ID: "r-later", Name: "weekly", Schedule: "0 3 * * 0",
		Spec: json.RawMessage(`{"name":"report"}`), Status: "active", NextRunAt: &future,
	}
	paused := &RecurringSpec{
		ID: "r-paused", Name: "paused", Schedule: "* * * * *",
		Spec: json.RawMessage(`{}`), Status: "paused", NextRunAt: &past,
	}
	for _, r := range []*RecurringSpec{due, notDue, paused} {
		if err := s.SaveRecurring(r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}

	got, err := s.GetDueRecurring(time.Now().UTC())
	if err != nil {
		t.Fatalf("get due: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r-due" {
		t.Fatalf("due specs %+v", got)
	}
	if string(got[0].Spec) != `{"name":"cleanup"}` {
		t.Errorf("spec payload %s", got[0].Spec)
	}

	// After a run the next fire time moves forward and the spec stops
	// being due.
	if err := s.UpdateRecurringRun("r-due", "submitted", "", &future); err != nil {
		t.Fatalf("update run: %v", err)
	}
	got, err = s.GetDueRecurring(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("spec still due after run: %+v", got)
	}

	r, err := s.GetRecurring("r-due")
	if err != nil {
		t.Fatal(err)
	}
	if r.LastStatus != "submitted" || r.LastRunAt == nil {
		t.Errorf("run bookkeeping %+v", r)
	}

	if err := s.UpdateRecurringStatus("r-later", "paused"); err != nil {
		t.Fatal(err)
	}
	r, err = s.GetRecurring("r-later")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != "paused" {
		t.Errorf("status %q", r.Status)
	}

	if err := s.DeleteRecurring("r-paused"); err != nil {
		t.Fatal(err)
	}
	r, err = s.GetRecurring("r-paused")
	if err != nil {
		t.Fatal(err)
	}
	if r != nil {
		t.Errorf("deleted spec still present: %+v", r)
	}

	all, err := s.ListRecurring()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 specs, got %d", len(all))
	}
}
