package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/akyriacou/synod/internal/swarm"
)

// execute runs one task end to end: local resource acquisition, the action
// under its timeout, and the retry/terminal bookkeeping. Resources are
// released on every path, success or not.
func (s *Subagent) execute(t *swarm.Task) {
	s.mu.Lock()
	// Forced execution still goes through resource acquisition; exclusivity
	// is never traded for liveness.
	for _, r := range t.Resources {
		if holder, held := s.resources[r]; held && holder != t.ID {
			t.ForcedExecution = false
			t.State = swarm.TaskBlocked
			t.Conflicts = []swarm.Conflict{{
				Type:        swarm.ConflictResource,
				Severity:    swarm.SeverityHigh,
				Resource:    r,
				BlockedByID: holder,
				Description: fmt.Sprintf("resource %s held by task %s", r, holder),
			}}
			s.queue = append([]*swarm.Task{t}, s.queue...)
			s.mu.Unlock()
			s.emit("task-blocked", map[string]any{"agent_id": s.agentID, "task_id": t.ID, "conflicts": t.Conflicts})
			return
		}
	}
	for _, r := range t.Resources {
		s.resources[r] = t.ID
	}
	t.State = swarm.TaskExecuting
	t.Attempts++
	attempt := t.Attempts
	startedAt := time.Now().UTC()
	t.StartedAt = &startedAt
	s.runningType = t.Type
	// Forcing covers exactly one attempt: a retry goes back through the
	// ordinary conflict checks.
	forced := t.ForcedExecution
	t.ForcedExecution = false
	s.mu.Unlock()

	slog.Info("task started", "agent", s.agentID, "task", t.ID, "attempt", attempt, "forced", forced)
	s.emit("task-started", map[string]any{"agent_id": s.agentID, "task_id": t.ID, "attempt": attempt, "forced": forced})
	if s.reporter != nil {
		s.reporter.TaskStarted(t.ID)
	}

	limit := t.Timeout
	if limit <= 0 {
		limit = s.cfg.TaskTimeout
	}

	start := time.Now()
	err := s.runAction(t, limit)
	duration := time.Since(start)

	// Guaranteed cleanup: release local resources regardless of outcome.
	s.mu.Lock()
	for _, r := range t.Resources {
		if s.resources[r] == t.ID {
			delete(s.resources, r)
		}
	}
	s.runningType = ""
	s.mu.Unlock()

	if err == nil {
		s.finishSuccess(t, duration)
		return
	}

	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	if attempt < maxRetries {
		s.mu.Lock()
		t.State = swarm.TaskQueued
		s.queue = append([]*swarm.Task{t}, s.queue...)
		s.mu.Unlock()

		slog.Warn("task retry", "agent", s.agentID, "task", t.ID, "attempt", attempt, "error", err)
		s.emit("task-retry", map[string]any{"agent_id": s.agentID, "task_id": t.ID, "attempt": attempt, "error": err.Error()})
		return
	}

	t.State = swarm.TaskFailed
	t.Error = err.Error()
	slog.Error("task failed permanently", "agent", s.agentID, "task", t.ID, "attempts", attempt, "error", err)
	s.emit("task-failed", map[string]any{"agent_id": s.agentID, "task_id": t.ID, "attempts": attempt, "error": err.Error()})
	if s.reporter != nil {
		s.reporter.TaskFailed(t.ID, err.Error())
	}
}

func (s *Subagent) finishSuccess(t *swarm.Task, duration time.Duration) {
	now := time.Now().UTC()
	s.mu.Lock()
	t.State = swarm.TaskCompleted
	t.CompletedAt = &now
	s.completed[t.ID] = now
	s.completions = append(s.completions, typedCompletion{taskType: t.Type, at: now})
	s.pruneCompletionsLocked(now)
	s.notifyDependentsLocked(t.ID)
	s.mu.Unlock()

	slog.Info("task completed", "agent", s.agentID, "task", t.ID, "duration", duration)
	s.emit("task-completed", map[string]any{"agent_id": s.agentID, "task_id": t.ID, "duration_ms": duration.Milliseconds(), "attempts": t.Attempts})
	if s.reporter != nil {
		s.reporter.TaskCompleted(t.ID, duration)
	}
}

// runAction races the task action against the per-task timeout. A timeout
// is surfaced as an ordinary failure and goes through the retry policy.
func (s *Subagent) runAction(t *swarm.Task, limit time.Duration) error {
	ctx := context.Background()
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- s.action(ctx, t)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrTaskTimeout, limit)
	}
}

// notifyDependentsLocked re-checks queued tasks blocked on the completed
// task and unblocks any whose conflicts have cleared. The drain loop picks
// them up on its next scan.
func (s *Subagent) notifyDependentsLocked(completedID string) {
	for _, queued := range s.queue {
		if queued.State != swarm.TaskBlocked {
			continue
		}
		depends := false
		for _, dep := range queued.Dependencies {
			if dep == completedID {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		if len(s.checkConflictsLocked(queued)) == 0 {
			queued.State = swarm.TaskQueued
			queued.Conflicts = nil
		}
	}
}
