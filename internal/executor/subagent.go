package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/swarm"
)

// ErrTaskTimeout marks an execution that did not finish before the task's
// deadline. Treated exactly like an action failure for retry purposes.
var ErrTaskTimeout = errors.New("executor: task timed out")

// Action runs one task's work. The scheduling, retry and lock machinery
// around it is the subject of this package; the action itself is a
// pluggable strategy.
type Action func(ctx context.Context, task *swarm.Task) error

// Reporter receives task lifecycle transitions, implemented by the
// coordinator so its registry stays canonical.
type Reporter interface {
	TaskStarted(taskID string)
	TaskBlocked(taskID string, conflicts []swarm.Conflict)
	TaskCompleted(taskID string, duration time.Duration)
	TaskFailed(taskID string, errMsg string)
}

// DependencyChecker reports whether a task, possibly run by another agent,
// has completed.
type DependencyChecker func(taskID string) bool

// EventSink receives the subagent's observable events: task-queued,
// task-blocked, task-started, task-completed, task-retry, task-failed,
// deadlock-detected, deadlock-resolved.
type EventSink func(event string, data map[string]any)

type typedCompletion struct {
	taskType string
	at       time.Time
}

// Subagent executes the tasks assigned to one agent strictly one at a
// time, honoring resource, dependency and configured conflict rules, with
// bounded retries and local deadlock recovery. A single drain goroutine
// processes the queue; the processing flag guards against starting a
// second one.
type Subagent struct {
	agentID  string
	cfg      config.ExecutorConfig
	rules    []config.ConflictRule
	action   Action
	reporter Reporter
	depsDone DependencyChecker
	events   EventSink

	mu          sync.Mutex
	queue       []*swarm.Task
	resources   map[string]string // resource -> holding task ID
	runningType string            // type of the task currently executing
	completed   map[string]time.Time
	completions []typedCompletion
	processing  bool
}

func New(agentID string, cfg config.ExecutorConfig, rules []config.ConflictRule, action Action) *Subagent {
	return &Subagent{
		agentID:   agentID,
		cfg:       cfg,
		rules:     rules,
		action:    action,
		resources: make(map[string]string),
		completed: make(map[string]time.Time),
	}
}

// SetReporter registers the coordinator-side transition sink.
func (s *Subagent) SetReporter(r Reporter) {
	s.reporter = r
}

// SetDependencyChecker registers the cross-agent dependency lookup.
func (s *Subagent) SetDependencyChecker(fn DependencyChecker) {
	s.depsDone = fn
}

// SetEventSink registers the observer for subagent events.
func (s *Subagent) SetEventSink(sink EventSink) {
	s.events = sink
}

// AgentID returns the agent this subagent executes for.
func (s *Subagent) AgentID() string {
	return s.agentID
}

// Enqueue accepts a task handed over by the coordinator: conflict-check it
// immediately, insert it by priority weight, and start processing if idle.
// Implements swarm.TaskRunner.
func (s *Subagent) Enqueue(task swarm.Task) {
	t := &task

	s.mu.Lock()
	conflicts := s.checkConflictsLocked(t)
	if len(conflicts) > 0 {
		t.State = swarm.TaskBlocked
		t.Conflicts = conflicts
	} else {
		t.State = swarm.TaskQueued
		t.Conflicts = nil
	}
	s.insertByPriorityLocked(t)
	start := !s.processing
	if start {
		s.processing = true
	}
	s.mu.Unlock()

	s.emit("task-queued", map[string]any{"agent_id": s.agentID, "task_id": t.ID, "priority": t.Priority})
	if t.State == swarm.TaskBlocked {
		slog.Debug("task blocked on queue", "agent", s.agentID, "task", t.ID, "conflicts", len(t.Conflicts))
		s.emit("task-blocked", map[string]any{"agent_id": s.agentID, "task_id": t.ID, "conflicts": t.Conflicts})
		if s.reporter != nil {
			s.reporter.TaskBlocked(t.ID, t.Conflicts)
		}
	}
	if start {
		go s.run()
	}
}

// QueueLen returns the number of tasks waiting on this agent.
func (s *Subagent) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// priorityWeight orders the queue: critical=4, high=3, medium=2, low=1.
func priorityWeight(priority string) int {
	switch priority {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 2
	}
}

// insertByPriorityLocked keeps the queue ordered by descending weight,
// preserving arrival order within a weight.
func (s *Subagent) insertByPriorityLocked(t *swarm.Task) {
	w := priorityWeight(t.Priority)
	for i, queued := range s.queue {
		if priorityWeight(queued.Priority) < w {
			s.queue = append(s.queue[:i], append([]*swarm.Task{t}, s.queue[i:]...)...)
			return
		}
	}
	s.queue = append(s.queue, t)
}

// run drains the queue until nothing is runnable and nothing is waiting.
func (s *Subagent) run() {
	for {
		task := s.dequeueRunnable()
		if task == nil {
			s.mu.Lock()
			if len(s.queue) > 0 {
				forced := s.resolveDeadlockLocked()
				if forced != nil {
					s.mu.Unlock()
					s.execute(forced)
					continue
				}
				// Enqueue may have slipped a runnable task in between the
				// scan above and re-acquiring the lock; it saw processing
				// set and started no goroutine, so exiting here would
				// strand it. Rescan instead.
				if s.hasRunnableLocked() {
					s.mu.Unlock()
					continue
				}
			}
			s.processing = false
			s.mu.Unlock()
			return
		}
		s.execute(task)
	}
}

func (s *Subagent) hasRunnableLocked() bool {
	for _, t := range s.queue {
		if t.State != swarm.TaskBlocked {
			return true
		}
	}
	return false
}

// dequeueRunnable scans the queue in priority order and removes the
// first task with zero current conflicts, refreshing blocked markers on
// the way.
func (s *Subagent) dequeueRunnable() *swarm.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.queue {
		conflicts := s.checkConflictsLocked(t)
		if len(conflicts) == 0 || t.ForcedExecution {
			t.Conflicts = nil
			t.State = swarm.TaskQueued
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return t
		}
		t.State = swarm.TaskBlocked
		t.Conflicts = conflicts
	}
	return nil
}

// resolveDeadlockLocked fires when every queued task is blocked: the task
// with the fewest unmet dependencies is force-unblocked and executed. The
// forcedExecution flag is kept for observability. Forced execution still
// goes through normal resource acquisition, so mutual exclusion holds.
func (s *Subagent) resolveDeadlockLocked() *swarm.Task {
	for _, t := range s.queue {
		if t.State != swarm.TaskBlocked {
			return nil
		}
	}

	var victim *swarm.Task
	victimIdx := -1
	best := int(^uint(0) >> 1)
	for i, t := range s.queue {
		unmet := s.unmetDepsLocked(t)
		if unmet < best {
			best = unmet
			victim = t
			victimIdx = i
		}
	}
	if victim == nil {
		return nil
	}

	s.queue = append(s.queue[:victimIdx], s.queue[victimIdx+1:]...)
	victim.ForcedExecution = true
	victim.Conflicts = nil
	victim.State = swarm.TaskQueued

	slog.Warn("local deadlock detected, forcing execution", "agent", s.agentID, "task", victim.ID, "unmet_deps", best)
	s.emit("deadlock-detected", map[string]any{"agent_id": s.agentID, "queued": len(s.queue) + 1})
	s.emit("deadlock-resolved", map[string]any{"agent_id": s.agentID, "method": "forced-execution", "task": victim.ID})
	return victim
}

func (s *Subagent) unmetDepsLocked(t *swarm.Task) int {
	unmet := 0
	for _, dep := range t.Dependencies {
		if !s.dependencyDoneLocked(dep) {
			unmet++
		}
	}
	return unmet
}

func (s *Subagent) dependencyDoneLocked(taskID string) bool {
	if _, ok := s.completed[taskID]; ok {
		return true
	}
	if s.depsDone != nil {
		return s.depsDone(taskID)
	}
	return false
}

func (s *Subagent) emit(event string, data map[string]any) {
	if s.events != nil {
		s.events(event, data)
	}
}
