package swarm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/consensus"
	"github.com/google/uuid"
)

// TaskRunner executes the tasks assigned to one agent, one at a time.
// Tasks are handed over by value; the runner owns its copy and reports
// transitions back through the coordinator's reporter methods.
type TaskRunner interface {
	Enqueue(task Task)
}

// RunnerFactory builds the executor for a newly added agent.
type RunnerFactory func(agent *Agent) TaskRunner

// EventSink receives coordinator events: swarm-created, agent-added,
// task-queued, task-assigned, task-completed, task-failed.
type EventSink func(event string, data map[string]any)

// Archiver persists swarms, task transitions and committed decisions.
type Archiver interface {
	RecordSwarm(s *Swarm) error
	RecordTask(t *Task) error
	RecordDecision(d consensus.CommittedDecision) error
}

// Coordinator owns the swarm/agent/task registries and the resource-lock
// table. Every scheduling decision is serialized through the consensus
// layer before it takes effect, so cooperating coordinators converge on
// the same schedule. All registry state is guarded by one mutex; effects
// (consensus proposals, runner handoffs, events) run after it is released.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	node      *consensus.Node
	events    EventSink
	store     Archiver
	newRunner RunnerFactory

	mu        sync.Mutex
	swarms    map[string]*Swarm
	agents    map[string]*Agent
	tasks     map[string]*Task
	locks     map[string]LockEntry
	queues    map[string][]string // swarmID -> queued task IDs
	runners   map[string]TaskRunner
	execTimes map[string][]time.Duration // task type -> recent durations
}

func NewCoordinator(cfg config.CoordinatorConfig, node *consensus.Node) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		node:      node,
		swarms:    make(map[string]*Swarm),
		agents:    make(map[string]*Agent),
		tasks:     make(map[string]*Task),
		locks:     make(map[string]LockEntry),
		queues:    make(map[string][]string),
		runners:   make(map[string]TaskRunner),
		execTimes: make(map[string][]time.Duration),
	}
	node.OnExecute(c.onDecision)
	return c
}

// SetEventSink registers the observer for coordinator events.
func (c *Coordinator) SetEventSink(sink EventSink) {
	c.events = sink
}

// SetArchiver registers the persistence backend. Optional; persistence
// failures are logged and never affect scheduling.
func (c *Coordinator) SetArchiver(a Archiver) {
	c.store = a
}

// SetRunnerFactory registers the builder used to create an executor for
// each newly added agent. Without a factory, runners must be attached
// explicitly via AttachRunner.
func (c *Coordinator) SetRunnerFactory(f RunnerFactory) {
	c.newRunner = f
}

// CreateSwarm allocates a swarm, bounded by the configured maximum.
func (c *Coordinator) CreateSwarm(cfg SwarmConfig) (*Swarm, error) {
	c.mu.Lock()
	if len(c.swarms) >= c.cfg.MaxSwarms {
		c.mu.Unlock()
		return nil, fmt.Errorf("max swarms %d reached: %w", c.cfg.MaxSwarms, ErrCapacityExceeded)
	}
	sw := &Swarm{
		ID:        uuid.New().String(),
		Name:      cfg.Name,
		Type:      cfg.Type,
		AgentIDs:  make(map[string]struct{}),
		TaskIDs:   make(map[string]struct{}),
		State:     SwarmActive,
		CreatedAt: time.Now().UTC(),
	}
	c.swarms[sw.ID] = sw
	c.mu.Unlock()

	slog.Info("swarm created", "id", sw.ID, "name", sw.Name)
	c.archiveSwarm(sw)
	c.emit("swarm-created", map[string]any{"swarm_id": sw.ID, "name": sw.Name})
	return sw, nil
}

// AddAgentToSwarm registers an agent with a swarm.
func (c *Coordinator) AddAgentToSwarm(swarmID string, spec AgentSpec) (*Agent, error) {
	c.mu.Lock()
	sw, ok := c.swarms[swarmID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("swarm %s: %w", swarmID, ErrNotFound)
	}
	agent := &Agent{
		ID:           uuid.New().String(),
		Name:         spec.Name,
		Type:         spec.Type,
		Capabilities: make(map[string]struct{}, len(spec.Capabilities)),
		SwarmID:      swarmID,
		State:        AgentIdle,
	}
	for _, cap := range spec.Capabilities {
		agent.Capabilities[cap] = struct{}{}
	}
	c.agents[agent.ID] = agent
	sw.AgentIDs[agent.ID] = struct{}{}
	if c.newRunner != nil {
		c.runners[agent.ID] = c.newRunner(agent)
	}
	c.mu.Unlock()

	slog.Info("agent added", "swarm", swarmID, "agent", agent.ID, "type", agent.Type)
	c.emit("agent-added", map[string]any{"swarm_id": swarmID, "agent_id": agent.ID, "type": agent.Type})
	return agent, nil
}

// AttachRunner binds an agent to its task executor.
func (c *Coordinator) AttachRunner(agentID string, r TaskRunner) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.agents[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	c.runners[agentID] = r
	return nil
}

// SubmitTask builds the task record, detects conflicts, and proposes a
// TASK_SCHEDULE decision to the consensus layer. Nothing is scheduled
// until a quorum commits the decision.
func (c *Coordinator) SubmitTask(spec TaskSpec) (*Task, error) {
	c.mu.Lock()
	sw, ok := c.swarms[spec.SwarmID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("swarm %s: %w", spec.SwarmID, ErrNotFound)
	}

	task := &Task{
		ID:           uuid.New().String(),
		Name:         spec.Name,
		Type:         spec.Type,
		Resources:    spec.Resources,
		Dependencies: spec.Dependencies,
		Priority:     spec.Priority,
		SwarmID:      spec.SwarmID,
		State:        TaskPending,
		MaxRetries:   spec.MaxRetries,
		Timeout:      spec.Timeout,
		CreatedAt:    time.Now().UTC(),
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	c.tasks[task.ID] = task
	sw.TaskIDs[task.ID] = struct{}{}

	var resolutions []Resolution
	if c.cfg.ConflictDetection {
		conflicts := c.detectConflictsLocked(task)
		task.Conflicts = conflicts
		resolutions = c.proposeResolutionLocked(task, conflicts)
	}

	dec := decision{
		Kind:        "TASK_SCHEDULE",
		TaskID:      task.ID,
		SwarmID:     task.SwarmID,
		Resolutions: resolutions,
	}
	c.mu.Unlock()

	c.archiveTask(task)
	if err := c.propose(dec); err != nil {
		return task, fmt.Errorf("propose schedule for task %s: %w", task.ID, err)
	}
	return task, nil
}

func (c *Coordinator) propose(dec decision) error {
	value, err := json.Marshal(dec)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return c.node.SubmitProposal(value, map[string]string{"kind": dec.Kind})
}

// onDecision is the consensus execute callback: a quorum has committed the
// decision, so it is now safe to apply.
func (c *Coordinator) onDecision(committed consensus.CommittedDecision) {
	var dec decision
	if err := json.Unmarshal(committed.Value, &dec); err != nil {
		slog.Error("undecodable committed decision", "error", err)
		return
	}
	if c.store != nil {
		if err := c.store.RecordDecision(committed); err != nil {
			slog.Warn("record decision failed", "error", err)
		}
	}
	switch dec.Kind {
	case "TASK_SCHEDULE":
		c.scheduleTask(dec.TaskID)
	default:
		slog.Warn("committed decision of unknown kind", "kind", dec.Kind)
	}
}

// scheduleTask finds the best available agent, acquires all requested
// resource locks atomically, and hands the task to that agent's runner.
// With no agent or lock available the task joins its swarm queue.
func (c *Coordinator) scheduleTask(taskID string) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok || (task.State != TaskPending && task.State != TaskQueued) {
		c.mu.Unlock()
		return
	}
	if task.State == TaskQueued && task.AgentID != "" {
		// Already handed to a runner; a duplicate decision commit is a no-op.
		c.mu.Unlock()
		return
	}

	conflicts := c.detectConflictsLocked(task)
	blocked := false
	for _, cf := range conflicts {
		if cf.Type == ConflictResource || cf.Type == ConflictDependency {
			blocked = true
			break
		}
	}
	task.Conflicts = conflicts

	if blocked {
		c.queueLocked(task)
		c.mu.Unlock()
		c.archiveTask(task)
		c.emit("task-queued", map[string]any{"swarm_id": task.SwarmID, "task_id": task.ID})
		return
	}

	agent := c.findAvailableAgentLocked(task)
	if agent == nil || !c.acquireLocksLocked(task) {
		c.queueLocked(task)
		c.mu.Unlock()
		c.archiveTask(task)
		c.emit("task-queued", map[string]any{"swarm_id": task.SwarmID, "task_id": task.ID})
		return
	}

	c.removeFromQueueLocked(task)
	task.AgentID = agent.ID
	task.State = TaskQueued
	agent.State = AgentBusy
	agent.CurrentTaskID = task.ID
	runner := c.runners[agent.ID]
	handoff := *task
	c.mu.Unlock()

	slog.Info("task assigned", "task", task.ID, "agent", agent.ID)
	c.archiveTask(task)
	c.emit("task-assigned", map[string]any{"swarm_id": task.SwarmID, "task_id": task.ID, "agent_id": agent.ID})
	runner.Enqueue(handoff)
}

func (c *Coordinator) queueLocked(task *Task) {
	if task.State == TaskQueued {
		for _, id := range c.queues[task.SwarmID] {
			if id == task.ID {
				return
			}
		}
	}
	task.State = TaskQueued
	c.queues[task.SwarmID] = append(c.queues[task.SwarmID], task.ID)
}

func (c *Coordinator) removeFromQueueLocked(task *Task) {
	q := c.queues[task.SwarmID]
	for i, id := range q {
		if id == task.ID {
			c.queues[task.SwarmID] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// findAvailableAgentLocked scores idle agents by prior completions, task
// type capability and type match. Ties break toward the first match in
// sorted agent ID order.
func (c *Coordinator) findAvailableAgentLocked(task *Task) *Agent {
	sw, ok := c.swarms[task.SwarmID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(sw.AgentIDs))
	for id := range sw.AgentIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	switch c.cfg.ExecutionMode {
	case "sequential":
		// One task in flight per swarm.
		for _, id := range ids {
			if a := c.agents[id]; a != nil && a.State == AgentBusy {
				return nil
			}
		}
	case "hybrid":
		// Parallel across types, sequential within a type.
		for _, t := range c.tasks {
			if t.SwarmID == task.SwarmID && t.Type == task.Type &&
				(t.State == TaskExecuting || (t.State == TaskQueued && t.AgentID != "")) {
				return nil
			}
		}
	}

	var best *Agent
	bestScore := -1
	for _, id := range ids {
		a := c.agents[id]
		if a == nil || a.State != AgentIdle || c.runners[id] == nil {
			continue
		}
		score := a.TasksCompleted
		if _, ok := a.Capabilities[task.Type]; ok {
			score += 10
		}
		if a.Type == task.Type {
			score += 5
		}
		if score > bestScore {
			bestScore = score
			best = a
		}
	}
	return best
}

// TaskStarted records the executor's transition to EXECUTING.
func (c *Coordinator) TaskStarted(taskID string) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if ok {
		now := time.Now().UTC()
		task.State = TaskExecuting
		task.StartedAt = &now
	}
	c.mu.Unlock()
	if ok {
		c.archiveTask(task)
	}
}

// TaskBlocked records executor-side conflicts for a handed-over task.
func (c *Coordinator) TaskBlocked(taskID string, conflicts []Conflict) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if ok {
		task.State = TaskBlocked
		task.Conflicts = conflicts
	}
	c.mu.Unlock()
	if ok {
		c.archiveTask(task)
	}
}

// TaskCompleted finalizes a successful task: the agent goes idle, locks are
// released, and queued tasks blocked behind them are rescheduled.
func (c *Coordinator) TaskCompleted(taskID string, duration time.Duration) {
	c.finishTask(taskID, duration, "")
}

// TaskFailed finalizes a permanently failed task the same way, keeping the
// failure reason.
func (c *Coordinator) TaskFailed(taskID string, errMsg string) {
	c.finishTask(taskID, 0, errMsg)
}

func (c *Coordinator) finishTask(taskID string, duration time.Duration, errMsg string) {
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.CompletedAt = &now
	if errMsg == "" {
		task.State = TaskCompleted
		samples := append(c.execTimes[task.Type], duration)
		if len(samples) > 20 {
			samples = samples[len(samples)-20:]
		}
		c.execTimes[task.Type] = samples
	} else {
		task.State = TaskFailed
		task.Error = errMsg
	}

	if agent, ok := c.agents[task.AgentID]; ok {
		agent.State = AgentIdle
		agent.CurrentTaskID = ""
		if errMsg == "" {
			agent.TasksCompleted++
		}
	}

	freed := c.releaseLocksLocked(task)
	resubmit := c.reprocessQueuesLocked()
	c.mu.Unlock()

	c.archiveTask(task)
	if errMsg == "" {
		slog.Info("task completed", "task", taskID, "duration", duration)
		c.emit("task-completed", map[string]any{"swarm_id": task.SwarmID, "task_id": taskID, "duration_ms": duration.Milliseconds()})
	} else {
		slog.Warn("task failed", "task", taskID, "error", errMsg)
		c.emit("task-failed", map[string]any{"swarm_id": task.SwarmID, "task_id": taskID, "error": errMsg})
	}
	if len(freed) > 0 {
		slog.Debug("resource locks released", "task", taskID, "resources", freed)
	}
	for _, dec := range resubmit {
		if err := c.propose(dec); err != nil {
			slog.Error("reschedule proposal failed", "task", dec.TaskID, "error", err)
		}
	}
}

// reprocessQueuesLocked re-scans every swarm queue for tasks whose
// conflicts have cleared and returns schedule decisions to re-propose.
// This is how waiting tasks make progress without polling.
func (c *Coordinator) reprocessQueuesLocked() []decision {
	var resubmit []decision
	for swarmID, queue := range c.queues {
		for _, taskID := range queue {
			task, ok := c.tasks[taskID]
			if !ok {
				continue
			}
			resolvable := true
			for _, cf := range c.detectConflictsLocked(task) {
				if cf.Type == ConflictResource || cf.Type == ConflictDependency {
					resolvable = false
					break
				}
			}
			if resolvable {
				resubmit = append(resubmit, decision{
					Kind:    "TASK_SCHEDULE",
					TaskID:  taskID,
					SwarmID: swarmID,
				})
			}
		}
	}
	return resubmit
}

// IsTaskCompleted reports whether a task has reached COMPLETED. Executors
// use this to check cross-agent dependencies.
func (c *Coordinator) IsTaskCompleted(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	return ok && task.State == TaskCompleted
}

// GetTask returns a copy of the task record.
func (c *Coordinator) GetTask(taskID string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return *task, nil
}

// ListTasks returns copies of all task records, newest first.
func (c *Coordinator) ListTasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks
}

// ListSwarms returns copies of all swarm records.
func (c *Coordinator) ListSwarms() []Swarm {
	c.mu.Lock()
	defer c.mu.Unlock()
	swarms := make([]Swarm, 0, len(c.swarms))
	for _, sw := range c.swarms {
		cp := *sw
		cp.AgentIDs = nil
		cp.TaskIDs = nil
		swarms = append(swarms, cp)
	}
	sort.Slice(swarms, func(i, j int) bool { return swarms[i].CreatedAt.Before(swarms[j].CreatedAt) })
	return swarms
}

// ListAgents returns copies of all agent records.
func (c *Coordinator) ListAgents() []Agent {
	c.mu.Lock()
	defer c.mu.Unlock()
	agents := make([]Agent, 0, len(c.agents))
	for _, a := range c.agents {
		cp := *a
		cp.Capabilities = nil
		agents = append(agents, cp)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// QueueDepth returns the number of queued tasks for a swarm.
func (c *Coordinator) QueueDepth(swarmID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[swarmID])
}

func (c *Coordinator) emit(event string, data map[string]any) {
	if c.events != nil {
		c.events(event, data)
	}
}

func (c *Coordinator) archiveTask(task *Task) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	cp := *task
	c.mu.Unlock()
	if err := c.store.RecordTask(&cp); err != nil {
		slog.Warn("record task failed", "task", cp.ID, "error", err)
	}
}

func (c *Coordinator) archiveSwarm(sw *Swarm) {
	if c.store == nil {
		return
	}
	if err := c.store.RecordSwarm(sw); err != nil {
		slog.Warn("record swarm failed", "swarm", sw.ID, "error", err)
	}
}
