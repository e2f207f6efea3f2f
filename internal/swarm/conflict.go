package swarm

import (
	"fmt"
	"time"
)

// detectConflictsLocked runs the three independent checks against the
// current registry state: resource locks held by other tasks (high),
// incomplete dependencies (medium), and no idle agent in the target swarm
// (low).
func (c *Coordinator) detectConflictsLocked(task *Task) []Conflict {
	var conflicts []Conflict

	for _, r := range task.Resources {
		if entry, held := c.locks[r]; held && entry.TaskID != task.ID {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictResource,
				Severity:    SeverityHigh,
				Resource:    r,
				BlockedByID: entry.TaskID,
				Description: fmt.Sprintf("resource %s locked by task %s", r, entry.TaskID),
			})
		}
	}

	for _, dep := range task.Dependencies {
		depTask, ok := c.tasks[dep]
		if !ok || depTask.State != TaskCompleted {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictDependency,
				Severity:    SeverityMedium,
				BlockedByID: dep,
				Description: fmt.Sprintf("dependency %s not completed", dep),
			})
		}
	}

	if sw, ok := c.swarms[task.SwarmID]; ok {
		idle := 0
		for agentID := range sw.AgentIDs {
			if a, ok := c.agents[agentID]; ok && a.State == AgentIdle {
				idle++
			}
		}
		if idle == 0 {
			conflicts = append(conflicts, Conflict{
				Type:        ConflictCapacity,
				Severity:    SeverityLow,
				Description: fmt.Sprintf("swarm %s has no idle agent", task.SwarmID),
			})
		}
	}

	return conflicts
}

// DetectConflicts reports the scheduling conflicts a task would hit right now.
func (c *Coordinator) DetectConflicts(taskID string) ([]Conflict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return c.detectConflictsLocked(task), nil
}

// proposeResolutionLocked maps each conflict to an action. Resource and
// dependency conflicts queue the task; the estimated wait for a resource is
// derived from the historical average execution time of the holder's task
// type. Capacity conflicts request an extra agent, falling back to queuing.
func (c *Coordinator) proposeResolutionLocked(task *Task, conflicts []Conflict) []Resolution {
	resolutions := make([]Resolution, 0, len(conflicts))
	for _, cf := range conflicts {
		switch cf.Type {
		case ConflictResource:
			wait := time.Duration(0)
			if holder, ok := c.tasks[cf.BlockedByID]; ok {
				wait = c.avgExecTimeLocked(holder.Type)
			}
			resolutions = append(resolutions, Resolution{
				Action:        "wait-for-resource",
				Conflict:      cf,
				EstimatedWait: wait,
			})
		case ConflictDependency:
			resolutions = append(resolutions, Resolution{
				Action:   "wait-for-dependency",
				Conflict: cf,
			})
		case ConflictCapacity:
			resolutions = append(resolutions, Resolution{
				Action:   "scale-swarm",
				Conflict: cf,
			})
		}
	}
	return resolutions
}

// avgExecTimeLocked returns the mean observed execution time for a task type.
func (c *Coordinator) avgExecTimeLocked(taskType string) time.Duration {
	samples := c.execTimes[taskType]
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}
