package swarm

import "time"

// LockEntry records the exclusive holder of a resource. At most one entry
// exists per resource at any time.
type LockEntry struct {
	TaskID     string    `json:"task_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// acquireLocksLocked claims every resource a task needs, all or nothing.
// Resources already held by the same task count as acquired. Callers hold
// the coordinator mutex, keeping lock acquisition atomic with the task's
// state transition.
func (c *Coordinator) acquireLocksLocked(task *Task) bool {
	for _, r := range task.Resources {
		if entry, held := c.locks[r]; held && entry.TaskID != task.ID {
			return false
		}
	}
	now := time.Now().UTC()
	for _, r := range task.Resources {
		c.locks[r] = LockEntry{TaskID: task.ID, AcquiredAt: now}
	}
	return true
}

// releaseLocksLocked removes every lock entry held by the task and returns
// the freed resource names.
func (c *Coordinator) releaseLocksLocked(task *Task) []string {
	var freed []string
	for _, r := range task.Resources {
		if entry, held := c.locks[r]; held && entry.TaskID == task.ID {
			delete(c.locks, r)
			freed = append(freed, r)
		}
	}
	return freed
}

// Locks returns a snapshot of the resource-lock table.
func (c *Coordinator) Locks() map[string]LockEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]LockEntry, len(c.locks))
	for r, e := range c.locks {
		snap[r] = e
	}
	return snap
}
