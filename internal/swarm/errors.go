package swarm

import "errors"

var (
	// ErrCapacityExceeded is returned when the configured maximum swarm
	// count has been reached.
	ErrCapacityExceeded = errors.New("swarm: capacity exceeded")

	// ErrNotFound is returned for lookups of unknown swarms, agents or tasks.
	ErrNotFound = errors.New("swarm: not found")
)
