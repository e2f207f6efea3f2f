package executor

import (
	"fmt"
	"time"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/swarm"
)

// checkConflictsLocked evaluates everything that can keep a task off the
// single execution slot right now: locally held resources, unmet
// dependencies, and the configured conflict rules.
func (s *Subagent) checkConflictsLocked(t *swarm.Task) []swarm.Conflict {
	var conflicts []swarm.Conflict

	for _, r := range t.Resources {
		if holder, held := s.resources[r]; held && holder != t.ID {
			conflicts = append(conflicts, swarm.Conflict{
				Type:        swarm.ConflictResource,
				Severity:    swarm.SeverityHigh,
				Resource:    r,
				BlockedByID: holder,
				Description: fmt.Sprintf("resource %s held by task %s", r, holder),
			})
		}
	}

	for _, dep := range t.Dependencies {
		if !s.dependencyDoneLocked(dep) {
			conflicts = append(conflicts, swarm.Conflict{
				Type:        swarm.ConflictDependency,
				Severity:    swarm.SeverityMedium,
				BlockedByID: dep,
				Description: fmt.Sprintf("dependency %s not completed", dep),
			})
		}
	}

	return append(conflicts, s.evaluateRulesLocked(t)...)
}

// evaluateRulesLocked applies the operator-configured conflict rules.
// Unknown rule types are ignored so a newer config does not wedge an
// older agent.
func (s *Subagent) evaluateRulesLocked(t *swarm.Task) []swarm.Conflict {
	now := time.Now()
	var conflicts []swarm.Conflict

	for _, rule := range s.rules {
		switch rule.Type {
		case config.RuleExclusiveAccess:
			if !intersects(rule.Resources, t.Resources) {
				continue
			}
			for _, r := range rule.Resources {
				if holder, held := s.resources[r]; held && holder != t.ID {
					conflicts = append(conflicts, swarm.Conflict{
						Type:        swarm.ConflictRule,
						Severity:    swarm.SeverityHigh,
						Resource:    r,
						BlockedByID: holder,
						Description: fmt.Sprintf("rule %s: protected resource %s held by task %s", rule.ID, r, holder),
					})
					break
				}
			}

		case config.RuleSequentialOrdering:
			if s.runningType == "" {
				continue
			}
			if contains(rule.TaskTypes, t.Type) && contains(rule.TaskTypes, s.runningType) {
				conflicts = append(conflicts, swarm.Conflict{
					Type:        swarm.ConflictRule,
					Severity:    swarm.SeverityMedium,
					Description: fmt.Sprintf("rule %s: %s tasks must wait for running %s task", rule.ID, t.Type, s.runningType),
				})
			}

		case config.RuleRateLimit:
			if !contains(rule.TaskTypes, t.Type) || rule.MaxCount <= 0 {
				continue
			}
			count := 0
			for _, c := range s.completions {
				if c.taskType == t.Type && now.Sub(c.at) <= rule.Window {
					count++
				}
			}
			if count >= rule.MaxCount {
				conflicts = append(conflicts, swarm.Conflict{
					Type:        swarm.ConflictRule,
					Severity:    swarm.SeverityLow,
					Description: fmt.Sprintf("rule %s: %d %s tasks completed within %s, limit %d", rule.ID, count, t.Type, rule.Window, rule.MaxCount),
				})
			}
		}
	}

	return conflicts
}

// pruneCompletionsLocked drops completion records older than the widest
// rate limit window, keeping the slice bounded under sustained load.
func (s *Subagent) pruneCompletionsLocked(now time.Time) {
	var widest time.Duration
	for _, rule := range s.rules {
		if rule.Type == config.RuleRateLimit && rule.Window > widest {
			widest = rule.Window
		}
	}
	if widest == 0 {
		s.completions = nil
		return
	}
	kept := s.completions[:0]
	for _, c := range s.completions {
		if now.Sub(c.at) <= widest {
			kept = append(kept, c)
		}
	}
	s.completions = kept
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
