// Package hierarchy is the runtime under delegated work: tiered timeouts by
// depth, a warm agent pool, a shared context cache, and subprocess
// supervision for spawned agents.
package hierarchy

import "time"

// Timeout tiers by delegation depth. The supervisor and its direct children
// get the full minute; deeper layers get progressively less so a runaway
// subtree cannot out-live its parent.
var depthTimeouts = []time.Duration{
	60 * time.Second, // depth 0: supervisor
	60 * time.Second, // depth 1
	30 * time.Second, // depth 2
	15 * time.Second, // depth 3
}

const (
	deepTimeout = 10 * time.Second // depth 4 and beyond
	minTimeout  = 2 * time.Second
)

// TimeoutPlan is the computed deadline for one agent at one depth.
type TimeoutPlan struct {
	Timeout   time.Duration `json:"timeout"`
	Grace     time.Duration `json:"grace"`
	Inherited bool          `json:"inherited"` // clamped by the parent's remaining time
}

// tierTimeout returns the raw tier value for a depth.
func tierTimeout(depth int) time.Duration {
	if depth < 0 {
		depth = 0
	}
	if depth < len(depthTimeouts) {
		return depthTimeouts[depth]
	}
	return deepTimeout
}

// gracePeriod is the window between cooperative cancellation and force kill.
func gracePeriod(depth int) time.Duration {
	switch {
	case depth <= 1:
		return 10 * time.Second
	case depth <= 3:
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}

// CalculateTimeout computes the deadline for an agent at depth, clamped so a
// child never outlives its parent: when the parent's remaining budget is
// below the tier, the child gets the remainder minus a ten percent reserve.
func CalculateTimeout(depth int, parentRemaining time.Duration) TimeoutPlan {
	tier := tierTimeout(depth)
	plan := TimeoutPlan{Timeout: tier, Grace: gracePeriod(depth)}

	if parentRemaining > 0 && parentRemaining < tier {
		clamped := parentRemaining - parentRemaining/10
		if clamped < minTimeout {
			clamped = minTimeout
		}
		plan.Timeout = clamped
		plan.Inherited = true
	}
	return plan
}
