package taskstore

import (
	"sort"
	"strconv"
	"strings"

	"overseer/internal/logging"
)

// ReadyFilter narrows GetReadyTasks. Zero value means every ready task in
// every tier.
type ReadyFilter struct {
	Backlog string // tier name, or "all"/"" for every tier
	Phase   string // restrict to one phase
}

// ScoredTask pairs a task with its computed priority score.
type ScoredTask struct {
	Task  *Task
	Score float64
}

// scoreTask computes the scheduling score for a ready task.
//
//	base from priority (critical 100 .. low 10)
//	+20 when the task's phase matches the active phase
//	+10 * max(0, 8 - effort hours), so small tasks float up
//	+up to 15 from the historical success rate of the task's phase
//	-5 per blocked ancestor within three requires hops
func (s *Store) scoreTask(task *Task, activePhase string) float64 {
	score := priorityBase(task.Priority)
	if activePhase != "" && task.Phase == activePhase {
		score += 20
	}
	if h, ok := parseEffortHours(task.Effort); ok {
		bonus := 8 - h
		if bonus > 0 {
			score += 10 * bonus
		}
	}
	if rate, ok := s.phaseSuccessRate(task.Phase); ok {
		score += 15 * rate
	}
	score -= 5 * float64(s.blockedAncestors(task.ID, 3))
	return score
}

// parseEffortHours parses estimates like "2h" or "30m" into hours.
func parseEffortHours(effort string) (float64, bool) {
	effort = strings.TrimSpace(strings.ToLower(effort))
	if effort == "" {
		return 0, false
	}
	switch {
	case strings.HasSuffix(effort, "h"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(effort, "h"), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	case strings.HasSuffix(effort, "m"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(effort, "m"), 64)
		if err != nil {
			return 0, false
		}
		return v / 60, true
	}
	return 0, false
}

// phaseSuccessRate reads historical completion counters from the memory
// store. Without a backend (or without history) the boost is skipped.
func (s *Store) phaseSuccessRate(phase string) (float64, bool) {
	if !s.mem.Available() || phase == "" {
		return 0, false
	}
	total := s.mem.GetCounter("tasks:phase:" + phase + ":attempts")
	if total == 0 {
		return 0, false
	}
	success := s.mem.GetCounter("tasks:phase:" + phase + ":success")
	return float64(success) / float64(total), true
}

// blockedAncestors counts blocked tasks reachable through requires edges
// within maxDepth hops.
func (s *Store) blockedAncestors(id string, maxDepth int) int {
	visited := map[string]bool{id: true}
	frontier := []string{id}
	count := 0
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, fid := range frontier {
			task := s.file.Tasks[fid]
			if task == nil {
				continue
			}
			for _, req := range task.Depends.Requires {
				if visited[req] {
					continue
				}
				visited[req] = true
				if dep := s.file.Tasks[req]; dep != nil {
					if dep.Status == StatusBlocked {
						count++
					}
					next = append(next, req)
				}
			}
		}
		frontier = next
	}
	return count
}

// GetReadyTasks returns ready tasks matching the filter, highest score first.
// Ties break toward the older task, then lexicographic id.
func (s *Store) GetReadyTasks(filter ReadyFilter) []ScoredTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyTasksLocked(filter, filter.Phase)
}

func (s *Store) readyTasksLocked(filter ReadyFilter, activePhase string) []ScoredTask {
	var ids []string
	if filter.Backlog == "" || filter.Backlog == "all" {
		for _, tier := range Tiers {
			if tier == TierCompleted {
				continue
			}
			ids = append(ids, s.file.Backlog[tier].Tasks...)
		}
	} else if tier := s.file.Backlog[filter.Backlog]; tier != nil {
		ids = append(ids, tier.Tasks...)
	}

	var out []ScoredTask
	for _, id := range ids {
		task := s.file.Tasks[id]
		if task == nil || task.Status != StatusReady {
			continue
		}
		if filter.Phase != "" && task.Phase != filter.Phase {
			continue
		}
		out = append(out, ScoredTask{Task: task.Clone(), Score: s.scoreTask(task, activePhase)})
	}
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].Score != out[k].Score {
			return out[i].Score > out[k].Score
		}
		if !out[i].Task.Created.Equal(out[k].Task.Created) {
			return out[i].Task.Created.Before(out[k].Task.Created)
		}
		return out[i].Task.ID < out[k].Task.ID
	})
	return out
}

// GetNextTask selects the task the supervisor should work on: the best ready
// task in the now tier, preferring the active phase. When now holds ready
// tasks only for other phases the best of those is returned with a
// phase-mismatch event. When now is dry and fallback is enabled, the single
// best ready task in next is promoted into now.
func (s *Store) GetNextTask(phase string, fallbackToNext bool) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.readyTasksLocked(ReadyFilter{Backlog: TierNow}, phase)
	if len(now) > 0 {
		for _, st := range now {
			if phase == "" || st.Task.Phase == phase {
				return st.Task
			}
		}
		best := now[0]
		s.events.Emit("task:phase-mismatch", map[string]interface{}{
			"id": best.Task.ID, "taskPhase": best.Task.Phase, "activePhase": phase,
		})
		logging.Tasks("no %s-phase task in now tier, selected %s (%s)", phase, best.Task.ID, best.Task.Phase)
		return best.Task
	}

	if !fallbackToNext {
		return nil
	}
	next := s.readyTasksLocked(ReadyFilter{Backlog: TierNext}, phase)
	if len(next) == 0 {
		return nil
	}
	best := next[0]
	for _, st := range next {
		if phase != "" && st.Task.Phase == phase {
			best = st
			break
		}
	}
	s.file.removeFromTier(TierNext, best.Task.ID)
	s.file.appendToTier(TierNow, best.Task.ID)
	s.events.Emit("task:promoted", map[string]interface{}{
		"task": best.Task.ID, "from": TierNext, "to": TierNow,
	})
	logging.Tasks("promoted %s from next to now", best.Task.ID)
	return best.Task
}
