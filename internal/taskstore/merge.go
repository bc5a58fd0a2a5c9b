package taskstore

import "overseer/internal/logging"

// mergeSummary reports what a three-way merge changed.
type mergeSummary struct {
	TasksAdded  int
	TasksMerged int
}

// mergeLocked folds a newer disk copy into the in-memory file. Tasks present
// only on disk are adopted; tasks present in both are merged field-wise with
// the later Updated timestamp winning, dependency links unioned, and the
// further-along status preferred. No task id is ever dropped.
func (s *Store) mergeLocked(disk *File) mergeSummary {
	var sum mergeSummary

	for id, diskTask := range disk.Tasks {
		memTask, ok := s.file.Tasks[id]
		if !ok {
			s.file.Tasks[id] = diskTask.Clone()
			sum.TasksAdded++
			s.events.Emit("task:created", map[string]interface{}{"id": id, "source": "merge"})
			continue
		}
		mergeTask(memTask, diskTask)
		sum.TasksMerged++
	}

	s.mergeBacklog(disk)
	s.reconcileDepends()
	logging.TasksDebug("merge complete: %d added, %d merged", sum.TasksAdded, sum.TasksMerged)
	return sum
}

// mergeTask folds the disk copy of a task into the memory copy in place.
func mergeTask(mem, disk *Task) {
	// Scalar fields follow the later write.
	if disk.Updated.After(mem.Updated) {
		mem.Title = disk.Title
		mem.Description = disk.Description
		mem.Phase = disk.Phase
		mem.Priority = disk.Priority
		mem.Effort = disk.Effort
		mem.Tags = append([]string(nil), disk.Tags...)
		mem.AcceptanceCriteria = append([]string(nil), disk.AcceptanceCriteria...)
		mem.Updated = disk.Updated
		for k, v := range disk.Metadata {
			if mem.Metadata == nil {
				mem.Metadata = make(map[string]interface{})
			}
			mem.Metadata[k] = v
		}
	}

	// Status prefers the further-along state regardless of timestamps, so a
	// completion on either side sticks.
	if statusRank(disk.Status) > statusRank(mem.Status) {
		mem.Status = disk.Status
	}

	mem.Depends.Blocks = unionStrings(mem.Depends.Blocks, disk.Depends.Blocks)
	mem.Depends.Requires = unionStrings(mem.Depends.Requires, disk.Depends.Requires)
	mem.Depends.Related = unionStrings(mem.Depends.Related, disk.Depends.Related)
}

// mergeBacklog unions tier membership, keeping memory's placement for ids
// both sides know and ensuring each id lands in exactly one tier. Completed
// tasks always land in the completed tier.
func (s *Store) mergeBacklog(disk *File) {
	placed := make(map[string]string)
	for _, tier := range Tiers {
		for _, id := range s.file.Backlog[tier].Tasks {
			if _, ok := placed[id]; !ok {
				placed[id] = tier
			}
		}
	}
	for _, tier := range Tiers {
		diskTier := disk.Backlog[tier]
		if diskTier == nil {
			continue
		}
		for _, id := range diskTier.Tasks {
			if _, ok := placed[id]; !ok {
				placed[id] = tier
			}
		}
	}

	memOrder := make(map[string][]string, len(Tiers))
	for _, tier := range Tiers {
		memOrder[tier] = append([]string(nil), s.file.Backlog[tier].Tasks...)
		s.file.Backlog[tier].Tasks = s.file.Backlog[tier].Tasks[:0]
	}
	// Rebuild in a stable order: memory tier order first, then disk extras.
	place := func(tierOf func(string) []string) {
		for _, tier := range Tiers {
			for _, id := range tierOf(tier) {
				want, ok := placed[id]
				if !ok {
					continue
				}
				if task := s.file.Tasks[id]; task != nil && task.Status == StatusCompleted {
					want = TierCompleted
				}
				s.file.appendToTier(want, id)
				delete(placed, id)
			}
		}
	}
	place(func(tier string) []string { return memOrder[tier] })
	place(func(tier string) []string {
		if t := disk.Backlog[tier]; t != nil {
			return t.Tasks
		}
		return nil
	})
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
