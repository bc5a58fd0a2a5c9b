package taskstore

import "fmt"

// DependencyGraph is the dependency neighborhood of one task.
type DependencyGraph struct {
	TaskID      string   `json:"taskId"`
	Ancestors   []string `json:"ancestors"`   // transitive requires closure
	Descendants []string `json:"descendants"` // transitive blocks closure
	Blocking    []string `json:"blocking"`    // tasks whose requires names this task
	BlockedBy   []string `json:"blockedBy"`   // this task's direct requires
}

// GetDependencyGraph computes the dependency neighborhood of a task.
// Traversals are depth-bounded and cycle-safe.
func (s *Store) GetDependencyGraph(id string) (*DependencyGraph, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.file.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("graph %q: %w", id, ErrNotFound)
	}

	g := &DependencyGraph{
		TaskID:    id,
		BlockedBy: append([]string(nil), task.Depends.Requires...),
	}
	g.Ancestors = s.closure(id, func(t *Task) []string { return t.Depends.Requires })
	g.Descendants = s.closure(id, func(t *Task) []string { return t.Depends.Blocks })
	for _, other := range s.file.Tasks {
		for _, req := range other.Depends.Requires {
			if req == id {
				g.Blocking = append(g.Blocking, other.ID)
				break
			}
		}
	}
	return g, nil
}

// closure walks edges breadth-first up to the store's graph depth, skipping
// already-visited nodes so cycles terminate.
func (s *Store) closure(start string, edges func(*Task) []string) []string {
	visited := map[string]bool{start: true}
	frontier := []string{start}
	var out []string
	for depth := 0; depth < s.graphDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			task := s.file.Tasks[id]
			if task == nil {
				continue
			}
			for _, e := range edges(task) {
				if visited[e] {
					continue
				}
				visited[e] = true
				if s.file.Tasks[e] != nil {
					out = append(out, e)
					next = append(next, e)
				}
			}
		}
		frontier = next
	}
	return out
}
