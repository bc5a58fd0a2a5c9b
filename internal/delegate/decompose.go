package delegate

import (
	"fmt"
	"strings"
)

// Subtask is one decomposed unit of work.
type Subtask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// agentTypeRules maps keyword cues to subagent types, checked in order; the
// first matching row wins.
var agentTypeRules = []struct {
	agentType string
	keywords  []string
}{
	{"Explore", []string{"research", "investigate", "analyze", "explore"}},
	{"Backend Specialist", []string{"api", "endpoint", "server", "backend"}},
	{"Frontend Specialist", []string{"ui", "frontend", "form", "component"}},
	{"E2E Test Engineer", []string{"test", "validate", "verify"}},
	{"Plan", []string{"design", "plan", "architecture"}},
}

// classifyAgent picks the subagent type for a piece of work.
func classifyAgent(text string) string {
	lower := strings.ToLower(text)
	for _, rule := range agentTypeRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.agentType
			}
		}
	}
	return "general-purpose"
}

// Decompose splits a task into subtasks for the decided pattern. Debate is
// always three seats and review always two; other patterns split the task
// into between two and eight parts, honoring the requested agent count.
func Decompose(task string, pattern string, agents int) []Subtask {
	switch pattern {
	case PatternDebate:
		return []Subtask{
			{ID: "subtask-1", Title: "Argue for", Description: "Build the strongest case in favor: " + task},
			{ID: "subtask-2", Title: "Argue against", Description: "Build the strongest case against: " + task},
			{ID: "subtask-3", Title: "Synthesize", Description: "Weigh both arguments and recommend a position: " + task},
		}
	case PatternReview:
		return []Subtask{
			{ID: "subtask-1", Title: "Implement", Description: "Implement: " + task},
			{ID: "subtask-2", Title: "Review", Description: "Review the implementation for correctness and gaps: " + task},
		}
	}

	count := agents
	if count < 2 {
		count = 2
	}
	if count > 8 {
		count = 8
	}

	parts := splitTask(task, count)
	out := make([]Subtask, len(parts))
	for i, part := range parts {
		out[i] = Subtask{
			ID:          fmt.Sprintf("subtask-%d", i+1),
			Title:       part,
			Description: part,
		}
	}
	return out
}

// splitTask breaks a description into up to count natural pieces, splitting
// on commas and "and". A task with fewer natural seams than seats yields
// fewer, larger subtasks (never below two).
func splitTask(task string, count int) []string {
	seams := strings.FieldsFunc(task, func(r rune) bool { return r == ',' || r == ';' })
	var pieces []string
	for _, s := range seams {
		for _, sub := range strings.Split(s, " and ") {
			sub = strings.TrimSpace(sub)
			if sub != "" {
				pieces = append(pieces, sub)
			}
		}
	}

	if len(pieces) >= count {
		// Fold the tail into the last seat.
		merged := append([]string(nil), pieces[:count-1]...)
		merged = append(merged, strings.Join(pieces[count-1:], "; "))
		return merged
	}
	for len(pieces) < 2 {
		pieces = append(pieces, "Validate the result of: "+task)
	}
	return pieces
}
