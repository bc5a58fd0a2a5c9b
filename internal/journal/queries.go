package journal

import "strings"

// GetPromptsByPhase returns prompt records for one phase, oldest first.
func (j *Journal) GetPromptsByPhase(phase string) []PromptRecord {
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if p.Phase == phase {
			out = append(out, p)
		}
	}
	return out
}

// GetPromptsByAgent returns prompt records issued to one agent.
func (j *Journal) GetPromptsByAgent(agent string) []PromptRecord {
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if p.Agent == agent {
			out = append(out, p)
		}
	}
	return out
}

// GetSessionPrompts returns prompt records from one supervisor session.
func (j *Journal) GetSessionPrompts(sessionID string) []PromptRecord {
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	return out
}

// SearchPrompts performs a case-insensitive substring search over prompt text.
func (j *Journal) SearchPrompts(query string) []PromptRecord {
	q := strings.ToLower(query)
	var out []PromptRecord
	for _, p := range j.state.PromptHistory {
		if strings.Contains(strings.ToLower(p.Prompt), q) {
			out = append(out, p)
		}
	}
	return out
}

// GetArtifactHistory returns the lineage for one artifact path, or nil when
// the path has no lineage.
func (j *Journal) GetArtifactHistory(path string) *ArtifactLineage {
	return j.state.Lineage[path]
}

// PromptStatistics aggregates prompt history counts.
type PromptStatistics struct {
	Total          int            `json:"total"`
	ByPhase        map[string]int `json:"byPhase"`
	ByAgent        map[string]int `json:"byAgent"`
	TotalArtifacts int            `json:"totalArtifacts"`
}

// GetPromptStatistics aggregates counts by phase, by agent, and the number of
// distinct artifact paths with lineage.
func (j *Journal) GetPromptStatistics() PromptStatistics {
	stats := PromptStatistics{
		ByPhase: make(map[string]int),
		ByAgent: make(map[string]int),
	}
	for _, p := range j.state.PromptHistory {
		stats.Total++
		stats.ByPhase[p.Phase]++
		if p.Agent != "" {
			stats.ByAgent[p.Agent]++
		}
	}
	stats.TotalArtifacts = len(j.state.Lineage)
	return stats
}
