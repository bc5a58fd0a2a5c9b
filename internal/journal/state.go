// Package journal maintains the per-project state file: phase progress,
// decisions, blockers, prompt history, and artifact lineage. One supervisor
// process owns its journal; rolling backups mitigate local corruption.
package journal

import (
	"time"
)

// ProjectState is the schema of project-state.json.
type ProjectState struct {
	Version       string                      `json:"version"`
	CurrentPhase  string                      `json:"current_phase"`
	PhaseHistory  []PhaseTransition           `json:"phase_history"`
	QualityScores map[string]float64          `json:"quality_scores"`
	Artifacts     map[string][]string         `json:"artifacts"` // phase -> artifact paths
	Decisions     []Decision                  `json:"decisions"`
	Blockers      []Blocker                   `json:"blockers"`
	PromptHistory []PromptRecord              `json:"promptHistory"`
	Lineage       map[string]*ArtifactLineage `json:"artifactLineage"` // path -> lineage
	LastUpdated   time.Time                   `json:"last_updated"`
}

// PhaseTransition records entry into a phase.
type PhaseTransition struct {
	Phase     string    `json:"phase"`
	EnteredAt time.Time `json:"entered_at"`
}

// Decision records a design or process decision.
type Decision struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Rationale   string    `json:"rationale,omitempty"`
	Phase       string    `json:"phase"`
	Timestamp   time.Time `json:"timestamp"`
}

// Blocker records something preventing progress until resolved.
type Blocker struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Phase       string    `json:"phase"`
	Resolved    bool      `json:"resolved"`
	CreatedAt   time.Time `json:"created_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// PromptRecord captures one prompt sent to an agent.
type PromptRecord struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	Timestamp         time.Time `json:"timestamp"`
	Phase             string    `json:"phase"`
	Agent             string    `json:"agent"`
	Prompt            string    `json:"prompt"`
	ArtifactPath      string    `json:"artifactPath,omitempty"`
	CreatedArtifacts  []string  `json:"createdArtifacts,omitempty"`
	ModifiedArtifacts []string  `json:"modifiedArtifacts,omitempty"`
	ChangeType        string    `json:"changeType,omitempty"`
}

// ArtifactVersion is one entry of an artifact's version history.
type ArtifactVersion struct {
	Version       int       `json:"version"`
	ChangeType    string    `json:"changeType"`
	ChangeSummary string    `json:"changeSummary,omitempty"`
	PromptID      string    `json:"promptId"`
	Timestamp     time.Time `json:"timestamp"`
	Agent         string    `json:"agent"`
}

// ArtifactLineage tracks the full modification history of one artifact path.
// CreatedBy is frozen at first creation. TotalModifications is maintained as
// CurrentVersion - 1.
type ArtifactLineage struct {
	ArtifactID         string            `json:"artifactId"`
	CurrentVersion     int               `json:"currentVersion"`
	Versions           []ArtifactVersion `json:"versions"`
	CreatedBy          string            `json:"createdBy"`
	RelatedPrompts     []string          `json:"relatedPrompts"`
	TotalModifications int               `json:"totalModifications"`
}

// DefaultState returns a fresh project state in the research phase.
func DefaultState() *ProjectState {
	return &ProjectState{
		Version:       "1.0",
		CurrentPhase:  "research",
		PhaseHistory:  []PhaseTransition{},
		QualityScores: map[string]float64{},
		Artifacts:     map[string][]string{},
		Decisions:     []Decision{},
		Blockers:      []Blocker{},
		PromptHistory: []PromptRecord{},
		Lineage:       map[string]*ArtifactLineage{},
		LastUpdated:   time.Now().UTC(),
	}
}
