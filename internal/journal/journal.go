package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"overseer/internal/bus"
	"overseer/internal/logging"
	"overseer/internal/validate"
)

// Journal owns one project-state.json file plus its rolling backups.
type Journal struct {
	path       string
	maxBackups int
	sessionID  string
	events     *bus.Bus
	state      *ProjectState
}

// Option configures a Journal.
type Option func(*Journal)

// WithBus attaches an event bus.
func WithBus(b *bus.Bus) Option {
	return func(j *Journal) { j.events = b }
}

// WithMaxBackups overrides the rolling backup count (default 10).
func WithMaxBackups(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.maxBackups = n
		}
	}
}

// New creates a Journal for the given state file path. The file is not read
// until Load.
func New(path, sessionID string, opts ...Option) *Journal {
	j := &Journal{
		path:       path,
		maxBackups: 10,
		sessionID:  sessionID,
		state:      DefaultState(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// State returns the in-memory project state.
func (j *Journal) State() *ProjectState { return j.state }

// Load reads the state file. An unparseable or schema-invalid file falls back
// to the most recent valid backup; if no backup is valid the default state is
// used. Recovery is logged and emitted, never silently masked.
func (j *Journal) Load() (*ProjectState, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			j.state = DefaultState()
			return j.state, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	state, err := parseState(data)
	if err == nil {
		j.state = state
		return j.state, nil
	}

	logging.Get(logging.CategoryJournal).Warn("state file corrupt, attempting backup recovery: %v", err)
	recovered := j.recoverFromBackup()
	if recovered != nil {
		j.state = recovered
		j.events.Emit("journal:recovered", map[string]interface{}{"path": j.path, "source": "backup"})
		logging.Journal("recovered project state from backup")
		return j.state, nil
	}

	j.state = DefaultState()
	j.events.Emit("journal:recovered", map[string]interface{}{"path": j.path, "source": "default"})
	logging.Get(logging.CategoryJournal).Warn("no valid backup, starting from default state")
	return j.state, nil
}

// parseState unmarshals and schema-checks a state document.
func parseState(data []byte) (*ProjectState, error) {
	var st ProjectState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unparseable state: %w", err)
	}
	if !phaseKnown(st.CurrentPhase) {
		return nil, fmt.Errorf("invalid current_phase %q", st.CurrentPhase)
	}
	if st.QualityScores == nil {
		st.QualityScores = map[string]float64{}
	}
	if st.Artifacts == nil {
		st.Artifacts = map[string][]string{}
	}
	if st.Lineage == nil {
		st.Lineage = map[string]*ArtifactLineage{}
	}
	return &st, nil
}

// Save validates and persists the state atomically, backing up the previous
// contents first. An invalid current_phase is rejected.
func (j *Journal) Save() error {
	if !phaseKnown(j.state.CurrentPhase) {
		return fmt.Errorf("refusing to save: invalid current_phase %q", j.state.CurrentPhase)
	}
	j.state.LastUpdated = time.Now().UTC()

	if err := j.backupExisting(); err != nil {
		logging.Get(logging.CategoryJournal).Warn("backup failed: %v", err)
	}

	data, err := json.MarshalIndent(j.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("failed to rename state: %w", err)
	}
	logging.JournalDebug("state saved: %s (%d bytes)", j.path, len(data))
	return nil
}

// backupExisting copies current file contents into the backups/ sibling
// directory and prunes to maxBackups newest.
func (j *Journal) backupExisting() error {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	backupDir := filepath.Join(filepath.Dir(j.path), "backups")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return err
	}

	stamp := strings.ReplaceAll(time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), ":", "-")
	name := filepath.Join(backupDir, "state-backup-"+stamp)
	if err := os.WriteFile(name, data, 0644); err != nil {
		return err
	}

	return j.pruneBackups(backupDir)
}

func (j *Journal) pruneBackups(backupDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "state-backup-") {
			names = append(names, e.Name())
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for len(names) > j.maxBackups {
		old := names[0]
		names = names[1:]
		if err := os.Remove(filepath.Join(backupDir, old)); err != nil {
			logging.Get(logging.CategoryJournal).Warn("failed to prune backup %s: %v", old, err)
		}
	}
	return nil
}

// recoverFromBackup tries backups newest-first and returns the first that
// parses and validates.
func (j *Journal) recoverFromBackup() *ProjectState {
	backupDir := filepath.Join(filepath.Dir(j.path), "backups")
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "state-backup-") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(backupDir, name))
		if err != nil {
			continue
		}
		if st, err := parseState(data); err == nil {
			logging.Journal("recovered from backup %s", name)
			return st
		}
	}
	return nil
}

// SetPhase transitions to a new phase, appending to phase history.
func (j *Journal) SetPhase(phase string) error {
	if !phaseKnown(phase) {
		return fmt.Errorf("unknown phase %q", phase)
	}
	if j.state.CurrentPhase != phase {
		j.state.CurrentPhase = phase
		j.state.PhaseHistory = append(j.state.PhaseHistory, PhaseTransition{Phase: phase, EnteredAt: time.Now().UTC()})
	}
	return nil
}

// PromptOptions carries the optional fields of RecordPrompt.
type PromptOptions struct {
	Phase             string
	Agent             string
	ArtifactPath      string
	CreatedArtifacts  []string
	ModifiedArtifacts []string
	ChangeType        string
	ChangeSummary     string
}

// RecordPrompt appends a prompt record and updates artifact lineage for any
// created or modified artifacts. A creation sets currentVersion to 1; a
// modification appends a version entry and bumps totalModifications.
func (j *Journal) RecordPrompt(text string, opts PromptOptions) *PromptRecord {
	phase := opts.Phase
	if phase == "" {
		phase = j.state.CurrentPhase
	}
	rec := PromptRecord{
		ID:                "prompt-" + uuid.NewString(),
		SessionID:         j.sessionID,
		Timestamp:         time.Now().UTC(),
		Phase:             phase,
		Agent:             opts.Agent,
		Prompt:            text,
		ArtifactPath:      opts.ArtifactPath,
		CreatedArtifacts:  append([]string(nil), opts.CreatedArtifacts...),
		ModifiedArtifacts: append([]string(nil), opts.ModifiedArtifacts...),
		ChangeType:        opts.ChangeType,
	}
	j.state.PromptHistory = append(j.state.PromptHistory, rec)

	for _, path := range opts.CreatedArtifacts {
		j.recordLineage(path, "create", opts.ChangeSummary, rec.ID, opts.Agent)
	}
	for _, path := range opts.ModifiedArtifacts {
		j.recordLineage(path, "modify", opts.ChangeSummary, rec.ID, opts.Agent)
	}

	logging.JournalDebug("prompt recorded: %s (phase=%s agent=%s)", rec.ID, phase, opts.Agent)
	return &rec
}

// recordLineage applies one change to an artifact's lineage.
func (j *Journal) recordLineage(path, changeType, summary, promptID, agent string) {
	lin, ok := j.state.Lineage[path]
	if !ok {
		lin = &ArtifactLineage{
			ArtifactID: "artifact-" + uuid.NewString(),
			CreatedBy:  agent,
		}
		j.state.Lineage[path] = lin
	}

	if changeType == "create" && lin.CurrentVersion == 0 {
		lin.CurrentVersion = 1
	} else {
		lin.CurrentVersion++
	}
	lin.Versions = append(lin.Versions, ArtifactVersion{
		Version:       lin.CurrentVersion,
		ChangeType:    changeType,
		ChangeSummary: summary,
		PromptID:      promptID,
		Timestamp:     time.Now().UTC(),
		Agent:         agent,
	})
	lin.RelatedPrompts = append(lin.RelatedPrompts, promptID)
	lin.TotalModifications = lin.CurrentVersion - 1
}

// AddArtifact registers an artifact path under a phase.
func (j *Journal) AddArtifact(phase, path string) error {
	if !phaseKnown(phase) {
		return fmt.Errorf("unknown phase %q", phase)
	}
	for _, existing := range j.state.Artifacts[phase] {
		if existing == path {
			return nil
		}
	}
	j.state.Artifacts[phase] = append(j.state.Artifacts[phase], path)
	return nil
}

// AddDecision appends a decision record.
func (j *Journal) AddDecision(description, rationale string) *Decision {
	d := Decision{
		ID:          "decision-" + uuid.NewString(),
		Description: description,
		Rationale:   rationale,
		Phase:       j.state.CurrentPhase,
		Timestamp:   time.Now().UTC(),
	}
	j.state.Decisions = append(j.state.Decisions, d)
	return &d
}

// AddBlocker appends an unresolved blocker and returns it.
func (j *Journal) AddBlocker(description string) *Blocker {
	b := Blocker{
		ID:          "blocker-" + uuid.NewString(),
		Description: description,
		Phase:       j.state.CurrentPhase,
		CreatedAt:   time.Now().UTC(),
	}
	j.state.Blockers = append(j.state.Blockers, b)
	return &b
}

// ResolveBlocker marks a blocker resolved. Returns false for unknown ids.
func (j *Journal) ResolveBlocker(id string) bool {
	for i := range j.state.Blockers {
		if j.state.Blockers[i].ID == id && !j.state.Blockers[i].Resolved {
			j.state.Blockers[i].Resolved = true
			j.state.Blockers[i].ResolvedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

func phaseKnown(p string) bool {
	for _, ph := range validate.Phases {
		if p == ph {
			return true
		}
	}
	return false
}
