package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/bus"
)

func newTestJournal(t *testing.T, opts ...Option) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "project-state.json")
	j := New(path, "session-test", opts...)
	_, err := j.Load()
	require.NoError(t, err)
	return j, path
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	j, _ := newTestJournal(t)

	assert.Equal(t, "research", j.State().CurrentPhase)
	assert.Empty(t, j.State().PromptHistory)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	j, path := newTestJournal(t)

	require.NoError(t, j.SetPhase("design"))
	j.AddDecision("use sqlite for memory", "embedded, zero ops")
	j.RecordPrompt("design the schema", PromptOptions{Agent: "subagent-1"})
	require.NoError(t, j.Save())

	j2 := New(path, "session-other")
	state, err := j2.Load()
	require.NoError(t, err)
	assert.Equal(t, "design", state.CurrentPhase)
	require.Len(t, state.Decisions, 1)
	assert.Equal(t, "use sqlite for memory", state.Decisions[0].Description)
	assert.Len(t, state.PromptHistory, 1)
}

func TestSetPhase(t *testing.T) {
	j, _ := newTestJournal(t)

	require.NoError(t, j.SetPhase("planning"))
	require.NoError(t, j.SetPhase("planning"), "re-entering the same phase is a no-op")
	require.NoError(t, j.SetPhase("implementation"))

	assert.Error(t, j.SetPhase("shipping"))
	assert.Len(t, j.State().PhaseHistory, 2)
	assert.Equal(t, "implementation", j.State().CurrentPhase)
}

func TestSaveRejectsUnknownPhase(t *testing.T) {
	j, _ := newTestJournal(t)

	j.State().CurrentPhase = "limbo"
	assert.Error(t, j.Save())
}

func TestCorruptFileRecoversFromBackup(t *testing.T) {
	events := bus.New()
	j, path := newTestJournal(t, WithBus(events))

	require.NoError(t, j.SetPhase("testing"))
	require.NoError(t, j.Save())
	// Second save backs up the valid file.
	require.NoError(t, j.Save())
	require.NoError(t, os.WriteFile(path, []byte("{garbage"), 0644))

	recovered := 0
	var source string
	events.Subscribe("journal:recovered", func(ev bus.Event) {
		recovered++
		source, _ = ev.Payload["source"].(string)
	})

	j2 := New(path, "session-test", WithBus(events))
	state, err := j2.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, "backup", source)
	assert.Equal(t, "testing", state.CurrentPhase)
}

func TestCorruptFileWithoutBackupFallsBackToDefault(t *testing.T) {
	events := bus.New()
	dir := t.TempDir()
	path := filepath.Join(dir, "project-state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"current_phase":"limbo"}`), 0644))

	var source string
	events.Subscribe("journal:recovered", func(ev bus.Event) {
		source, _ = ev.Payload["source"].(string)
	})

	j := New(path, "session-test", WithBus(events))
	state, err := j.Load()
	require.NoError(t, err)
	assert.Equal(t, "default", source)
	assert.Equal(t, "research", state.CurrentPhase)
}

func TestBackupPruning(t *testing.T) {
	j, path := newTestJournal(t, WithMaxBackups(2))

	for i := 0; i < 5; i++ {
		j.RecordPrompt("tick", PromptOptions{})
		require.NoError(t, j.Save())
	}

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(path), "backups"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 2)
}

func TestRecordPromptDefaultsToCurrentPhase(t *testing.T) {
	j, _ := newTestJournal(t)
	require.NoError(t, j.SetPhase("implementation"))

	rec := j.RecordPrompt("build the parser", PromptOptions{Agent: "subagent-1"})
	assert.Equal(t, "implementation", rec.Phase)
	assert.Equal(t, "session-test", rec.SessionID)
	assert.NotEmpty(t, rec.ID)

	rec = j.RecordPrompt("review the parser", PromptOptions{Phase: "testing"})
	assert.Equal(t, "testing", rec.Phase)
}

func TestArtifactLineage(t *testing.T) {
	j, _ := newTestJournal(t)

	first := j.RecordPrompt("create the parser", PromptOptions{
		Agent:            "subagent-1",
		CreatedArtifacts: []string{"src/parser.go"},
		ChangeSummary:    "initial version",
	})
	second := j.RecordPrompt("fix the parser", PromptOptions{
		Agent:             "subagent-2",
		ModifiedArtifacts: []string{"src/parser.go"},
		ChangeSummary:     "handle empty input",
	})

	lin := j.GetArtifactHistory("src/parser.go")
	require.NotNil(t, lin)
	assert.Equal(t, 2, lin.CurrentVersion)
	assert.Equal(t, 1, lin.TotalModifications)
	assert.Equal(t, "subagent-1", lin.CreatedBy, "creator frozen at first creation")
	require.Len(t, lin.Versions, 2)
	assert.Equal(t, "create", lin.Versions[0].ChangeType)
	assert.Equal(t, "modify", lin.Versions[1].ChangeType)
	assert.Equal(t, []string{first.ID, second.ID}, lin.RelatedPrompts)

	assert.Nil(t, j.GetArtifactHistory("src/unknown.go"))
}

func TestAddArtifactDeduplicates(t *testing.T) {
	j, _ := newTestJournal(t)

	require.NoError(t, j.AddArtifact("design", "docs/schema.md"))
	require.NoError(t, j.AddArtifact("design", "docs/schema.md"))
	assert.Error(t, j.AddArtifact("limbo", "docs/other.md"))

	assert.Len(t, j.State().Artifacts["design"], 1)
}

func TestBlockerLifecycle(t *testing.T) {
	j, _ := newTestJournal(t)

	b := j.AddBlocker("waiting on credentials review")
	assert.False(t, b.Resolved)

	assert.True(t, j.ResolveBlocker(b.ID))
	assert.False(t, j.ResolveBlocker(b.ID), "already resolved")
	assert.False(t, j.ResolveBlocker("blocker-ghost"))

	assert.True(t, j.State().Blockers[0].Resolved)
	assert.False(t, j.State().Blockers[0].ResolvedAt.IsZero())
}

func TestQueries(t *testing.T) {
	j, _ := newTestJournal(t)
	require.NoError(t, j.SetPhase("implementation"))

	j.RecordPrompt("build the API", PromptOptions{Agent: "subagent-1"})
	j.RecordPrompt("test the API", PromptOptions{Agent: "subagent-2", Phase: "testing"})
	j.RecordPrompt("document endpoints", PromptOptions{Agent: "subagent-1"})

	assert.Len(t, j.GetPromptsByPhase("implementation"), 2)
	assert.Len(t, j.GetPromptsByAgent("subagent-1"), 2)
	assert.Len(t, j.GetSessionPrompts("session-test"), 3)
	assert.Empty(t, j.GetSessionPrompts("session-other"))

	hits := j.SearchPrompts("the api")
	assert.Len(t, hits, 2, "search is case-insensitive")

	stats := j.GetPromptStatistics()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByPhase["implementation"])
	assert.Equal(t, 1, stats.ByPhase["testing"])
	assert.Equal(t, 2, stats.ByAgent["subagent-1"])
}
