package memstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/bus"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKVSetGet(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Set("guardrail:learned-patterns", `[{"name":"learned_1"}]`))
	got, ok := s.Get("guardrail:learned-patterns")
	require.True(t, ok)
	assert.Equal(t, `[{"name":"learned_1"}]`, got)

	require.NoError(t, s.Set("guardrail:learned-patterns", "[]"))
	got, _ = s.Get("guardrail:learned-patterns")
	assert.Equal(t, "[]", got, "set replaces")

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestCounters(t *testing.T) {
	events := bus.New()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"), events)
	require.NoError(t, err)
	defer s.Close()

	incremented := 0
	events.Subscribe("counter:incremented", func(bus.Event) { incremented++ })

	v, err := s.Increment("tasks:completed", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	v, err = s.Increment("tasks:completed", 4)
	require.NoError(t, err)
	assert.EqualValues(t, 5, v)

	assert.EqualValues(t, 5, s.GetCounter("tasks:completed"))
	assert.Zero(t, s.GetCounter("tasks:phase:design:attempts"), "absent reads as zero")
	assert.Equal(t, 2, incremented)
}

func TestValuesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Set("key", "value"))
	_, err = s.Increment("n", 7)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, nil)
	require.NoError(t, err)
	defer s2.Close()
	got, ok := s2.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", got)
	assert.EqualValues(t, 7, s2.GetCounter("n"))
}

func TestFeedbackRows(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordFeedback(FeedbackRow{
		DetectionID: "det-1", WasCorrect: true, ActualNeed: "yes", Comment: "good catch",
	}))
	require.NoError(t, s.RecordFeedback(FeedbackRow{
		DetectionID: "det-1", WasCorrect: false, ActualNeed: "no",
	}))
	require.NoError(t, s.RecordFeedback(FeedbackRow{
		DetectionID: "det-2", WasCorrect: true, ActualNeed: "yes",
	}))

	rows, err := s.FeedbackForDetection("det-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].WasCorrect)
	assert.Equal(t, "good catch", rows[0].Comment)
	assert.Equal(t, "no", rows[1].ActualNeed)
	assert.False(t, rows[1].Timestamp.IsZero())

	rows, err = s.FeedbackForDetection("det-ghost")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLearningUpsert(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertLearning(LearningRow{PatternName: "highRisk", TP: 1}))
	require.NoError(t, s.UpsertLearning(LearningRow{PatternName: "highRisk", TP: 3, FP: 1}))
	require.NoError(t, s.UpsertLearning(LearningRow{PatternName: "design", FN: 2}))

	rows, err := s.LoadLearning()
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byName := map[string]LearningRow{}
	for _, r := range rows {
		byName[r.PatternName] = r
	}
	assert.Equal(t, 3, byName["highRisk"].TP)
	assert.Equal(t, 1, byName["highRisk"].FP)
	assert.Equal(t, 2, byName["design"].FN)
}

func TestNilStoreIsSafe(t *testing.T) {
	var s *Store

	assert.False(t, s.Available())
	assert.NoError(t, s.Set("k", "v"))
	_, ok := s.Get("k")
	assert.False(t, ok)

	v, err := s.Increment("n", 1)
	assert.NoError(t, err)
	assert.Zero(t, v)
	assert.Zero(t, s.GetCounter("n"))

	assert.NoError(t, s.RecordFeedback(FeedbackRow{}))
	assert.NoError(t, s.UpsertLearning(LearningRow{}))
	rows, err := s.LoadLearning()
	assert.NoError(t, err)
	assert.Nil(t, rows)
	assert.NoError(t, s.Close())
}
