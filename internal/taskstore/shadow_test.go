package taskstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/bus"
)

func newShadowStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	events := bus.New()
	s, err := Open(filepath.Join(dir, "tasks.json"), "session-shadow",
		WithBus(events),
		WithShadow(ShadowOptions{
			Path:         filepath.Join(dir, "tasks-shadow.db"),
			P99CeilingMs: 250,
			Bus:          events,
		}))
	require.NoError(t, err)
	t.Cleanup(func() { s.Shadow().Close() })
	return s, events
}

func TestShadowMirrorsSaves(t *testing.T) {
	s, events := newShadowStore(t)

	synced, diverged := 0, 0
	events.Subscribe("shadow:synced", func(bus.Event) { synced++ })
	events.Subscribe("metric:divergence", func(bus.Event) { diverged++ })

	_, err := s.CreateTask(mkTask("task-1", "implementation", PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, s.Save())
	require.NoError(t, s.Save())

	assert.Equal(t, 2, synced)
	assert.Zero(t, diverged)

	report := s.Shadow().Report()
	assert.True(t, report.Enabled)
	assert.EqualValues(t, 2, report.Saves)
	assert.EqualValues(t, 2, report.ValidationPassed)
	assert.Empty(t, report.Divergences)
	assert.Equal(t, "healthy", report.HealthBand)
	assert.Equal(t, 100, report.HealthScore)
}

func TestShadowMigrationReadinessNeedsVolume(t *testing.T) {
	s, _ := newShadowStore(t)

	_, err := s.CreateTask(mkTask("task-1", "testing", PriorityMedium))
	require.NoError(t, err)
	require.NoError(t, s.Save())

	report := s.Shadow().Report()
	assert.Equal(t, "healthy", report.HealthBand)
	assert.False(t, report.ReadyForMigration, "needs 100 clean saves before migration")
}

func TestShadowCountsConflictsAndMerges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	seed, err := Open(path, "session-seed", WithBus(bus.New()))
	require.NoError(t, err)
	require.NoError(t, seed.Save())

	events := bus.New()
	a, err := Open(path, "session-a", WithBus(events),
		WithShadow(ShadowOptions{Path: filepath.Join(dir, "shadow.db"), Bus: events}))
	require.NoError(t, err)
	defer a.Shadow().Close()

	// Another writer bumps the version behind our back.
	other, err := Open(path, "session-other", WithBus(bus.New()))
	require.NoError(t, err)
	_, err = other.CreateTask(mkTask("racer", "research", PriorityLow))
	require.NoError(t, err)
	require.NoError(t, other.Save())

	_, err = a.CreateTask(mkTask("mine", "research", PriorityLow))
	require.NoError(t, err)
	require.NoError(t, a.Save())

	report := a.Shadow().Report()
	assert.EqualValues(t, 1, report.Conflicts)
	assert.EqualValues(t, 1, report.Merges)
	assert.EqualValues(t, 1, report.Saves)
	assert.GreaterOrEqual(t, report.LockAcquired+report.LockFailed, int64(1))
}

func TestShadowNilSafe(t *testing.T) {
	var sh *Shadow
	sh.recordSave(nil, time.Millisecond)
	sh.recordLoad(time.Millisecond)
	sh.countMerge()
	sh.countLock(true)
	sh.countError("json")
	assert.False(t, sh.ResolveDivergence("div-x", "manual"))
	assert.Equal(t, "disabled", sh.Report().HealthBand)
	assert.NoError(t, sh.Close())
}

func TestResolveDivergence(t *testing.T) {
	s, _ := newShadowStore(t)
	sh := s.Shadow()

	sh.mu.Lock()
	sh.divergences = append(sh.divergences, Divergence{ID: "div-1", Type: "content-hash", Severity: "high"})
	sh.mu.Unlock()

	assert.True(t, sh.ResolveDivergence("div-1", "re-synced manually"))
	assert.False(t, sh.ResolveDivergence("div-1", "again"), "already resolved")
	assert.False(t, sh.ResolveDivergence("div-ghost", "none"))

	report := sh.Report()
	assert.Equal(t, 100, report.HealthScore, "resolved divergences do not count against health")
}

func TestLatencyRingP99(t *testing.T) {
	r := newLatencyRing(100)
	for i := 1; i <= 100; i++ {
		r.add(float64(i))
	}
	assert.InDelta(t, 99, r.p99(), 1.01)

	// Ring wraps: newest 100 samples only.
	for i := 0; i < 50; i++ {
		r.add(1)
	}
	assert.LessOrEqual(t, r.p99(), float64(100))
}
