package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overseer/internal/validate"
)

func TestParseKind(t *testing.T) {
	for _, good := range []string{"description", "taskId", "phase", "path", "command"} {
		kind, err := parseKind(good)
		require.NoError(t, err)
		assert.Equal(t, validate.Kind(good), kind)
	}

	_, err := parseKind("telepathy")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly-10", truncate("exactly-10", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))
}

func TestInitWorkspace(t *testing.T) {
	ws := t.TempDir()

	require.NoError(t, initWorkspace(ws))
	assert.FileExists(t, filepath.Join(ws, ".overseer", "config.yaml"))
	assert.FileExists(t, filepath.Join(ws, "tasks.json"))

	// Idempotent: a second init leaves existing files alone.
	marker := []byte(`{"version":"1.0","project":{"name":"kept","phases":[]},"backlog":{},"tasks":{}}`)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "tasks.json"), marker, 0644))
	require.NoError(t, initWorkspace(ws))
	data, err := os.ReadFile(filepath.Join(ws, "tasks.json"))
	require.NoError(t, err)
	assert.Equal(t, marker, data)
}

func TestBuildAppWiresComponents(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, initWorkspace(ws))

	a, err := buildApp(ws)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.store)
	assert.NotNil(t, a.jrnl)
	assert.NotNil(t, a.validator)
	assert.NotNil(t, a.detector)
	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.runner)
	assert.True(t, a.mem.Available())
	assert.Contains(t, a.sessionID, "session-")

	res := a.engine.ExecuteDelegation("build the api, test the flow, and write the docs")
	require.Empty(t, res.Error)
	require.NotNil(t, res.Execution)
	assert.NotNil(t, res.Hierarchy, "delegations register against the runner")
	assert.NotNil(t, a.runner.GetDelegation(res.Hierarchy.DelegationID))
}
