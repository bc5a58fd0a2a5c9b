package delegate

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArguments(t *testing.T) {
	opts, task, err := ParseArguments("--pattern parallel -a 4 --dry-run build the api and the ui")
	require.NoError(t, err)
	assert.Equal(t, PatternParallel, opts.Pattern)
	assert.Equal(t, 4, opts.Agents)
	assert.True(t, opts.DryRun)
	assert.Equal(t, "build the api and the ui", task)

	opts, task, err = ParseArguments("refactor the parser -f -d 2 --budget 50k")
	require.NoError(t, err)
	assert.True(t, opts.Force)
	assert.Equal(t, 2, opts.Depth)
	assert.Equal(t, "50k", opts.Budget)
	assert.Equal(t, "refactor the parser", task)
}

func TestParseArgumentsRejectsBadValues(t *testing.T) {
	cases := []string{
		"--pattern roundrobin do work",
		"--agents 0 do work",
		"--agents 9 do work",
		"--agents abc do work",
		"--depth -1 do work",
		"do work --pattern",
	}
	for _, c := range cases {
		_, _, err := ParseArguments(c)
		assert.Error(t, err, "args %q should fail", c)
	}
}

func TestAgentTypePrecedence(t *testing.T) {
	cases := map[string]string{
		"research the caching options":       "Explore",
		"add a new api endpoint":             "Backend Specialist",
		"build the signup form component":    "Frontend Specialist",
		"verify the login flow":              "E2E Test Engineer",
		"design the plugin architecture":     "Plan",
		"tidy the changelog":                 "general-purpose",
		"research how to test the ui":        "Explore",
		"design the api":                     "Backend Specialist",
	}
	for text, want := range cases {
		assert.Equal(t, want, classifyAgent(text), "text %q", text)
	}
}

func TestDecomposeBounds(t *testing.T) {
	subtasks := Decompose("build the api, test it, and update docs", PatternParallel, 3)
	require.Len(t, subtasks, 3)
	for i, st := range subtasks {
		assert.Equal(t, fmt.Sprintf("subtask-%d", i+1), st.ID)
		assert.NotEmpty(t, st.Title)
	}

	// A narrow task still yields at least two subtasks.
	subtasks = Decompose("polish the readme", PatternParallel, 4)
	assert.GreaterOrEqual(t, len(subtasks), 2)

	assert.Len(t, Decompose("any task", PatternDebate, 5), 3, "debate is always three seats")
	assert.Len(t, Decompose("any task", PatternReview, 5), 2, "review is always two seats")
}

func TestParallelPlanRendering(t *testing.T) {
	e := New(Config{MaxAgents: 8})

	res := e.ExecuteDelegation("--pattern parallel -a 3 build the api, test it, and update docs")
	require.Empty(t, res.Error)
	require.Empty(t, res.Warning)
	require.NotNil(t, res.Execution)
	require.Equal(t, 3, res.Execution.SubtaskCount)

	for i, inv := range res.Execution.TaskInvocations {
		assert.Equal(t, "Task", inv.Tool)
		assert.True(t, inv.Parameters.RunInBackground)
		assert.False(t, inv.WaitForPrevious)
		prefix := fmt.Sprintf("[PARALLEL %d/3]", i+1)
		assert.True(t, strings.HasPrefix(inv.Parameters.Description, prefix),
			"description %q lacks prefix %q", inv.Parameters.Description, prefix)
		assert.Contains(t, inv.Parameters.Prompt, "Work independently with no shared state")
		assert.Contains(t, inv.Parameters.Prompt, "build the api, test it, and update docs")
	}

	require.NotNil(t, res.Hierarchy)
	assert.False(t, res.Hierarchy.Registered, "no registrar attached")
	assert.NotEmpty(t, res.Hierarchy.DelegationID)
}

func TestSequentialPlanWaits(t *testing.T) {
	e := New(Config{})

	res := e.ExecuteDelegation("--pattern sequential -f migrate the schema, then backfill, then verify counts")
	require.Empty(t, res.Error)
	require.NotNil(t, res.Execution)

	inv := res.Execution.TaskInvocations
	require.GreaterOrEqual(t, len(inv), 2)
	assert.False(t, inv[0].WaitForPrevious)
	assert.False(t, inv[0].Parameters.RunInBackground)
	for i := 1; i < len(inv); i++ {
		assert.True(t, inv[i].WaitForPrevious, "step %d must wait", i+1)
		assert.Contains(t, inv[i].Parameters.Prompt, "previous steps may have produced artifacts")
	}
	assert.Contains(t, inv[0].Parameters.Description, "[SEQ 1/")
}

func TestDebatePlanSeats(t *testing.T) {
	e := New(Config{})

	res := e.ExecuteDelegation("--pattern debate -f should we adopt the new framework")
	require.NotNil(t, res.Execution)
	inv := res.Execution.TaskInvocations
	require.Len(t, inv, 3)
	assert.Contains(t, inv[0].Parameters.Description, "[PRO]")
	assert.Contains(t, inv[1].Parameters.Description, "[CON]")
	assert.Contains(t, inv[2].Parameters.Description, "[SYNTH]")
	assert.True(t, inv[2].WaitForPrevious, "synthesis waits for both arguments")
}

func TestReviewPlanSeats(t *testing.T) {
	e := New(Config{})

	res := e.ExecuteDelegation("--pattern review -f implement the payment retry logic")
	require.NotNil(t, res.Execution)
	inv := res.Execution.TaskInvocations
	require.Len(t, inv, 2)
	assert.Contains(t, inv[0].Parameters.Description, "[IMPL]")
	assert.Contains(t, inv[1].Parameters.Description, "[REVIEW]")
	assert.True(t, inv[1].WaitForPrevious)
}

func TestNoTaskDescription(t *testing.T) {
	e := New(Config{})

	for _, args := range []string{"", "--dry-run", "ab"} {
		res := e.ExecuteDelegation(args)
		assert.Equal(t, "No task description", res.Error, "args %q", args)
		assert.Nil(t, res.Execution)
	}
}

func TestNarrowTaskWarnsWithoutForce(t *testing.T) {
	e := New(Config{})

	res := e.ExecuteDelegation("fix typo")
	assert.True(t, strings.HasPrefix(res.Warning, "Delegation not recommended"))
	assert.Equal(t, "--force to override", res.Hint)
	assert.Nil(t, res.Execution)

	forced := e.ExecuteDelegation("-f fix typo")
	assert.Empty(t, forced.Warning)
	require.NotNil(t, forced.Decision)
	assert.True(t, forced.Decision.ShouldDelegate)
	assert.True(t, strings.HasPrefix(forced.Decision.Reasoning, "Forced:"))
}

func TestDryRunRendersWithoutRegistering(t *testing.T) {
	reg := &fakeRegistrar{}
	e := New(Config{}, WithRegistrar(reg))

	res := e.ExecuteDelegation("--dry-run -f build the api and the ui")
	assert.True(t, res.DryRun)
	require.NotNil(t, res.Execution)
	assert.Nil(t, res.Hierarchy)
	assert.Zero(t, reg.calls)

	live := e.ExecuteDelegation("-f build the api and the ui")
	require.NotNil(t, live.Hierarchy)
	assert.True(t, live.Hierarchy.Registered)
	assert.Equal(t, "delegation-fake", live.Hierarchy.DelegationID)
	assert.Equal(t, 1, reg.calls)
}

type fakeRegistrar struct{ calls int }

func (f *fakeRegistrar) RegisterDelegation(task string, subtasks []Subtask) (string, error) {
	f.calls++
	return "delegation-fake", nil
}

func TestFormatExecutionPlanSections(t *testing.T) {
	assert.Contains(t, FormatExecutionPlan(Result{Error: "boom"}), "Error")
	assert.Contains(t, FormatExecutionPlan(Result{Warning: "nope", Hint: "--force to override"}), "Warning")

	e := New(Config{})
	res := e.ExecuteDelegation("--dry-run -f build the api and the ui")
	text := FormatExecutionPlan(res)
	assert.Contains(t, text, "Dry Run")
	assert.Contains(t, text, "Steps:")

	live := e.ExecuteDelegation("-f build the api and the ui")
	assert.Contains(t, FormatExecutionPlan(live), "Execution Plan")
}
