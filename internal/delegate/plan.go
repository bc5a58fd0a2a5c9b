package delegate

import (
	"fmt"
	"strings"
)

// InvocationParams are the parameters of one Task tool call.
type InvocationParams struct {
	Description     string `json:"description"`
	Prompt          string `json:"prompt"`
	SubagentType    string `json:"subagent_type"`
	RunInBackground bool   `json:"run_in_background"`
}

// TaskInvocation is one rendered subagent invocation.
type TaskInvocation struct {
	Tool            string           `json:"tool"`
	Parameters      InvocationParams `json:"parameters"`
	WaitForPrevious bool             `json:"waitForPrevious,omitempty"`
}

// Execution is the rendered plan for one delegation.
type Execution struct {
	Pattern         string           `json:"pattern"`
	SubtaskCount    int              `json:"subtaskCount"`
	TaskInvocations []TaskInvocation `json:"taskInvocations"`
}

// buildExecution renders subtasks into Task invocations for a pattern.
func buildExecution(task, pattern string, subtasks []Subtask) Execution {
	n := len(subtasks)
	inv := make([]TaskInvocation, 0, n)

	for i, st := range subtasks {
		var prefix string
		background := false
		wait := false
		switch pattern {
		case PatternParallel:
			prefix = fmt.Sprintf("[PARALLEL %d/%d]", i+1, n)
			background = true
		case PatternSequential:
			prefix = fmt.Sprintf("[SEQ %d/%d]", i+1, n)
			wait = i > 0
		case PatternDebate:
			prefix = [...]string{"[PRO]", "[CON]", "[SYNTH]"}[i]
			background = i < 2 // pro and con argue concurrently, synthesis waits
			wait = i == 2
		case PatternReview:
			prefix = [...]string{"[IMPL]", "[REVIEW]"}[i]
			wait = i == 1
		}

		inv = append(inv, TaskInvocation{
			Tool: "Task",
			Parameters: InvocationParams{
				Description:     prefix + " " + st.Title,
				Prompt:          buildPrompt(task, pattern, st, i, n),
				SubagentType:    classifyAgent(st.Title + " " + st.Description),
				RunInBackground: background,
			},
			WaitForPrevious: wait,
		})
	}
	return Execution{Pattern: pattern, SubtaskCount: n, TaskInvocations: inv}
}

// buildPrompt renders the prompt a subagent receives: its own slice of work,
// the parent task for context, and a coordination note for the pattern.
func buildPrompt(parent, pattern string, st Subtask, index, total int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Your subtask: %s\n\n%s\n\n", st.Title, st.Description)
	fmt.Fprintf(&b, "## Parent task\n\n%s\n\n", parent)
	b.WriteString("## Coordination\n\n")
	switch pattern {
	case PatternParallel:
		fmt.Fprintf(&b, "You are agent %d of %d running concurrently. Work independently with no shared state.\n", index+1, total)
	case PatternSequential:
		if index == 0 {
			b.WriteString("You are the first step of a sequential pipeline. Leave your outputs where the next step can find them.\n")
		} else {
			fmt.Fprintf(&b, "You are step %d of %d. Assume previous steps may have produced artifacts; build on them.\n", index+1, total)
		}
	case PatternDebate:
		switch index {
		case 0:
			b.WriteString("Argue the affirmative position as strongly as the evidence allows.\n")
		case 1:
			b.WriteString("Argue the opposing position as strongly as the evidence allows.\n")
		default:
			b.WriteString("Read both prior arguments, weigh them, and deliver a reasoned recommendation.\n")
		}
	case PatternReview:
		if index == 0 {
			b.WriteString("Implement the work. A reviewer will inspect your output next.\n")
		} else {
			b.WriteString("Assume previous steps may have produced artifacts. Review them critically and report defects.\n")
		}
	}
	return b.String()
}
