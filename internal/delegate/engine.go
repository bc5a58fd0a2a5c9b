package delegate

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"overseer/internal/bus"
	"overseer/internal/logging"
)

// Registrar registers a delegation with the hierarchy runtime so spawned
// agents are tracked and supervised.
type Registrar interface {
	RegisterDelegation(task string, subtasks []Subtask) (string, error)
}

// Engine is the delegation engine.
type Engine struct {
	maxAgents      int
	defaultPattern string
	oracle         Oracle
	events         *bus.Bus
	registrar      Registrar
}

// Config tunes the engine.
type Config struct {
	MaxAgents      int
	DefaultPattern string
}

// Option configures an Engine.
type Option func(*Engine)

// WithBus attaches the event bus.
func WithBus(b *bus.Bus) Option {
	return func(e *Engine) { e.events = b }
}

// WithOracle replaces the default heuristic oracle.
func WithOracle(o Oracle) Option {
	return func(e *Engine) {
		if o != nil {
			e.oracle = o
		}
	}
}

// WithRegistrar attaches the hierarchy registrar.
func WithRegistrar(r Registrar) Option {
	return func(e *Engine) { e.registrar = r }
}

// New builds an Engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{
		maxAgents:      cfg.MaxAgents,
		defaultPattern: cfg.DefaultPattern,
		oracle:         NewHeuristicOracle(),
	}
	if e.maxAgents <= 0 || e.maxAgents > 8 {
		e.maxAgents = 8
	}
	if e.defaultPattern == "" {
		e.defaultPattern = PatternParallel
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// GetDelegationDecision consults the oracle, then applies overrides: --force
// always delegates, and an explicit pattern replaces the oracle's choice.
func (e *Engine) GetDelegationDecision(task string, opts Options) Decision {
	d := e.oracle.Decide(task, opts)
	if opts.Force {
		d.ShouldDelegate = true
		d.Reasoning = "Forced: " + d.Reasoning
	}
	if opts.Pattern != "" {
		d.Pattern = opts.Pattern
	}
	if d.Pattern == "" {
		d.Pattern = e.defaultPattern
	}
	if opts.Agents > 0 {
		d.AgentCount = opts.Agents
	}
	if d.AgentCount < 2 {
		d.AgentCount = 2
	}
	if d.AgentCount > e.maxAgents {
		d.AgentCount = e.maxAgents
	}
	return d
}

// Result is the outcome of ExecuteDelegation, exactly one of four variants:
// error, warning, dry-run, or success.
type Result struct {
	Error     string     `json:"error,omitempty"`
	Warning   string     `json:"warning,omitempty"`
	Hint      string     `json:"hint,omitempty"`
	DryRun    bool       `json:"dryRun,omitempty"`
	Task      string     `json:"task,omitempty"`
	Decision  *Decision  `json:"decision,omitempty"`
	Execution *Execution `json:"execution,omitempty"`
	Hierarchy *Hierarchy `json:"hierarchy,omitempty"`
}

// Hierarchy reports delegation registration with the runtime.
type Hierarchy struct {
	Registered   bool   `json:"registered"`
	DelegationID string `json:"delegationId"`
}

// ExecuteDelegation runs the full pipeline for one argument string: parse,
// decide, decompose, render, register.
func (e *Engine) ExecuteDelegation(argString string) Result {
	opts, task, err := ParseArguments(argString)
	if err != nil {
		return Result{Error: err.Error()}
	}
	if len(strings.TrimSpace(task)) < 3 {
		return Result{Error: "No task description"}
	}

	decision := e.GetDelegationDecision(task, opts)
	if !decision.ShouldDelegate {
		logging.DelegateDebug("delegation declined: %s", decision.Reasoning)
		return Result{
			Task:     task,
			Decision: &decision,
			Warning:  "Delegation not recommended: " + decision.Reasoning,
			Hint:     "--force to override",
		}
	}

	subtasks := Decompose(task, decision.Pattern, decision.AgentCount)
	exec := buildExecution(task, decision.Pattern, subtasks)

	if opts.DryRun {
		return Result{DryRun: true, Task: task, Decision: &decision, Execution: &exec}
	}

	h := &Hierarchy{DelegationID: "delegation-" + uuid.NewString()}
	if e.registrar != nil {
		id, err := e.registrar.RegisterDelegation(task, subtasks)
		if err != nil {
			logging.Get(logging.CategoryDelegate).Warn("delegation registration failed: %v", err)
		} else {
			h.Registered = true
			h.DelegationID = id
		}
	}

	e.events.Emit("delegate:executed", map[string]interface{}{
		"delegationId": h.DelegationID,
		"pattern":      exec.Pattern,
		"subtasks":     exec.SubtaskCount,
	})
	logging.Delegate("delegation %s: pattern=%s subtasks=%d registered=%v",
		h.DelegationID, exec.Pattern, exec.SubtaskCount, h.Registered)

	return Result{Task: task, Decision: &decision, Execution: &exec, Hierarchy: h}
}

// FormatExecutionPlan renders a Result as plain text for the CLI.
func FormatExecutionPlan(r Result) string {
	var b strings.Builder
	switch {
	case r.Error != "":
		b.WriteString("Error\n-----\n")
		b.WriteString(r.Error + "\n")
	case r.Warning != "":
		b.WriteString("Warning\n-------\n")
		b.WriteString(r.Warning + "\n")
		if r.Hint != "" {
			b.WriteString("Hint: " + r.Hint + "\n")
		}
	case r.DryRun:
		b.WriteString("Dry Run\n-------\n")
		writePlan(&b, r)
	default:
		b.WriteString("Execution Plan\n--------------\n")
		writePlan(&b, r)
		if r.Hierarchy != nil {
			fmt.Fprintf(&b, "\nDelegation: %s (registered=%v)\n", r.Hierarchy.DelegationID, r.Hierarchy.Registered)
		}
	}
	return b.String()
}

func writePlan(b *strings.Builder, r Result) {
	fmt.Fprintf(b, "Task: %s\n", r.Task)
	if r.Decision != nil {
		fmt.Fprintf(b, "Pattern: %s (%d agents)\n", r.Decision.Pattern, r.Decision.AgentCount)
		fmt.Fprintf(b, "Reasoning: %s\n", r.Decision.Reasoning)
	}
	if r.Execution == nil {
		return
	}
	b.WriteString("\nSteps:\n")
	for i, inv := range r.Execution.TaskInvocations {
		fmt.Fprintf(b, "  %d. %s -> %s", i+1, inv.Parameters.Description, inv.Parameters.SubagentType)
		if inv.Parameters.RunInBackground {
			b.WriteString(" [background]")
		}
		if inv.WaitForPrevious {
			b.WriteString(" [waits]")
		}
		b.WriteString("\n")
	}
}
