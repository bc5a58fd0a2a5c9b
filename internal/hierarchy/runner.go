package hierarchy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"overseer/internal/bus"
	"overseer/internal/delegate"
	"overseer/internal/logging"
)

const stderrTailBytes = 4096

// Runner spawns and supervises subagent processes for delegations.
type Runner struct {
	mu          sync.Mutex
	agentBinary string
	agentArgs   []string
	sessionID   string
	events      *bus.Bus
	delegations map[string]*Delegation
}

// Delegation is one registered fan-out.
type Delegation struct {
	ID       string             `json:"id"`
	Task     string             `json:"task"`
	Subtasks []delegate.Subtask `json:"subtasks"`
	Created  time.Time          `json:"created"`
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerBus attaches the event bus.
func WithRunnerBus(b *bus.Bus) RunnerOption {
	return func(r *Runner) { r.events = b }
}

// WithAgentArgs sets extra argv passed to every spawned agent before the
// prompt.
func WithAgentArgs(args ...string) RunnerOption {
	return func(r *Runner) { r.agentArgs = args }
}

// NewRunner builds a Runner that spawns agentBinary for each subtask.
func NewRunner(agentBinary, sessionID string, opts ...RunnerOption) *Runner {
	r := &Runner{
		agentBinary: agentBinary,
		sessionID:   sessionID,
		delegations: make(map[string]*Delegation),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterDelegation records a fan-out and returns its id. Satisfies the
// delegation engine's registrar.
func (r *Runner) RegisterDelegation(task string, subtasks []delegate.Subtask) (string, error) {
	if len(subtasks) == 0 {
		return "", errors.New("delegation has no subtasks")
	}
	d := &Delegation{
		ID:       "delegation-" + uuid.NewString(),
		Task:     task,
		Subtasks: append([]delegate.Subtask(nil), subtasks...),
		Created:  time.Now().UTC(),
	}
	r.mu.Lock()
	r.delegations[d.ID] = d
	r.mu.Unlock()

	r.events.Emit("hierarchy:delegation-registered", map[string]interface{}{
		"delegationId": d.ID, "subtasks": len(subtasks),
	})
	logging.Hierarchy("registered delegation %s (%d subtasks)", d.ID, len(subtasks))
	return d.ID, nil
}

// GetDelegation returns a registered delegation, or nil.
func (r *Runner) GetDelegation(id string) *Delegation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delegations[id]
}

// SpawnSpec describes one subagent process.
type SpawnSpec struct {
	Description     string
	Prompt          string
	Index           int // zero-based position within the fan-out
	Total           int
	ParentTaskID    string
	Depth           int
	ParentRemaining time.Duration
}

// SpawnResult is the outcome of one subagent process.
type SpawnResult struct {
	Description string        `json:"description"`
	Success     bool          `json:"success"`
	Skipped     bool          `json:"skipped,omitempty"`
	TimedOut    bool          `json:"timedOut,omitempty"`
	Code        int           `json:"code"`
	Signal      string        `json:"signal,omitempty"`
	Stdout      []string      `json:"stdout,omitempty"`
	StderrTail  string        `json:"stderrTail,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Spawn runs one subagent to completion under the tiered timeout for its
// depth. Cancellation is cooperative first: the process gets an interrupt at
// the deadline and a kill after the grace period.
func (r *Runner) Spawn(ctx context.Context, spec SpawnSpec) SpawnResult {
	plan := CalculateTimeout(spec.Depth, spec.ParentRemaining)
	ctx, cancel := context.WithTimeout(ctx, plan.Timeout)
	defer cancel()

	res := SpawnResult{Description: spec.Description}
	start := time.Now()

	args := append(append([]string(nil), r.agentArgs...), spec.Prompt)
	cmd := exec.CommandContext(ctx, r.agentBinary, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = plan.Grace
	cmd.Env = append(os.Environ(),
		"PARENT_SESSION_ID="+r.sessionID,
		"ORCHESTRATOR_SESSION=true",
		fmt.Sprintf("SUBTASK_INDEX=%d", spec.Index),
		fmt.Sprintf("SUBTASK_TOTAL=%d", spec.Total),
		"PARENT_TASK_ID="+spec.ParentTaskID,
	)

	var stdout bytes.Buffer
	tail := &tailWriter{limit: stderrTailBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = tail

	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = splitLines(stdout.String())
	res.StderrTail = tail.String()
	res.TimedOut = ctx.Err() == context.DeadlineExceeded

	if err == nil {
		res.Success = true
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			res.Signal = ws.Signal().String()
		}
	} else {
		res.Code = -1
		if res.StderrTail == "" {
			res.StderrTail = err.Error()
		}
	}
	logging.HierarchyDebug("agent exited: code=%d signal=%q timedOut=%v duration=%s",
		res.Code, res.Signal, res.TimedOut, res.Duration)
	return res
}

// tailWriter keeps only the last limit bytes written.
type tailWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		w.buf = w.buf[len(w.buf)-w.limit:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}

// splitLines breaks captured stdout into lines, dropping the trailing blank.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

// GroupResult aggregates a fan-out.
type GroupResult struct {
	AllSucceeded bool          `json:"allSucceeded"`
	Results      []SpawnResult `json:"results"`
}

// RunParallel spawns every spec concurrently and waits for all of them.
// Failures do not cancel siblings; the caller gets every result.
func (r *Runner) RunParallel(ctx context.Context, specs []SpawnSpec) GroupResult {
	results := make([]SpawnResult, len(specs))
	g, ctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			results[i] = r.Spawn(ctx, spec)
			return nil
		})
	}
	g.Wait()

	out := GroupResult{AllSucceeded: true, Results: results}
	for _, res := range results {
		if !res.Success {
			out.AllSucceeded = false
		}
	}
	return out
}

// RunSequential spawns specs in order, stopping at the first failure; the
// remaining specs are reported as skipped.
func (r *Runner) RunSequential(ctx context.Context, specs []SpawnSpec) GroupResult {
	out := GroupResult{AllSucceeded: true}
	failed := false
	for _, spec := range specs {
		if failed {
			out.Results = append(out.Results, SpawnResult{Description: spec.Description, Skipped: true})
			continue
		}
		res := r.Spawn(ctx, spec)
		out.Results = append(out.Results, res)
		if !res.Success {
			failed = true
			out.AllSucceeded = false
		}
	}
	return out
}
