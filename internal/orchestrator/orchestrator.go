// Package orchestrator runs the autonomous supervision loop: pick the next
// backlog task, screen it, fan it out to subagents, and record the outcome.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"overseer/internal/bus"
	"overseer/internal/delegate"
	"overseer/internal/guardrail"
	"overseer/internal/hierarchy"
	"overseer/internal/journal"
	"overseer/internal/logging"
	"overseer/internal/memstore"
	"overseer/internal/taskstore"
	"overseer/internal/validate"
)

// Exit codes for the supervisor process.
const (
	ExitOK          = 0
	ExitCorruption  = 1 // task store unrecoverable
	ExitValidation  = 2 // orchestrator inputs rejected by the validator
	ExitNoProgress  = 3 // every subprocess timed out, nothing moved
)

// Config tunes the loop.
type Config struct {
	Phase         string
	IdleInterval  time.Duration
	HumanOverride bool // proceed past human-review detections
	MaxIterations int  // 0 runs until the context is done
}

// Orchestrator owns one supervision loop.
type Orchestrator struct {
	cfg       Config
	store     *taskstore.Store
	journal   *journal.Journal
	validator *validate.Validator
	detector  *guardrail.Detector
	engine    *delegate.Engine
	runner    *hierarchy.Runner
	events    *bus.Bus
	mem       *memstore.Store
}

// Deps are the collaborators the loop drives. Store, Journal, Validator,
// Detector, Engine, and Runner are required.
type Deps struct {
	Store     *taskstore.Store
	Journal   *journal.Journal
	Validator *validate.Validator
	Detector  *guardrail.Detector
	Engine    *delegate.Engine
	Runner    *hierarchy.Runner
	Bus       *bus.Bus
	Memory    *memstore.Store
}

// New builds an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Journal == nil || deps.Validator == nil ||
		deps.Detector == nil || deps.Engine == nil || deps.Runner == nil {
		return nil, fmt.Errorf("orchestrator is missing a required dependency")
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		journal:   deps.Journal,
		validator: deps.Validator,
		detector:  deps.Detector,
		engine:    deps.Engine,
		runner:    deps.Runner,
		events:    deps.Bus,
		mem:       deps.Memory,
	}, nil
}

// StepOutcome is what one iteration did.
type StepOutcome string

const (
	StepIdle      StepOutcome = "idle"
	StepCompleted StepOutcome = "completed"
	StepPartial   StepOutcome = "partial"
	StepBlocked   StepOutcome = "blocked"
	StepHuman     StepOutcome = "human-review"
	StepFailed    StepOutcome = "failed"
)

// Run drives the loop until the context is cancelled or MaxIterations is
// reached, returning a process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	if o.cfg.Phase != "" {
		res := o.validator.Validate(o.cfg.Phase, validate.KindPhase)
		if !res.Valid {
			logging.Get(logging.CategoryOrchestrator).Error("configured phase rejected: %q", o.cfg.Phase)
			return ExitValidation
		}
	}

	iterations := 0
	consecutiveTimeouts := 0
	for {
		if ctx.Err() != nil {
			return ExitOK
		}
		outcome, err := o.Step(ctx)
		if err != nil {
			logging.Get(logging.CategoryOrchestrator).Error("iteration failed: %v", err)
			return ExitCorruption
		}

		switch outcome {
		case StepIdle:
			select {
			case <-ctx.Done():
				return ExitOK
			case <-time.After(o.cfg.IdleInterval):
			}
		case StepFailed:
			consecutiveTimeouts++
			if consecutiveTimeouts >= 3 {
				logging.Get(logging.CategoryOrchestrator).Error("no progress after repeated subprocess timeouts")
				return ExitNoProgress
			}
		default:
			consecutiveTimeouts = 0
		}

		iterations++
		if o.cfg.MaxIterations > 0 && iterations >= o.cfg.MaxIterations {
			return ExitOK
		}
	}
}

// Step executes one iteration. The returned error is reserved for
// unrecoverable store failures; everything else resolves to an outcome.
func (o *Orchestrator) Step(ctx context.Context) (StepOutcome, error) {
	task := o.store.GetNextTask(o.cfg.Phase, true)
	if task == nil {
		return StepIdle, nil
	}
	logging.Orchestrator("iteration start: task=%s phase=%s", task.ID, task.Phase)

	if outcome, done := o.screen(task); done {
		return outcome, o.persist()
	}

	if _, err := o.store.UpdateStatus(task.ID, taskstore.StatusInProgress, nil); err != nil {
		return StepFailed, fmt.Errorf("failed to start task %s: %w", task.ID, err)
	}
	o.countAttempt(task.Phase)

	outcome := o.execute(ctx, task)
	return outcome, o.persist()
}

// screen runs the validator and the guardrail detector over a task before any
// agent touches it. Returns done=true when the task must not proceed.
func (o *Orchestrator) screen(task *taskstore.Task) (StepOutcome, bool) {
	results := []validate.Result{
		o.validator.Validate(task.ID, validate.KindTaskID),
		o.validator.Validate(task.Title+"\n"+task.Description, validate.KindDescription),
	}
	var threats []string
	for _, r := range results {
		if r.Valid {
			continue
		}
		for _, th := range r.Threats {
			threats = append(threats, th.Type)
		}
	}
	if len(threats) > 0 {
		o.store.UpdateStatus(task.ID, taskstore.StatusBlocked, map[string]interface{}{
			"blockedBy": "validator",
			"threats":   strings.Join(threats, ","),
		})
		o.journal.AddBlocker(fmt.Sprintf("task %s rejected by input validation (%s)", task.ID, strings.Join(threats, ", ")))
		o.events.Emit("orchestrator:task-blocked", map[string]interface{}{
			"id": task.ID, "reason": "validation", "threats": threats,
		})
		logging.Orchestrator("task %s blocked by validator: %v", task.ID, threats)
		return StepBlocked, true
	}

	det := o.detector.Analyze(guardrail.Input{
		Task:  task.Title + " " + task.Description,
		Phase: task.Phase,
		Type:  string(task.Priority),
	})
	if det.RequiresHuman && !o.cfg.HumanOverride {
		o.store.UpdateStatus(task.ID, taskstore.StatusInProgress, map[string]interface{}{
			"awaiting":    "human-review",
			"detectionId": det.DetectionID,
			"pattern":     det.Pattern,
		})
		o.journal.AddBlocker(fmt.Sprintf("task %s awaiting human review (pattern %s, confidence %.2f)",
			task.ID, det.Pattern, det.Confidence))
		o.events.Emit("orchestrator:human-review", map[string]interface{}{
			"id": task.ID, "detectionId": det.DetectionID,
		})
		logging.Orchestrator("task %s parked for human review", task.ID)
		return StepHuman, true
	}
	return "", false
}

// execute delegates the task (or runs it solo) and folds results back into
// the store and journal.
func (o *Orchestrator) execute(ctx context.Context, task *taskstore.Task) StepOutcome {
	text := strings.TrimSpace(task.Title + " " + task.Description)
	res := o.engine.ExecuteDelegation(text)
	if res.Error != "" {
		o.store.UpdateStatus(task.ID, taskstore.StatusBlocked, map[string]interface{}{
			"blockedBy": "delegation", "error": res.Error,
		})
		return StepBlocked
	}

	var specs []hierarchy.SpawnSpec
	pattern := "solo"
	delegated := false
	if res.Execution != nil {
		delegated = true
		pattern = res.Execution.Pattern
		for i, inv := range res.Execution.TaskInvocations {
			specs = append(specs, hierarchy.SpawnSpec{
				Description:  inv.Parameters.Description,
				Prompt:       inv.Parameters.Prompt,
				Index:        i,
				Total:        res.Execution.SubtaskCount,
				ParentTaskID: task.ID,
				Depth:        1,
			})
		}
	} else {
		// Too narrow to split: run it as a single agent.
		specs = []hierarchy.SpawnSpec{{
			Description:  task.Title,
			Prompt:       text,
			Total:        1,
			ParentTaskID: task.ID,
			Depth:        1,
		}}
	}

	var group hierarchy.GroupResult
	if pattern == delegate.PatternParallel {
		group = o.runner.RunParallel(ctx, specs)
	} else {
		group = o.runner.RunSequential(ctx, specs)
	}

	for i, spec := range specs {
		rec := journal.PromptOptions{
			Phase:      task.Phase,
			Agent:      fmt.Sprintf("subagent-%d", i+1),
			ChangeType: "delegated-work",
		}
		o.journal.RecordPrompt(spec.Prompt, rec)
	}

	meta := map[string]interface{}{
		"delegated":          delegated,
		"delegationPattern":  pattern,
		"delegationSubtasks": len(specs),
	}
	if res.Hierarchy != nil {
		meta["delegationId"] = res.Hierarchy.DelegationID
	}

	allTimedOut := len(group.Results) > 0
	for _, r := range group.Results {
		if !r.TimedOut {
			allTimedOut = false
			break
		}
	}

	switch {
	case group.AllSucceeded:
		meta["exitReason"] = "complete"
		o.store.UpdateStatus(task.ID, taskstore.StatusCompleted, meta)
		o.countSuccess(task.Phase)
		o.events.Emit("orchestrator:task-done", map[string]interface{}{"id": task.ID, "pattern": pattern})
		logging.Orchestrator("task %s completed via %s (%d agents)", task.ID, pattern, len(specs))
		return StepCompleted
	case allTimedOut:
		meta["exitReason"] = "unknown"
		o.store.UpdateStatus(task.ID, taskstore.StatusBlocked, meta)
		o.journal.AddBlocker(fmt.Sprintf("task %s: all subagents timed out", task.ID))
		logging.Orchestrator("task %s made no progress, every agent timed out", task.ID)
		return StepFailed
	default:
		meta["exitReason"] = "partial"
		o.store.UpdateStatus(task.ID, taskstore.StatusBlocked, meta)
		succeeded := 0
		for _, r := range group.Results {
			if r.Success {
				succeeded++
			}
		}
		o.journal.AddBlocker(fmt.Sprintf("task %s partially complete: %d/%d subagents succeeded",
			task.ID, succeeded, len(group.Results)))
		logging.Orchestrator("task %s partial: %d/%d succeeded", task.ID, succeeded, len(group.Results))
		return StepPartial
	}
}

// persist saves the store and journal; a conflicted save gets one
// reload-and-merge retry before the store is declared unrecoverable.
func (o *Orchestrator) persist() error {
	// Save merges against a newer file version on its own, so the retry is a
	// plain second attempt. Reloading here would throw away this iteration's
	// status updates.
	if err := o.store.Save(); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("save failed, retrying: %v", err)
		if err := o.store.Save(); err != nil {
			return fmt.Errorf("task store unrecoverable: %w", err)
		}
	}
	if err := o.journal.Save(); err != nil {
		logging.Get(logging.CategoryOrchestrator).Warn("journal save failed: %v", err)
	}
	return nil
}

func (o *Orchestrator) countAttempt(phase string) {
	if o.mem != nil {
		_, _ = o.mem.Increment("tasks:phase:"+phase+":attempts", 1)
	}
}

func (o *Orchestrator) countSuccess(phase string) {
	if o.mem != nil {
		_, _ = o.mem.Increment("tasks:phase:"+phase+":success", 1)
	}
}
