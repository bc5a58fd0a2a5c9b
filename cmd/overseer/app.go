package main

import (
	"fmt"

	"github.com/google/uuid"

	"overseer/internal/bus"
	"overseer/internal/config"
	"overseer/internal/delegate"
	"overseer/internal/guardrail"
	"overseer/internal/hierarchy"
	"overseer/internal/journal"
	"overseer/internal/logging"
	"overseer/internal/memstore"
	"overseer/internal/taskstore"
	"overseer/internal/validate"
)

// app holds one fully wired overseer instance for a workspace.
type app struct {
	cfg       *config.Config
	sessionID string

	events    *bus.Bus
	mem       *memstore.Store
	store     *taskstore.Store
	watcher   *taskstore.Watcher
	jrnl      *journal.Journal
	validator *validate.Validator
	detector  *guardrail.Detector
	engine    *delegate.Engine
	runner    *hierarchy.Runner
}

// buildApp constructs the full component graph from the workspace config.
// The memory store is optional: if it cannot open, learning features degrade
// but the rest of the system runs.
func buildApp(workspace string) (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		sessionID: "session-" + uuid.NewString()[:8],
		events:    bus.New(),
	}

	a.mem, err = memstore.Open(cfg.Memory.DatabasePath, a.events)
	if err != nil {
		logging.Memory("memory store unavailable, continuing without learning: %v", err)
		a.mem = nil
	}

	storeOpts := []taskstore.Option{
		taskstore.WithBus(a.events),
		taskstore.WithMemoryStore(a.mem),
		taskstore.WithGraphDepth(cfg.Tasks.GraphDepth),
	}
	if cfg.Tasks.Shadow.Enabled {
		storeOpts = append(storeOpts, taskstore.WithShadow(taskstore.ShadowOptions{
			Path:           cfg.Tasks.Shadow.DatabasePath,
			MaxDivergences: cfg.Tasks.Shadow.MaxDivergences,
			LatencyRing:    cfg.Tasks.Shadow.LatencyRing,
			P99CeilingMs:   float64(cfg.Tasks.Shadow.P99CeilingMs),
			Bus:            a.events,
		}))
	}
	a.store, err = taskstore.Open(cfg.Tasks.FilePath, a.sessionID, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	if cfg.Tasks.WatchFile {
		a.watcher, err = taskstore.NewWatcher(a.store)
		if err != nil {
			logging.Tasks("task file watcher unavailable: %v", err)
			a.watcher = nil
		}
	}

	a.jrnl = journal.New(cfg.Journal.StatePath, a.sessionID,
		journal.WithBus(a.events),
		journal.WithMaxBackups(cfg.Journal.MaxBackups))
	if _, err := a.jrnl.Load(); err != nil {
		return nil, fmt.Errorf("failed to load project state: %w", err)
	}

	a.validator = validate.New(
		validate.WithBus(a.events),
		validate.WithAllowedCommands(cfg.Validator.AllowedCommands),
		validate.WithThreatLogSize(cfg.Validator.ThreatLogSize))
	if cfg.Validator.Mode != "" {
		if err := a.validator.SetMode(validate.Mode(cfg.Validator.Mode)); err != nil {
			return nil, fmt.Errorf("invalid validator mode: %w", err)
		}
	}

	a.detector = guardrail.New(guardrail.Config{
		Threshold:             cfg.Guardrail.Threshold,
		AdaptiveThreshold:     cfg.Guardrail.AdaptiveThreshold,
		MinDetectionsForAdapt: cfg.Guardrail.MinDetectionsForAdapt,
		DetectionCap:          cfg.Guardrail.DetectionCap,
		LearnedBaseConfidence: cfg.Guardrail.LearnedBaseConfidence,
		LearnedConfidenceCap:  cfg.Guardrail.LearnedConfidenceCap,
	}, guardrail.WithBus(a.events), guardrail.WithMemoryStore(a.mem))

	a.runner = hierarchy.NewRunner(cfg.Hierarchy.AgentBinary, a.sessionID,
		hierarchy.WithRunnerBus(a.events))

	a.engine = delegate.New(delegate.Config{
		MaxAgents:      cfg.Delegate.MaxAgents,
		DefaultPattern: cfg.Delegate.DefaultPattern,
	}, delegate.WithBus(a.events), delegate.WithRegistrar(a.runner))

	return a, nil
}

// Close releases held resources. Safe to call with partially built state.
func (a *app) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.mem != nil {
		a.mem.Close()
	}
	logging.CloseAll()
}
