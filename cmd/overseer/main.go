package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"overseer/internal/delegate"
	"overseer/internal/logging"
	"overseer/internal/orchestrator"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "overseer - autonomous task orchestrator",
	Long: `overseer supervises a backlog of tasks: it validates and screens each
task, delegates broad ones across subagent processes, and records every
prompt and outcome in a durable project journal.

Run "overseer run" to start the supervision loop.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// runCmd starts the supervision loop
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the autonomous supervision loop",
	Long: `Drives the orchestrator until interrupted: pick the highest-scoring
ready task, screen it through the validator and the guardrail detector,
delegate or execute it via subagent processes, and persist the outcome.

Exit codes:
  0  clean shutdown
  1  task store corruption
  2  validation rejected the configured inputs
  3  no progress (every subagent timed out)`,
	RunE: runLoop,
}

var (
	runPhase      string
	runIterations int
	runOverride   bool
)

// delegateCmd analyzes and fans out one task
var delegateCmd = &cobra.Command{
	Use:   "delegate [flags] [task...]",
	Short: "Decompose a task and plan its subagent fan-out",
	Long: `Analyzes a task description, decides whether it warrants multiple
agents, and prints the execution plan.

Flags are parsed by the delegation engine itself:
  --pattern|-p parallel|sequential|debate|review
  --agents|-a N        agent count (1-8)
  --depth|-d N         decomposition depth
  --budget TOKENS      token budget hint
  --dry-run            plan only, register nothing
  --force|-f           delegate even when one agent would do

Example:
  overseer delegate --pattern parallel "build the api, write the tests"`,
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true,
	RunE:               runDelegate,
}

// tasksCmd groups backlog operations
var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and edit the task backlog",
}

var tasksSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show backlog counts by tier and status",
	RunE:  runTasksSummary,
}

var tasksReadyCmd = &cobra.Command{
	Use:   "ready",
	Short: "List ready tasks in scheduling order",
	RunE:  runTasksReady,
}

var tasksNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the task the orchestrator would pick",
	RunE:  runTasksNext,
}

var tasksAddCmd = &cobra.Command{
	Use:   "add [id] [title]",
	Short: "Add a task to the backlog",
	Args:  cobra.ExactArgs(2),
	RunE:  runTasksAdd,
}

var tasksCompleteCmd = &cobra.Command{
	Use:   "complete [id]",
	Short: "Mark a task completed (unblocks its dependents)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksComplete,
}

var tasksGraphCmd = &cobra.Command{
	Use:   "graph [id]",
	Short: "Show a task's dependency neighborhood",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksGraph,
}

var tasksShadowCmd = &cobra.Command{
	Use:   "shadow",
	Short: "Show the shadow backend consistency report",
	RunE:  runTasksShadow,
}

var (
	tasksPhase       string
	tasksBacklog     string
	tasksPriority    string
	tasksTier        string
	tasksEffort      string
	tasksDescription string
	tasksDepends     []string
)

// validateCmd runs the input validator over a string
var validateCmd = &cobra.Command{
	Use:   "validate [input]",
	Short: "Validate an input string against threat patterns",
	Long: `Runs one input through the validator and prints the result.

Kinds: description, taskId, phase, path, command

Example:
  overseer validate --kind command "rm -rf /"`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateKind string

// stateCmd groups project journal operations
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect the project state journal",
}

var stateSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show phase, blockers, and prompt statistics",
	RunE:  runStateSummary,
}

var stateSearchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search recorded prompts",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateSearch,
}

var statePhaseCmd = &cobra.Command{
	Use:   "phase [phase]",
	Short: "Transition the project to a new phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatePhase,
}

// initCmd initializes overseer in the current workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize overseer in the workspace",
	Long: `Creates the .overseer/ directory and writes the default
configuration. Run this once per project.`,
	RunE: runInit,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace directory")

	runCmd.Flags().StringVar(&runPhase, "phase", "", "override the configured phase")
	runCmd.Flags().IntVar(&runIterations, "iterations", 0, "stop after N iterations (0 = run until interrupted)")
	runCmd.Flags().BoolVar(&runOverride, "override", false, "proceed past human-review detections")

	tasksReadyCmd.Flags().StringVar(&tasksPhase, "phase", "", "restrict to one phase")
	tasksReadyCmd.Flags().StringVar(&tasksBacklog, "backlog", "all", "tier to list (now, next, later, completed, all)")
	tasksNextCmd.Flags().StringVar(&tasksPhase, "phase", "", "active phase")
	tasksAddCmd.Flags().StringVar(&tasksPhase, "phase", "implementation", "task phase")
	tasksAddCmd.Flags().StringVar(&tasksPriority, "priority", "medium", "priority (critical, high, medium, low)")
	tasksAddCmd.Flags().StringVar(&tasksTier, "tier", "next", "backlog tier (now, next, later)")
	tasksAddCmd.Flags().StringVar(&tasksEffort, "effort", "", `effort estimate, e.g. "2h"`)
	tasksAddCmd.Flags().StringVar(&tasksDescription, "description", "", "task description")
	tasksAddCmd.Flags().StringSliceVar(&tasksDepends, "requires", nil, "task ids this task depends on")

	validateCmd.Flags().StringVar(&validateKind, "kind", "description", "input kind")

	tasksCmd.AddCommand(tasksSummaryCmd, tasksReadyCmd, tasksNextCmd, tasksAddCmd,
		tasksCompleteCmd, tasksGraphCmd, tasksShadowCmd)
	stateCmd.AddCommand(stateSummaryCmd, stateSearchCmd, statePhaseCmd)
	rootCmd.AddCommand(initCmd, runCmd, delegateCmd, tasksCmd, validateCmd, stateCmd)
}

func runLoop(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}

	cfg := orchestrator.Config{
		Phase:         a.cfg.Orchestrator.Phase,
		IdleInterval:  a.cfg.Orchestrator.IdleInterval,
		HumanOverride: a.cfg.Orchestrator.HumanOverride || runOverride,
		MaxIterations: runIterations,
	}
	if runPhase != "" {
		cfg.Phase = runPhase
	}

	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Store:     a.store,
		Journal:   a.jrnl,
		Validator: a.validator,
		Detector:  a.detector,
		Engine:    a.engine,
		Runner:    a.runner,
		Bus:       a.events,
		Memory:    a.mem,
	})
	if err != nil {
		a.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if a.watcher != nil {
		a.watcher.Start(ctx)
	}

	logger.Info("supervision loop starting",
		zap.String("phase", cfg.Phase),
		zap.String("session", a.sessionID))
	start := time.Now()
	code := orch.Run(ctx)
	logger.Info("supervision loop stopped",
		zap.Int("exitCode", code),
		zap.Duration("uptime", time.Since(start)))

	stop()
	a.Close()
	_ = logger.Sync()
	os.Exit(code)
	return nil
}

func runDelegate(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	res := a.engine.ExecuteDelegation(strings.Join(args, " "))
	fmt.Print(delegate.FormatExecutionPlan(res))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	kind, err := parseKind(validateKind)
	if err != nil {
		return err
	}
	res := a.validator.Validate(args[0], kind)
	printJSON(res)
	if !res.Valid {
		os.Exit(1)
	}
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := initWorkspace(workspace); err != nil {
		return err
	}
	fmt.Printf("initialized overseer workspace in %s\n", workspace)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
