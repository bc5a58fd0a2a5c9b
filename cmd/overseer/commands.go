package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"overseer/internal/config"
	"overseer/internal/taskstore"
	"overseer/internal/validate"
)

func runTasksSummary(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	printJSON(a.store.GetBacklogSummary())
	return nil
}

func runTasksReady(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	scored := a.store.GetReadyTasks(taskstore.ReadyFilter{
		Backlog: tasksBacklog,
		Phase:   tasksPhase,
	})
	if len(scored) == 0 {
		fmt.Println("no ready tasks")
		return nil
	}
	for _, st := range scored {
		fmt.Printf("%7.1f  %-24s %-10s %-14s %s\n",
			st.Score, st.Task.ID, st.Task.Priority, st.Task.Phase, st.Task.Title)
	}
	return nil
}

func runTasksNext(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	task := a.store.GetNextTask(tasksPhase, true)
	if task == nil {
		fmt.Println("backlog is idle")
		return nil
	}
	printJSON(task)
	return a.store.Save()
}

func runTasksAdd(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	switch taskstore.Priority(tasksPriority) {
	case taskstore.PriorityCritical, taskstore.PriorityHigh, taskstore.PriorityMedium, taskstore.PriorityLow:
	default:
		return fmt.Errorf("unknown priority %q", tasksPriority)
	}

	task := &taskstore.Task{
		ID:          args[0],
		Title:       args[1],
		Description: tasksDescription,
		Phase:       tasksPhase,
		Priority:    taskstore.Priority(tasksPriority),
		Effort:      tasksEffort,
		Depends:     taskstore.Depends{Requires: tasksDepends},
	}
	created, err := a.store.CreateTask(task, taskstore.CreateOptions{Tier: tasksTier})
	if err != nil {
		return err
	}
	if err := a.store.Save(); err != nil {
		return err
	}
	fmt.Printf("created %s (%s, tier %s)\n", created.ID, created.Status, tasksTier)
	return nil
}

func runTasksComplete(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	task, err := a.store.UpdateStatus(args[0], taskstore.StatusCompleted, nil)
	if err != nil {
		return err
	}
	if err := a.store.Save(); err != nil {
		return err
	}
	fmt.Printf("completed %s: %s\n", task.ID, task.Title)
	return nil
}

func runTasksGraph(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := a.store.GetDependencyGraph(args[0])
	if err != nil {
		return err
	}
	printJSON(g)
	return nil
}

func runTasksShadow(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.store.Shadow().Report()
	if !report.Enabled {
		fmt.Println("shadow backend is disabled (tasks.shadow.enabled: true to enable)")
		return nil
	}
	printJSON(report)
	return nil
}

func runStateSummary(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	state := a.jrnl.State()
	stats := a.jrnl.GetPromptStatistics()
	printJSON(map[string]interface{}{
		"phase":     state.CurrentPhase,
		"decisions": len(state.Decisions),
		"blockers":  state.Blockers,
		"prompts":   stats,
	})
	return nil
}

func runStateSearch(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	hits := a.jrnl.SearchPrompts(args[0])
	if len(hits) == 0 {
		fmt.Println("no matching prompts")
		return nil
	}
	for _, p := range hits {
		fmt.Printf("%s  [%s/%s]  %s\n",
			p.Timestamp.Format("2006-01-02 15:04"), p.Phase, p.Agent, truncate(p.Prompt, 100))
	}
	return nil
}

func runStatePhase(cmd *cobra.Command, args []string) error {
	a, err := buildApp(workspace)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.jrnl.SetPhase(args[0]); err != nil {
		return err
	}
	if err := a.jrnl.Save(); err != nil {
		return err
	}
	fmt.Printf("phase is now %s\n", args[0])
	return nil
}

// initWorkspace creates .overseer/ with the default config and an empty
// backlog. Existing files are left alone.
func initWorkspace(ws string) error {
	cfgPath := filepath.Join(ws, ".overseer", "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Default(ws).Save(ws); err != nil {
			return err
		}
	}

	cfg, err := config.Load(ws)
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Tasks.FilePath); os.IsNotExist(err) {
		abs, _ := filepath.Abs(ws)
		file := taskstore.NewFile(filepath.Base(abs), nil)
		data, err := json.MarshalIndent(file, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.Tasks.FilePath, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func parseKind(s string) (validate.Kind, error) {
	switch validate.Kind(s) {
	case validate.KindDescription, validate.KindTaskID, validate.KindPhase,
		validate.KindPath, validate.KindCommand:
		return validate.Kind(s), nil
	}
	return "", fmt.Errorf("unknown input kind %q", s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		return
	}
	fmt.Println(string(data))
}
