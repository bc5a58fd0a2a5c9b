// Package taskstore implements the persistent, versioned task backlog shared
// by sibling supervisor processes. The tasks.json file is the only
// multi-writer resource in the system; the embedded concurrency header plus a
// three-way merge on save keep concurrent sessions from losing tasks.
package taskstore

import (
	"errors"
	"regexp"
	"time"
)

// Status values for a task.
type Status string

const (
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusCompleted  Status = "completed"
)

// Priority values for a task.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Backlog tier names, ordered by scheduling horizon.
const (
	TierNow       = "now"
	TierNext      = "next"
	TierLater     = "later"
	TierSomeday   = "someday"
	TierCompleted = "completed"
)

// Tiers lists the backlog tiers in horizon order.
var Tiers = []string{TierNow, TierNext, TierLater, TierSomeday, TierCompleted}

// ErrNotFound reports that an id refers to no task.
var ErrNotFound = errors.New("task not found")

// IDPattern is the legal shape of a task id.
var IDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Depends carries a task's dependency links. Blocks and Requires are
// inverses: if A.Requires contains B, the store reconciles B.Blocks to
// contain A on write.
type Depends struct {
	Blocks   []string `json:"blocks,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Related  []string `json:"related,omitempty"`
}

// Task is one backlog entry.
type Task struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Phase              string    `json:"phase"`
	Priority           Priority  `json:"priority"`
	Effort             string    `json:"effort,omitempty"` // human estimate, e.g. "2h", "30m"
	Status             Status    `json:"status"`
	Tags               []string  `json:"tags,omitempty"`
	Created            time.Time `json:"created"`
	Updated            time.Time `json:"updated"`
	Depends            Depends   `json:"depends"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`

	// Metadata carries session annotations written on completion
	// (delegation pattern, exit reason).
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	cp.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	cp.Depends = Depends{
		Blocks:   append([]string(nil), t.Depends.Blocks...),
		Requires: append([]string(nil), t.Depends.Requires...),
		Related:  append([]string(nil), t.Depends.Related...),
	}
	if t.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Tier is one ordered backlog tier.
type Tier struct {
	Tasks       []string `json:"tasks"`
	Description string   `json:"description,omitempty"`
}

// Project carries file-level project metadata.
type Project struct {
	Name   string   `json:"name"`
	Phases []string `json:"phases"`
}

// Concurrency is the optimistic-concurrency header embedded in tasks.json.
// A legacy file lacking the header is upgraded on first read to version 1.
type Concurrency struct {
	Version        int    `json:"version"`
	LastModifiedBy string `json:"lastModifiedBy"`
	LastModifiedAt string `json:"lastModifiedAt"`
}

// File is the on-disk schema of tasks.json.
type File struct {
	Version     string           `json:"version"`
	Project     Project          `json:"project"`
	Backlog     map[string]*Tier `json:"backlog"`
	Tasks       map[string]*Task `json:"tasks"`
	Concurrency *Concurrency     `json:"_concurrency,omitempty"`
}

// NewFile returns an empty task file with all tiers present.
func NewFile(projectName string, phases []string) *File {
	backlog := make(map[string]*Tier, len(Tiers))
	for _, tier := range Tiers {
		backlog[tier] = &Tier{Tasks: []string{}}
	}
	return &File{
		Version: "1.0",
		Project: Project{Name: projectName, Phases: phases},
		Backlog: backlog,
		Tasks:   make(map[string]*Task),
	}
}

// statusRank orders statuses for merge resolution: higher wins.
func statusRank(s Status) int {
	switch s {
	case StatusCompleted:
		return 3
	case StatusInProgress:
		return 2
	case StatusReady:
		return 1
	case StatusBlocked:
		return 0
	}
	return -1
}

// priorityBase maps priority to its score base.
func priorityBase(p Priority) float64 {
	switch p {
	case PriorityCritical:
		return 100
	case PriorityHigh:
		return 70
	case PriorityMedium:
		return 40
	case PriorityLow:
		return 10
	}
	return 0
}

// TierOf returns the tier holding the given id, or "".
func (f *File) TierOf(id string) string {
	for _, name := range Tiers {
		tier := f.Backlog[name]
		if tier == nil {
			continue
		}
		for _, tid := range tier.Tasks {
			if tid == id {
				return name
			}
		}
	}
	return ""
}

// removeFromTier drops id from a named tier, returning true when present.
func (f *File) removeFromTier(name, id string) bool {
	tier := f.Backlog[name]
	if tier == nil {
		return false
	}
	for i, tid := range tier.Tasks {
		if tid == id {
			tier.Tasks = append(tier.Tasks[:i], tier.Tasks[i+1:]...)
			return true
		}
	}
	return false
}

// appendToTier adds id to a named tier if absent.
func (f *File) appendToTier(name, id string) {
	tier := f.Backlog[name]
	if tier == nil {
		tier = &Tier{}
		f.Backlog[name] = tier
	}
	for _, tid := range tier.Tasks {
		if tid == id {
			return
		}
	}
	tier.Tasks = append(tier.Tasks, id)
}
