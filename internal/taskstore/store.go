package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"overseer/internal/bus"
	"overseer/internal/logging"
	"overseer/internal/memstore"
)

// Store is the in-memory view of one tasks.json file, owned by a single
// supervisor session. Concurrent sessions each hold their own Store over the
// same path; Save reconciles through the concurrency header.
type Store struct {
	mu            sync.Mutex
	path          string
	sessionID     string
	events        *bus.Bus
	mem           *memstore.Store
	graphDepth    int
	file          *File
	loadedVersion int
	shadow        *Shadow
	watcher       *Watcher
}

// Option configures a Store.
type Option func(*Store)

// WithBus attaches the event bus.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.events = b }
}

// WithMemoryStore attaches the memory store used for historical success-rate
// scoring. Nil is fine; scoring skips the history boost.
func WithMemoryStore(m *memstore.Store) Option {
	return func(s *Store) { s.mem = m }
}

// WithGraphDepth bounds dependency traversals (default 10).
func WithGraphDepth(d int) Option {
	return func(s *Store) {
		if d > 0 {
			s.graphDepth = d
		}
	}
}

// Open loads the task file at path, creating an empty backlog when absent.
// A legacy file without a concurrency header is upgraded to version 1.
func Open(path, sessionID string, opts ...Option) (*Store, error) {
	s := &Store{
		path:       path,
		sessionID:  sessionID,
		graphDepth: 10,
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadLocked reads the file from disk into memory. Caller need not hold mu
// during Open; Reload takes it.
func (s *Store) loadLocked() error {
	start := time.Now()
	file, err := readFile(s.path)
	if err != nil {
		s.shadow.countError("json")
		return err
	}
	s.shadow.recordLoad(time.Since(start))
	if file == nil {
		file = NewFile(filepath.Base(filepath.Dir(s.path)), nil)
		file.Concurrency = &Concurrency{Version: 0, LastModifiedBy: s.sessionID}
	}
	s.file = file
	s.loadedVersion = file.Concurrency.Version
	logging.TasksDebug("task file loaded: %d tasks, version %d", len(file.Tasks), s.loadedVersion)
	return nil
}

// readFile parses tasks.json. Returns (nil, nil) when the file is absent.
func readFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if file.Backlog == nil {
		file.Backlog = make(map[string]*Tier)
	}
	for _, tier := range Tiers {
		if file.Backlog[tier] == nil {
			file.Backlog[tier] = &Tier{Tasks: []string{}}
		}
	}
	if file.Tasks == nil {
		file.Tasks = make(map[string]*Task)
	}
	// Legacy upgrade: assign version 1 when the header is missing.
	if file.Concurrency == nil {
		file.Concurrency = &Concurrency{
			Version:        1,
			LastModifiedAt: time.Now().UTC().Format(time.RFC3339),
		}
	}
	return &file, nil
}

// Reload discards the in-memory view and re-reads disk.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// GetTask returns a copy of the task, or nil when absent.
func (s *Store) GetTask(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Tasks[id].Clone()
}

// CreateOptions controls task creation.
type CreateOptions struct {
	Tier string // backlog tier; default "next"
}

// CreateTask adds a task to the backlog. The id must match IDPattern and be
// unused. Status is derived from the requires set unless explicitly
// completed. Inverse blocks links are reconciled.
func (s *Store) CreateTask(t *Task, opts ...CreateOptions) (*Task, error) {
	if t == nil || !IDPattern.MatchString(t.ID) {
		return nil, fmt.Errorf("invalid task id %q", idOf(t))
	}
	tier := TierNext
	if len(opts) > 0 && opts[0].Tier != "" {
		tier = opts[0].Tier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.file.Tasks[t.ID]; exists {
		return nil, fmt.Errorf("task %q already exists", t.ID)
	}

	now := time.Now().UTC()
	task := t.Clone()
	if task.Created.IsZero() {
		task.Created = now
	}
	task.Updated = now
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	if task.Status != StatusCompleted {
		task.Status = s.deriveStatus(task)
	}

	s.file.Tasks[task.ID] = task
	if task.Status == StatusCompleted {
		tier = TierCompleted
	}
	s.file.appendToTier(tier, task.ID)
	s.reconcileDepends()

	s.events.Emit("task:created", map[string]interface{}{"id": task.ID, "tier": tier})
	logging.Tasks("task created: %s (%s, %s)", task.ID, task.Priority, task.Phase)
	return task.Clone(), nil
}

func idOf(t *Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}

// Patch is a partial task update; nil fields are left unchanged.
type Patch struct {
	Title              *string
	Description        *string
	Phase              *string
	Priority           *Priority
	Effort             *string
	Status             *Status
	Tags               []string
	Depends            *Depends
	AcceptanceCriteria []string
}

// UpdateTask applies a patch. Unknown ids return ErrNotFound.
func (s *Store) UpdateTask(id string, p Patch) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.file.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("update %q: %w", id, ErrNotFound)
	}

	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.Phase != nil {
		task.Phase = *p.Phase
	}
	if p.Priority != nil {
		task.Priority = *p.Priority
	}
	if p.Effort != nil {
		task.Effort = *p.Effort
	}
	if p.Tags != nil {
		task.Tags = append([]string(nil), p.Tags...)
	}
	if p.AcceptanceCriteria != nil {
		task.AcceptanceCriteria = append([]string(nil), p.AcceptanceCriteria...)
	}
	if p.Depends != nil {
		task.Depends = Depends{
			Blocks:   append([]string(nil), p.Depends.Blocks...),
			Requires: append([]string(nil), p.Depends.Requires...),
			Related:  append([]string(nil), p.Depends.Related...),
		}
	}
	task.Updated = time.Now().UTC()
	s.reconcileDepends()

	if p.Status != nil {
		s.applyStatusLocked(task, *p.Status, nil)
	} else {
		// Requires may have changed; re-derive blocked/ready.
		if task.Status == StatusReady || task.Status == StatusBlocked {
			task.Status = s.deriveStatus(task)
		}
	}

	s.events.Emit("task:updated", map[string]interface{}{"id": id})
	return task.Clone(), nil
}

// UpdateStatus transitions a task's status. Completing a task moves it to the
// completed tier and re-evaluates every task that requires it
// (auto-unblocking). Completing an already-completed task is a no-op.
func (s *Store) UpdateStatus(id string, status Status, metadata map[string]interface{}) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.file.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("update status %q: %w", id, ErrNotFound)
	}
	s.applyStatusLocked(task, status, metadata)
	return task.Clone(), nil
}

// applyStatusLocked performs the transition. Caller holds mu.
func (s *Store) applyStatusLocked(task *Task, status Status, metadata map[string]interface{}) {
	if task.Status == status && status != StatusCompleted {
		return
	}
	if metadata != nil {
		if task.Metadata == nil {
			task.Metadata = make(map[string]interface{}, len(metadata))
		}
		for k, v := range metadata {
			task.Metadata[k] = v
		}
	}
	if task.Status == StatusCompleted && status == StatusCompleted {
		// Idempotent: no second event, no duplicate tier move.
		return
	}

	task.Status = status
	task.Updated = time.Now().UTC()

	if status == StatusCompleted {
		if from := s.file.TierOf(task.ID); from != "" {
			s.file.removeFromTier(from, task.ID)
		}
		s.file.appendToTier(TierCompleted, task.ID)
		s.events.Emit("task:completed", map[string]interface{}{"id": task.ID})
		logging.Tasks("task completed: %s", task.ID)
		s.autoUnblockLocked(task.ID)
		if s.mem != nil {
			_, _ = s.mem.Increment("tasks:completed", 1)
		}
		return
	}

	s.events.Emit("task:updated", map[string]interface{}{"id": task.ID, "status": string(status)})
}

// autoUnblockLocked re-evaluates every task whose requires lists completedID.
// A task flips to ready iff every entry of its requires is completed.
func (s *Store) autoUnblockLocked(completedID string) {
	for _, other := range s.file.Tasks {
		if other.Status != StatusBlocked && other.Status != StatusReady {
			continue
		}
		requires := false
		for _, r := range other.Depends.Requires {
			if r == completedID {
				requires = true
				break
			}
		}
		if !requires {
			continue
		}
		derived := s.deriveStatus(other)
		if derived != other.Status {
			other.Status = derived
			other.Updated = time.Now().UTC()
			s.events.Emit("task:updated", map[string]interface{}{
				"id": other.ID, "status": string(derived), "reason": "auto-unblock",
			})
			logging.Tasks("task %s auto-unblocked by %s", other.ID, completedID)
		}
	}
}

// deriveStatus computes blocked/ready from the requires set. In-progress and
// completed tasks keep their explicit status.
func (s *Store) deriveStatus(task *Task) Status {
	if task.Status == StatusInProgress || task.Status == StatusCompleted {
		return task.Status
	}
	for _, r := range task.Depends.Requires {
		dep, exists := s.file.Tasks[r]
		if exists && dep.Status != StatusCompleted {
			return StatusBlocked
		}
	}
	return StatusReady
}

// DeleteTask removes a task and scrubs references to it.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.file.Tasks[id]; !ok {
		return fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	delete(s.file.Tasks, id)
	for _, tier := range Tiers {
		s.file.removeFromTier(tier, id)
	}
	for _, other := range s.file.Tasks {
		other.Depends.Blocks = remove(other.Depends.Blocks, id)
		other.Depends.Requires = remove(other.Depends.Requires, id)
		other.Depends.Related = remove(other.Depends.Related, id)
	}
	// Removing a requires entry can unblock its dependents.
	for _, other := range s.file.Tasks {
		if other.Status == StatusBlocked {
			if derived := s.deriveStatus(other); derived != other.Status {
				other.Status = derived
				s.events.Emit("task:updated", map[string]interface{}{"id": other.ID, "status": string(derived)})
			}
		}
	}
	s.events.Emit("task:deleted", map[string]interface{}{"id": id})
	logging.Tasks("task deleted: %s", id)
	return nil
}

func remove(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// reconcileDepends restores the blocks/requires inverse: if A.Requires
// contains B then B.Blocks contains A. Existing links are never dropped, so
// reconciliation cannot create new requires edges (and hence no new cycles).
func (s *Store) reconcileDepends() {
	for _, task := range s.file.Tasks {
		for _, req := range task.Depends.Requires {
			dep, ok := s.file.Tasks[req]
			if !ok {
				continue
			}
			found := false
			for _, b := range dep.Depends.Blocks {
				if b == task.ID {
					found = true
					break
				}
			}
			if !found {
				dep.Depends.Blocks = append(dep.Depends.Blocks, task.ID)
			}
		}
	}
}

// BacklogSummary aggregates tier and status counts.
type BacklogSummary struct {
	Total    int            `json:"total"`
	ByTier   map[string]int `json:"byTier"`
	ByStatus map[string]int `json:"byStatus"`
	Version  int            `json:"version"`
}

// GetBacklogSummary returns current backlog counts.
func (s *Store) GetBacklogSummary() BacklogSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := BacklogSummary{
		ByTier:   make(map[string]int),
		ByStatus: make(map[string]int),
		Version:  s.file.Concurrency.Version,
	}
	for _, tier := range Tiers {
		sum.ByTier[tier] = len(s.file.Backlog[tier].Tasks)
	}
	for _, t := range s.file.Tasks {
		sum.Total++
		sum.ByStatus[string(t.Status)]++
	}
	return sum
}

// SessionID returns the owning session id.
func (s *Store) SessionID() string { return s.sessionID }

// Version returns the in-memory concurrency version.
func (s *Store) Version() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Concurrency.Version
}
