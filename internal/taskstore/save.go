package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"overseer/internal/logging"
)

// Save persists the in-memory file with optimistic concurrency. The disk copy
// is re-read first; if another session bumped the version since our load, the
// two views are merged three-way before writing. The written version always
// strictly exceeds both the disk version and the version we loaded, so a
// sibling's save is never silently overwritten.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	start := time.Now()

	if release, ok := s.acquireLock(); ok {
		defer release()
		s.shadow.countLock(true)
	} else {
		// Advisory only; the version header still protects the write.
		s.shadow.countLock(false)
	}

	disk, err := readFile(s.path)
	if err != nil {
		s.shadow.countError("json")
		return fmt.Errorf("pre-save read failed: %w", err)
	}

	diskVersion := 0
	if disk != nil {
		diskVersion = disk.Concurrency.Version
	}

	if disk != nil && diskVersion > s.loadedVersion {
		summary := s.mergeLocked(disk)
		s.shadow.countMerge()
		s.events.Emit("tasks:version-conflict", map[string]interface{}{
			"diskVersion":   diskVersion,
			"loadedVersion": s.loadedVersion,
			"tasksAdded":    summary.TasksAdded,
			"tasksMerged":   summary.TasksMerged,
			"resolvedBy":    s.sessionID,
		})
		logging.Tasks("version conflict resolved: disk v%d vs loaded v%d (+%d tasks, %d merged)",
			diskVersion, s.loadedVersion, summary.TasksAdded, summary.TasksMerged)
	}

	next := s.file.Concurrency.Version
	if diskVersion > next {
		next = diskVersion
	}
	s.file.Concurrency = &Concurrency{
		Version:        next + 1,
		LastModifiedBy: s.sessionID,
		LastModifiedAt: time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.writeFileLocked(); err != nil {
		s.shadow.countError("json")
		return err
	}
	s.loadedVersion = s.file.Concurrency.Version
	s.shadow.recordSave(s.file, time.Since(start))
	logging.TasksDebug("task file saved: version %d (%d tasks)", s.loadedVersion, len(s.file.Tasks))
	return nil
}

// acquireLock takes the advisory sibling lock file, retrying briefly. A stale
// or contended lock does not block the save; the concurrency header is the
// real guard.
func (s *Store) acquireLock() (func(), bool) {
	lockPath := s.path + ".lock"
	for attempt := 0; attempt < 5; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%s %s\n", s.sessionID, time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return func() { os.Remove(lockPath) }, true
		}
		if !os.IsExist(err) {
			return nil, false
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, false
}

// writeFileLocked writes tasks.json atomically via tmp+rename.
func (s *Store) writeFileLocked() error {
	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write task file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to rename task file: %w", err)
	}
	return nil
}
