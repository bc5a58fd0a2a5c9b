// Package memstore provides the embedded key/value store backing detector
// learning across process restarts. It is SQLite-backed; callers hold a
// possibly-nil *Store and keep working in memory-only mode when the backend
// is unavailable.
package memstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"overseer/internal/bus"
	"overseer/internal/logging"
)

// Store is the embedded memory store. All methods are nil-receiver safe and
// degrade to no-ops so learning continues in memory when the backend is gone.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	path   string
	events *bus.Bus
}

// FeedbackRow is one row of human_in_loop_feedback.
type FeedbackRow struct {
	DetectionID string
	WasCorrect  bool
	ActualNeed  string
	Comment     string
	Timestamp   time.Time
}

// LearningRow is one row of human_in_loop_learning.
type LearningRow struct {
	PatternName string
	TP          int
	FP          int
	FN          int
	LastUpdated time.Time
}

// Open initializes the SQLite database at path, creating the schema if
// needed. Connection settings follow the single-writer embedded pattern:
// one connection, WAL journal, relaxed sync.
func Open(path string, events *bus.Bus) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "memstore.Open")
	defer timer.Stop()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.Get(logging.CategoryMemory).Debug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.Get(logging.CategoryMemory).Debug("failed to set journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.Get(logging.CategoryMemory).Debug("failed to set synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, path: path, events: events}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Memory("memstore initialized at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS counters (
			name TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS human_in_loop_feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			detection_id TEXT NOT NULL,
			was_correct BOOLEAN NOT NULL,
			actual_need TEXT NOT NULL,
			comment TEXT,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_feedback_detection ON human_in_loop_feedback(detection_id);`,
		`CREATE TABLE IF NOT EXISTS human_in_loop_learning (
			pattern_name TEXT PRIMARY KEY,
			tp INTEGER NOT NULL DEFAULT 0,
			fp INTEGER NOT NULL DEFAULT 0,
			fn INTEGER NOT NULL DEFAULT 0,
			last_updated DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	logging.Memory("closing memstore")
	return s.db.Close()
}

// Available reports whether the backend is usable.
func (s *Store) Available() bool { return s != nil && s.db != nil }

// Set stores a value under key, replacing any previous value.
func (s *Store) Set(key, value string) error {
	if !s.Available() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return fmt.Errorf("kv set failed: %w", err)
	}
	return nil
}

// Get retrieves a value. The second return is false when key is absent or the
// backend is unavailable.
func (s *Store) Get(key string) (string, bool) {
	if !s.Available() {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// Increment bumps a named counter by delta and returns the new value. Emits
// counter:incremented.
func (s *Store) Increment(name string, delta int64) (int64, error) {
	if !s.Available() {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO counters(name, value, updated_at) VALUES(?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET value=value+excluded.value, updated_at=CURRENT_TIMESTAMP`,
		name, delta)
	if err != nil {
		return 0, fmt.Errorf("counter increment failed: %w", err)
	}
	var value int64
	if err := s.db.QueryRow(`SELECT value FROM counters WHERE name = ?`, name).Scan(&value); err != nil {
		return 0, fmt.Errorf("counter read failed: %w", err)
	}
	s.events.Emit("counter:incremented", map[string]interface{}{"name": name, "value": value})
	return value, nil
}

// GetCounter reads a counter; absent counters read as zero.
func (s *Store) GetCounter(name string) int64 {
	if !s.Available() {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var value int64
	if err := s.db.QueryRow(`SELECT value FROM counters WHERE name = ?`, name).Scan(&value); err != nil {
		return 0
	}
	return value
}

// RecordFeedback persists one human feedback row.
func (s *Store) RecordFeedback(row FeedbackRow) error {
	if !s.Available() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO human_in_loop_feedback(detection_id, was_correct, actual_need, comment, timestamp)
		 VALUES(?, ?, ?, ?, ?)`,
		row.DetectionID, row.WasCorrect, row.ActualNeed, row.Comment, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("feedback insert failed: %w", err)
	}
	return nil
}

// UpsertLearning writes per-pattern accuracy counters.
func (s *Store) UpsertLearning(row LearningRow) error {
	if !s.Available() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO human_in_loop_learning(pattern_name, tp, fp, fn, last_updated)
		 VALUES(?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(pattern_name) DO UPDATE SET
		   tp=excluded.tp, fp=excluded.fp, fn=excluded.fn, last_updated=CURRENT_TIMESTAMP`,
		row.PatternName, row.TP, row.FP, row.FN)
	if err != nil {
		return fmt.Errorf("learning upsert failed: %w", err)
	}
	return nil
}

// LoadLearning reads all per-pattern accuracy counters.
func (s *Store) LoadLearning() ([]LearningRow, error) {
	if !s.Available() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT pattern_name, tp, fp, fn, last_updated FROM human_in_loop_learning`)
	if err != nil {
		return nil, fmt.Errorf("learning query failed: %w", err)
	}
	defer rows.Close()

	var out []LearningRow
	for rows.Next() {
		var r LearningRow
		if err := rows.Scan(&r.PatternName, &r.TP, &r.FP, &r.FN, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("learning scan failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FeedbackForDetection returns feedback rows for one detection id.
func (s *Store) FeedbackForDetection(detectionID string) ([]FeedbackRow, error) {
	if !s.Available() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(
		`SELECT detection_id, was_correct, actual_need, comment, timestamp
		 FROM human_in_loop_feedback WHERE detection_id = ? ORDER BY id`, detectionID)
	if err != nil {
		return nil, fmt.Errorf("feedback query failed: %w", err)
	}
	defer rows.Close()

	var out []FeedbackRow
	for rows.Next() {
		var r FeedbackRow
		var comment sql.NullString
		if err := rows.Scan(&r.DetectionID, &r.WasCorrect, &r.ActualNeed, &comment, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("feedback scan failed: %w", err)
		}
		r.Comment = comment.String
		out = append(out, r)
	}
	return out, rows.Err()
}
