package taskstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"overseer/internal/bus"
	"overseer/internal/logging"
)

// Shadow mirrors every task-file save into a secondary SQLite backend and
// compares content hashes, building a migration-readiness record without ever
// putting SQLite on the authoritative path. All methods are nil-receiver safe
// so the store runs unchanged with the shadow disabled.
type Shadow struct {
	mu             sync.Mutex
	db             *sql.DB
	events         *bus.Bus
	enabled        bool
	maxDivergences int
	p99CeilingMs   float64
	consecFailures int

	saveLatencies *latencyRing
	loadLatencies *latencyRing

	saves, loads       int64
	conflicts, merges  int64
	lockAcquired       int64
	lockFailed         int64
	validationPassed   int64
	validationFailed   int64
	errorsByOrigin     map[string]int64
	divergences        []Divergence
}

// Divergence records one hash mismatch between the JSON file and the SQLite
// mirror.
type Divergence struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Severity   string    `json:"severity"`
	JSONHash   string    `json:"jsonHash"`
	SQLiteHash string    `json:"sqliteHash"`
	Version    int       `json:"version"`
	Details    string    `json:"details"`
	Resolved   bool      `json:"resolved"`
	Resolution string    `json:"resolution,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt,omitempty"`
}

// ShadowOptions configures the shadow backend.
type ShadowOptions struct {
	Path           string
	MaxDivergences int // FIFO cap on retained divergences (default 50)
	LatencyRing    int // ring buffer size per operation (default 100)
	P99CeilingMs   float64
	Bus            *bus.Bus
}

// WithShadow attaches a shadow SQLite backend to the store. An unavailable
// backend is logged and the store continues without one.
func WithShadow(opts ShadowOptions) Option {
	return func(s *Store) {
		sh, err := newShadow(opts)
		if err != nil {
			logging.Shadow("shadow backend unavailable, continuing JSON-only: %v", err)
			return
		}
		s.shadow = sh
	}
}

func newShadow(opts ShadowOptions) (*Shadow, error) {
	if opts.MaxDivergences <= 0 {
		opts.MaxDivergences = 50
	}
	if opts.LatencyRing <= 0 {
		opts.LatencyRing = 100
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create shadow directory: %w", err)
	}
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shadow database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.ShadowDebug("pragma failed: %v", err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS task_file (
		version INTEGER PRIMARY KEY,
		content TEXT NOT NULL,
		hash TEXT NOT NULL,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create shadow schema: %w", err)
	}

	sh := &Shadow{
		db:             db,
		events:         opts.Bus,
		enabled:        true,
		maxDivergences: opts.MaxDivergences,
		p99CeilingMs:   opts.P99CeilingMs,
		saveLatencies:  newLatencyRing(opts.LatencyRing),
		loadLatencies:  newLatencyRing(opts.LatencyRing),
		errorsByOrigin: make(map[string]int64),
	}
	sh.events.Emit("shadow:initialized", map[string]interface{}{"path": opts.Path})
	sh.events.Emit("shadow:enabled", nil)
	logging.Shadow("shadow backend enabled at %s", opts.Path)
	return sh, nil
}

// Close releases the shadow database.
func (sh *Shadow) Close() error {
	if sh == nil || sh.db == nil {
		return nil
	}
	return sh.db.Close()
}

// recordSave mirrors a saved file into SQLite, records latency, and compares
// content hashes. A mismatch is retained as a divergence and emitted.
func (sh *Shadow) recordSave(file *File, elapsed time.Duration) {
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.saves++
	sh.saveLatencies.add(float64(elapsed.Microseconds()) / 1000)
	if !sh.enabled {
		return
	}

	jsonHash, err := ContentHash(file)
	if err != nil {
		sh.errorLocked("other", err)
		return
	}
	content, err := json.Marshal(file)
	if err != nil {
		sh.errorLocked("other", err)
		return
	}
	version := file.Concurrency.Version
	if _, err := sh.db.Exec(
		`INSERT INTO task_file(version, content, hash) VALUES(?, ?, ?)
		 ON CONFLICT(version) DO UPDATE SET content=excluded.content, hash=excluded.hash, saved_at=CURRENT_TIMESTAMP`,
		version, string(content), jsonHash); err != nil {
		sh.errorLocked("sqlite", err)
		sh.consecFailures++
		if sh.consecFailures >= 3 {
			sh.enabled = false
			sh.events.Emit("shadow:mode-changed", map[string]interface{}{"enabled": false, "reason": "backend-unavailable"})
			logging.Shadow("shadow backend disabled after repeated write failures")
		}
		return
	}
	sh.consecFailures = 0
	sh.validationPassed++

	// Read back and hash what SQLite actually holds.
	var stored string
	if err := sh.db.QueryRow(`SELECT content FROM task_file WHERE version = ?`, version).Scan(&stored); err != nil {
		sh.errorLocked("sqlite", err)
		return
	}
	var roundTrip File
	sqliteHash := ""
	if err := json.Unmarshal([]byte(stored), &roundTrip); err != nil {
		sh.errorLocked("sqlite", err)
	} else {
		sqliteHash, err = ContentHash(&roundTrip)
		if err != nil {
			sh.errorLocked("other", err)
		}
	}

	if sqliteHash != jsonHash {
		sh.validationFailed++
		sh.validationPassed--
		d := Divergence{
			ID:         "div-" + uuid.NewString(),
			Type:       "content-hash",
			Severity:   "high",
			JSONHash:   jsonHash,
			SQLiteHash: sqliteHash,
			Version:    version,
			Details:    "post-save content hash mismatch between json and sqlite backends",
		}
		sh.divergences = append(sh.divergences, d)
		for len(sh.divergences) > sh.maxDivergences {
			sh.divergences = sh.divergences[1:]
		}
		sh.events.Emit("metric:divergence", map[string]interface{}{
			"id": d.ID, "version": version, "jsonHash": jsonHash, "sqliteHash": sqliteHash,
		})
		logging.Shadow("divergence at version %d: json=%s sqlite=%s", version, jsonHash[:12], sqliteHash)
		return
	}
	sh.events.Emit("shadow:synced", map[string]interface{}{"version": version})
	logging.ShadowDebug("shadow synced version %d", version)
}

// recordLoad records one load's latency.
func (sh *Shadow) recordLoad(elapsed time.Duration) {
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.loads++
	sh.loadLatencies.add(float64(elapsed.Microseconds()) / 1000)
}

// countMerge records one version conflict resolved by merge.
func (sh *Shadow) countMerge() {
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.conflicts++
	sh.merges++
}

// countLock records a lock acquisition outcome.
func (sh *Shadow) countLock(acquired bool) {
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if acquired {
		sh.lockAcquired++
	} else {
		sh.lockFailed++
	}
}

// countError records an error attributed to one backend origin.
func (sh *Shadow) countError(origin string) {
	if sh == nil {
		return
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.errorLocked(origin, nil)
}

func (sh *Shadow) errorLocked(origin string, err error) {
	switch origin {
	case "sqlite", "json":
	default:
		origin = "other"
	}
	sh.errorsByOrigin[origin]++
	if err != nil {
		logging.Shadow("%s backend error: %v", origin, err)
	}
}

// ResolveDivergence marks a retained divergence resolved.
func (sh *Shadow) ResolveDivergence(id, resolution string) bool {
	if sh == nil {
		return false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for i := range sh.divergences {
		if sh.divergences[i].ID == id && !sh.divergences[i].Resolved {
			sh.divergences[i].Resolved = true
			sh.divergences[i].Resolution = resolution
			sh.divergences[i].ResolvedAt = time.Now().UTC()
			return true
		}
	}
	return false
}

// ShadowReport is a point-in-time health snapshot of the shadow backend.
type ShadowReport struct {
	Enabled           bool             `json:"enabled"`
	Saves             int64            `json:"saves"`
	Loads             int64            `json:"loads"`
	Conflicts         int64            `json:"conflicts"`
	Merges            int64            `json:"merges"`
	LockAcquired      int64            `json:"lockAcquired"`
	LockFailed        int64            `json:"lockFailed"`
	ValidationPassed  int64            `json:"validationPassed"`
	ValidationFailed  int64            `json:"validationFailed"`
	ErrorsByOrigin    map[string]int64 `json:"errorsByOrigin"`
	Divergences       []Divergence     `json:"divergences"`
	P99SaveMs         float64          `json:"p99SaveMs"`
	P99LoadMs         float64          `json:"p99LoadMs"`
	HealthScore       int              `json:"healthScore"`
	HealthBand        string           `json:"healthBand"`
	ReadyForMigration bool             `json:"readyForMigration"`
}

// Report computes the health score:
// 100, minus 5 per unresolved divergence (capped at 50), minus 3 per backend
// error (capped at 30), minus 20 when p99 save latency exceeds the ceiling.
func (sh *Shadow) Report() ShadowReport {
	if sh == nil {
		return ShadowReport{HealthBand: "disabled"}
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	unresolved := 0
	for _, d := range sh.divergences {
		if !d.Resolved {
			unresolved++
		}
	}
	var totalErrors int64
	errs := make(map[string]int64, len(sh.errorsByOrigin))
	for origin, n := range sh.errorsByOrigin {
		errs[origin] = n
		totalErrors += n
	}

	p99Save := sh.saveLatencies.p99()
	score := 100
	score -= int(math.Min(50, float64(unresolved)*5))
	score -= int(math.Min(30, float64(totalErrors)*3))
	if sh.p99CeilingMs > 0 && p99Save > sh.p99CeilingMs {
		score -= 20
	}
	if score < 0 {
		score = 0
	}

	band := "critical"
	switch {
	case score >= 90:
		band = "healthy"
	case score >= 70:
		band = "warning"
	case score >= 50:
		band = "degraded"
	}

	return ShadowReport{
		Enabled:           sh.enabled,
		Saves:             sh.saves,
		Loads:             sh.loads,
		Conflicts:         sh.conflicts,
		Merges:            sh.merges,
		LockAcquired:      sh.lockAcquired,
		LockFailed:        sh.lockFailed,
		ValidationPassed:  sh.validationPassed,
		ValidationFailed:  sh.validationFailed,
		ErrorsByOrigin:    errs,
		Divergences:       append([]Divergence(nil), sh.divergences...),
		P99SaveMs:         p99Save,
		P99LoadMs:         sh.loadLatencies.p99(),
		HealthScore:       score,
		HealthBand:        band,
		ReadyForMigration: sh.saves >= 100 && unresolved == 0 && band == "healthy",
	}
}

// Shadow exposes the store's shadow backend, or nil.
func (s *Store) Shadow() *Shadow { return s.shadow }

// latencyRing is a fixed-size ring of latency samples in milliseconds.
type latencyRing struct {
	samples []float64
	next    int
	full    bool
}

func newLatencyRing(size int) *latencyRing {
	return &latencyRing{samples: make([]float64, size)}
}

func (r *latencyRing) add(ms float64) {
	r.samples[r.next] = ms
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *latencyRing) p99() float64 {
	n := r.next
	if r.full {
		n = len(r.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), r.samples[:n]...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.99*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
