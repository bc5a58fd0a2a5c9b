// Package guardrail decides when a task needs a human in the loop before an
// agent proceeds. Detection is keyword-driven with per-family confidence;
// human feedback tunes the decision threshold and grows learned keyword
// families across restarts.
package guardrail

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"overseer/internal/bus"
	"overseer/internal/logging"
	"overseer/internal/memstore"
)

const learnedPatternsKey = "guardrail:learned-patterns"

// Config tunes the detector.
type Config struct {
	Threshold             float64 // confidence at or above which a human is required
	AdaptiveThreshold     bool
	MinDetectionsForAdapt int
	DetectionCap          int // retained detections awaiting feedback
	LearnedBaseConfidence float64
	LearnedConfidenceCap  float64
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:             0.70,
		AdaptiveThreshold:     true,
		MinDetectionsForAdapt: 10,
		DetectionCap:          500,
		LearnedBaseConfidence: 0.60,
		LearnedConfidenceCap:  0.85,
	}
}

// Input is the task context handed to Analyze.
type Input struct {
	Task  string
	Phase string
	Type  string
}

// Result is one detection outcome.
type Result struct {
	DetectionID     string   `json:"detectionId"`
	RequiresHuman   bool     `json:"requiresHuman"`
	Confidence      float64  `json:"confidence"`
	Pattern         string   `json:"pattern,omitempty"`
	MatchedKeywords []string `json:"matchedKeywords,omitempty"`
	Threshold       float64  `json:"threshold"`
}

// detection is a retained Analyze outcome awaiting feedback.
type detection struct {
	id        string
	input     Input
	pattern   string
	result    Result
	timestamp time.Time
}

// accuracy holds confusion-matrix counters.
type accuracy struct {
	TP, FP, FN, TN int
}

// Detector is the human-in-the-loop detector. Safe for concurrent use.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	patterns []*Pattern
	learned  int // count of learned patterns, used for naming

	events *bus.Bus
	mem    *memstore.Store

	detections map[string]*detection
	order      []string // FIFO eviction when over DetectionCap
	total      int      // detections ever made

	feedbackTotal int
	global        accuracy
	perPattern    map[string]*accuracy

	// feedback for detection ids we no longer (or never) retained; kept as
	// hints so late feedback is never an error.
	orphanFeedback map[string]Feedback
}

// Option configures a Detector.
type Option func(*Detector)

// WithBus attaches the event bus.
func WithBus(b *bus.Bus) Option {
	return func(d *Detector) { d.events = b }
}

// WithMemoryStore attaches the persistence backend for learning. Nil keeps
// the detector memory-only.
func WithMemoryStore(m *memstore.Store) Option {
	return func(d *Detector) { d.mem = m }
}

// New builds a Detector, restoring learned patterns and accuracy counters
// from the memory store when one is attached.
func New(cfg Config, opts ...Option) *Detector {
	if cfg.Threshold == 0 {
		cfg = DefaultConfig()
	}
	d := &Detector{
		cfg:            cfg,
		patterns:       builtinPatterns(),
		detections:     make(map[string]*detection),
		perPattern:     make(map[string]*accuracy),
		orphanFeedback: make(map[string]Feedback),
	}
	for _, o := range opts {
		o(d)
	}
	d.restore()
	return d
}

// restore reloads learned patterns and per-pattern counters.
func (d *Detector) restore() {
	if !d.mem.Available() {
		return
	}
	if raw, ok := d.mem.Get(learnedPatternsKey); ok {
		var saved []struct {
			Name           string   `json:"name"`
			Base           float64  `json:"base"`
			Keywords       []string `json:"keywords"`
			Reinforcements int      `json:"reinforcements"`
		}
		if err := json.Unmarshal([]byte(raw), &saved); err == nil {
			for _, p := range saved {
				d.patterns = append(d.patterns, &Pattern{
					Name: p.Name, Base: p.Base, Keywords: p.Keywords,
					Learned: true, reinforcements: p.Reinforcements,
				})
				d.learned++
			}
			logging.Guardrail("restored %d learned patterns", d.learned)
		}
	}
	rows, err := d.mem.LoadLearning()
	if err != nil {
		logging.Get(logging.CategoryGuardrail).Warn("failed to load learning counters: %v", err)
		return
	}
	for _, r := range rows {
		d.perPattern[r.PatternName] = &accuracy{TP: r.TP, FP: r.FP, FN: r.FN}
	}
}

// Analyze scores a task context against every pattern family and reports
// whether a human should be pulled in. Empty input never requires a human.
func (d *Detector) Analyze(in Input) Result {
	text := normalize(in.Task)
	if text == "" {
		return Result{RequiresHuman: false, Threshold: d.currentThreshold()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		best         *Pattern
		bestConf     float64
		bestKeywords []string
	)
	for _, p := range d.patterns {
		var hits []string
		for _, kw := range p.Keywords {
			if strings.Contains(text, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) == 0 {
			continue
		}
		conf := p.Base + 0.10*float64(len(hits)-1)
		if conf > 1 {
			conf = 1
		}
		if conf > bestConf {
			best, bestConf, bestKeywords = p, conf, hits
		}
	}

	res := Result{
		DetectionID: "det-" + uuid.NewString(),
		Confidence:  bestConf,
		Threshold:   d.cfg.Threshold,
	}
	if best != nil {
		res.Pattern = best.Name
		res.MatchedKeywords = bestKeywords
		res.RequiresHuman = bestConf >= d.cfg.Threshold
	}

	d.total++
	d.retainLocked(&detection{
		id: res.DetectionID, input: in, pattern: res.Pattern,
		result: res, timestamp: time.Now().UTC(),
	})

	if res.RequiresHuman {
		d.events.Emit("guardrail:human-required", map[string]interface{}{
			"detectionId": res.DetectionID,
			"pattern":     res.Pattern,
			"confidence":  res.Confidence,
			"phase":       in.Phase,
		})
		logging.Guardrail("human required: pattern=%s confidence=%.2f keywords=%v",
			res.Pattern, res.Confidence, res.MatchedKeywords)
	} else {
		logging.GuardrailDebug("detection %s: pattern=%s confidence=%.2f (threshold %.2f)",
			res.DetectionID, res.Pattern, res.Confidence, d.cfg.Threshold)
	}
	return res
}

// retainLocked stores a detection for later feedback, FIFO-evicting past cap.
func (d *Detector) retainLocked(det *detection) {
	d.detections[det.id] = det
	d.order = append(d.order, det.id)
	limit := d.cfg.DetectionCap
	if limit <= 0 {
		limit = 500
	}
	for len(d.order) > limit {
		old := d.order[0]
		d.order = d.order[1:]
		delete(d.detections, old)
	}
}

func (d *Detector) currentThreshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Threshold
}

// Threshold returns the current decision threshold.
func (d *Detector) Threshold() float64 { return d.currentThreshold() }

// normalize lowercases, NFC-composes, and collapses whitespace so keyword
// matching is stable across equivalent Unicode spellings.
func normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(strings.ToLower(s))), " ")
}

// Stats is a detector snapshot.
type Stats struct {
	TotalDetections int                     `json:"totalDetections"`
	TotalFeedback   int                     `json:"totalFeedback"`
	TP              int                     `json:"tp"`
	FP              int                     `json:"fp"`
	FN              int                     `json:"fn"`
	TN              int                     `json:"tn"`
	Precision       float64                 `json:"precision"`
	Recall          float64                 `json:"recall"`
	Threshold       float64                 `json:"threshold"`
	LearnedPatterns int                     `json:"learnedPatterns"`
	PerPattern      map[string]PatternStats `json:"perPattern"`
}

// PatternStats is per-family accuracy.
type PatternStats struct {
	TP       int     `json:"tp"`
	FP       int     `json:"fp"`
	FN       int     `json:"fn"`
	Accuracy float64 `json:"accuracy"`
}

// GetStats computes precision, recall, and per-pattern accuracy.
func (d *Detector) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		TotalDetections: d.total,
		TotalFeedback:   d.feedbackTotal,
		TP:              d.global.TP,
		FP:              d.global.FP,
		FN:              d.global.FN,
		TN:              d.global.TN,
		Threshold:       d.cfg.Threshold,
		LearnedPatterns: d.learned,
		PerPattern:      make(map[string]PatternStats, len(d.perPattern)),
	}
	if denom := s.TP + s.FP; denom > 0 {
		s.Precision = float64(s.TP) / float64(denom)
	}
	if denom := s.TP + s.FN; denom > 0 {
		s.Recall = float64(s.TP) / float64(denom)
	}
	for name, a := range d.perPattern {
		ps := PatternStats{TP: a.TP, FP: a.FP, FN: a.FN}
		if total := a.TP + a.FP + a.FN; total > 0 {
			ps.Accuracy = float64(a.TP) / float64(total)
		}
		s.PerPattern[name] = ps
	}
	return s
}

// Patterns returns the names of all active families, built-in plus learned.
func (d *Detector) Patterns() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.patterns))
	for _, p := range d.patterns {
		names = append(names, p.Name)
	}
	return names
}

// persistLearnedLocked writes the learned pattern set to the memory store.
func (d *Detector) persistLearnedLocked() {
	if !d.mem.Available() {
		return
	}
	type saved struct {
		Name           string   `json:"name"`
		Base           float64  `json:"base"`
		Keywords       []string `json:"keywords"`
		Reinforcements int      `json:"reinforcements"`
	}
	var out []saved
	for _, p := range d.patterns {
		if p.Learned {
			out = append(out, saved{p.Name, p.Base, p.Keywords, p.reinforcements})
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := d.mem.Set(learnedPatternsKey, string(data)); err != nil {
		logging.Get(logging.CategoryGuardrail).Warn("failed to persist learned patterns: %v", err)
	}
}

func (d *Detector) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("guardrail(patterns=%d threshold=%.2f detections=%d)",
		len(d.patterns), d.cfg.Threshold, d.total)
}
