package guardrail

import (
	"strconv"
	"strings"
	"time"

	"overseer/internal/logging"
	"overseer/internal/memstore"
)

// Feedback is one human judgment on a detection.
type Feedback struct {
	WasCorrect bool   // the human agrees with the detector's call
	ActualNeed string // "yes" or "no": was a human actually needed
	Comment    string
}

// RecordFeedback folds one human judgment into the confusion counters, tunes
// the adaptive threshold, and grows learned patterns from missed detections.
// Feedback for an unknown or evicted detection id is kept as a hint and is
// never an error.
func (d *Detector) RecordFeedback(detectionID string, fb Feedback) {
	d.mu.Lock()
	defer d.mu.Unlock()

	det, known := d.detections[detectionID]
	if !known {
		d.orphanFeedback[detectionID] = fb
		logging.GuardrailDebug("feedback for unknown detection %s retained as hint", detectionID)
		return
	}

	actualYes := strings.EqualFold(fb.ActualNeed, "yes")
	predictedYes := det.result.RequiresHuman

	d.feedbackTotal++
	switch {
	case predictedYes && actualYes:
		d.global.TP++
		d.bumpPatternLocked(det.pattern, func(a *accuracy) { a.TP++ })
	case predictedYes && !actualYes:
		d.global.FP++
		d.bumpPatternLocked(det.pattern, func(a *accuracy) { a.FP++ })
	case !predictedYes && actualYes:
		d.global.FN++
		d.bumpPatternLocked(det.pattern, func(a *accuracy) { a.FN++ })
		d.learnFromMissLocked(det)
	default:
		d.global.TN++
	}

	if d.mem.Available() {
		if err := d.mem.RecordFeedback(memstore.FeedbackRow{
			DetectionID: detectionID,
			WasCorrect:  fb.WasCorrect,
			ActualNeed:  strings.ToLower(fb.ActualNeed),
			Comment:     fb.Comment,
			Timestamp:   time.Now().UTC(),
		}); err != nil {
			logging.Get(logging.CategoryGuardrail).Warn("failed to persist feedback: %v", err)
		}
		if det.pattern != "" {
			if a := d.perPattern[det.pattern]; a != nil {
				if err := d.mem.UpsertLearning(memstore.LearningRow{
					PatternName: det.pattern, TP: a.TP, FP: a.FP, FN: a.FN,
				}); err != nil {
					logging.Get(logging.CategoryGuardrail).Warn("failed to persist learning: %v", err)
				}
			}
		}
	}

	d.adaptThresholdLocked()
	d.events.Emit("guardrail:feedback", map[string]interface{}{
		"detectionId": detectionID,
		"wasCorrect":  fb.WasCorrect,
		"actualNeed":  strings.ToLower(fb.ActualNeed),
	})
}

func (d *Detector) bumpPatternLocked(name string, bump func(*accuracy)) {
	if name == "" {
		return
	}
	a := d.perPattern[name]
	if a == nil {
		a = &accuracy{}
		d.perPattern[name] = a
	}
	bump(a)
}

// adaptThresholdLocked nudges the decision threshold once enough detections
// have accumulated: too many false positives raise it, too many misses lower
// it. Error rates are measured against detections made, not feedback given,
// so sparse feedback on a busy detector still moves the threshold.
func (d *Detector) adaptThresholdLocked() {
	if !d.cfg.AdaptiveThreshold || d.total < d.cfg.MinDetectionsForAdapt {
		return
	}
	total := float64(d.total)
	fpRate := float64(d.global.FP) / total
	fnRate := float64(d.global.FN) / total

	old := d.cfg.Threshold
	switch {
	case fpRate > 0.30:
		d.cfg.Threshold += 0.05
		if d.cfg.Threshold > 0.95 {
			d.cfg.Threshold = 0.95
		}
	case fnRate > 0.30:
		d.cfg.Threshold -= 0.05
		if d.cfg.Threshold < 0.40 {
			d.cfg.Threshold = 0.40
		}
	}
	if d.cfg.Threshold != old {
		d.events.Emit("guardrail:threshold-adapted", map[string]interface{}{
			"from": old, "to": d.cfg.Threshold,
			"fpRate": fpRate, "fnRate": fnRate,
		})
		logging.Guardrail("threshold adapted %.2f -> %.2f (fp=%.2f fn=%.2f)",
			old, d.cfg.Threshold, fpRate, fnRate)
	}
}

// learnFromMissLocked extracts candidate keywords from a missed detection and
// either reinforces the learned pattern that covers them or mints a new one.
func (d *Detector) learnFromMissLocked(det *detection) {
	candidates := extractCandidates(det.input.Task, d.patterns)
	if len(candidates) < 2 {
		return
	}

	// Reinforce the learned family the detection itself matched, or one
	// sharing a candidate keyword.
	for _, p := range d.patterns {
		if !p.Learned {
			continue
		}
		if p.Name == det.pattern || overlaps(p.Keywords, candidates) {
			p.reinforcements++
			p.Base = d.cfg.LearnedBaseConfidence + 0.05*float64(p.reinforcements)
			if p.Base > d.cfg.LearnedConfidenceCap {
				p.Base = d.cfg.LearnedConfidenceCap
			}
			p.Keywords = mergeKeywords(p.Keywords, candidates)
			d.persistLearnedLocked()
			logging.Guardrail("reinforced %s (base %.2f, %d keywords)", p.Name, p.Base, len(p.Keywords))
			return
		}
	}

	d.learned++
	name := learnedName(d.learned)
	d.patterns = append(d.patterns, &Pattern{
		Name:     name,
		Base:     d.cfg.LearnedBaseConfidence,
		Keywords: candidates,
		Learned:  true,
	})
	d.persistLearnedLocked()
	d.events.Emit("guardrail:pattern-learned", map[string]interface{}{
		"pattern": name, "keywords": candidates,
	})
	logging.Guardrail("learned pattern %s from missed detection: %v", name, candidates)
}

func learnedName(n int) string {
	return "learned_" + strconv.Itoa(n)
}

// extractCandidates pulls significant tokens from the task text: three or
// more characters, not a stopword, not already covered by any pattern.
func extractCandidates(text string, patterns []*Pattern) []string {
	covered := make(map[string]bool)
	for _, p := range patterns {
		for _, kw := range p.Keywords {
			covered[kw] = true
		}
	}

	seen := make(map[string]bool)
	var out []string
	for _, tok := range strings.Fields(normalize(text)) {
		tok = strings.Trim(tok, ".,;:!?'\"()[]{}")
		if len(tok) < 3 || stopwords[tok] || covered[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func overlaps(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	for _, v := range b {
		if set[v] {
			return true
		}
	}
	return false
}

func mergeKeywords(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string(nil), a...)
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
