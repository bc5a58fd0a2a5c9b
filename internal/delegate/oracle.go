package delegate

import (
	"fmt"
	"strings"
)

// Decision is the delegation verdict for one task.
type Decision struct {
	ShouldDelegate bool    `json:"shouldDelegate"`
	Pattern        string  `json:"pattern"`
	AgentCount     int     `json:"agentCount"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

// Oracle decides whether and how a task should be delegated. The default is a
// deterministic heuristic; callers can inject a smarter implementation.
type Oracle interface {
	Decide(task string, opts Options) Decision
}

// heuristicOracle scores task text for breadth and ordering cues.
type heuristicOracle struct{}

// NewHeuristicOracle returns the stock rule-based oracle.
func NewHeuristicOracle() Oracle { return heuristicOracle{} }

func (heuristicOracle) Decide(task string, opts Options) Decision {
	text := strings.ToLower(task)
	words := strings.Fields(text)

	// Breadth signals: independent pieces of work in one description.
	breadth := strings.Count(text, " and ") + strings.Count(text, ",")
	for _, cue := range []string{"both", "each", "all of", "across", "multiple", "every"} {
		if strings.Contains(text, cue) {
			breadth++
		}
	}
	// Ordering signals favor sequential handoff.
	ordered := 0
	for _, cue := range []string{"then", "after", "first", "finally", "step", "before"} {
		if strings.Contains(text, cue) {
			ordered++
		}
	}
	contested := containsAny(text, "decide", "choose", "versus", " vs ", "compare", "should we")
	risky := containsAny(text, "critical", "security", "auth", "payment", "migration", "correctness")

	score := float64(breadth) + float64(len(words))/20
	should := score >= 2 || contested

	pattern := PatternParallel
	switch {
	case contested:
		pattern = PatternDebate
	case risky:
		pattern = PatternReview
	case ordered >= breadth && ordered > 0:
		pattern = PatternSequential
	}

	agents := 2 + breadth
	if agents > 8 {
		agents = 8
	}

	reasoning := fmt.Sprintf("breadth=%d ordered=%d words=%d -> %s", breadth, ordered, len(words), pattern)
	if !should {
		reasoning = fmt.Sprintf("task too narrow to split (breadth=%d, words=%d)", breadth, len(words))
	}

	conf := 0.5 + 0.1*float64(breadth)
	if conf > 0.9 {
		conf = 0.9
	}
	return Decision{
		ShouldDelegate: should,
		Pattern:        pattern,
		AgentCount:     agents,
		Confidence:     conf,
		Reasoning:      reasoning,
	}
}

func containsAny(text string, cues ...string) bool {
	for _, c := range cues {
		if strings.Contains(text, c) {
			return true
		}
	}
	return false
}
