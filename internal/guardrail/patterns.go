package guardrail

// Pattern is one keyword family that signals a task may need a human in the
// loop before an agent acts on it.
type Pattern struct {
	Name     string
	Base     float64 // confidence with a single keyword hit
	Keywords []string
	Learned  bool

	// reinforcements counts false-negative feedback that re-derived this
	// learned pattern; each one raises Base until the cap.
	reinforcements int
}

// builtinPatterns returns the built-in families in precedence order. Earlier
// families win confidence ties.
func builtinPatterns() []*Pattern {
	return []*Pattern{
		{
			Name: "highRisk",
			Base: 0.80,
			Keywords: []string{
				"deploy", "production", "prod", "release", "rollback",
				"delete", "drop table", "truncate", "wipe", "destroy",
				"migrate", "migration", "credentials", "secret", "api key",
				"payment", "billing", "irreversible", "force push",
			},
		},
		{
			Name: "design",
			Base: 0.60,
			Keywords: []string{
				"architecture", "redesign", "rearchitect", "schema change",
				"api contract", "breaking change", "tradeoff", "trade-off",
				"framework choice", "restructure",
			},
		},
		{
			Name: "manualTest",
			Base: 0.55,
			Keywords: []string{
				"manually verify", "manual test", "screenshot", "visually",
				"looks right", "in the browser", "eyeball", "usability",
			},
		},
		{
			Name: "strategic",
			Base: 0.65,
			Keywords: []string{
				"roadmap", "prioritize", "deprioritize", "scope cut",
				"deadline", "stakeholder", "budget", "headcount",
				"sunset", "kill the feature",
			},
		},
		{
			Name: "legal",
			Base: 0.75,
			Keywords: []string{
				"license", "licensing", "legal", "compliance", "gdpr",
				"hipaa", "privacy policy", "terms of service", "copyright",
				"trademark", "pii",
			},
		},
	}
}

// stopwords excluded from learned-keyword extraction.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "should": true, "would": true,
	"could": true, "have": true, "has": true, "will": true, "can": true,
	"are": true, "was": true, "were": true, "been": true, "being": true,
	"you": true, "your": true, "our": true, "its": true, "all": true,
	"any": true, "not": true, "but": true, "use": true, "using": true,
	"new": true, "add": true, "task": true, "make": true, "need": true,
	"needs": true, "when": true, "then": true, "than": true, "some": true,
	"more": true, "also": true, "just": true, "out": true, "about": true,
}
