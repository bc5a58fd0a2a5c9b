// Package delegate turns one oversized task into a coordinated set of
// subagent invocations. It decides whether to delegate at all, decomposes the
// task, and renders the invocation plan for one of four coordination
// patterns.
package delegate

import (
	"fmt"
	"strconv"
	"strings"
)

// Coordination patterns.
const (
	PatternParallel   = "parallel"
	PatternSequential = "sequential"
	PatternDebate     = "debate"
	PatternReview     = "review"
)

// Options are the parsed delegation flags.
type Options struct {
	Pattern string
	Depth   int
	Agents  int
	Budget  string
	DryRun  bool
	Force   bool
}

// knownPattern reports whether name is a supported coordination pattern.
func knownPattern(name string) bool {
	switch name {
	case PatternParallel, PatternSequential, PatternDebate, PatternReview:
		return true
	}
	return false
}

// ParseArguments splits a raw argument string into delegation options and the
// task description. Flags may appear anywhere; everything else is the task.
//
//	--pattern|-p <name>   coordination pattern
//	--depth|-d <n>        hierarchy depth hint
//	--agents|-a <n>       agent count, 1..8
//	--budget <s>          token budget hint
//	--dry-run             render the plan without executing
//	--force|-f            delegate even when not recommended
func ParseArguments(argString string) (Options, string, error) {
	opts := Options{}
	fields := strings.Fields(argString)
	var desc []string

	takeValue := func(i int, flag string) (string, int, error) {
		if i+1 >= len(fields) {
			return "", i, fmt.Errorf("flag %s requires a value", flag)
		}
		return fields[i+1], i + 1, nil
	}

	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch f {
		case "--pattern", "-p":
			v, ni, err := takeValue(i, f)
			if err != nil {
				return opts, "", err
			}
			if !knownPattern(v) {
				return opts, "", fmt.Errorf("unknown pattern %q (parallel, sequential, debate, review)", v)
			}
			opts.Pattern, i = v, ni
		case "--depth", "-d":
			v, ni, err := takeValue(i, f)
			if err != nil {
				return opts, "", err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return opts, "", fmt.Errorf("invalid depth %q", v)
			}
			opts.Depth, i = n, ni
		case "--agents", "-a":
			v, ni, err := takeValue(i, f)
			if err != nil {
				return opts, "", err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 8 {
				return opts, "", fmt.Errorf("agent count must be 1..8, got %q", v)
			}
			opts.Agents, i = n, ni
		case "--budget":
			v, ni, err := takeValue(i, f)
			if err != nil {
				return opts, "", err
			}
			opts.Budget, i = v, ni
		case "--dry-run":
			opts.DryRun = true
		case "--force", "-f":
			opts.Force = true
		default:
			desc = append(desc, f)
		}
	}
	return opts, strings.Join(desc, " "), nil
}
