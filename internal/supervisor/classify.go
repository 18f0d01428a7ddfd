package supervisor

import (
	"regexp"

	"github.com/circlesabound/fctrl-agent/internal/model"
)

// classifyRule is one entry in the ordered ruleset of spec.md §4.5. The
// first matching rule wins; an unmatched line is System.
type classifyRule struct {
	category model.Category
	pattern  *regexp.Regexp
}

// DefaultRules is the built-in ruleset, and the one every Supervisor
// classifies with: Config has no field to replace it (only the
// readiness patterns are configurable, via ReadyPatternsOverride).
// These rules follow the commonly observed `[CHAT]`/`[JOIN]`/`[LEAVE]`
// console tags and a percentage-style save-upload progress line.
var DefaultRules = []classifyRule{
	{model.CategoryChat, regexp.MustCompile(`^\s*[\d.]+\s+\[CHAT\]\s+(?P<who>[^:]+):\s*(?P<msg>.*)$`)},
	{model.CategoryJoin, regexp.MustCompile(`\[JOIN\]\s+(?P<who>.+?)\s+joined the game`)},
	{model.CategoryLeave, regexp.MustCompile(`\[LEAVE\]\s+(?P<who>.+?)\s+left the game`)},
	{model.CategoryUpload, regexp.MustCompile(`[Ss]aving progress:\s*(?P<pct>\d+)%`)},
}

// Classify applies rules in order, returning System if nothing matches.
func Classify(rules []classifyRule, line string) model.Category {
	for _, r := range rules {
		if r.pattern.MatchString(line) {
			return r.category
		}
	}
	return model.CategorySystem
}

// DefaultReadyPatterns recognises the stdout line that signals the
// child has finished starting and is accepting connections. spec.md
// §4.5 calls out "Hosting game" as the canonical example and requires
// the set to remain pluggable per binary version.
var DefaultReadyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[Hh]osting game`),
}

// MatchesAny reports whether line matches any of patterns.
func MatchesAny(patterns []*regexp.Regexp, line string) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}
