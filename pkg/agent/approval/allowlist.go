package approval

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// PatternMatcher matches tool calls against allow-list glob patterns.
// A pattern without a colon matches the tool name ("read_*"); a pattern with
// one matches "tool:command" for command tools ("run_command:git *").
type PatternMatcher struct {
	patterns []glob.Glob
	raw      []string
}

// NewPatternMatcher compiles the given patterns.
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern '%s': %w", pattern, err)
		}
		pm.patterns = append(pm.patterns, g)
		pm.raw = append(pm.raw, pattern)
	}
	return pm, nil
}

// add allows "tool:root" and "tool:root *" with root matched literally.
func (pm *PatternMatcher) add(toolName, root string) error {
	quoted := toolName + ":" + glob.QuoteMeta(root)
	for _, pattern := range []string{quoted, quoted + " *"} {
		g, err := glob.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid allow pattern '%s': %w", pattern, err)
		}
		pm.patterns = append(pm.patterns, g)
		pm.raw = append(pm.raw, pattern)
	}
	return nil
}

// Patterns returns the source patterns.
func (pm *PatternMatcher) Patterns() []string {
	return append([]string(nil), pm.raw...)
}

// Allows returns true if the tool name, or "tool:command" when a command is
// given, matches any pattern.
func (pm *PatternMatcher) Allows(toolName, command string) bool {
	candidates := []string{toolName}
	if command != "" {
		candidates = append(candidates, toolName+":"+strings.TrimSpace(command))
	}
	for i, pattern := range pm.patterns {
		for _, c := range candidates {
			if c == toolName && strings.Contains(pm.raw[i], ":") {
				continue
			}
			if pattern.Match(c) {
				return true
			}
		}
	}
	return false
}
