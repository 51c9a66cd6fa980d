package llm

import (
	"sort"
	"strings"
)

// DefaultTokenLimit is used for models missing from the catalog.
const DefaultTokenLimit = 128_000

// ModelInfo describes a model known to the catalog.
type ModelInfo struct {
	ID            string
	ContextWindow int
	// Lightweight models are used for side calls such as the next-speaker check.
	Lightweight bool
}

var catalog = []ModelInfo{
	{ID: "gpt-4o", ContextWindow: 128_000},
	{ID: "gpt-4o-mini", ContextWindow: 128_000, Lightweight: true},
	{ID: "gpt-4.1", ContextWindow: 1_047_576},
	{ID: "gpt-4.1-mini", ContextWindow: 1_047_576, Lightweight: true},
	{ID: "gpt-4.1-nano", ContextWindow: 1_047_576, Lightweight: true},
	{ID: "gpt-5", ContextWindow: 400_000},
	{ID: "gpt-5-mini", ContextWindow: 400_000, Lightweight: true},
	{ID: "o3", ContextWindow: 200_000},
	{ID: "o4-mini", ContextWindow: 200_000, Lightweight: true},
	{ID: "gemini-2.5-pro", ContextWindow: 1_048_576},
	{ID: "gemini-2.5-flash", ContextWindow: 1_048_576, Lightweight: true},
	{ID: "claude-sonnet-4", ContextWindow: 200_000},
}

// lookup finds the longest catalog id that prefixes model, so dated
// snapshots like gpt-4o-2024-08-06 resolve to their family.
func lookup(model string) (ModelInfo, bool) {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	candidates := make([]ModelInfo, 0, 2)
	for _, info := range catalog {
		if model == info.ID || strings.HasPrefix(model, info.ID+"-") {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		return ModelInfo{}, false
	}
	sort.Slice(candidates, func(i, j int) bool { return len(candidates[i].ID) > len(candidates[j].ID) })
	return candidates[0], true
}

// GetModelInfo returns catalog information for model.
func GetModelInfo(model string) (ModelInfo, bool) {
	return lookup(model)
}

// TokenLimit returns the context window of model.
func TokenLimit(model string) int {
	if info, ok := lookup(model); ok {
		return info.ContextWindow
	}
	return DefaultTokenLimit
}
