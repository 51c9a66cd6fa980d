package prompts

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/entrhq/conductor/pkg/agent/tools"
)

type namedTool struct{ name, desc string }

func (n namedTool) Name() string                           { return n.name }
func (n namedTool) Description() string                    { return n.desc }
func (n namedTool) Schema() map[string]any                 { return nil }
func (n namedTool) ClassifyRisk(map[string]any) tools.Risk { return tools.RiskNone }
func (n namedTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	return nil, nil
}

func TestPromptBuilder(t *testing.T) {
	t.Run("minimal", func(t *testing.T) {
		prompt := NewPromptBuilder().Build()
		assert.Contains(t, prompt, SystemCapabilitiesPrompt)
		assert.Contains(t, prompt, ToolUseRulesPrompt)
		assert.NotContains(t, prompt, "<available_tools")
		assert.NotContains(t, prompt, "<custom_instructions>")
	})

	t.Run("full", func(t *testing.T) {
		prompt := NewPromptBuilder().
			WithCustomInstructions("Be terse.").
			WithRepositoryContext("Go monorepo").
			WithProfile("reader").
			WithTools([]tools.Tool{namedTool{"write_file", "writes"}, namedTool{"read_file", "reads"}}).
			Build()

		assert.True(t, strings.HasPrefix(prompt, "<custom_instructions>\nBe terse."))
		assert.Contains(t, prompt, "<repository_context>\nGo monorepo\n</repository_context>")
		assert.Contains(t, prompt, `<available_tools profile="reader">`)
		assert.Less(t, strings.Index(prompt, "- read_file: reads"), strings.Index(prompt, "- write_file: writes"))
	})
}

func TestFormatToolSummaries(t *testing.T) {
	out := FormatToolSummaries([]tools.Tool{namedTool{"b", ""}, namedTool{"a", " first "}})
	assert.Equal(t, "- a: first\n- b\n", out)
}

func TestFixedTexts(t *testing.T) {
	assert.Contains(t, CompressionSystemPrompt, "<state_snapshot>")
	assert.Contains(t, NextSpeakerPrompt, "next_speaker")
	assert.Contains(t, ClassifierPrompt, "model_choice")
}
