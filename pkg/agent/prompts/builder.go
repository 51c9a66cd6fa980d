package prompts

import (
	"sort"
	"strings"

	"github.com/entrhq/conductor/pkg/agent/tools"
)

// PromptBuilder constructs the system instruction sent with every turn
type PromptBuilder struct {
	tools              []tools.Tool
	customInstructions string
	repositoryContext  string
	profile            string
}

// NewPromptBuilder creates a new prompt builder with default settings
func NewPromptBuilder() *PromptBuilder {
	return &PromptBuilder{
		tools: []tools.Tool{},
	}
}

// WithTools sets the available tools for the agent
func (pb *PromptBuilder) WithTools(toolsList []tools.Tool) *PromptBuilder {
	pb.tools = toolsList
	return pb
}

// WithCustomInstructions adds custom user-provided instructions
// These are instructions from the end user, not the base system prompt
func (pb *PromptBuilder) WithCustomInstructions(instructions string) *PromptBuilder {
	pb.customInstructions = instructions
	return pb
}

// WithRepositoryContext adds repository-specific context from AGENTS.md
// This provides project-specific information separate from custom instructions
func (pb *PromptBuilder) WithRepositoryContext(context string) *PromptBuilder {
	pb.repositoryContext = context
	return pb
}

// WithProfile names the role profile the tools were restricted to.
func (pb *PromptBuilder) WithProfile(name string) *PromptBuilder {
	pb.profile = name
	return pb
}

// Build constructs the complete system prompt by assembling all sections.
// Function schemas travel as declarations on the request, so only a short
// summary of each tool appears here.
func (pb *PromptBuilder) Build() string {
	var builder strings.Builder

	if pb.customInstructions != "" {
		builder.WriteString("<custom_instructions>\n")
		builder.WriteString(pb.customInstructions)
		builder.WriteString("\n</custom_instructions>\n\n")
	}

	if pb.repositoryContext != "" {
		builder.WriteString("<repository_context>\n")
		builder.WriteString(pb.repositoryContext)
		builder.WriteString("\n</repository_context>\n\n")
	}

	builder.WriteString(SystemCapabilitiesPrompt)
	builder.WriteString("\n\n")
	builder.WriteString(AgentLoopPrompt)
	builder.WriteString("\n\n")

	if len(pb.tools) > 0 {
		builder.WriteString("<available_tools")
		if pb.profile != "" {
			builder.WriteString(` profile="` + pb.profile + `"`)
		}
		builder.WriteString(">\n")
		builder.WriteString(FormatToolSummaries(pb.tools))
		builder.WriteString("</available_tools>\n\n")
	}

	builder.WriteString(ToolUseRulesPrompt)
	return builder.String()
}

// FormatToolSummaries renders one "- name: description" line per tool,
// sorted by name.
func FormatToolSummaries(ts []tools.Tool) string {
	sorted := append([]tools.Tool(nil), ts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	var b strings.Builder
	for _, t := range sorted {
		b.WriteString("- ")
		b.WriteString(t.Name())
		if desc := strings.TrimSpace(t.Description()); desc != "" {
			b.WriteString(": ")
			b.WriteString(desc)
		}
		b.WriteString("\n")
	}
	return b.String()
}
