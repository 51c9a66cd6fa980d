package llm

import (
	"github.com/entrhq/conductor/pkg/types"
)

// ToolDeclaration describes a tool to the model.
type ToolDeclaration struct {
	// Parameters is a JSON schema object.
	Parameters  map[string]any
	Name        string
	Description string
}

// GenerationConfig tunes a single request.
type GenerationConfig struct {
	// ResponseSchema, when set together with ResponseJSON, constrains the output.
	ResponseSchema map[string]any
	Temperature    *float64
	MaxTokens      int
	// ResponseJSON asks the model for a single JSON object.
	ResponseJSON bool
}

// Request is a model invocation independent of any SDK wire shape.
type Request struct {
	Config            GenerationConfig
	Model             string
	SystemInstruction string
	Tools             []ToolDeclaration
	Contents          []*types.Message
}

// Usage reports token accounting returned by the endpoint.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one element of a streamed model response.
type StreamChunk struct {
	// Error is set when the stream failed; it is the last chunk sent.
	Error error

	// ToolCall is a complete tool call assembled by the transport.
	ToolCall *types.FunctionCall

	// Usage is set on the final chunk when the endpoint reports it.
	Usage *Usage

	// Text is a content delta.
	Text string

	// Thought is a reasoning delta.
	Thought string

	// FinishReason is set on the terminal chunk.
	FinishReason string
}

// IsError reports whether the chunk carries a stream failure.
func (c *StreamChunk) IsError() bool {
	return c.Error != nil
}

// IsFinished reports whether the chunk is the terminal signal.
func (c *StreamChunk) IsFinished() bool {
	return c.FinishReason != ""
}

// Response is the result of a non-streaming call.
type Response struct {
	Message      *types.Message
	Usage        *Usage
	FinishReason string
}

// Text returns the concatenated non-thought text of the response.
func (r *Response) Text() string {
	if r == nil || r.Message == nil {
		return ""
	}
	return r.Message.Text()
}

// Finish reasons normalised across transports.
const (
	FinishReasonStop      = "STOP"
	FinishReasonMaxTokens = "MAX_TOKENS"
	FinishReasonToolCalls = "TOOL_CALLS"
	FinishReasonSafety    = "SAFETY"
	FinishReasonOther     = "OTHER"
)
