package types

import (
	"encoding/json"
	"maps"
	"strings"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser  Role = "user"  // RoleUser marks messages authored by the user or the host (tool responses).
	RoleModel Role = "model" // RoleModel marks messages produced by the model.
)

// FunctionCall is a model-issued request to invoke a tool.
type FunctionCall struct {
	Args map[string]any `json:"args,omitempty"`
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
}

// FunctionResponse carries the result of a FunctionCall back to the model.
type FunctionResponse struct {
	Response map[string]any `json:"response,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
}

// Part is one fragment of a message. Exactly one of Text, FunctionCall or
// FunctionResponse is expected to be set; Thought flags a text part as
// model reasoning.
type Part struct {
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
}

// NewTextPart creates a plain text part.
func NewTextPart(text string) Part {
	return Part{Text: text}
}

// NewFunctionCallPart creates a part holding a tool call.
func NewFunctionCallPart(id, name string, args map[string]any) Part {
	return Part{FunctionCall: &FunctionCall{ID: id, Name: name, Args: args}}
}

// NewFunctionResponsePart creates a part holding a tool response.
func NewFunctionResponsePart(id, name string, response map[string]any) Part {
	return Part{FunctionResponse: &FunctionResponse{ID: id, Name: name, Response: response}}
}

// IsEmpty reports whether the part carries no payload at all.
func (p Part) IsEmpty() bool {
	return p.Text == "" && p.FunctionCall == nil && p.FunctionResponse == nil
}

// Message is one entry of the conversation history.
type Message struct {
	// Metadata is local bookkeeping and never sent to the model.
	Metadata map[string]any `json:"-"`
	Role     Role           `json:"role"`
	Parts    []Part         `json:"parts"`
}

// NewUserMessage creates a user message with a single text part.
func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Parts: []Part{NewTextPart(text)}}
}

// NewModelMessage creates a model message with a single text part.
func NewModelMessage(text string) *Message {
	return &Message{Role: RoleModel, Parts: []Part{NewTextPart(text)}}
}

// NewUserPartsMessage creates a user message from arbitrary parts.
func NewUserPartsMessage(parts ...Part) *Message {
	return &Message{Role: RoleUser, Parts: parts}
}

// FunctionCalls returns the tool calls carried by the message in order.
func (m *Message) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for _, p := range m.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

// FunctionResponses returns the tool responses carried by the message in order.
func (m *Message) FunctionResponses() []*FunctionResponse {
	var responses []*FunctionResponse
	for _, p := range m.Parts {
		if p.FunctionResponse != nil {
			responses = append(responses, p.FunctionResponse)
		}
	}
	return responses
}

// HasFunctionCall reports whether any part is a tool call.
func (m *Message) HasFunctionCall() bool {
	for _, p := range m.Parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

// HasFunctionResponse reports whether any part is a tool response.
func (m *Message) HasFunctionResponse() bool {
	for _, p := range m.Parts {
		if p.FunctionResponse != nil {
			return true
		}
	}
	return false
}

// Text concatenates the non-thought text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsValidContent reports whether a model message is fit to be sent back to
// the model: it must have at least one part and no empty text parts.
func (m *Message) IsValidContent() bool {
	if len(m.Parts) == 0 {
		return false
	}
	for _, p := range m.Parts {
		if p.IsEmpty() {
			return false
		}
	}
	return true
}

// SerializedLength is the length of the JSON encoding of the message. It is
// the unit used for compression split points and token estimates.
func (m *Message) SerializedLength() int {
	data, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := &Message{Role: m.Role, Parts: make([]Part, len(m.Parts))}
	for i, p := range m.Parts {
		c.Parts[i] = p
		if p.FunctionCall != nil {
			fc := *p.FunctionCall
			fc.Args = maps.Clone(p.FunctionCall.Args)
			c.Parts[i].FunctionCall = &fc
		}
		if p.FunctionResponse != nil {
			fr := *p.FunctionResponse
			fr.Response = maps.Clone(p.FunctionResponse.Response)
			c.Parts[i].FunctionResponse = &fr
		}
	}
	if m.Metadata != nil {
		c.Metadata = maps.Clone(m.Metadata)
	}
	return c
}

// CloneHistory deep-copies a history slice.
func CloneHistory(history []*Message) []*Message {
	out := make([]*Message, len(history))
	for i, m := range history {
		out[i] = m.Clone()
	}
	return out
}

// ToolCallRequest is a tool invocation issued by the model within a turn.
// It is immutable once created.
type ToolCallRequest struct {
	Args     map[string]any
	CallID   string
	Name     string
	PromptID string
}

// CompressionStatus is the outcome of a compression attempt.
type CompressionStatus string

const (
	CompressionNoop                   CompressionStatus = "NOOP"                                    // CompressionNoop indicates nothing was compressed.
	CompressionCompressed             CompressionStatus = "COMPRESSED"                              // CompressionCompressed indicates history was replaced by a summary.
	CompressionFailedInflatedTokenCnt CompressionStatus = "COMPRESSION_FAILED_INFLATED_TOKEN_COUNT" // CompressionFailedInflatedTokenCnt indicates the summary was larger than the original.
)

// ChatCompressionInfo reports the result of one compression attempt.
type ChatCompressionInfo struct {
	Status             CompressionStatus
	OriginalTokenCount int
	NewTokenCount      int
}
