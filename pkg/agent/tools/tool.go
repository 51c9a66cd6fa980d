package tools

import (
	"context"
	"fmt"
)

// Tool represents a side-effecting capability the model can invoke through
// native function calling.
//
// The orchestration core treats a tool as an opaque
// (name, arguments) -> result-or-error contract. ClassifyRisk must be cheap
// and side-effect free; it is consulted before every execution to decide
// whether a human has to approve the call.
type Tool interface {
	// Name returns the unique identifier for this tool (e.g., "read_file")
	Name() string

	// Description returns a human-readable description of what this tool does
	Description() string

	// Schema returns the JSON schema for this tool's input parameters
	Schema() map[string]any

	// ClassifyRisk reports how dangerous a call with these arguments is.
	ClassifyRisk(args map[string]any) Risk

	// Execute runs the tool. A returned error is converted into an error
	// response for the model; it never aborts the conversation.
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Risk classifies the side effects of a tool call.
type Risk string

const (
	// RiskNone marks read-only calls; they never need approval.
	RiskNone Risk = "none"

	// RiskEdit marks calls that modify files in the workspace.
	RiskEdit Risk = "edit"

	// RiskDestructive marks calls with effects that cannot be reviewed
	// up front, such as running shell commands.
	RiskDestructive Risk = "destructive"
)

// Result represents the result of a tool execution with optional metadata.
type Result struct {
	Output   string         // The main output/result message
	Metadata map[string]any // Optional metadata about the execution
	Display  string         // Optional text for the host UI; Output is used when empty
}

// Previewable is an optional interface that tools can implement to provide
// a preview of their changes before execution. Previews are attached to
// approval requests so users can review the action before approving it.
type Previewable interface {
	// GeneratePreview creates a preview of what this tool will do with the given arguments.
	GeneratePreview(ctx context.Context, args map[string]any) (*Preview, error)
}

// CommandTool is implemented by tools that run a command line. The command
// is matched against approval allow-list patterns of the form "tool:command".
type CommandTool interface {
	Command(args map[string]any) string
}

// Preview represents a preview of what a tool will do.
type Preview struct {
	// Type indicates the kind of preview (diff, command, file_write, etc.)
	Type PreviewType

	// Title is a short description of the action
	Title string

	// Content contains the preview data (diff text, command to run, etc.)
	Content string

	// Metadata holds additional preview information (file path, language, etc.)
	Metadata map[string]any
}

// PreviewType indicates the kind of preview being shown
type PreviewType string

const (
	// PreviewTypeDiff represents a file diff preview
	PreviewTypeDiff PreviewType = "diff"

	// PreviewTypeCommand represents a command execution preview
	PreviewTypeCommand PreviewType = "command"

	// PreviewTypeFileWrite represents a file write/creation preview
	PreviewTypeFileWrite PreviewType = "file_write"
)

// ErrorType categorises tool failures reported back to the model.
type ErrorType string

const (
	ErrorInvalidParams ErrorType = "invalid_tool_params"
	ErrorExecution     ErrorType = "execution_failed"
	ErrorToolNotFound  ErrorType = "tool_not_registered"
	ErrorCancelled     ErrorType = "cancelled"
)

// ExecutionError is returned by tools to attach a category to a failure.
type ExecutionError struct {
	Err  error
	Type ErrorType
}

func (e *ExecutionError) Error() string {
	return e.Err.Error()
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// InvalidParams wraps a formatted message as an ErrorInvalidParams failure.
func InvalidParams(format string, a ...any) error {
	return &ExecutionError{Type: ErrorInvalidParams, Err: fmt.Errorf(format, a...)}
}

// BaseToolSchema creates a common JSON schema structure for a tool
// with the given properties and required fields
func BaseToolSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringArg extracts a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", InvalidParams("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", InvalidParams("argument %q must be a string", key)
	}
	return s, nil
}

// OptionalStringArg extracts a string argument, returning def when absent.
func OptionalStringArg(args map[string]any, key, def string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return def
}

// IntArg extracts an integer argument. JSON numbers decode as float64.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return def
	}
}
