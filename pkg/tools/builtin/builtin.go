// Package builtin provides the file and shell tools shipped with conductor.
// Each tool resolves paths through a workspace.Guard, and together they cover
// every risk class: read_file is read-only, write_file edits the workspace and
// run_command is destructive.
package builtin

import (
	"time"

	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/security/workspace"
)

// Tool ids, usable in tools.Profile.
const (
	ReadFileID   tools.ID = "read_file"
	WriteFileID  tools.ID = "write_file"
	RunCommandID tools.ID = "run_command"
)

// ReadOnlyProfile exposes only tools that never need approval.
var ReadOnlyProfile = tools.Profile{Name: "read-only", Tools: []tools.ID{ReadFileID}}

// All returns every builtin tool bound to guard.
func All(guard *workspace.Guard) []tools.Tool {
	return []tools.Tool{
		NewReadFileTool(guard),
		NewWriteFileTool(guard),
		NewRunCommandTool(guard, 30*time.Second),
	}
}
