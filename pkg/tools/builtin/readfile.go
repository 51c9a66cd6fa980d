package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/security/workspace"
)

// maxLineBytes bounds a single scanned line.
const maxLineBytes = 1024 * 1024

// ReadFileTool reads file contents with optional line range support.
type ReadFileTool struct {
	guard *workspace.Guard
}

// NewReadFileTool creates a ReadFileTool confined to guard.
func NewReadFileTool(guard *workspace.Guard) *ReadFileTool {
	return &ReadFileTool{guard: guard}
}

func (t *ReadFileTool) Name() string { return string(ReadFileID) }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file with optional line range support. Returns line-numbered content for easy reference."
}

func (t *ReadFileTool) Schema() map[string]any {
	return tools.BaseToolSchema(
		map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read (relative to workspace)",
			},
			"start_line": map[string]any{
				"type":        "integer",
				"description": "Optional starting line number (1-based, inclusive)",
			},
			"end_line": map[string]any{
				"type":        "integer",
				"description": "Optional ending line number (1-based, inclusive)",
			},
		},
		[]string{"path"},
	)
}

// ClassifyRisk always reports RiskNone; reading never needs approval.
func (t *ReadFileTool) ClassifyRisk(map[string]any) tools.Risk {
	return tools.RiskNone
}

// Execute reads the file and returns its line-numbered contents.
func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	path, err := tools.StringArg(args, "path")
	if err != nil {
		return nil, err
	}
	startLine := tools.IntArg(args, "start_line", 0)
	endLine := tools.IntArg(args, "end_line", 0)
	if err := validateLineRange(startLine, endLine); err != nil {
		return nil, err
	}

	absPath, err := t.guard.Resolve(path)
	if err != nil {
		return nil, tools.InvalidParams("invalid path: %v", err)
	}
	if t.guard.Ignored(absPath) {
		return nil, tools.InvalidParams("file '%s' is ignored", path)
	}

	content, lines, err := readNumbered(ctx, absPath, startLine, endLine)
	if err != nil {
		return nil, &tools.ExecutionError{Type: tools.ErrorExecution, Err: fmt.Errorf("failed to read file: %w", err)}
	}

	metadata := map[string]any{
		"path":  path,
		"lines": lines,
	}
	if startLine > 0 {
		metadata["start_line"] = startLine
	}
	if endLine > 0 {
		metadata["end_line"] = endLine
	}
	if info, err := os.Stat(absPath); err == nil {
		metadata["size_bytes"] = info.Size()
		metadata["modified"] = info.ModTime().Format(time.RFC3339)
	}

	return &tools.Result{
		Output:   content,
		Metadata: metadata,
		Display:  fmt.Sprintf("Read %d lines from %s", lines, path),
	}, nil
}

func validateLineRange(startLine, endLine int) error {
	if startLine == 0 && endLine == 0 {
		return nil
	}
	if startLine < 0 {
		return tools.InvalidParams("start_line must be >= 1, got %d", startLine)
	}
	if endLine < 0 {
		return tools.InvalidParams("end_line must be >= 1, got %d", endLine)
	}
	if startLine > 0 && endLine > 0 && endLine < startLine {
		return tools.InvalidParams("end_line (%d) must be >= start_line (%d)", endLine, startLine)
	}
	return nil
}

// readNumbered formats lines as "N | text". A zero startLine reads from the
// top and a zero endLine reads to the end.
func readNumbered(ctx context.Context, path string, startLine, endLine int) (string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	if startLine == 0 {
		startLine = 1
	}

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNum, emitted := 0, 0
	for scanner.Scan() {
		lineNum++
		if lineNum < startLine {
			continue
		}
		if endLine > 0 && lineNum > endLine {
			break
		}
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		fmt.Fprintf(&b, "%d | %s\n", lineNum, scanner.Text())
		emitted++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, err
	}
	if emitted == 0 && lineNum > 0 && startLine > lineNum {
		return "", 0, fmt.Errorf("start_line %d is beyond end of file (%d lines)", startLine, lineNum)
	}
	return b.String(), emitted, nil
}
