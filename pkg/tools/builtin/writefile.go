package builtin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/security/workspace"
)

// WriteFileTool creates or overwrites files inside the workspace.
type WriteFileTool struct {
	guard *workspace.Guard
}

// NewWriteFileTool creates a WriteFileTool confined to guard.
func NewWriteFileTool(guard *workspace.Guard) *WriteFileTool {
	return &WriteFileTool{guard: guard}
}

func (t *WriteFileTool) Name() string { return string(WriteFileID) }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it if it doesn't exist or overwriting if it does. Automatically creates parent directories as needed."
}

func (t *WriteFileTool) Schema() map[string]any {
	return tools.BaseToolSchema(
		map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write (relative to workspace)",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write to the file",
			},
		},
		[]string{"path", "content"},
	)
}

// ClassifyRisk reports RiskEdit for every call.
func (t *WriteFileTool) ClassifyRisk(map[string]any) tools.Risk {
	return tools.RiskEdit
}

type writeTarget struct {
	abs      string
	rel      string
	content  string
	original string
	exists   bool
}

func (t *WriteFileTool) target(args map[string]any) (*writeTarget, error) {
	path, err := tools.StringArg(args, "path")
	if err != nil {
		return nil, err
	}
	content, err := tools.StringArg(args, "content")
	if err != nil {
		return nil, err
	}

	absPath, err := t.guard.Resolve(path)
	if err != nil {
		return nil, tools.InvalidParams("invalid path: %v", err)
	}
	if t.guard.Ignored(absPath) {
		return nil, tools.InvalidParams("file '%s' is ignored", path)
	}

	wt := &writeTarget{abs: absPath, rel: path, content: content}
	if rel, err := t.guard.Rel(absPath); err == nil {
		wt.rel = rel
	}

	existing, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		wt.exists = true
		wt.original = string(existing)
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, &tools.ExecutionError{Type: tools.ErrorExecution, Err: fmt.Errorf("failed to read existing file: %w", err)}
	}
	return wt, nil
}

// Execute writes content to the file through a temporary file and rename.
func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	wt, err := t.target(args)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(wt.abs), 0o755); err != nil {
		return nil, &tools.ExecutionError{Type: tools.ErrorExecution, Err: fmt.Errorf("failed to create directories: %w", err)}
	}
	if err := atomicWrite(wt.abs, []byte(wt.content)); err != nil {
		return nil, &tools.ExecutionError{Type: tools.ErrorExecution, Err: err}
	}

	added, removed := lineChanges(wt.original, wt.content)
	var message string
	if wt.exists {
		message = fmt.Sprintf("File '%s' overwritten successfully (+%d/-%d lines)", wt.rel, added, removed)
	} else {
		message = fmt.Sprintf("File '%s' created successfully (+%d lines)", wt.rel, added)
	}

	return &tools.Result{
		Output: message,
		Metadata: map[string]any{
			"file_path":     wt.rel,
			"file_exists":   wt.exists,
			"lines_added":   added,
			"lines_removed": removed,
			"size_bytes":    len(wt.content),
		},
	}, nil
}

// GeneratePreview shows a unified diff for existing files and the full
// content for new ones.
func (t *WriteFileTool) GeneratePreview(ctx context.Context, args map[string]any) (*tools.Preview, error) {
	wt, err := t.target(args)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"file_path": wt.rel,
		"language":  detectLanguage(wt.rel),
		"size":      len(wt.content),
	}
	if !wt.exists {
		return &tools.Preview{
			Type:     tools.PreviewTypeFileWrite,
			Title:    fmt.Sprintf("Create new file %s", wt.rel),
			Content:  wt.content,
			Metadata: metadata,
		}, nil
	}

	diff, err := unifiedDiff(wt.original, wt.content, wt.rel)
	if err != nil {
		return nil, &tools.ExecutionError{Type: tools.ErrorExecution, Err: err}
	}
	return &tools.Preview{
		Type:     tools.PreviewTypeDiff,
		Title:    fmt.Sprintf("Overwrite %s", wt.rel),
		Content:  diff,
		Metadata: metadata,
	}, nil
}

func atomicWrite(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func unifiedDiff(oldContent, newContent, name string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContent),
		B:        difflib.SplitLines(newContent),
		FromFile: "a/" + filepath.ToSlash(name),
		ToFile:   "b/" + filepath.ToSlash(name),
		Context:  3,
	})
}

// lineChanges counts inserted and deleted lines between two versions.
func lineChanges(oldContent, newContent string) (added, removed int) {
	m := difflib.NewMatcher(splitLines(oldContent), splitLines(newContent))
	for _, op := range m.GetOpCodes() {
		switch op.Tag {
		case 'r':
			removed += op.I2 - op.I1
			added += op.J2 - op.J1
		case 'd':
			removed += op.I2 - op.I1
		case 'i':
			added += op.J2 - op.J1
		}
	}
	return added, removed
}

// splitLines splits on any line ending. Empty content has no lines and a
// trailing newline does not start a new one.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

var languages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".sh":   "bash",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".html": "html",
	".css":  "css",
	".sql":  "sql",
}

func detectLanguage(path string) string {
	if lang, ok := languages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "text"
}
