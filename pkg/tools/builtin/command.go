package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/entrhq/conductor/pkg/agent/tools"
	"github.com/entrhq/conductor/pkg/security/workspace"
)

// RunCommandTool executes shell commands in the workspace directory.
type RunCommandTool struct {
	guard          *workspace.Guard
	defaultTimeout time.Duration
}

// NewRunCommandTool creates a command tool. A non-positive timeout defaults
// to 30 seconds.
func NewRunCommandTool(guard *workspace.Guard, timeout time.Duration) *RunCommandTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RunCommandTool{guard: guard, defaultTimeout: timeout}
}

func (t *RunCommandTool) Name() string { return string(RunCommandID) }

func (t *RunCommandTool) Description() string {
	return "Execute a shell command in the workspace directory. The command runs with a timeout and returns stdout, stderr, and exit code."
}

func (t *RunCommandTool) Schema() map[string]any {
	return tools.BaseToolSchema(
		map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Command timeout in seconds (default: 30)",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Working directory relative to workspace (default: workspace root)",
			},
		},
		[]string{"command"},
	)
}

// ClassifyRisk reports RiskDestructive; shell effects cannot be reviewed
// up front.
func (t *RunCommandTool) ClassifyRisk(map[string]any) tools.Risk {
	return tools.RiskDestructive
}

// Command returns the command line, used for allow-list matching.
func (t *RunCommandTool) Command(args map[string]any) string {
	return strings.TrimSpace(tools.OptionalStringArg(args, "command", ""))
}

type commandInput struct {
	command string
	workDir string
	timeout time.Duration
}

func (t *RunCommandTool) parse(args map[string]any) (*commandInput, error) {
	command, err := tools.StringArg(args, "command")
	if err != nil {
		return nil, err
	}
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, tools.InvalidParams("command cannot be empty")
	}

	in := &commandInput{command: command, workDir: t.guard.Root(), timeout: t.defaultTimeout}
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		in.timeout = time.Duration(secs * float64(time.Second))
	}
	if dir := tools.OptionalStringArg(args, "working_dir", ""); dir != "" {
		abs, err := t.guard.Resolve(dir)
		if err != nil {
			return nil, tools.InvalidParams("invalid working directory: %v", err)
		}
		in.workDir = abs
	}
	return in, nil
}

// Execute runs the command through sh -c. A non-zero exit is reported in
// the output, not as an error, so the model can react to it.
func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	in, err := t.parse(args)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, in.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, "sh", "-c", in.command)
	cmd.Dir = in.workDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Background children may keep the output pipes open after sh is killed.
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
	default:
		exitCode = -1
	}

	var out strings.Builder
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		fmt.Fprintf(&out, "Command timed out after %s\n\nStdout:\n%s\n\nStderr:\n%s", in.timeout, stdout.String(), stderr.String())
	case runErr != nil && exitErr == nil:
		return nil, &tools.ExecutionError{Type: tools.ErrorExecution, Err: fmt.Errorf("failed to start command: %w", runErr)}
	case runErr != nil:
		fmt.Fprintf(&out, "Command failed with exit code %d\n\nStdout:\n%s\n\nStderr:\n%s", exitCode, stdout.String(), stderr.String())
	default:
		fmt.Fprintf(&out, "Command completed successfully in %s\n\nStdout:\n%s", duration.Round(time.Millisecond), stdout.String())
		if stderr.Len() > 0 {
			fmt.Fprintf(&out, "\n\nStderr:\n%s", stderr.String())
		}
	}
	fmt.Fprintf(&out, "\n\nExit code: %d", exitCode)

	return &tools.Result{
		Output: out.String(),
		Metadata: map[string]any{
			"command":     in.command,
			"exit_code":   exitCode,
			"duration_ms": duration.Milliseconds(),
			"working_dir": in.workDir,
		},
		Display: fmt.Sprintf("$ %s (exit %d)", in.command, exitCode),
	}, nil
}

// GeneratePreview describes the command before it runs.
func (t *RunCommandTool) GeneratePreview(ctx context.Context, args map[string]any) (*tools.Preview, error) {
	in, err := t.parse(args)
	if err != nil {
		return nil, err
	}

	var preview strings.Builder
	fmt.Fprintf(&preview, "Command: %s\n\n", in.command)
	fmt.Fprintf(&preview, "Working Directory: %s\n\n", in.workDir)
	fmt.Fprintf(&preview, "Timeout: %s\n", in.timeout)

	return &tools.Preview{
		Type:    tools.PreviewTypeCommand,
		Title:   "Execute Command",
		Content: preview.String(),
		Metadata: map[string]any{
			"command":     in.command,
			"working_dir": in.workDir,
			"timeout":     in.timeout.Seconds(),
		},
	}, nil
}
