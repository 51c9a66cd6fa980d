// Package approval decides which tool calls need a human decision before
// they run.
package approval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/entrhq/conductor/pkg/agent/tools"
)

// Mode governs whether tool calls require confirmation.
type Mode string

const (
	// ModeDefault prompts for anything that mutates state.
	ModeDefault Mode = "default"

	// ModeAutoEdit auto-approves edit-class tools only.
	ModeAutoEdit Mode = "autoEdit"

	// ModeYolo auto-approves everything.
	ModeYolo Mode = "yolo"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeDefault, ModeAutoEdit, ModeYolo:
		return Mode(s), nil
	case "":
		return ModeDefault, nil
	default:
		return "", fmt.Errorf("unknown approval mode %q", s)
	}
}

// Outcome is the host's answer to an approval request.
type Outcome string

const (
	OutcomeProceedOnce   Outcome = "proceed_once"
	OutcomeProceedAlways Outcome = "proceed_always"
	OutcomeCancel        Outcome = "cancel"
)

// ParseOutcome validates an outcome name.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeProceedOnce, OutcomeProceedAlways, OutcomeCancel:
		return Outcome(s), nil
	default:
		return "", fmt.Errorf("unknown approval outcome %q", s)
	}
}

// Approved reports whether the outcome lets the call run.
func (o Outcome) Approved() bool {
	return o == OutcomeProceedOnce || o == OutcomeProceedAlways
}

// Policy holds the session's approval state. It is safe for concurrent use.
type Policy struct {
	mu      sync.RWMutex
	mode    Mode
	session map[string]bool
	allow   *PatternMatcher

	// commands holds "tool:root" patterns granted by proceed-always answers
	// on command tools.
	commands *PatternMatcher
}

// NewPolicy creates a policy in the given mode with optional allow-list
// patterns.
func NewPolicy(mode Mode, allowPatterns []string) (*Policy, error) {
	allow, err := NewPatternMatcher(allowPatterns)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeDefault
	}
	return &Policy{
		mode:     mode,
		session:  make(map[string]bool),
		allow:    allow,
		commands: &PatternMatcher{},
	}, nil
}

// Mode returns the current approval mode.
func (p *Policy) Mode() Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// SetMode switches the approval mode.
func (p *Policy) SetMode(mode Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
}

// AllowTool skips confirmation for the named tool for the rest of the session.
func (p *Policy) AllowTool(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session[name] = true
}

// AllowCommand skips confirmation for commands of the named tool that start
// with root, for the rest of the session.
func (p *Policy) AllowCommand(name, root string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.add(name, root)
}

// NeedsConfirmation reports whether a call must wait for a human decision.
func (p *Policy) NeedsConfirmation(tool tools.Tool, args map[string]any) bool {
	risk := tool.ClassifyRisk(args)
	if risk == tools.RiskNone {
		return false
	}

	command := ""
	if ct, ok := tool.(tools.CommandTool); ok {
		command = ct.Command(args)
	}

	p.mu.RLock()
	mode := p.mode
	sessionAllowed := p.session[tool.Name()]
	commandAllowed := command != "" && !hasShellControl(command) && p.commands.Allows(tool.Name(), command)
	p.mu.RUnlock()

	switch {
	case mode == ModeYolo:
		return false
	case mode == ModeAutoEdit && risk == tools.RiskEdit:
		return false
	case sessionAllowed, commandAllowed:
		return false
	}
	return !p.allow.Allows(tool.Name(), command)
}

// ApplyProceedAlways widens the policy after a proceed-always answer.
// Edit-class calls switch the session to autoEdit. Command tools allow
// further commands with the same program; a compound command allows
// nothing beyond this call. Other calls allow the tool by name. The
// returned bool reports whether the mode changed.
func (p *Policy) ApplyProceedAlways(tool tools.Tool, args map[string]any) bool {
	if tool.ClassifyRisk(args) == tools.RiskEdit {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.mode == ModeDefault {
			p.mode = ModeAutoEdit
			return true
		}
		return false
	}

	if ct, ok := tool.(tools.CommandTool); ok {
		command := ct.Command(args)
		if root := commandRoot(command); root != "" && !hasShellControl(command) {
			_ = p.AllowCommand(tool.Name(), root)
		}
		return false
	}

	p.AllowTool(tool.Name())
	return false
}

// commandRoot returns the program name of a shell command.
func commandRoot(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// hasShellControl reports whether command chains, pipes, redirects or
// substitutes, so that its program name says nothing about what runs.
func hasShellControl(command string) bool {
	return strings.ContainsAny(command, ";&|<>`$()\n")
}
