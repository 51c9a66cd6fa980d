package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/conductor/pkg/agent/approval"
)

const (
	// SectionIDApproval is the identifier for the approval section
	SectionIDApproval = "approval"
)

// defaultAllowPatterns are read-only commands that never need a prompt.
var defaultAllowPatterns = []string{
	"run_command:git status*",
	"run_command:git diff*",
	"run_command:ls*",
	"run_command:pwd",
}

// ApprovalSection holds the approval mode and the allow-list of tool and
// command patterns that skip confirmation.
type ApprovalSection struct {
	mode  approval.Mode
	allow []string
	mu    sync.RWMutex
}

// NewApprovalSection creates the section in default mode with the built-in
// allow-list.
func NewApprovalSection() *ApprovalSection {
	return &ApprovalSection{
		mode:  approval.ModeDefault,
		allow: append([]string(nil), defaultAllowPatterns...),
	}
}

// ID returns the section identifier.
func (s *ApprovalSection) ID() string {
	return SectionIDApproval
}

// Title returns the section title.
func (s *ApprovalSection) Title() string {
	return "Approval"
}

// Description returns the section description.
func (s *ApprovalSection) Description() string {
	return "Approval mode (default, autoEdit, yolo) and glob patterns matched against a tool name or tool:command."
}

// Data returns the current configuration data.
func (s *ApprovalSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allow := make([]any, len(s.allow))
	for i, p := range s.allow {
		allow[i] = p
	}
	return map[string]any{
		"mode":  string(s.mode),
		"allow": allow,
	}
}

// SetData updates the configuration from the provided data.
func (s *ApprovalSection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mode := string(s.mode)
	allow := s.allow
	if err := errors.Join(setString(data, "mode", &mode), setStrings(data, "allow", &allow)); err != nil {
		return err
	}
	parsed, err := approval.ParseMode(mode)
	if err != nil {
		return err
	}
	s.mode = parsed
	s.allow = allow
	return nil
}

// Validate checks that every allow pattern compiles.
func (s *ApprovalSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := approval.NewPatternMatcher(s.allow); err != nil {
		return fmt.Errorf("invalid allow pattern: %w", err)
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *ApprovalSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = approval.ModeDefault
	s.allow = append([]string(nil), defaultAllowPatterns...)
}

// Mode returns the configured approval mode.
func (s *ApprovalSection) Mode() approval.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// AllowPatterns returns a copy of the allow-list.
func (s *ApprovalSection) AllowPatterns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.allow...)
}

// Policy builds an approval policy from the section.
func (s *ApprovalSection) Policy() (*approval.Policy, error) {
	return approval.NewPolicy(s.Mode(), s.AllowPatterns())
}
