package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/entrhq/conductor/pkg/llm"
)

const (
	// SectionIDRetry is the identifier for the retry section
	SectionIDRetry = "retry"
)

// RetrySection configures backoff for model calls.
type RetrySection struct {
	policy llm.RetryPolicy
	mu     sync.RWMutex
}

// NewRetrySection creates the section with llm.DefaultRetryPolicy values.
func NewRetrySection() *RetrySection {
	return &RetrySection{policy: *llm.DefaultRetryPolicy()}
}

// ID returns the section identifier.
func (s *RetrySection) ID() string {
	return SectionIDRetry
}

// Title returns the section title.
func (s *RetrySection) Title() string {
	return "Retry"
}

// Description returns the section description.
func (s *RetrySection) Description() string {
	return "Backoff for transient model failures and the number of consecutive rate limits that trigger the fallback model."
}

// Data returns the current configuration data.
func (s *RetrySection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"max_attempts":                    s.policy.MaxAttempts,
		"initial_delay":                   s.policy.InitialDelay.String(),
		"max_delay":                       s.policy.MaxDelay.String(),
		"jitter":                          s.policy.Jitter.String(),
		"persistent_rate_limit_threshold": s.policy.PersistentRateLimitThreshold,
	}
}

// SetData updates the configuration from the provided data.
func (s *RetrySection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.policy
	err := errors.Join(
		setInt(data, "max_attempts", &next.MaxAttempts),
		setDuration(data, "initial_delay", &next.InitialDelay),
		setDuration(data, "max_delay", &next.MaxDelay),
		setDuration(data, "jitter", &next.Jitter),
		setInt(data, "persistent_rate_limit_threshold", &next.PersistentRateLimitThreshold),
	)
	if err != nil {
		return err
	}
	s.policy = next
	return nil
}

// Validate validates the current configuration.
func (s *RetrySection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.policy

	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialDelay < 0 || p.MaxDelay < 0 || p.Jitter < 0:
		return errors.New("retry delays must not be negative")
	case p.MaxDelay > 0 && p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("max_delay %s is shorter than initial_delay %s", p.MaxDelay, p.InitialDelay)
	case p.PersistentRateLimitThreshold < 1:
		return fmt.Errorf("persistent_rate_limit_threshold must be at least 1, got %d", p.PersistentRateLimitThreshold)
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *RetrySection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = *llm.DefaultRetryPolicy()
}

// Policy returns a new retry policy built from the section.
func (s *RetrySection) Policy() *llm.RetryPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := s.policy
	return &p
}
