package config

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// SectionIDSession is the identifier for the session section
	SectionIDSession = "session"
)

// SessionSettings is a snapshot of the session section.
type SessionSettings struct {
	// MaxSessionTurns caps model turns across the session; zero is unlimited.
	MaxSessionTurns int
	// MaxTurnsPerRequest caps model turns for one user request.
	MaxTurnsPerRequest int
	// TokenLimit overrides the model catalog context window when positive.
	TokenLimit int

	CompressionThreshold        float64
	CompressionPreserveFraction float64

	SkipNextSpeakerCheck bool
	DisableLoopDetection bool

	ApprovalTimeout time.Duration
	MaxConcurrency  int
}

func defaultSessionSettings() SessionSettings {
	return SessionSettings{
		MaxTurnsPerRequest:          100,
		CompressionThreshold:        0.7,
		CompressionPreserveFraction: 0.3,
		ApprovalTimeout:             5 * time.Minute,
	}
}

// SessionSection holds the limits and switches of a conversation session.
type SessionSection struct {
	settings SessionSettings
	mu       sync.RWMutex
}

// NewSessionSection creates the section with default limits.
func NewSessionSection() *SessionSection {
	return &SessionSection{settings: defaultSessionSettings()}
}

// ID returns the section identifier.
func (s *SessionSection) ID() string {
	return SectionIDSession
}

// Title returns the section title.
func (s *SessionSection) Title() string {
	return "Session"
}

// Description returns the section description.
func (s *SessionSection) Description() string {
	return "Turn limits, history compression and approval timeout for a session."
}

// Data returns the current configuration data.
func (s *SessionSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"max_session_turns":             s.settings.MaxSessionTurns,
		"max_turns_per_request":         s.settings.MaxTurnsPerRequest,
		"token_limit":                   s.settings.TokenLimit,
		"compression_threshold":         s.settings.CompressionThreshold,
		"compression_preserve_fraction": s.settings.CompressionPreserveFraction,
		"skip_next_speaker_check":       s.settings.SkipNextSpeakerCheck,
		"disable_loop_detection":        s.settings.DisableLoopDetection,
		"approval_timeout":              s.settings.ApprovalTimeout.String(),
		"max_concurrency":               s.settings.MaxConcurrency,
	}
}

// SetData updates the configuration from the provided data.
func (s *SessionSection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	err := errors.Join(
		setInt(data, "max_session_turns", &next.MaxSessionTurns),
		setInt(data, "max_turns_per_request", &next.MaxTurnsPerRequest),
		setInt(data, "token_limit", &next.TokenLimit),
		setFloat(data, "compression_threshold", &next.CompressionThreshold),
		setFloat(data, "compression_preserve_fraction", &next.CompressionPreserveFraction),
		setBool(data, "skip_next_speaker_check", &next.SkipNextSpeakerCheck),
		setBool(data, "disable_loop_detection", &next.DisableLoopDetection),
		setDuration(data, "approval_timeout", &next.ApprovalTimeout),
		setInt(data, "max_concurrency", &next.MaxConcurrency),
	)
	if err != nil {
		return err
	}
	s.settings = next
	return nil
}

// Validate validates the current configuration.
func (s *SessionSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.settings

	switch {
	case c.MaxSessionTurns < 0:
		return fmt.Errorf("max_session_turns must not be negative, got %d", c.MaxSessionTurns)
	case c.MaxTurnsPerRequest < 0:
		return fmt.Errorf("max_turns_per_request must not be negative, got %d", c.MaxTurnsPerRequest)
	case c.TokenLimit < 0:
		return fmt.Errorf("token_limit must not be negative, got %d", c.TokenLimit)
	case c.CompressionThreshold <= 0 || c.CompressionThreshold > 1:
		return fmt.Errorf("compression_threshold must be in (0, 1], got %v", c.CompressionThreshold)
	case c.CompressionPreserveFraction <= 0 || c.CompressionPreserveFraction >= 1:
		return fmt.Errorf("compression_preserve_fraction must be in (0, 1), got %v", c.CompressionPreserveFraction)
	case c.ApprovalTimeout < 0:
		return fmt.Errorf("approval_timeout must not be negative, got %s", c.ApprovalTimeout)
	case c.MaxConcurrency < 0:
		return fmt.Errorf("max_concurrency must not be negative, got %d", c.MaxConcurrency)
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *SessionSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = defaultSessionSettings()
}

// Settings returns a copy of the current settings.
func (s *SessionSection) Settings() SessionSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}
