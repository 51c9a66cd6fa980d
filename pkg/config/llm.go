package config

import (
	"errors"
	"sync"
)

const (
	// SectionIDLLM is the identifier for the LLM settings section
	SectionIDLLM = "llm"
)

// LLMSettings is a snapshot of the LLM section.
type LLMSettings struct {
	Model              string
	FallbackModel      string
	NextSpeakerModel   string
	SummarizationModel string
	ClassifierModel    string
	SimpleModel        string
	ComplexModel       string
	BaseURL            string
	APIKey             string
}

// LLMSection manages model selection and provider settings.
type LLMSection struct {
	settings LLMSettings
	mu       sync.RWMutex
}

// NewLLMSection creates a new LLM section with default settings.
func NewLLMSection() *LLMSection {
	return &LLMSection{}
}

// ID returns the section identifier.
func (s *LLMSection) ID() string {
	return SectionIDLLM
}

// Title returns the section title.
func (s *LLMSection) Title() string {
	return "LLM Settings"
}

// Description returns the section description.
func (s *LLMSection) Description() string {
	return "Configure the model and provider. The side models are optional; empty values use the main model."
}

// Data returns the current configuration data.
func (s *LLMSection) Data() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"model":               s.settings.Model,
		"fallback_model":      s.settings.FallbackModel,
		"next_speaker_model":  s.settings.NextSpeakerModel,
		"summarization_model": s.settings.SummarizationModel,
		"classifier_model":    s.settings.ClassifierModel,
		"simple_model":        s.settings.SimpleModel,
		"complex_model":       s.settings.ComplexModel,
		"base_url":            s.settings.BaseURL,
		"api_key":             s.settings.APIKey,
	}
}

// SetData updates the configuration from the provided data.
func (s *LLMSection) SetData(data map[string]any) error {
	if data == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	err := errors.Join(
		setString(data, "model", &next.Model),
		setString(data, "fallback_model", &next.FallbackModel),
		setString(data, "next_speaker_model", &next.NextSpeakerModel),
		setString(data, "summarization_model", &next.SummarizationModel),
		setString(data, "classifier_model", &next.ClassifierModel),
		setString(data, "simple_model", &next.SimpleModel),
		setString(data, "complex_model", &next.ComplexModel),
		setString(data, "base_url", &next.BaseURL),
		setString(data, "api_key", &next.APIKey),
	)
	if err != nil {
		return err
	}
	s.settings = next
	return nil
}

// Validate validates the current configuration.
func (s *LLMSection) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// The classifier only routes when it has both targets.
	if s.settings.ClassifierModel != "" && (s.settings.SimpleModel == "" || s.settings.ComplexModel == "") {
		return errors.New("classifier_model requires simple_model and complex_model")
	}
	return nil
}

// Reset resets the section to default configuration.
func (s *LLMSection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = LLMSettings{}
}

// Settings returns a copy of the current settings.
func (s *LLMSection) Settings() LLMSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// SetModel sets the main model name.
func (s *LLMSection) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Model = model
}
