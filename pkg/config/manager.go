package config

import (
	"fmt"
	"sync"
)

// Section is a named group of settings that can be loaded from and saved to
// a Store.
type Section interface {
	// ID returns the key the section is stored under.
	ID() string

	// Title returns a short human readable name.
	Title() string

	// Description explains what the section configures.
	Description() string

	// Data returns the current settings as plain values.
	Data() map[string]any

	// SetData applies stored settings. Keys that are absent keep their value.
	SetData(data map[string]any) error

	// Validate reports whether the current settings are usable.
	Validate() error

	// Reset restores the defaults.
	Reset()
}

// Manager owns the registered sections and moves them in and out of a Store.
type Manager struct {
	store    Store
	sections []Section
	byID     map[string]Section
	mu       sync.RWMutex
}

// NewManager creates a manager backed by store.
func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		byID:  make(map[string]Section),
	}
}

// Store returns the backing store.
func (m *Manager) Store() Store {
	return m.store
}

// RegisterSection adds a section. IDs must be unique.
func (m *Manager) RegisterSection(s Section) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[s.ID()]; exists {
		return fmt.Errorf("section %q already registered", s.ID())
	}
	m.sections = append(m.sections, s)
	m.byID[s.ID()] = s
	return nil
}

// GetSection returns the section registered under id.
func (m *Manager) GetSection(id string) (Section, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// GetSections returns every section in registration order.
func (m *Manager) GetSections() []Section {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Section, len(m.sections))
	copy(out, m.sections)
	return out
}

// LoadAll reads the store and applies the stored data to every section.
func (m *Manager) LoadAll() error {
	if err := m.store.Load(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	for _, s := range m.GetSections() {
		data, err := m.store.GetSection(s.ID())
		if err != nil {
			return fmt.Errorf("failed to read section %s: %w", s.ID(), err)
		}
		if len(data) == 0 {
			continue
		}
		if err := s.SetData(data); err != nil {
			return fmt.Errorf("invalid settings in section %s: %w", s.ID(), err)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid settings in section %s: %w", s.ID(), err)
		}
	}
	return nil
}

// SaveAll validates every section and writes them to the store.
func (m *Manager) SaveAll() error {
	for _, s := range m.GetSections() {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid settings in section %s: %w", s.ID(), err)
		}
		if err := m.store.SetSection(s.ID(), s.Data()); err != nil {
			return fmt.Errorf("failed to store section %s: %w", s.ID(), err)
		}
	}
	return m.store.Save()
}

// ResetAll restores every section to its defaults. Nothing is saved.
func (m *Manager) ResetAll() {
	for _, s := range m.GetSections() {
		s.Reset()
	}
}
