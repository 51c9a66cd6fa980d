// Package config loads and saves sectioned settings. There is no global
// instance: Load returns a Manager the caller passes to whatever needs it.
package config

// Load opens the file at path (DefaultPath when empty), registers the
// default sections and applies the stored values.
func Load(path string) (*Manager, error) {
	store, err := NewFileStore(path)
	if err != nil {
		return nil, err
	}
	return newDefaultManager(store)
}

func newDefaultManager(store Store) (*Manager, error) {
	manager := NewManager(store)
	for _, s := range []Section{
		NewLLMSection(),
		NewApprovalSection(),
		NewSessionSection(),
		NewRetrySection(),
	} {
		if err := manager.RegisterSection(s); err != nil {
			return nil, err
		}
	}
	if err := manager.LoadAll(); err != nil {
		return nil, err
	}
	return manager, nil
}

// LLM returns the LLM section.
func (m *Manager) LLM() *LLMSection {
	s, _ := m.GetSection(SectionIDLLM)
	llm, _ := s.(*LLMSection)
	return llm
}

// Approval returns the approval section.
func (m *Manager) Approval() *ApprovalSection {
	s, _ := m.GetSection(SectionIDApproval)
	a, _ := s.(*ApprovalSection)
	return a
}

// Session returns the session section.
func (m *Manager) Session() *SessionSection {
	s, _ := m.GetSection(SectionIDSession)
	session, _ := s.(*SessionSection)
	return session
}

// Retry returns the retry section.
func (m *Manager) Retry() *RetrySection {
	s, _ := m.GetSection(SectionIDRetry)
	r, _ := s.(*RetrySection)
	return r
}
