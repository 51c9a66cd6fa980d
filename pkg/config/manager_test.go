package config

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSection is a minimal Section backed by a plain map.
type stubSection struct {
	id          string
	data        map[string]any
	validateErr error
}

func (s *stubSection) ID() string                      { return s.id }
func (s *stubSection) Title() string                   { return s.id }
func (s *stubSection) Description() string             { return "" }
func (s *stubSection) Data() map[string]any            { return s.data }
func (s *stubSection) SetData(data map[string]any) error { s.data = data; return nil }
func (s *stubSection) Validate() error                 { return s.validateErr }
func (s *stubSection) Reset()                          { s.data = map[string]any{} }

// memStore keeps sections in memory.
type memStore struct {
	sections map[string]map[string]any
	loadErr  error
	saveErr  error
	saves    int
}

func newMemStore() *memStore {
	return &memStore{sections: make(map[string]map[string]any)}
}

func (m *memStore) Load() error { return m.loadErr }

func (m *memStore) Save() error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	return nil
}

func (m *memStore) GetSection(id string) (map[string]any, error) {
	return copySection(m.sections[id]), nil
}

func (m *memStore) SetSection(id string, data map[string]any) error {
	m.sections[id] = copySection(data)
	return nil
}

func (m *memStore) GetAll() (map[string]map[string]any, error) { return m.sections, nil }

func (m *memStore) SetAll(data map[string]map[string]any) error {
	m.sections = data
	return nil
}

func TestManagerRegisterSection(t *testing.T) {
	manager := NewManager(newMemStore())
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, manager.RegisterSection(&stubSection{id: id}))
	}

	err := manager.RegisterSection(&stubSection{id: "second"})
	assert.Error(t, err)

	sections := manager.GetSections()
	require.Len(t, sections, 3)
	assert.Equal(t, "first", sections[0].ID())
	assert.Equal(t, "third", sections[2].ID())

	_, ok := manager.GetSection("missing")
	assert.False(t, ok)
}

func TestManagerLoadAll(t *testing.T) {
	t.Run("applies stored data", func(t *testing.T) {
		store := newMemStore()
		store.sections["a"] = map[string]any{"key": "value"}
		manager := NewManager(store)
		a := &stubSection{id: "a", data: map[string]any{}}
		b := &stubSection{id: "b", data: map[string]any{"default": true}}
		require.NoError(t, manager.RegisterSection(a))
		require.NoError(t, manager.RegisterSection(b))

		require.NoError(t, manager.LoadAll())
		assert.Equal(t, "value", a.data["key"])
		// Sections without stored data keep their defaults.
		assert.Equal(t, true, b.data["default"])
	})

	t.Run("store error", func(t *testing.T) {
		store := newMemStore()
		store.loadErr = errors.New("disk on fire")
		assert.Error(t, NewManager(store).LoadAll())
	})

	t.Run("invalid stored data", func(t *testing.T) {
		store := newMemStore()
		store.sections["a"] = map[string]any{"key": "value"}
		manager := NewManager(store)
		require.NoError(t, manager.RegisterSection(&stubSection{id: "a", validateErr: errors.New("bad")}))
		assert.Error(t, manager.LoadAll())
	})
}

func TestManagerSaveAll(t *testing.T) {
	t.Run("writes every section", func(t *testing.T) {
		store := newMemStore()
		manager := NewManager(store)
		require.NoError(t, manager.RegisterSection(&stubSection{id: "a", data: map[string]any{"k": 1}}))

		require.NoError(t, manager.SaveAll())
		assert.Equal(t, 1, store.sections["a"]["k"])
		assert.Equal(t, 1, store.saves)
	})

	t.Run("validation stops the save", func(t *testing.T) {
		store := newMemStore()
		manager := NewManager(store)
		require.NoError(t, manager.RegisterSection(&stubSection{id: "a", validateErr: errors.New("bad")}))

		assert.Error(t, manager.SaveAll())
		assert.Zero(t, store.saves)
	})

	t.Run("store error", func(t *testing.T) {
		store := newMemStore()
		store.saveErr = errors.New("read-only")
		manager := NewManager(store)
		require.NoError(t, manager.RegisterSection(&stubSection{id: "a"}))
		assert.Error(t, manager.SaveAll())
	})
}

func TestManagerResetAll(t *testing.T) {
	manager := NewManager(newMemStore())
	s := &stubSection{id: "a", data: map[string]any{"k": "v"}}
	require.NoError(t, manager.RegisterSection(s))

	manager.ResetAll()
	assert.Empty(t, s.data)
}

func TestManagerConcurrentRegistration(t *testing.T) {
	manager := NewManager(newMemStore())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = manager.RegisterSection(&stubSection{id: fmt.Sprintf("section%d", i)})
			manager.GetSections()
		}(i)
	}
	wg.Wait()

	assert.Len(t, manager.GetSections(), 10)
}
