package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store provides persistence for configuration data.
type Store interface {
	// Load loads the configuration from disk
	Load() error

	// Save saves the configuration to disk
	Save() error

	// GetSection retrieves configuration data for a specific section
	GetSection(sectionID string) (map[string]any, error)

	// SetSection stores configuration data for a specific section
	SetSection(sectionID string, data map[string]any) error

	// GetAll retrieves all configuration data
	GetAll() (map[string]map[string]any, error)

	// SetAll stores all configuration data
	SetAll(data map[string]map[string]any) error
}

// fileFormat is the on-disk layout shared by JSON and YAML files.
type fileFormat struct {
	Version  string                    `json:"version" yaml:"version"`
	Sections map[string]map[string]any `json:"sections" yaml:"sections"`
}

// FileStore implements Store on a single file. Files ending in .yaml or .yml
// are YAML, anything else is JSON.
type FileStore struct {
	path     string
	data     map[string]map[string]any
	mu       sync.RWMutex
	version  string
	modified bool
}

// DefaultPath returns ~/.conductor/config.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".conductor", "config.yaml"), nil
}

// NewFileStore creates a new file-based configuration store.
// If path is empty, DefaultPath is used.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	store := &FileStore{
		path:    path,
		data:    make(map[string]map[string]any),
		version: "1.0",
	}

	// A missing file is an empty configuration.
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	return store, nil
}

func (s *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load loads the configuration from disk.
func (s *FileStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.data = make(map[string]map[string]any)
			return nil
		}
		return fmt.Errorf("failed to open config file: %w", err)
	}

	var config fileFormat
	if s.isYAML() {
		err = yaml.Unmarshal(raw, &config)
	} else if len(strings.TrimSpace(string(raw))) > 0 {
		err = json.Unmarshal(raw, &config)
	}
	if err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}

	if config.Version != "" {
		s.version = config.Version
	}
	if config.Sections != nil {
		s.data = config.Sections
	} else {
		s.data = make(map[string]map[string]any)
	}
	s.modified = false

	return nil
}

// Save saves the configuration to disk, replacing the file atomically.
func (s *FileStore) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempPath := s.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}

	config := fileFormat{Version: s.version, Sections: s.data}
	if err := s.encode(file, config); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.modified = false
	return nil
}

func (s *FileStore) encode(w io.Writer, config fileFormat) error {
	if s.isYAML() {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(config); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(config)
}

// GetSection retrieves configuration data for a specific section.
func (s *FileStore) GetSection(sectionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySection(s.data[sectionID]), nil
}

// SetSection stores configuration data for a specific section.
func (s *FileStore) SetSection(sectionID string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sectionID] = copySection(data)
	s.modified = true
	return nil
}

// GetAll retrieves all configuration data.
func (s *FileStore) GetAll() (map[string]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]any, len(s.data))
	for id, section := range s.data {
		out[id] = copySection(section)
	}
	return out, nil
}

// SetAll stores all configuration data.
func (s *FileStore) SetAll(data map[string]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]map[string]any, len(data))
	for id, section := range data {
		s.data[id] = copySection(section)
	}
	s.modified = true
	return nil
}

// IsModified returns true if the store has unsaved changes.
func (s *FileStore) IsModified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modified
}

// Path returns the file path of the store.
func (s *FileStore) Path() string {
	return s.path
}

func copySection(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
