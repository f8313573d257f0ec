// Package clientstate persists the CLI's current conversation per kind.
//
// The file is a JSON object mapping kind to conversation ID, with null for a
// kind whose conversation has been closed:
//
//	{"gemini": "3f1c...", "grok": null}
package clientstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultPath returns ~/.colloquy/state.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".colloquy", "state.json"), nil
}

// State is the in-memory view of the state file.
type State struct {
	path string

	mu            sync.Mutex
	conversations map[string]*string
}

// Load reads path. A missing file yields an empty state.
func Load(path string) (*State, error) {
	s := &State{path: path, conversations: make(map[string]*string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.conversations); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if s.conversations == nil {
		s.conversations = make(map[string]*string)
	}
	return s, nil
}

// Path returns the file backing the state.
func (s *State) Path() string { return s.path }

// Get returns the conversation recorded for kind.
func (s *State) Get(kind string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.conversations[kind]
	if !ok || id == nil || *id == "" {
		return "", false
	}
	return *id, true
}

// Set records id as the current conversation for kind.
func (s *State) Set(kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[kind] = &id
}

// Clear marks kind as having no conversation.
func (s *State) Clear(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[kind] = nil
}

// ClearAll clears every kind, as after the server resets.
func (s *State) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.conversations {
		s.conversations[k] = nil
	}
}

// Kinds returns the kinds with a live conversation, sorted.
func (s *State) Kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, 0, len(s.conversations))
	for k, id := range s.conversations {
		if id != nil && *id != "" {
			kinds = append(kinds, k)
		}
	}
	sort.Strings(kinds)
	return kinds
}

// Save writes the state atomically.
func (s *State) Save() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.conversations, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
