package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrCorrupt marks an unreadable state document. Fatal at startup: the
// daemon must not guess at its prior commit baseline or build history.
var ErrCorrupt = errors.New("corrupt state document")

// Store persists SystemState as one JSON document. Save goes through a
// temp file and rename so readers never observe a half-written snapshot.
type Store struct {
	path string
}

func NewStore(path string) *Store { return &Store{path: path} }

func (st *Store) Path() string { return st.path }

// Load reads the document. A missing file yields the default state;
// malformed content yields ErrCorrupt.
func (st *Store) Load() (*SystemState, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read state file %s: %w", st.path, err)
	}
	var s SystemState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, st.path, err)
	}
	s.normalize()
	return &s, nil
}

// Save writes the full snapshot atomically.
func (st *Store) Save(s *SystemState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(st.path), 0o750); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("rename temp state: %w", err)
	}
	return nil
}
