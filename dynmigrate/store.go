// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates the migration id does not exist in the store.
	ErrNotFound = errors.New("migration not found")

	// ErrExists indicates a migration with the same id already exists.
	ErrExists = errors.New("migration already exists")
)

// StateStore persists MigrationState records keyed by migration id.  Save
// must be atomic with respect to a single id: either the new state is fully
// persisted or the previous state remains intact.
type StateStore interface {
	Create(state *MigrationState) error
	Load(id string) (*MigrationState, error)
	Save(state *MigrationState) error
	List() ([]*MigrationState, error)
	Delete(id string) error
}

// DefaultStateDir is the state directory used by the CLI when none is
// configured.
const DefaultStateDir = ".dynmigrate"

// FileStore stores each migration as a single JSON document in a local
// directory.  Saves write to a temporary file and rename into place, so a
// partially written state is never observable.
type FileStore struct {
	dir string
}

// NewFileStore opens a file-backed state store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = DefaultStateDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid migration id %q", id)
	}
	return filepath.Join(fs.dir, id+".json"), nil
}

// Create persists a new migration.  It fails with ErrExists if the id is
// already in use.
func (fs *FileStore) Create(state *MigrationState) error {
	path, err := fs.path(state.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return ErrExists
	}
	return fs.Save(state)
}

// Load reads a migration's state.  Returns ErrNotFound for unknown ids.
func (fs *FileStore) Load(id string) (*MigrationState, error) {
	path, err := fs.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var state MigrationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("state file for migration %s is corrupt: %w", id, err)
	}
	return &state, nil
}

// Save persists the full state, replacing any previous version atomically.
func (fs *FileStore) Save(state *MigrationState) error {
	path, err := fs.path(state.ID)
	if err != nil {
		return err
	}
	state.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(fs.dir, state.ID+".tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// List returns every stored migration, oldest first.
func (fs *FileStore) List() ([]*MigrationState, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, err
	}
	var states []*MigrationState
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		state, err := fs.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states, nil
}

// Delete removes a migration's state.  Returns ErrNotFound for unknown ids.
func (fs *FileStore) Delete(id string) error {
	path, err := fs.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// MemStore is an in-memory StateStore used by tests.  It hands out deep
// copies so callers never alias its internal records.
type MemStore struct {
	mu     sync.RWMutex
	states map[string]*MigrationState
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]*MigrationState)}
}

// Create implements StateStore.
func (ms *MemStore) Create(state *MigrationState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.states[state.ID]; ok {
		return ErrExists
	}
	state.UpdatedAt = time.Now().UTC()
	ms.states[state.ID] = state.clone()
	return nil
}

// Load implements StateStore.
func (ms *MemStore) Load(id string) (*MigrationState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	state, ok := ms.states[id]
	if !ok {
		return nil, ErrNotFound
	}
	return state.clone(), nil
}

// Save implements StateStore.
func (ms *MemStore) Save(state *MigrationState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	state.UpdatedAt = time.Now().UTC()
	ms.states[state.ID] = state.clone()
	return nil
}

// List implements StateStore.
func (ms *MemStore) List() ([]*MigrationState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	states := make([]*MigrationState, 0, len(ms.states))
	for _, state := range ms.states {
		states = append(states, state.clone())
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})
	return states, nil
}

// Delete implements StateStore.
func (ms *MemStore) Delete(id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.states[id]; !ok {
		return ErrNotFound
	}
	delete(ms.states, id)
	return nil
}
