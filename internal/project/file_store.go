package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileState is the on-disk document.
type fileState struct {
	Projects   []*Project `json:"projects"`
	GlobalTime TimeRecord `json:"globalTime"`
}

// FileStore is a Store backed by a single JSON file. Every update is written
// through; a write failure is returned to the caller and the in-memory state
// keeps the change so a later update can retry the flush.
type FileStore struct {
	mu    sync.Mutex
	path  string
	state fileState
}

// NewFileStore loads the store from path, starting empty if the file does
// not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read project store: %w", err)
	}

	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parse project store: %w", err)
	}

	return s, nil
}

// Add registers a project. Used at startup and when a session is opened for
// a path the store has not seen.
func (s *FileStore) Add(p *Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.state.Projects {
		if existing.ID == p.ID {
			return fmt.Errorf("project %s already exists", p.ID)
		}
	}
	s.state.Projects = append(s.state.Projects, p.Clone())
	return s.flush()
}

// List returns copies of all projects.
func (s *FileStore) List() []*Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Project, 0, len(s.state.Projects))
	for _, p := range s.state.Projects {
		result = append(result, p.Clone())
	}
	return result
}

// FindByID returns a copy of the project with the given id.
func (s *FileStore) FindByID(id string) (*Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.state.Projects {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	return nil, false
}

// FindByPath returns a copy of the project rooted at path.
func (s *FileStore) FindByPath(path string) (*Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clean := filepath.Clean(path)
	for _, p := range s.state.Projects {
		if filepath.Clean(p.Path) == clean {
			return p.Clone(), true
		}
	}
	return nil, false
}

// Update applies fn to the stored project and persists the result.
func (s *FileStore) Update(id string, fn func(*Project)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.state.Projects {
		if p.ID == id {
			fn(p)
			return s.flush()
		}
	}
	return fmt.Errorf("project %s not found", id)
}

// GlobalTime returns a copy of the global time record.
func (s *FileStore) GlobalTime() TimeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.state.GlobalTime
	r.Sessions = append([]TimeSlice(nil), s.state.GlobalTime.Sessions...)
	return r
}

// UpdateGlobalTime applies fn to the global record and persists the result.
func (s *FileStore) UpdateGlobalTime(fn func(*TimeRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.state.GlobalTime)
	return s.flush()
}

func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal project store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write project store: %w", err)
	}
	return nil
}
