// Package filters holds the operator's project and folder selection.
package filters

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// State is the operator's current selection. Empty allow-lists mean "all".
type State struct {
	SelectedProject string   `yaml:"selected_project" json:"selected_project" db:"selected_project"`
	AllowedProjects []string `yaml:"allowed_projects" json:"allowed_projects" db:"allowed_projects"`
	AllowedFolders  []string `yaml:"allowed_folders" json:"allowed_folders" db:"allowed_folders"`
}

// SelectProject returns a copy of s with project selected. Folder names are
// project scoped, so changing the project drops the folder filter.
func (s State) SelectProject(project string) State {
	project = strings.TrimSpace(project)
	next := s.clone()
	if project != s.SelectedProject {
		next.AllowedFolders = nil
	}
	next.SelectedProject = project
	return next
}

// WithFolders returns a copy of s restricted to folders.
func (s State) WithFolders(folders []string) State {
	next := s.clone()
	next.AllowedFolders = normalize(folders)
	return next
}

// ProjectAllowed reports whether id passes the project allow-list.
func (s State) ProjectAllowed(id string) bool {
	return len(s.AllowedProjects) == 0 || slices.Contains(s.AllowedProjects, id)
}

// FolderAllowed reports whether folder passes the folder allow-list.
func (s State) FolderAllowed(folder string) bool {
	return len(s.AllowedFolders) == 0 || slices.Contains(s.AllowedFolders, folder)
}

func (s State) clone() State {
	return State{
		SelectedProject: s.SelectedProject,
		AllowedProjects: slices.Clone(s.AllowedProjects),
		AllowedFolders:  slices.Clone(s.AllowedFolders),
	}
}

func normalize(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Store persists the filter state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}

// MemoryStore keeps the state in process.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

// NewMemoryStore returns a store seeded with initial.
func NewMemoryStore(initial State) *MemoryStore {
	return &MemoryStore{state: initial.clone()}
}

func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state.clone()
	return nil
}
