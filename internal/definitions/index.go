// Package definitions groups pipeline definitions into a folder tree.
package definitions

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"pipescope/pkg/azdo"
)

// Uncategorized is the folder used for definitions without a path.
const Uncategorized = azdo.Uncategorized

// Folder is one top-level node of the definition tree.
type Folder struct {
	Name        string                    `json:"name"`
	Definitions []azdo.PipelineDefinition `json:"definitions"`
}

// Build groups defs by folder. Folders and the definitions within them are
// sorted by name. A non-empty allow-list keeps only the folders that are both
// discovered and allowed.
func Build(defs []azdo.PipelineDefinition, allowed []string) []Folder {
	groups := make(map[string][]azdo.PipelineDefinition)
	for _, d := range defs {
		name := FolderName(d)
		groups[name] = append(groups[name], d)
	}

	folders := make([]Folder, 0, len(groups))
	for name, items := range groups {
		if len(allowed) > 0 && !slices.Contains(allowed, name) {
			continue
		}
		slices.SortStableFunc(items, func(a, b azdo.PipelineDefinition) int {
			return cmp.Compare(a.Name, b.Name)
		})
		folders = append(folders, Folder{Name: name, Definitions: items})
	}
	slices.SortFunc(folders, func(a, b Folder) int { return cmp.Compare(a.Name, b.Name) })
	return folders
}

// FolderName returns the folder bucket of d.
func FolderName(d azdo.PipelineDefinition) string {
	return azdo.FolderBucket(d.Path)
}

// Lister fetches the definitions of a project.
type Lister interface {
	ListDefinitions(ctx context.Context, credential, project string) ([]azdo.PipelineDefinition, error)
}

// CredentialSource yields the credential used for one call.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
}

// Index loads definitions and builds the folder tree.
type Index struct {
	lister Lister
	creds  CredentialSource
}

// NewIndex creates an index bound to lister.
func NewIndex(lister Lister, creds CredentialSource) (*Index, error) {
	if lister == nil {
		return nil, errors.New("lister is required")
	}
	if creds == nil {
		return nil, errors.New("credential source is required")
	}
	return &Index{lister: lister, creds: creds}, nil
}

// Folders fetches the definitions of project and groups them.
func (ix *Index) Folders(ctx context.Context, project string, allowed []string) ([]Folder, error) {
	if project == "" {
		return nil, errors.New("project is required")
	}
	credential, err := ix.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}
	defs, err := ix.lister.ListDefinitions(ctx, credential, project)
	if err != nil {
		return nil, err
	}
	return Build(defs, allowed), nil
}

// Names returns the discovered folder names of project, sorted.
func (ix *Index) Names(ctx context.Context, project string) ([]string, error) {
	folders, err := ix.Folders(ctx, project, nil)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(folders))
	for _, f := range folders {
		names = append(names, f.Name)
	}
	return names, nil
}
