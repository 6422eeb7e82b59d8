// Package memory provides an in-memory implementation of the catalog store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/flowspec/flowspec/catalog"
)

// Store is an in-memory implementation of the catalog.Store interface.
// It is safe for concurrent use; definitions are stored as deep copies so
// callers cannot mutate persisted state in place.
type Store struct {
	mu          sync.RWMutex
	definitions map[string]*catalog.Definition
	versions    map[string]catalog.Version
}

// Compile-time check that Store implements catalog.Store.
var _ catalog.Store = (*Store)(nil)

// New creates a new in-memory catalog store.
func New() *Store {
	return &Store{
		definitions: make(map[string]*catalog.Definition),
		versions:    make(map[string]catalog.Version),
	}
}

// PutDefinition stores or replaces a definition keyed by its ID.
func (s *Store) PutDefinition(ctx context.Context, def *catalog.Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	copied, err := copyDefinition(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = copied
	return nil
}

// Definition retrieves a definition by workflow id.
func (s *Store) Definition(ctx context.Context, workflowID string) (*catalog.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[workflowID]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return copyDefinition(def)
}

// ListDefinitions returns every definition ordered by id.
func (s *Store) ListDefinitions(ctx context.Context) ([]*catalog.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*catalog.Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		copied, err := copyDefinition(def)
		if err != nil {
			return nil, err
		}
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutVersion persists a published version.
func (s *Store) PutVersion(ctx context.Context, v catalog.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.ID] = v
	return nil
}

// Version retrieves a version by id.
func (s *Store) Version(ctx context.Context, versionID string) (catalog.Version, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Version{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return catalog.Version{}, catalog.ErrNotFound
	}
	return v, nil
}

// LatestPublished returns the highest-numbered version of the workflow.
func (s *Store) LatestPublished(ctx context.Context, workflowID string) (catalog.Version, error) {
	if err := ctx.Err(); err != nil {
		return catalog.Version{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest catalog.Version
	found := false
	for _, v := range s.versions {
		if v.WorkflowID != workflowID {
			continue
		}
		if !found || v.Number > latest.Number {
			latest = v
			found = true
		}
	}
	if !found {
		return catalog.Version{}, catalog.ErrNotFound
	}
	return latest, nil
}

// VersionsByWorkflow returns the workflow's versions ordered by number.
func (s *Store) VersionsByWorkflow(ctx context.Context, workflowID string) ([]catalog.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Version
	for _, v := range s.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// copyDefinition deep copies through JSON so stored and returned values never
// alias caller memory.
func copyDefinition(def *catalog.Definition) (*catalog.Definition, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var out catalog.Definition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
