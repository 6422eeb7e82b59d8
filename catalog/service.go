package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowspec/flowspec/engine/snapshot"
)

type (
	// Service drives the definition lifecycle: validation, publishing, and
	// publish-impact analysis.
	Service struct {
		store Store
		flows FlowLister
		now   func() time.Time
	}

	// ServiceOption configures the Service.
	ServiceOption func(*Service)
)

// WithFlowLister wires the running-flow lookup used by impact analysis.
// Without it, impact findings report zero affected flows.
func WithFlowLister(flows FlowLister) ServiceOption {
	return func(s *Service) { s.flows = flows }
}

// WithClock overrides the service clock, primarily for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService constructs a catalog service over the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Validate runs every validation category against the draft. An empty issue
// list transitions the definition DRAFT -> VALIDATED; any issue leaves the
// status untouched.
func (s *Service) Validate(ctx context.Context, workflowID string) ([]Issue, error) {
	def, err := s.store.Definition(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load definition %q: %w", workflowID, err)
	}
	issues, err := validate(ctx, def, s.store)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 && def.Status == StatusDraft {
		def.Status = StatusValidated
		def.UpdatedAt = s.now()
		if err := s.store.PutDefinition(ctx, def); err != nil {
			return nil, fmt.Errorf("mark definition validated: %w", err)
		}
	}
	return issues, nil
}

// Publish re-validates the draft and, when clean, creates an immutable
// version: the definition graph is deep-copied, transitive successors are
// computed, and the snapshot is persisted under the next version number.
// Running flows bound to prior versions are unaffected.
func (s *Service) Publish(ctx context.Context, workflowID, userID string) (Version, error) {
	def, err := s.store.Definition(ctx, workflowID)
	if err != nil {
		return Version{}, fmt.Errorf("load definition %q: %w", workflowID, err)
	}
	issues, err := validate(ctx, def, s.store)
	if err != nil {
		return Version{}, err
	}
	if len(issues) > 0 {
		return Version{}, fmt.Errorf("definition %q has %d validation issues, first: %s", workflowID, len(issues), issues[0])
	}

	number := 1
	if latest, err := s.store.LatestPublished(ctx, workflowID); err == nil {
		number = latest.Number + 1
	} else if !errors.Is(err, ErrNotFound) {
		return Version{}, err
	}

	snap, err := snapshot.Build(&snapshot.Workflow{
		ID:               def.ID,
		Name:             def.Name,
		Version:          number,
		IsNonTerminating: def.IsNonTerminating,
		Nodes:            def.Nodes,
		Gates:            def.Gates,
		FanOutRules:      def.FanOutRules,
	})
	if err != nil {
		return Version{}, fmt.Errorf("build snapshot: %w", err)
	}
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return Version{}, err
	}

	v := Version{
		ID:          "wfv-" + uuid.NewString(),
		WorkflowID:  def.ID,
		Number:      number,
		Snapshot:    data,
		PublishedAt: s.now(),
		PublishedBy: userID,
	}
	if err := s.store.PutVersion(ctx, v); err != nil {
		return Version{}, fmt.Errorf("persist version: %w", err)
	}

	def.Status = StatusPublished
	def.UpdatedAt = v.PublishedAt
	if err := s.store.PutDefinition(ctx, def); err != nil {
		return Version{}, fmt.Errorf("mark definition published: %w", err)
	}
	return v, nil
}
