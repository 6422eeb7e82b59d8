// Package catalog manages workflow definitions through their lifecycle:
// DRAFT definitions are edited and validated, then published into immutable
// versions whose snapshots running flows bind to. The package also provides
// advisory publish-impact analysis comparing a draft against its latest
// published version.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/snapshot"
)

// ErrNotFound is returned when a definition or version is not found in the
// store.
var ErrNotFound = errors.New("not found")

// Status is the lifecycle state of a workflow definition.
type Status string

const (
	// StatusDraft marks an editable definition.
	StatusDraft Status = "DRAFT"
	// StatusValidated marks a draft that passed validation unchanged since.
	StatusValidated Status = "VALIDATED"
	// StatusPublished marks a definition with at least one published version.
	StatusPublished Status = "PUBLISHED"
)

type (
	// Definition is the mutable draft form of a workflow. Its graph shape is
	// the snapshot shape; publishing deep-copies it and computes reachability.
	Definition struct {
		// ID is the workflow id, stable across versions.
		ID string `json:"id"`
		// Name is the human-readable workflow name.
		Name string `json:"name"`
		// Status is the definition lifecycle state.
		Status Status `json:"status"`
		// IsNonTerminating marks workflows that run indefinitely.
		IsNonTerminating bool `json:"isNonTerminating,omitempty"`
		// Nodes are the draft nodes.
		Nodes []snapshot.Node `json:"nodes"`
		// Gates are the draft gates.
		Gates []snapshot.Gate `json:"gates"`
		// FanOutRules are the draft fan-out rules.
		FanOutRules []snapshot.FanOutRule `json:"fanOutRules,omitempty"`
		// UpdatedAt is the last modification time.
		UpdatedAt time.Time `json:"updatedAt,omitempty"`
	}

	// Version is an immutable published workflow version.
	Version struct {
		// ID uniquely identifies the version.
		ID string
		// WorkflowID is the workflow the version belongs to.
		WorkflowID string
		// Number is the 1-based version number within the workflow.
		Number int
		// Snapshot is the JSON-encoded immutable snapshot.
		Snapshot json.RawMessage
		// PublishedAt is the publish time.
		PublishedAt time.Time
		// PublishedBy is the publishing user.
		PublishedBy string
	}

	// Store is the persistence contract for definitions and versions.
	// Implementations must be safe for concurrent use and return ErrNotFound
	// for missing records.
	Store interface {
		// PutDefinition stores or replaces a definition keyed by its ID.
		PutDefinition(ctx context.Context, def *Definition) error
		// Definition returns the definition, or ErrNotFound.
		Definition(ctx context.Context, workflowID string) (*Definition, error)
		// ListDefinitions returns every definition, ordered by id.
		ListDefinitions(ctx context.Context) ([]*Definition, error)
		// PutVersion persists a published version.
		PutVersion(ctx context.Context, v Version) error
		// Version returns the version by id, or ErrNotFound.
		Version(ctx context.Context, versionID string) (Version, error)
		// LatestPublished returns the highest-numbered version of the
		// workflow, or ErrNotFound when none was published.
		LatestPublished(ctx context.Context, workflowID string) (Version, error)
		// VersionsByWorkflow returns the workflow's versions ordered by
		// number ascending.
		VersionsByWorkflow(ctx context.Context, workflowID string) ([]Version, error)
	}

	// FlowLister exposes the running-flow lookups impact analysis needs. It
	// is satisfied by the truth store.
	FlowLister interface {
		FlowsByWorkflow(ctx context.Context, workflowID string) ([]flow.Flow, error)
	}
)

// Workflow decodes the version's snapshot JSON.
func (v Version) Workflow() (*snapshot.Workflow, error) {
	return snapshot.Unmarshal(v.Snapshot)
}

// DecodeDefinition decodes a YAML workflow definition, used for fixtures,
// demos, and seeding. The YAML document uses the same field names as the JSON
// form; decoding round-trips through JSON so the snapshot types' tags apply.
func DecodeDefinition(data []byte) (*Definition, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode definition yaml: %w", err)
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert definition to json: %w", err)
	}
	var def Definition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if def.Status == "" {
		def.Status = StatusDraft
	}
	return &def, nil
}
