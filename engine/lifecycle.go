package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowspec/flowspec/catalog"
	"github.com/flowspec/flowspec/engine/fanout"
	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/flowerrors"
	"github.com/flowspec/flowspec/engine/hooks"
	"github.com/flowspec/flowspec/engine/truth"
)

type (
	// CreateFlowParams identifies the workflow and scope to instantiate.
	// GroupID is optional; when set it must agree with the scope triple.
	CreateFlowParams struct {
		// WorkflowID selects the workflow; its latest published version is
		// bound.
		WorkflowID string
		// CompanyID is the owning tenant.
		CompanyID string
		// ScopeType is the group scope type (e.g. PROPERTY).
		ScopeType string
		// ScopeID is the group scope id.
		ScopeID string
		// GroupID pins the flow to an existing group when set.
		GroupID string
	}

	// CreateFlowResult reports the flow and whether it was newly created.
	// Created is false when the group already held a flow for the workflow.
	CreateFlowResult struct {
		// Flow is the existing or newly created flow.
		Flow flow.Flow
		// Created reports whether this call inserted the flow.
		Created bool
	}
)

// CreateGroup ensures the flow group for the scope triple exists and returns
// it. The operation is idempotent: groups are unique per
// (companyId, scopeType, scopeId).
func (e *Engine) CreateGroup(ctx context.Context, companyID, scopeType, scopeID string) (flow.Group, error) {
	ctx, done := e.observe(ctx, "create_group")
	g, err := e.createGroup(ctx, companyID, scopeType, scopeID)
	done(err)
	return g, err
}

func (e *Engine) createGroup(ctx context.Context, companyID, scopeType, scopeID string) (flow.Group, error) {
	if companyID == "" || scopeType == "" || scopeID == "" {
		return flow.Group{}, errors.New("company id, scope type, and scope id are required")
	}
	return e.truth.EnsureGroup(ctx, companyID, scopeType, scopeID, e.now())
}

// CreateFlow binds a new flow to the workflow's latest published version and
// activates its entry nodes in the same transaction. An existing flow for
// (group, workflow) is returned as-is with Created false, making the call
// idempotent.
func (e *Engine) CreateFlow(ctx context.Context, p CreateFlowParams) (CreateFlowResult, error) {
	ctx, done := e.observe(ctx, "create_flow")
	res, err := e.createFlow(ctx, p)
	done(err)
	return res, err
}

func (e *Engine) createFlow(ctx context.Context, p CreateFlowParams) (CreateFlowResult, error) {
	now := e.now()

	version, err := e.catalog.LatestPublished(ctx, p.WorkflowID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return CreateFlowResult{}, flowerrors.Newf(flowerrors.CodeNoPublishedVersion,
				"workflow %q has no published version", p.WorkflowID)
		}
		return CreateFlowResult{}, err
	}
	def, err := e.catalog.Definition(ctx, p.WorkflowID)
	if err != nil {
		return CreateFlowResult{}, fmt.Errorf("load definition %q: %w", p.WorkflowID, err)
	}
	if def.Status != catalog.StatusPublished {
		return CreateFlowResult{}, flowerrors.Newf(flowerrors.CodeWorkflowNotPublished,
			"workflow %q is %s, not published", p.WorkflowID, def.Status)
	}

	group, err := e.resolveGroup(ctx, p, now)
	if err != nil {
		return CreateFlowResult{}, err
	}

	// Duplicate policy: one flow per (group, workflow).
	existing, err := e.truth.FlowsByGroup(ctx, group.ID)
	if err != nil {
		return CreateFlowResult{}, err
	}
	for _, f := range existing {
		if f.WorkflowID == p.WorkflowID {
			return CreateFlowResult{Flow: f, Created: false}, nil
		}
	}

	f := flow.Flow{
		ID:                e.newID("flw"),
		WorkflowID:        p.WorkflowID,
		WorkflowVersionID: version.ID,
		GroupID:           group.ID,
		CompanyID:         group.CompanyID,
		Status:            flow.StatusActive,
		CreatedAt:         now,
	}
	if err := e.truth.InsertFlow(ctx, f); err != nil {
		return CreateFlowResult{}, fmt.Errorf("insert flow: %w", err)
	}

	snap, err := e.snapshotFor(ctx, version.ID)
	if err != nil {
		return CreateFlowResult{}, err
	}
	var activated []hooks.Event
	err = e.truth.WithinFlow(ctx, f.ID, func(tx truth.Tx) error {
		activated = activated[:0]
		for _, node := range snap.EntryNodes() {
			act, err := tx.RecordNodeActivation(node.ID, 1, now)
			if err != nil {
				return err
			}
			activated = append(activated, hooks.NewNodeActivated(f.ID, f.GroupID, now, act.NodeID, act.Iteration))
		}
		return nil
	})
	if err != nil {
		return CreateFlowResult{}, fmt.Errorf("activate entry nodes: %w", err)
	}

	e.logger.Info(ctx, "flow created",
		"flow_id", f.ID, "workflow_id", p.WorkflowID, "version", version.Number, "group_id", group.ID)
	e.publish(ctx, activated...)
	return CreateFlowResult{Flow: f, Created: true}, nil
}

// resolveGroup ensures or loads the flow group, verifying that an explicit
// group id agrees with the scope triple.
func (e *Engine) resolveGroup(ctx context.Context, p CreateFlowParams, now time.Time) (flow.Group, error) {
	if p.GroupID == "" {
		return e.createGroup(ctx, p.CompanyID, p.ScopeType, p.ScopeID)
	}
	group, err := e.truth.GroupByID(ctx, p.GroupID)
	if err != nil {
		return flow.Group{}, err
	}
	if group.CompanyID != p.CompanyID || group.ScopeType != p.ScopeType || group.ScopeID != p.ScopeID {
		return flow.Group{}, flowerrors.Newf(flowerrors.CodeScopeMismatch,
			"group %q is scoped to (%s, %s, %s), not (%s, %s, %s)",
			p.GroupID, group.CompanyID, group.ScopeType, group.ScopeID,
			p.CompanyID, p.ScopeType, p.ScopeID)
	}
	return group, nil
}

// flowCreator adapts the engine to the fan-out coordinator's creator
// interface.
type flowCreator struct{ e *Engine }

// CreateFlow implements fanout.FlowCreator.
func (c flowCreator) CreateFlow(ctx context.Context, req fanout.CreateFlowRequest) (fanout.CreateFlowResult, error) {
	res, err := c.e.CreateFlow(ctx, CreateFlowParams{
		WorkflowID: req.WorkflowID,
		CompanyID:  req.CompanyID,
		ScopeType:  req.ScopeType,
		ScopeID:    req.ScopeID,
		GroupID:    req.GroupID,
	})
	if err != nil {
		return fanout.CreateFlowResult{}, err
	}
	return fanout.CreateFlowResult{Flow: res.Flow, Created: res.Created}, nil
}
