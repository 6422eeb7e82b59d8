// Package fanout implements the post-commit coordinator that instantiates
// child flows when a completed node's outcome matches a fan-out rule.
//
// Dispatch runs after the triggering transaction committed: a dispatch
// failure never unwinds the stamped outcome. Instead the coordinator persists
// a FanOutFailure record, marks the triggering flow BLOCKED, and stops
// processing further rules for that intent.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowspec/flowspec/catalog"
	"github.com/flowspec/flowspec/engine/evidence"
	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/flowerrors"
	"github.com/flowspec/flowspec/engine/snapshot"
	"github.com/flowspec/flowspec/engine/telemetry"
	"github.com/flowspec/flowspec/engine/truth"
)

// SaleClosedOutcome is the trigger outcome that additionally runs job
// provisioning before the configured bundle of downstream flows is created.
const SaleClosedOutcome = "SALE_CLOSED"

type (
	// Intent is one post-commit dispatch request, snapshotted inside the
	// triggering transaction when a node completes.
	Intent struct {
		// FlowID is the triggering flow.
		FlowID string
		// GroupID is the flow group children are created in.
		GroupID string
		// CompanyID is the owning tenant.
		CompanyID string
		// ScopeType is the group's scope type.
		ScopeType string
		// ScopeID is the group's scope id.
		ScopeID string
		// NodeID is the completed node.
		NodeID string
		// Outcome is the outcome that completed the node.
		Outcome string
		// TaskID is the task the outcome was recorded on; job provisioning
		// reads its structured evidence.
		TaskID string
	}

	// CreateFlowRequest asks the flow creator for a child flow in an existing
	// group. The creator's duplicate policy makes the call idempotent per
	// (group, workflow).
	CreateFlowRequest struct {
		// WorkflowID is the workflow to instantiate.
		WorkflowID string
		// CompanyID is the owning tenant.
		CompanyID string
		// ScopeType is the group scope type.
		ScopeType string
		// ScopeID is the group scope id.
		ScopeID string
		// GroupID pins the child to the triggering flow's group.
		GroupID string
	}

	// CreateFlowResult reports the child flow and whether it was newly
	// created.
	CreateFlowResult struct {
		// Flow is the existing or newly created flow.
		Flow flow.Flow
		// Created is false when an existing flow was returned as-is.
		Created bool
	}

	// FlowCreator instantiates flows. It is implemented by the progression
	// engine.
	FlowCreator interface {
		CreateFlow(ctx context.Context, req CreateFlowRequest) (CreateFlowResult, error)
	}

	// Options configures the coordinator.
	Options struct {
		// Truth persists failure records and is read by job provisioning.
		Truth truth.Store
		// Catalog resolves target workflows' published versions.
		Catalog catalog.Store
		// Flows creates child flows.
		Flows FlowCreator
		// AnchorTaskID identifies the group's anchor-identity task read by
		// job provisioning. Required when JobBundle is non-empty.
		AnchorTaskID string
		// JobBundle lists the workflow ids instantiated after a job is
		// provisioned, in order.
		JobBundle []string
		// Limiter bounds dispatch; nil means unlimited.
		Limiter *rate.Limiter
		// Logger reports dispatch progress and failures. Defaults to no-op.
		Logger telemetry.Logger
		// Clock overrides the failure timestamp source, primarily for tests.
		Clock func() time.Time
	}

	// Coordinator matches fan-out rules and creates child flows post-commit.
	Coordinator struct {
		opts Options
	}
)

// Validate checks that required options are set and applies defaults.
func (o *Options) Validate() error {
	if o.Truth == nil {
		return errors.New("truth store is required")
	}
	if o.Catalog == nil {
		return errors.New("catalog store is required")
	}
	if o.Flows == nil {
		return errors.New("flow creator is required")
	}
	if len(o.JobBundle) > 0 && o.AnchorTaskID == "" {
		return errors.New("anchor task id is required when a job bundle is configured")
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

// New creates a coordinator from validated options.
func New(opts Options) (*Coordinator, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("fanout: %w", err)
	}
	return &Coordinator{opts: opts}, nil
}

// Dispatch processes one intent: every rule matching
// (intent.NodeID, intent.Outcome) creates a child flow in the intent's group,
// and the SALE_CLOSED trigger additionally provisions the group's job and the
// configured bundle. The first per-rule error records a FanOutFailure, marks
// the triggering flow BLOCKED, and stops processing.
func (c *Coordinator) Dispatch(ctx context.Context, snap *snapshot.Workflow, intent Intent) error {
	for _, rule := range snap.RulesFor(intent.NodeID, intent.Outcome) {
		if err := c.createChild(ctx, intent, rule.TargetWorkflowID); err != nil {
			return c.fail(ctx, intent, rule.TargetWorkflowID, err)
		}
	}
	if intent.Outcome == SaleClosedOutcome {
		if err := c.provisionJob(ctx, intent); err != nil {
			return c.fail(ctx, intent, "", err)
		}
	}
	return nil
}

// createChild resolves the target's latest published version and asks the
// flow creator for a child in the intent's group. Duplicate children are
// skipped by the creator's duplicate policy.
func (c *Coordinator) createChild(ctx context.Context, intent Intent, targetWorkflowID string) error {
	if c.opts.Limiter != nil {
		if err := c.opts.Limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if _, err := c.opts.Catalog.LatestPublished(ctx, targetWorkflowID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return flowerrors.Newf(flowerrors.CodeNoPublishedVersion, "workflow %q has no published version", targetWorkflowID)
		}
		return fmt.Errorf("resolve published version of %q: %w", targetWorkflowID, err)
	}
	res, err := c.opts.Flows.CreateFlow(ctx, CreateFlowRequest{
		WorkflowID: targetWorkflowID,
		CompanyID:  intent.CompanyID,
		ScopeType:  intent.ScopeType,
		ScopeID:    intent.ScopeID,
		GroupID:    intent.GroupID,
	})
	if err != nil {
		return err
	}
	if res.Created {
		c.opts.Logger.Info(ctx, "fan-out created child flow",
			"flow_id", intent.FlowID, "child_flow_id", res.Flow.ID, "workflow_id", targetWorkflowID)
	} else {
		c.opts.Logger.Debug(ctx, "fan-out skipped existing child flow",
			"flow_id", intent.FlowID, "child_flow_id", res.Flow.ID, "workflow_id", targetWorkflowID)
	}
	return nil
}

// provisionJob runs the SALE_CLOSED special rule: read the sale details from
// the outcome-recording task, cross-check the customer against the group's
// anchor identity, ensure the group's job, then instantiate the bundle.
func (c *Coordinator) provisionJob(ctx context.Context, intent Intent) error {
	events, err := c.opts.Truth.EventsForFlow(ctx, intent.FlowID)
	if err != nil {
		return fmt.Errorf("load truth for flow %q: %w", intent.FlowID, err)
	}
	saleCustomer, err := structuredCustomerID(events.EvidenceForTask(intent.TaskID))
	if err != nil {
		return fmt.Errorf("sale details evidence on task %q: %w", intent.TaskID, err)
	}

	anchorCustomer, err := c.anchorCustomerID(ctx, intent.GroupID)
	if err != nil {
		return err
	}
	if anchorCustomer != saleCustomer {
		return flowerrors.Newf(flowerrors.CodeCustomerMismatch,
			"sale customer %q does not match anchor identity %q", saleCustomer, anchorCustomer)
	}

	job, err := c.opts.Truth.EnsureJob(ctx, intent.GroupID, saleCustomer, c.opts.Clock())
	if err != nil {
		return fmt.Errorf("ensure job for group %q: %w", intent.GroupID, err)
	}
	c.opts.Logger.Info(ctx, "job provisioned",
		"job_id", job.ID, "group_id", intent.GroupID, "customer_id", saleCustomer)

	for _, workflowID := range c.opts.JobBundle {
		if err := c.createChild(ctx, intent, workflowID); err != nil {
			return err
		}
	}
	return nil
}

// anchorCustomerID reads the customer id from the anchor-identity evidence
// attached anywhere in the group.
func (c *Coordinator) anchorCustomerID(ctx context.Context, groupID string) (string, error) {
	flows, err := c.opts.Truth.FlowsByGroup(ctx, groupID)
	if err != nil {
		return "", fmt.Errorf("list flows of group %q: %w", groupID, err)
	}
	for _, f := range flows {
		events, err := c.opts.Truth.EventsForFlow(ctx, f.ID)
		if err != nil {
			return "", fmt.Errorf("load truth for flow %q: %w", f.ID, err)
		}
		atts := events.EvidenceForTask(c.opts.AnchorTaskID)
		if len(atts) == 0 {
			continue
		}
		customer, err := structuredCustomerID(atts)
		if err != nil {
			return "", fmt.Errorf("anchor identity evidence on task %q: %w", c.opts.AnchorTaskID, err)
		}
		return customer, nil
	}
	return "", flowerrors.Newf(flowerrors.CodeAnchorTaskMissing,
		"no anchor identity evidence on task %q in group %q", c.opts.AnchorTaskID, groupID)
}

// structuredCustomerID extracts content.customerId from the most recent
// STRUCTURED attachment.
func structuredCustomerID(atts []truth.EvidenceAttachment) (string, error) {
	for i := len(atts) - 1; i >= 0; i-- {
		if atts[i].Type != evidence.TypeStructured {
			continue
		}
		var payload struct {
			Content struct {
				CustomerID string `json:"customerId"`
			} `json:"content"`
		}
		if err := json.Unmarshal(atts[i].Data, &payload); err != nil {
			return "", fmt.Errorf("decode structured evidence: %w", err)
		}
		if payload.Content.CustomerID == "" {
			return "", errors.New("structured evidence has no customerId")
		}
		return payload.Content.CustomerID, nil
	}
	return "", errors.New("no structured evidence attached")
}

// fail records the durable failure trace: a FanOutFailure row plus the
// BLOCKED flow status. The triggering outcome stays committed.
func (c *Coordinator) fail(ctx context.Context, intent Intent, targetWorkflowID string, cause error) error {
	now := c.opts.Clock()
	c.opts.Logger.Error(ctx, "fan-out dispatch failed",
		"flow_id", intent.FlowID, "node_id", intent.NodeID, "outcome", intent.Outcome,
		"target_workflow_id", targetWorkflowID, "err", cause)

	if _, err := c.opts.Truth.InsertFanOutFailure(ctx, truth.FanOutFailure{
		FlowID:           intent.FlowID,
		GroupID:          intent.GroupID,
		NodeID:           intent.NodeID,
		Outcome:          intent.Outcome,
		TargetWorkflowID: targetWorkflowID,
		Reason:           cause.Error(),
		OccurredAt:       now,
	}); err != nil {
		c.opts.Logger.Error(ctx, "record fan-out failure", "flow_id", intent.FlowID, "err", err)
	}
	if err := c.opts.Truth.UpdateFlowStatus(ctx, intent.FlowID, flow.StatusBlocked, now); err != nil {
		c.opts.Logger.Error(ctx, "block flow after fan-out failure", "flow_id", intent.FlowID, "err", err)
	}
	return cause
}
