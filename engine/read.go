package engine

import (
	"context"
	"errors"

	"github.com/flowspec/flowspec/engine/derive"
	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/flowerrors"
	"github.com/flowspec/flowspec/engine/truth"
)

// Flow returns the flow row.
func (e *Engine) Flow(ctx context.Context, flowID string) (flow.Flow, error) {
	f, err := e.truth.FlowByID(ctx, flowID)
	if errors.Is(err, truth.ErrFlowNotFound) {
		return flow.Flow{}, flowerrors.Wrap(flowerrors.CodeFlowNotFound, err, "flow not found")
	}
	return f, err
}

// Events returns the flow's complete Truth.
func (e *Engine) Events(ctx context.Context, flowID string) (truth.EventSet, error) {
	events, err := e.truth.EventsForFlow(ctx, flowID)
	if errors.Is(err, truth.ErrFlowNotFound) {
		return truth.EventSet{}, flowerrors.Wrap(flowerrors.CodeFlowNotFound, err, "flow not found")
	}
	return events, err
}

// ActionableTasks derives the flow's actionable tasks in canonical order
// (flowId asc, taskId asc, iteration asc).
func (e *Engine) ActionableTasks(ctx context.Context, flowID string) ([]derive.ActionableTask, error) {
	view, err := e.viewFor(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return view.ActionableTasks(flowID), nil
}

// Explain returns the single reason code for why the task cannot be acted on.
// A coverage gap — a refusal no reason covers, or an actionable task — is an
// engine bug and surfaces as an error.
func (e *Engine) Explain(ctx context.Context, flowID, taskID string) (flowerrors.Code, error) {
	view, err := e.viewFor(ctx, flowID)
	if err != nil {
		return "", err
	}
	code, err := view.Explain(taskID)
	if err != nil {
		e.logger.Error(ctx, "explainer coverage gap", "flow_id", flowID, "task_id", taskID, "err", err)
		return "", err
	}
	return code, nil
}

// FanOutFailures returns the flow's fan-out failure records.
func (e *Engine) FanOutFailures(ctx context.Context, flowID string) ([]truth.FanOutFailure, error) {
	return e.truth.FanOutFailures(ctx, flowID)
}

// viewFor assembles a derived-state view outside any transaction, for the
// read surface.
func (e *Engine) viewFor(ctx context.Context, flowID string) (*derive.View, error) {
	f, err := e.Flow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	snap, err := e.snapshotFor(ctx, f.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	events, err := e.truth.EventsForFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	group, err := e.truth.GroupOutcomes(ctx, f.GroupID)
	if err != nil {
		return nil, err
	}
	return derive.NewView(snap, events, group), nil
}
