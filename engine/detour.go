package engine

import (
	"context"
	"fmt"

	"github.com/flowspec/flowspec/engine/flowerrors"
	"github.com/flowspec/flowspec/engine/truth"
)

// OpenDetourParams describes a rework scope anchored at a checkpoint node.
type OpenDetourParams struct {
	// FlowID is the flow to rework.
	FlowID string
	// CheckpointNodeID is the node whose work is redone.
	CheckpointNodeID string
	// ResumeTargetNodeID is activated directly when the detour resolves.
	ResumeTargetNodeID string
	// CheckpointTaskExecutionID is the stamped execution the detour taints.
	CheckpointTaskExecutionID string
	// UserID is the opening user.
	UserID string
	// Type selects blocking behavior; defaults to NON_BLOCKING.
	Type truth.DetourType
	// Category is optional free-form classification.
	Category string
}

// OpenDetour opens a detour in one transaction: at most one detour may be
// ACTIVE per flow, the checkpoint execution is tainted PROVISIONAL, and the
// repeat index counts prior detours at the same checkpoint.
func (e *Engine) OpenDetour(ctx context.Context, p OpenDetourParams) (truth.DetourRecord, error) {
	ctx, done := e.observe(ctx, "open_detour")
	now := e.now()

	var rec truth.DetourRecord
	err := e.truth.WithinFlow(ctx, p.FlowID, func(tx truth.Tx) error {
		f, err := e.loadFlow(ctx, tx, true)
		if err != nil {
			return err
		}
		if f.snap.NodeByID(p.CheckpointNodeID) == nil {
			return fmt.Errorf("checkpoint node %q is not part of workflow %q", p.CheckpointNodeID, f.WorkflowID)
		}
		if f.snap.NodeByID(p.ResumeTargetNodeID) == nil {
			return fmt.Errorf("resume target node %q is not part of workflow %q", p.ResumeTargetNodeID, f.WorkflowID)
		}
		events, err := tx.Events()
		if err != nil {
			return err
		}
		if active := events.ActiveDetour(); active != nil {
			return flowerrors.Newf(flowerrors.CodeNestedDetourForbidden,
				"flow %q already has active detour %q", f.ID, active.ID).
				WithDetail("detourId", active.ID)
		}
		exec := events.ExecutionByID(p.CheckpointTaskExecutionID)
		if exec == nil {
			return flowerrors.Wrap(flowerrors.CodeInvalidDetour, truth.ErrExecutionNotFound,
				"checkpoint execution does not exist")
		}

		typ := p.Type
		if typ == "" {
			typ = truth.DetourNonBlocking
		}
		rec, err = tx.InsertDetour(truth.DetourRecord{
			ID:                        e.newID("det"),
			FlowID:                    f.ID,
			CheckpointNodeID:          p.CheckpointNodeID,
			CheckpointTaskExecutionID: p.CheckpointTaskExecutionID,
			ResumeTargetNodeID:        p.ResumeTargetNodeID,
			Type:                      typ,
			Status:                    truth.DetourActive,
			RepeatIndex:               len(events.DetoursAt(p.CheckpointNodeID)),
			Category:                  p.Category,
			OpenedBy:                  p.UserID,
			OpenedAt:                  now,
		})
		if err != nil {
			return err
		}
		_, err = tx.AppendValidity(p.CheckpointTaskExecutionID, truth.ValidityProvisional, p.UserID,
			fmt.Sprintf("detour %s opened", rec.ID), now)
		return err
	})
	done(err)
	if err != nil {
		return truth.DetourRecord{}, err
	}
	e.logger.Info(ctx, "detour opened",
		"detour_id", rec.ID, "flow_id", p.FlowID, "checkpoint_node_id", p.CheckpointNodeID,
		"type", string(rec.Type), "repeat_index", rec.RepeatIndex)
	return rec, nil
}

// EscalateDetour upgrades an ACTIVE detour to BLOCKING, extending the blocked
// set to the checkpoint's transitive successors.
func (e *Engine) EscalateDetour(ctx context.Context, flowID, detourID, userID string) (truth.DetourRecord, error) {
	ctx, done := e.observe(ctx, "escalate_detour")
	now := e.now()

	var rec truth.DetourRecord
	err := e.truth.WithinFlow(ctx, flowID, func(tx truth.Tx) error {
		events, err := tx.Events()
		if err != nil {
			return err
		}
		d := events.DetourByID(detourID)
		if d == nil {
			return flowerrors.Wrap(flowerrors.CodeInvalidDetour, truth.ErrDetourNotFound, "detour does not exist")
		}
		if d.Status != truth.DetourActive {
			return flowerrors.Newf(flowerrors.CodeInvalidDetour, "detour %q is %s, not active", detourID, d.Status)
		}
		rec = *d
		rec.Type = truth.DetourBlocking
		t := now
		rec.EscalatedAt = &t
		rec.EscalatedBy = userID
		return tx.UpdateDetour(rec)
	})
	done(err)
	if err != nil {
		return truth.DetourRecord{}, err
	}
	e.logger.Info(ctx, "detour escalated", "detour_id", detourID, "flow_id", flowID)
	return rec, nil
}

// TriggerRemediation converts an ACTIVE detour: its resolution path is
// superseded and it can no longer be resolved with a detour id.
func (e *Engine) TriggerRemediation(ctx context.Context, flowID, detourID, userID string) (truth.DetourRecord, error) {
	ctx, done := e.observe(ctx, "trigger_remediation")
	now := e.now()

	var rec truth.DetourRecord
	err := e.truth.WithinFlow(ctx, flowID, func(tx truth.Tx) error {
		events, err := tx.Events()
		if err != nil {
			return err
		}
		d := events.DetourByID(detourID)
		if d == nil {
			return flowerrors.Wrap(flowerrors.CodeInvalidDetour, truth.ErrDetourNotFound, "detour does not exist")
		}
		if d.Status != truth.DetourActive {
			return flowerrors.Newf(flowerrors.CodeInvalidDetour, "detour %q is %s, not active", detourID, d.Status)
		}
		rec = *d
		rec.Status = truth.DetourConverted
		t := now
		rec.ConvertedAt = &t
		rec.ConvertedBy = userID
		return tx.UpdateDetour(rec)
	})
	done(err)
	if err != nil {
		return truth.DetourRecord{}, err
	}
	e.logger.Info(ctx, "detour converted to remediation", "detour_id", detourID, "flow_id", flowID)
	return rec, nil
}
