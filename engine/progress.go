package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowspec/flowspec/engine/derive"
	"github.com/flowspec/flowspec/engine/evidence"
	"github.com/flowspec/flowspec/engine/fanout"
	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/flowerrors"
	"github.com/flowspec/flowspec/engine/hooks"
	"github.com/flowspec/flowspec/engine/snapshot"
	"github.com/flowspec/flowspec/engine/truth"
)

type (
	// RecordOutcomeParams identifies the open execution to stamp. DetourID is
	// set only when the outcome resolves a detour.
	RecordOutcomeParams struct {
		// FlowID is the flow to progress.
		FlowID string
		// TaskID is the task whose open execution is stamped.
		TaskID string
		// Outcome is the declared outcome name to record.
		Outcome string
		// UserID is the recording user.
		UserID string
		// DetourID resolves the referenced detour instead of gate routing.
		DetourID string
	}

	// AttachEvidenceParams binds an evidence payload to a task.
	AttachEvidenceParams struct {
		// FlowID is the owning flow.
		FlowID string
		// TaskID is the task the evidence supports.
		TaskID string
		// Type is the payload type.
		Type evidence.Type
		// Data is the payload: a storage pointer for FILE, {"content": ...}
		// for TEXT and STRUCTURED.
		Data json.RawMessage
		// UserID is the attaching user.
		UserID string
		// IdempotencyKey deduplicates retries within the flow when set.
		IdempotencyKey string
	}
)

// StartTask appends an open task execution for the task's current iteration.
// Actionability is checked here and only here; a refused start carries the
// explainer's single reason code in the error details.
func (e *Engine) StartTask(ctx context.Context, flowID, taskID, userID string) (truth.TaskExecution, error) {
	ctx, done := e.observe(ctx, "start_task")
	now := e.now()

	var (
		exec    truth.TaskExecution
		started hooks.Event
	)
	err := e.truth.WithinFlow(ctx, flowID, func(tx truth.Tx) error {
		f, err := e.loadFlow(ctx, tx, true)
		if err != nil {
			return err
		}
		node, task := f.snap.TaskByID(taskID)
		if node == nil || task == nil {
			return flowerrors.Newf(flowerrors.CodeTaskNotFound, "task %q is not part of workflow %q", taskID, f.WorkflowID)
		}
		events, err := tx.Events()
		if err != nil {
			return err
		}
		view, err := e.view(ctx, f, events)
		if err != nil {
			return err
		}
		if !view.TaskActionable(taskID) {
			return e.refusal(ctx, view, events, node.ID, taskID)
		}

		iter := view.CurrentIteration(node.ID)
		exec, err = tx.RecordTaskStart(taskID, node.ID, iter, userID, now)
		if err != nil {
			return err
		}
		started = hooks.NewTaskStarted(f.ID, f.GroupID, now, taskID, exec.ID, iter, userID)
		return nil
	})
	if err != nil {
		done(err)
		return truth.TaskExecution{}, err
	}
	e.publish(ctx, started)
	done(nil)
	return exec, nil
}

// refusal maps a non-actionable task to its coded error. Open executions and
// unknown tasks surface under their own codes; everything else is
// TASK_NOT_ACTIONABLE carrying the explainer's reason.
func (e *Engine) refusal(ctx context.Context, view *derive.View, events truth.EventSet, nodeID, taskID string) error {
	code, err := view.Explain(taskID)
	if err != nil {
		e.logger.Error(ctx, "explainer coverage gap", "task_id", taskID, "err", err)
		return flowerrors.Wrap(flowerrors.CodeTaskNotActionable, err, "task refused for an uncovered reason")
	}
	switch code {
	case flowerrors.CodeTaskNotFound:
		return flowerrors.Newf(flowerrors.CodeTaskNotFound, "task %q is not part of the workflow", taskID)
	case flowerrors.CodeTaskAlreadyStarted:
		ferr := flowerrors.Newf(flowerrors.CodeTaskAlreadyStarted, "task %q already has an open execution", taskID)
		iter := 1
		if a := events.LatestActivation(nodeID); a != nil {
			iter = a.Iteration
		}
		if open := events.OpenExecution(taskID, iter); open != nil {
			ferr = ferr.WithDetail("executionId", open.ID)
		}
		return ferr
	default:
		return flowerrors.Newf(flowerrors.CodeTaskNotActionable, "task %q is not actionable", taskID).
			WithDetail("reason", string(code))
	}
}

// RecordOutcome stamps the open execution and progresses the flow in one
// transaction: detour resolution activates the resume target directly, the
// normal path evaluates gates on node completion. Post-commit it dispatches
// fan-out and publishes hooks; neither can unwind the stamp.
func (e *Engine) RecordOutcome(ctx context.Context, p RecordOutcomeParams) (truth.TaskExecution, error) {
	ctx, done := e.observe(ctx, "record_outcome")
	now := e.now()

	var (
		exec       truth.TaskExecution
		hookEvents []hooks.Event
		intent     *fanout.Intent
		snapUsed   *flowRecord
		limitErr   error
	)
	err := e.truth.WithinFlow(ctx, p.FlowID, func(tx truth.Tx) error {
		hookEvents = hookEvents[:0]
		intent = nil
		limitErr = nil

		f, err := e.loadFlow(ctx, tx, true)
		if err != nil {
			return err
		}
		snapUsed = &f
		node, task := f.snap.TaskByID(p.TaskID)
		if node == nil || task == nil {
			return flowerrors.Newf(flowerrors.CodeTaskNotFound, "task %q is not part of workflow %q", p.TaskID, f.WorkflowID)
		}
		events, err := tx.Events()
		if err != nil {
			return err
		}

		iter := 1
		if a := events.LatestActivation(node.ID); a != nil {
			iter = a.Iteration
		}
		open := events.OpenExecution(p.TaskID, iter)
		if open == nil {
			if latest := events.LatestExecution(p.TaskID, iter); latest != nil && latest.Outcome != nil {
				return flowerrors.Newf(flowerrors.CodeOutcomeAlreadyRecorded,
					"task %q already recorded %q in iteration %d", p.TaskID, *latest.Outcome, iter)
			}
			return flowerrors.Newf(flowerrors.CodeTaskNotStarted, "task %q has no started execution", p.TaskID)
		}

		if task.OutcomeByName(p.Outcome) == nil {
			return flowerrors.Newf(flowerrors.CodeInvalidOutcome,
				"outcome %q is not declared by task %q", p.Outcome, p.TaskID).
				WithDetail("declared", outcomeNames(task.Outcomes))
		}
		if task.EvidenceRequired && !evidenceSatisfied(task, events.EvidenceForTask(p.TaskID)) {
			return flowerrors.Newf(flowerrors.CodeEvidenceRequired,
				"task %q requires validating evidence before an outcome", p.TaskID)
		}
		if err := checkDetourGuard(events, node.ID, p.DetourID); err != nil {
			return err
		}

		exec, err = tx.RecordOutcome(open.ID, p.Outcome, p.UserID, p.DetourID, now)
		if err != nil {
			return err
		}
		hookEvents = append(hookEvents,
			hooks.NewTaskDone(f.ID, f.GroupID, now, p.TaskID, exec.ID, p.Outcome, p.UserID, p.DetourID))

		if p.DetourID != "" {
			if err := e.resolveDetour(tx, f, exec, p, now, &hookEvents); err != nil {
				return err
			}
		} else {
			fresh, err := tx.Events()
			if err != nil {
				return err
			}
			view, err := e.view(ctx, f, fresh)
			if err != nil {
				return err
			}
			if view.NodeComplete(node.ID) {
				intent = &fanout.Intent{
					FlowID:    f.ID,
					GroupID:   f.GroupID,
					CompanyID: f.CompanyID,
					NodeID:    node.ID,
					Outcome:   p.Outcome,
					TaskID:    p.TaskID,
				}
				for _, r := range view.Routes(node.ID) {
					if r.TargetNodeID == nil {
						continue
					}
					act, err := activateNode(tx, *r.TargetNodeID, 0, now)
					if err != nil {
						if flowerrors.HasCode(err, flowerrors.CodeIterationLimitExceeded) {
							// The stamp commits; the flow is blocked after the
							// transaction so the outcome remains recorded truth.
							limitErr = err
							intent = nil
							return nil
						}
						return err
					}
					hookEvents = append(hookEvents,
						hooks.NewNodeActivated(f.ID, f.GroupID, now, act.NodeID, act.Iteration))
				}
			}
		}

		final, err := tx.Events()
		if err != nil {
			return err
		}
		view, err := e.view(ctx, f, final)
		if err != nil {
			return err
		}
		if view.FlowComplete() && f.Status == flow.StatusActive {
			if err := tx.SetFlowStatus(flow.StatusCompleted, now); err != nil {
				return err
			}
			hookEvents = append(hookEvents, hooks.NewFlowCompleted(f.ID, f.GroupID, now))
		}
		return nil
	})
	if err != nil {
		done(err)
		return truth.TaskExecution{}, err
	}

	e.publish(ctx, hookEvents...)

	if limitErr != nil {
		if uerr := e.truth.UpdateFlowStatus(ctx, p.FlowID, flow.StatusBlocked, now); uerr != nil {
			e.logger.Error(ctx, "block flow after iteration limit", "flow_id", p.FlowID, "err", uerr)
		}
		done(limitErr)
		return exec, limitErr
	}

	if intent != nil {
		e.dispatchFanOut(ctx, snapUsed, *intent)
	}
	done(nil)
	return exec, nil
}

// dispatchFanOut fills the intent's scope from the group and hands it to the
// coordinator. Dispatch failures are logged; the coordinator already recorded
// the durable failure trace.
func (e *Engine) dispatchFanOut(ctx context.Context, f *flowRecord, intent fanout.Intent) {
	group, err := e.truth.GroupByID(ctx, intent.GroupID)
	if err != nil {
		e.logger.Error(ctx, "resolve group for fan-out", "group_id", intent.GroupID, "err", err)
		return
	}
	intent.ScopeType = group.ScopeType
	intent.ScopeID = group.ScopeID
	if err := e.fan.Dispatch(ctx, f.snap, intent); err != nil {
		e.logger.Error(ctx, "fan-out dispatch failed",
			"flow_id", intent.FlowID, "node_id", intent.NodeID, "outcome", intent.Outcome, "err", err)
	}
}

// resolveDetour runs the resolution path: validity VALID for the resolving
// execution, the detour RESOLVED, and the resume target activated directly,
// bypassing gate routing.
func (e *Engine) resolveDetour(tx truth.Tx, f flowRecord, exec truth.TaskExecution, p RecordOutcomeParams, now time.Time, hookEvents *[]hooks.Event) error {
	events, err := tx.Events()
	if err != nil {
		return err
	}
	d := events.DetourByID(p.DetourID)
	if d == nil {
		return flowerrors.Newf(flowerrors.CodeInvalidDetour, "detour %q does not exist", p.DetourID)
	}
	if _, err := tx.AppendValidity(exec.ID, truth.ValidityValid, p.UserID,
		fmt.Sprintf("detour %s resolved", d.ID), now); err != nil {
		return err
	}

	resolved := *d
	resolved.Status = truth.DetourResolved
	t := now
	resolved.ResolvedAt = &t
	if err := tx.UpdateDetour(resolved); err != nil {
		return err
	}

	act, err := activateNode(tx, d.ResumeTargetNodeID, 0, now)
	if err != nil {
		return err
	}
	*hookEvents = append(*hookEvents,
		hooks.NewNodeActivated(f.ID, f.GroupID, now, act.NodeID, act.Iteration))
	return nil
}

// checkDetourGuard enforces the spoof, existence, and hijack rules for the
// supplied detour id against the node's detour state.
func checkDetourGuard(events truth.EventSet, nodeID, detourID string) error {
	active := events.ActiveDetour()
	if detourID == "" {
		if active != nil && active.CheckpointNodeID == nodeID {
			return flowerrors.Newf(flowerrors.CodeDetourSpoof,
				"node %q has active detour %q; resolving outcomes must reference it", nodeID, active.ID).
				WithDetail("detourId", active.ID)
		}
		return nil
	}
	d := events.DetourByID(detourID)
	if d == nil || d.Status != truth.DetourActive {
		return flowerrors.Newf(flowerrors.CodeInvalidDetour, "detour %q is not active", detourID)
	}
	if d.CheckpointNodeID != nodeID {
		return flowerrors.Newf(flowerrors.CodeDetourHijack,
			"detour %q is checkpointed at node %q, not %q", detourID, d.CheckpointNodeID, nodeID)
	}
	return nil
}

// activateNode appends an activation at the given iteration, defaulting to
// latest+1 (initial 1). Iterations beyond MaxNodeIterations fail.
func activateNode(tx truth.Tx, nodeID string, iteration int, now time.Time) (truth.NodeActivation, error) {
	if iteration == 0 {
		events, err := tx.Events()
		if err != nil {
			return truth.NodeActivation{}, err
		}
		iteration = 1
		if a := events.LatestActivation(nodeID); a != nil {
			iteration = a.Iteration + 1
		}
	}
	if iteration > MaxNodeIterations {
		return truth.NodeActivation{}, flowerrors.Newf(flowerrors.CodeIterationLimitExceeded,
			"node %q would exceed %d iterations", nodeID, MaxNodeIterations).
			WithDetail("nodeId", nodeID).
			WithDetail("limit", MaxNodeIterations)
	}
	return tx.RecordNodeActivation(nodeID, iteration, now)
}

// AttachEvidence appends an evidence attachment, validating shape, tenant
// prefix, and schema. When the task has an execution in the current iteration
// the attachment binds to it; an idempotency key returns the prior attachment
// unchanged.
func (e *Engine) AttachEvidence(ctx context.Context, p AttachEvidenceParams) (truth.EvidenceAttachment, error) {
	ctx, done := e.observe(ctx, "attach_evidence")
	now := e.now()

	var att truth.EvidenceAttachment
	err := e.truth.WithinFlow(ctx, p.FlowID, func(tx truth.Tx) error {
		f, err := e.loadFlow(ctx, tx, false)
		if err != nil {
			return err
		}
		node, task := f.snap.TaskByID(p.TaskID)
		if node == nil || task == nil {
			return flowerrors.Newf(flowerrors.CodeTaskNotFound, "task %q is not part of workflow %q", p.TaskID, f.WorkflowID)
		}
		if !p.Type.Valid() {
			return flowerrors.Newf(flowerrors.CodeInvalidEvidenceFormat, "unknown evidence type %q", p.Type)
		}
		if p.Type == evidence.TypeFile {
			ptr, err := evidence.ParseFilePointer(p.Data)
			if err != nil {
				return flowerrors.Wrap(flowerrors.CodeInvalidFilePointer, err, "file pointer is malformed")
			}
			if err := ptr.CheckTenant(f.CompanyID); err != nil {
				return flowerrors.Wrap(flowerrors.CodeStorageKeyTenantMismatch, err, "storage key crosses tenants")
			}
		}
		if task.EvidenceSchema != nil {
			if err := task.EvidenceSchema.ValidatePayload(p.Type, p.Data); err != nil {
				return flowerrors.Wrap(flowerrors.CodeInvalidEvidenceFormat, err, "payload does not match the task's evidence schema")
			}
		}

		events, err := tx.Events()
		if err != nil {
			return err
		}
		executionID := ""
		if a := events.LatestActivation(node.ID); a != nil {
			if latest := events.LatestExecution(p.TaskID, a.Iteration); latest != nil {
				executionID = latest.ID
			}
		}

		att, err = tx.AttachEvidence(truth.EvidenceAttachment{
			FlowID:          f.ID,
			TaskID:          p.TaskID,
			TaskExecutionID: executionID,
			Type:            p.Type,
			Data:            p.Data,
			AttachedBy:      p.UserID,
			IdempotencyKey:  p.IdempotencyKey,
		}, now)
		return err
	})
	done(err)
	if err != nil {
		return truth.EvidenceAttachment{}, err
	}
	return att, nil
}

// evidenceSatisfied reports whether at least one attachment validates against
// the task's schema. Without a schema any attachment satisfies the gate.
func evidenceSatisfied(task *snapshot.Task, atts []truth.EvidenceAttachment) bool {
	for _, a := range atts {
		if task.EvidenceSchema == nil {
			return true
		}
		if task.EvidenceSchema.ValidatePayload(a.Type, a.Data) == nil {
			return true
		}
	}
	return false
}

func outcomeNames(outcomes []snapshot.Outcome) []string {
	names := make([]string, len(outcomes))
	for i, o := range outcomes {
		names[i] = o.Name
	}
	return names
}
