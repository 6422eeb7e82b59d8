// Package truth defines the append-only Truth log: the event rows that are
// the sole source of execution state for a flow, and the Store contract the
// engine writes them through.
//
// Truth events are never mutated once appended, with one exception: stamping
// an outcome onto a previously open TaskExecution. Everything else the engine
// knows about a running flow is derived, never persisted (see package derive).
package truth

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/flowspec/flowspec/engine/evidence"
	"github.com/flowspec/flowspec/engine/flow"
)

// Store-level sentinels. The engine wraps them into coded errors; errors.Is
// still matches through the chain.
var (
	// ErrFlowNotFound is returned when the flow id resolves to no flow.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrGroupNotFound is returned when the group id resolves to no group.
	ErrGroupNotFound = errors.New("flow group not found")
	// ErrExecutionNotFound is returned when the execution id resolves to no
	// task execution.
	ErrExecutionNotFound = errors.New("task execution not found")
	// ErrDetourNotFound is returned when the detour id resolves to no detour.
	ErrDetourNotFound = errors.New("detour not found")
	// ErrOutcomeAlreadyRecorded is returned when stamping an execution whose
	// outcome is already set. Outcomes are immutable once stamped.
	ErrOutcomeAlreadyRecorded = errors.New("outcome already recorded")
)

// ValidityState is the overlay state of a task execution. The latest validity
// event wins; executions with no event are VALID.
type ValidityState string

const (
	// ValidityValid marks an execution whose outcome counts toward completion.
	ValidityValid ValidityState = "VALID"
	// ValidityProvisional marks an execution tainted by an open detour.
	ValidityProvisional ValidityState = "PROVISIONAL"
	// ValidityInvalid marks an execution whose outcome no longer counts.
	ValidityInvalid ValidityState = "INVALID"
)

// DetourType distinguishes rework scopes that block downstream nodes from
// those that do not.
type DetourType string

const (
	// DetourNonBlocking taints the checkpoint without blocking successors.
	DetourNonBlocking DetourType = "NON_BLOCKING"
	// DetourBlocking additionally blocks the checkpoint's transitive
	// successors until resolution.
	DetourBlocking DetourType = "BLOCKING"
)

// DetourStatus is the lifecycle state of a detour.
type DetourStatus string

const (
	// DetourActive marks an open detour awaiting resolution.
	DetourActive DetourStatus = "ACTIVE"
	// DetourResolved marks a detour closed by a resolving outcome.
	DetourResolved DetourStatus = "RESOLVED"
	// DetourConverted marks a detour superseded by remediation; it can no
	// longer be resolved.
	DetourConverted DetourStatus = "CONVERTED"
)

type (
	// NodeActivation records that a node entered the given iteration. One row
	// is appended per activation; iteration increments on re-entry.
	NodeActivation struct {
		// ID is the store-assigned event id, ordered within the flow.
		ID string
		// FlowID is the owning flow.
		FlowID string
		// NodeID is the activated node.
		NodeID string
		// Iteration is the 1-based activation count for this node.
		Iteration int
		// ActivatedAt is the activation time.
		ActivatedAt time.Time
	}

	// TaskExecution records one attempt at a task within a node iteration.
	// At most one execution per (taskId, iteration) is open (nil outcome);
	// additional executions appear only after a prior one was invalidated.
	TaskExecution struct {
		// ID is the store-assigned event id, ordered within the flow.
		ID string
		// FlowID is the owning flow.
		FlowID string
		// TaskID is the executed task.
		TaskID string
		// NodeID is the node owning the task.
		NodeID string
		// Iteration is the node iteration the execution belongs to.
		Iteration int
		// StartedAt is the start time.
		StartedAt time.Time
		// StartedBy is the user who started the execution.
		StartedBy string
		// Outcome is the recorded outcome name; nil while open. Once set, the
		// (Outcome, OutcomeAt, OutcomeBy) tuple is final.
		Outcome *string
		// OutcomeAt is the stamp time.
		OutcomeAt *time.Time
		// OutcomeBy is the user who recorded the outcome.
		OutcomeBy string
		// ResolvedDetourID links the execution to the detour it resolved,
		// when the outcome closed one.
		ResolvedDetourID string
	}

	// EvidenceAttachment records evidence bound to exactly one task, and to a
	// specific execution when one was open at attach time.
	EvidenceAttachment struct {
		// ID is the store-assigned event id, ordered within the flow.
		ID string
		// FlowID is the owning flow.
		FlowID string
		// TaskID is the task the evidence supports.
		TaskID string
		// TaskExecutionID is the current-iteration execution at attach time,
		// when one existed.
		TaskExecutionID string
		// Type is the attachment payload type.
		Type evidence.Type
		// Data is the payload: a storage pointer for FILE, {"content": ...}
		// for TEXT and STRUCTURED.
		Data json.RawMessage
		// AttachedBy is the attaching user.
		AttachedBy string
		// AttachedAt is the attach time.
		AttachedAt time.Time
		// IdempotencyKey deduplicates retries within the flow, when supplied.
		IdempotencyKey string
	}

	// ValidityEvent overlays a validity state onto a task execution. The
	// latest event by (createdAt desc, id desc) wins; no event means VALID.
	ValidityEvent struct {
		// ID is the store-assigned event id, ordered within the flow.
		ID string
		// FlowID is the owning flow.
		FlowID string
		// TaskExecutionID is the execution the state applies to.
		TaskExecutionID string
		// State is the overlay state.
		State ValidityState
		// CreatedAt is the event time.
		CreatedAt time.Time
		// CreatedBy is the user or subsystem that appended the event.
		CreatedBy string
		// Reason documents why the state changed.
		Reason string
	}

	// DetourRecord is a rework scope anchored at a checkpoint node. Opening a
	// detour taints the checkpoint execution PROVISIONAL; resolving it
	// activates the resume target directly, bypassing gate routing.
	DetourRecord struct {
		// ID uniquely identifies the detour.
		ID string
		// FlowID is the owning flow.
		FlowID string
		// CheckpointNodeID is the node whose work is being redone.
		CheckpointNodeID string
		// CheckpointTaskExecutionID is the tainted execution.
		CheckpointTaskExecutionID string
		// ResumeTargetNodeID is activated directly on resolution.
		ResumeTargetNodeID string
		// Type selects blocking behavior.
		Type DetourType
		// Status is the detour lifecycle state.
		Status DetourStatus
		// RepeatIndex counts prior detours at the same checkpoint.
		RepeatIndex int
		// Category is optional free-form classification.
		Category string
		// OpenedBy is the user who opened the detour.
		OpenedBy string
		// OpenedAt is the open time.
		OpenedAt time.Time
		// EscalatedAt is set when the detour was escalated to BLOCKING.
		EscalatedAt *time.Time
		// EscalatedBy is the escalating user.
		EscalatedBy string
		// ResolvedAt is set when the detour was resolved.
		ResolvedAt *time.Time
		// ConvertedAt is set when remediation superseded the detour.
		ConvertedAt *time.Time
		// ConvertedBy is the converting user.
		ConvertedBy string
	}

	// FanOutFailure records a fan-out dispatch error. The triggering outcome
	// is never rolled back; the failure row plus the BLOCKED flow status are
	// the durable trace.
	FanOutFailure struct {
		// ID is the store-assigned record id.
		ID string
		// FlowID is the triggering flow.
		FlowID string
		// GroupID is the flow group dispatch ran in.
		GroupID string
		// NodeID is the completed node that triggered dispatch.
		NodeID string
		// Outcome is the triggering outcome name.
		Outcome string
		// TargetWorkflowID is the rule target that failed, when known.
		TargetWorkflowID string
		// Reason describes the failure.
		Reason string
		// OccurredAt is the failure time.
		OccurredAt time.Time
	}

	// GroupOutcome is one stamped outcome anywhere in a flow group, projected
	// for cross-flow dependency evaluation.
	GroupOutcome struct {
		// FlowID is the flow that recorded the outcome.
		FlowID string
		// WorkflowID is the workflow that flow runs.
		WorkflowID string
		// TaskID is the task the outcome was recorded on.
		TaskID string
		// Outcome is the recorded outcome name.
		Outcome string
	}

	// EventSet is the complete Truth of one flow, loaded in a single
	// snapshot-isolated read. Accessors sort deterministically so derived
	// state is identical for identical truth.
	EventSet struct {
		// Activations are the flow's node activations.
		Activations []NodeActivation
		// Executions are the flow's task executions.
		Executions []TaskExecution
		// Evidence are the flow's evidence attachments.
		Evidence []EvidenceAttachment
		// Validity are the flow's validity events.
		Validity []ValidityEvent
		// Detours are the flow's detour records.
		Detours []DetourRecord
	}

	// Store is the persistence contract for flows, groups, and Truth events.
	// Implementations serialize writes within a flow and may run different
	// flows fully in parallel.
	Store interface {
		// EnsureGroup returns the group for the scope triple, creating it if
		// absent. Groups are unique per (companyId, scopeType, scopeId).
		EnsureGroup(ctx context.Context, companyID, scopeType, scopeID string, now time.Time) (flow.Group, error)
		// GroupByID returns the group, or ErrGroupNotFound.
		GroupByID(ctx context.Context, groupID string) (flow.Group, error)
		// InsertFlow persists a new flow row.
		InsertFlow(ctx context.Context, f flow.Flow) error
		// FlowByID returns the flow, or ErrFlowNotFound.
		FlowByID(ctx context.Context, flowID string) (flow.Flow, error)
		// FlowsByGroup returns every flow in the group, ordered by id.
		FlowsByGroup(ctx context.Context, groupID string) ([]flow.Flow, error)
		// FlowsByWorkflow returns every flow bound to the workflow, ordered
		// by id. Used by publish-impact analysis.
		FlowsByWorkflow(ctx context.Context, workflowID string) ([]flow.Flow, error)
		// UpdateFlowStatus updates the flow status outside any transaction.
		UpdateFlowStatus(ctx context.Context, flowID string, status flow.Status, now time.Time) error
		// EventsForFlow returns the flow's complete Truth.
		EventsForFlow(ctx context.Context, flowID string) (EventSet, error)
		// GroupOutcomes projects every stamped outcome in the group for
		// cross-flow dependency evaluation.
		GroupOutcomes(ctx context.Context, groupID string) ([]GroupOutcome, error)
		// EnsureJob returns the group's job, creating it if absent.
		EnsureJob(ctx context.Context, groupID, customerID string, now time.Time) (flow.Job, error)
		// InsertFanOutFailure persists a fan-out failure record.
		InsertFanOutFailure(ctx context.Context, rec FanOutFailure) (FanOutFailure, error)
		// FanOutFailures returns the flow's fan-out failure records.
		FanOutFailures(ctx context.Context, flowID string) ([]FanOutFailure, error)
		// WithinFlow runs fn inside a transaction holding the exclusive
		// per-flow lock. Writes made through the Tx are visible to its reads
		// and committed when fn returns nil, discarded otherwise.
		WithinFlow(ctx context.Context, flowID string, fn func(tx Tx) error) error
	}

	// Tx is the transactional write surface scoped to one flow. All writes
	// share the transaction's visibility: Events reflects uncommitted
	// appends.
	Tx interface {
		// Flow returns the locked flow row, including uncommitted status
		// changes.
		Flow() (flow.Flow, error)
		// Events returns the flow's Truth including uncommitted writes.
		Events() (EventSet, error)
		// RecordNodeActivation appends a node activation unconditionally.
		RecordNodeActivation(nodeID string, iteration int, now time.Time) (NodeActivation, error)
		// RecordTaskStart appends an open task execution. The caller
		// guarantees no open execution exists for (taskID, iteration).
		RecordTaskStart(taskID, nodeID string, iteration int, userID string, now time.Time) (TaskExecution, error)
		// RecordOutcome stamps an open execution. It fails with
		// ErrOutcomeAlreadyRecorded when the execution is already stamped and
		// ErrExecutionNotFound when the id is unknown. resolvedDetourID is
		// stored on the row when the stamp resolves a detour.
		RecordOutcome(executionID, outcome, userID, resolvedDetourID string, now time.Time) (TaskExecution, error)
		// AttachEvidence appends an attachment. When att.IdempotencyKey is
		// set and an attachment with the same key exists in the flow, the
		// prior attachment is returned unchanged.
		AttachEvidence(att EvidenceAttachment, now time.Time) (EvidenceAttachment, error)
		// AppendValidity appends a validity event for the execution.
		AppendValidity(executionID string, state ValidityState, userID, reason string, now time.Time) (ValidityEvent, error)
		// InsertDetour persists a new detour record.
		InsertDetour(rec DetourRecord) (DetourRecord, error)
		// UpdateDetour replaces the detour record matched by rec.ID.
		UpdateDetour(rec DetourRecord) error
		// SetFlowStatus updates the flow status within the transaction.
		SetFlowStatus(status flow.Status, now time.Time) error
	}
)

// LatestActivation returns the highest-iteration activation for the node, or
// nil when the node was never activated.
func (s EventSet) LatestActivation(nodeID string) *NodeActivation {
	var latest *NodeActivation
	for i := range s.Activations {
		a := &s.Activations[i]
		if a.NodeID != nodeID {
			continue
		}
		if latest == nil || a.Iteration > latest.Iteration {
			latest = a
		}
	}
	return latest
}

// ExecutionsFor returns the executions for (taskID, iteration) ordered by
// (startedAt asc, id asc).
func (s EventSet) ExecutionsFor(taskID string, iteration int) []TaskExecution {
	var out []TaskExecution
	for _, e := range s.Executions {
		if e.TaskID == taskID && e.Iteration == iteration {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LatestExecution returns the most recent execution for (taskID, iteration)
// by (startedAt desc, id desc), or nil.
func (s EventSet) LatestExecution(taskID string, iteration int) *TaskExecution {
	execs := s.ExecutionsFor(taskID, iteration)
	if len(execs) == 0 {
		return nil
	}
	e := execs[len(execs)-1]
	return &e
}

// OpenExecution returns the open (nil outcome) execution for
// (taskID, iteration), or nil. At most one exists by the append contract.
func (s EventSet) OpenExecution(taskID string, iteration int) *TaskExecution {
	for _, e := range s.ExecutionsFor(taskID, iteration) {
		if e.Outcome == nil {
			ee := e
			return &ee
		}
	}
	return nil
}

// ExecutionByID returns the execution with the given id, or nil.
func (s EventSet) ExecutionByID(executionID string) *TaskExecution {
	for i := range s.Executions {
		if s.Executions[i].ID == executionID {
			return &s.Executions[i]
		}
	}
	return nil
}

// EvidenceForTask returns the attachments bound to the task ordered by
// (attachedAt asc, id asc).
func (s EventSet) EvidenceForTask(taskID string) []EvidenceAttachment {
	var out []EvidenceAttachment
	for _, a := range s.Evidence {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].AttachedAt.Before(out[j].AttachedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveDetour returns the flow's ACTIVE detour, or nil. At most one exists
// by the no-nesting invariant.
func (s EventSet) ActiveDetour() *DetourRecord {
	for i := range s.Detours {
		if s.Detours[i].Status == DetourActive {
			return &s.Detours[i]
		}
	}
	return nil
}

// DetourByID returns the detour with the given id, or nil.
func (s EventSet) DetourByID(detourID string) *DetourRecord {
	for i := range s.Detours {
		if s.Detours[i].ID == detourID {
			return &s.Detours[i]
		}
	}
	return nil
}

// DetoursAt returns every detour checkpointed at the node, in insertion
// order.
func (s EventSet) DetoursAt(nodeID string) []DetourRecord {
	var out []DetourRecord
	for _, d := range s.Detours {
		if d.CheckpointNodeID == nodeID {
			out = append(out, d)
		}
	}
	return out
}
