package mongo

import (
	"encoding/json"
	"time"

	"github.com/flowspec/flowspec/engine/evidence"
	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/truth"
)

type (
	groupDocument struct {
		ID        string    `bson:"_id"`
		CompanyID string    `bson:"company_id"`
		ScopeType string    `bson:"scope_type"`
		ScopeID   string    `bson:"scope_id"`
		CreatedAt time.Time `bson:"created_at"`
	}

	flowDocument struct {
		ID                string     `bson:"_id"`
		WorkflowID        string     `bson:"workflow_id"`
		WorkflowVersionID string     `bson:"workflow_version_id"`
		GroupID           string     `bson:"group_id"`
		CompanyID         string     `bson:"company_id"`
		Status            string     `bson:"status"`
		CreatedAt         time.Time  `bson:"created_at"`
		CompletedAt       *time.Time `bson:"completed_at,omitempty"`
	}

	jobDocument struct {
		ID         string    `bson:"_id"`
		GroupID    string    `bson:"group_id"`
		CustomerID string    `bson:"customer_id"`
		CreatedAt  time.Time `bson:"created_at"`
	}

	activationDocument struct {
		ID          string    `bson:"_id"`
		FlowID      string    `bson:"flow_id"`
		NodeID      string    `bson:"node_id"`
		Iteration   int       `bson:"iteration"`
		ActivatedAt time.Time `bson:"activated_at"`
	}

	executionDocument struct {
		ID               string     `bson:"_id"`
		FlowID           string     `bson:"flow_id"`
		TaskID           string     `bson:"task_id"`
		NodeID           string     `bson:"node_id"`
		Iteration        int        `bson:"iteration"`
		StartedAt        time.Time  `bson:"started_at"`
		StartedBy        string     `bson:"started_by,omitempty"`
		Outcome          *string    `bson:"outcome,omitempty"`
		OutcomeAt        *time.Time `bson:"outcome_at,omitempty"`
		OutcomeBy        string     `bson:"outcome_by,omitempty"`
		ResolvedDetourID string     `bson:"resolved_detour_id,omitempty"`
	}

	evidenceDocument struct {
		ID              string    `bson:"_id"`
		FlowID          string    `bson:"flow_id"`
		TaskID          string    `bson:"task_id"`
		TaskExecutionID string    `bson:"task_execution_id,omitempty"`
		Type            string    `bson:"type"`
		Data            []byte    `bson:"data"`
		AttachedBy      string    `bson:"attached_by,omitempty"`
		AttachedAt      time.Time `bson:"attached_at"`
		IdempotencyKey  string    `bson:"idempotency_key,omitempty"`
	}

	validityDocument struct {
		ID              string    `bson:"_id"`
		FlowID          string    `bson:"flow_id"`
		TaskExecutionID string    `bson:"task_execution_id"`
		State           string    `bson:"state"`
		CreatedAt       time.Time `bson:"created_at"`
		CreatedBy       string    `bson:"created_by,omitempty"`
		Reason          string    `bson:"reason,omitempty"`
	}

	detourDocument struct {
		ID                        string     `bson:"_id"`
		FlowID                    string     `bson:"flow_id"`
		CheckpointNodeID          string     `bson:"checkpoint_node_id"`
		CheckpointTaskExecutionID string     `bson:"checkpoint_task_execution_id"`
		ResumeTargetNodeID        string     `bson:"resume_target_node_id"`
		Type                      string     `bson:"type"`
		Status                    string     `bson:"status"`
		RepeatIndex               int        `bson:"repeat_index"`
		Category                  string     `bson:"category,omitempty"`
		OpenedBy                  string     `bson:"opened_by,omitempty"`
		OpenedAt                  time.Time  `bson:"opened_at"`
		EscalatedAt               *time.Time `bson:"escalated_at,omitempty"`
		EscalatedBy               string     `bson:"escalated_by,omitempty"`
		ResolvedAt                *time.Time `bson:"resolved_at,omitempty"`
		ConvertedAt               *time.Time `bson:"converted_at,omitempty"`
		ConvertedBy               string     `bson:"converted_by,omitempty"`
	}

	failureDocument struct {
		ID               string    `bson:"_id"`
		FlowID           string    `bson:"flow_id"`
		GroupID          string    `bson:"group_id"`
		NodeID           string    `bson:"node_id"`
		Outcome          string    `bson:"outcome"`
		TargetWorkflowID string    `bson:"target_workflow_id,omitempty"`
		Reason           string    `bson:"reason"`
		OccurredAt       time.Time `bson:"occurred_at"`
	}
)

func (doc groupDocument) toGroup() flow.Group {
	return flow.Group{
		ID:        doc.ID,
		CompanyID: doc.CompanyID,
		ScopeType: doc.ScopeType,
		ScopeID:   doc.ScopeID,
		CreatedAt: doc.CreatedAt.UTC(),
	}
}

func fromFlow(f flow.Flow) flowDocument {
	return flowDocument{
		ID:                f.ID,
		WorkflowID:        f.WorkflowID,
		WorkflowVersionID: f.WorkflowVersionID,
		GroupID:           f.GroupID,
		CompanyID:         f.CompanyID,
		Status:            string(f.Status),
		CreatedAt:         f.CreatedAt.UTC(),
		CompletedAt:       utcPtr(f.CompletedAt),
	}
}

func (doc flowDocument) toFlow() flow.Flow {
	return flow.Flow{
		ID:                doc.ID,
		WorkflowID:        doc.WorkflowID,
		WorkflowVersionID: doc.WorkflowVersionID,
		GroupID:           doc.GroupID,
		CompanyID:         doc.CompanyID,
		Status:            flow.Status(doc.Status),
		CreatedAt:         doc.CreatedAt.UTC(),
		CompletedAt:       utcPtr(doc.CompletedAt),
	}
}

func (doc jobDocument) toJob() flow.Job {
	return flow.Job{
		ID:         doc.ID,
		GroupID:    doc.GroupID,
		CustomerID: doc.CustomerID,
		CreatedAt:  doc.CreatedAt.UTC(),
	}
}

func fromActivation(a truth.NodeActivation) activationDocument {
	return activationDocument{
		ID:          a.ID,
		FlowID:      a.FlowID,
		NodeID:      a.NodeID,
		Iteration:   a.Iteration,
		ActivatedAt: a.ActivatedAt.UTC(),
	}
}

func (doc activationDocument) toActivation() truth.NodeActivation {
	return truth.NodeActivation{
		ID:          doc.ID,
		FlowID:      doc.FlowID,
		NodeID:      doc.NodeID,
		Iteration:   doc.Iteration,
		ActivatedAt: doc.ActivatedAt.UTC(),
	}
}

func fromExecution(e truth.TaskExecution) executionDocument {
	return executionDocument{
		ID:               e.ID,
		FlowID:           e.FlowID,
		TaskID:           e.TaskID,
		NodeID:           e.NodeID,
		Iteration:        e.Iteration,
		StartedAt:        e.StartedAt.UTC(),
		StartedBy:        e.StartedBy,
		Outcome:          e.Outcome,
		OutcomeAt:        utcPtr(e.OutcomeAt),
		OutcomeBy:        e.OutcomeBy,
		ResolvedDetourID: e.ResolvedDetourID,
	}
}

func (doc executionDocument) toExecution() truth.TaskExecution {
	return truth.TaskExecution{
		ID:               doc.ID,
		FlowID:           doc.FlowID,
		TaskID:           doc.TaskID,
		NodeID:           doc.NodeID,
		Iteration:        doc.Iteration,
		StartedAt:        doc.StartedAt.UTC(),
		StartedBy:        doc.StartedBy,
		Outcome:          doc.Outcome,
		OutcomeAt:        utcPtr(doc.OutcomeAt),
		OutcomeBy:        doc.OutcomeBy,
		ResolvedDetourID: doc.ResolvedDetourID,
	}
}

func fromAttachment(a truth.EvidenceAttachment) evidenceDocument {
	return evidenceDocument{
		ID:              a.ID,
		FlowID:          a.FlowID,
		TaskID:          a.TaskID,
		TaskExecutionID: a.TaskExecutionID,
		Type:            string(a.Type),
		Data:            append([]byte(nil), a.Data...),
		AttachedBy:      a.AttachedBy,
		AttachedAt:      a.AttachedAt.UTC(),
		IdempotencyKey:  a.IdempotencyKey,
	}
}

func (doc evidenceDocument) toAttachment() truth.EvidenceAttachment {
	return truth.EvidenceAttachment{
		ID:              doc.ID,
		FlowID:          doc.FlowID,
		TaskID:          doc.TaskID,
		TaskExecutionID: doc.TaskExecutionID,
		Type:            evidence.Type(doc.Type),
		Data:            json.RawMessage(append([]byte(nil), doc.Data...)),
		AttachedBy:      doc.AttachedBy,
		AttachedAt:      doc.AttachedAt.UTC(),
		IdempotencyKey:  doc.IdempotencyKey,
	}
}

func fromValidity(v truth.ValidityEvent) validityDocument {
	return validityDocument{
		ID:              v.ID,
		FlowID:          v.FlowID,
		TaskExecutionID: v.TaskExecutionID,
		State:           string(v.State),
		CreatedAt:       v.CreatedAt.UTC(),
		CreatedBy:       v.CreatedBy,
		Reason:          v.Reason,
	}
}

func (doc validityDocument) toValidity() truth.ValidityEvent {
	return truth.ValidityEvent{
		ID:              doc.ID,
		FlowID:          doc.FlowID,
		TaskExecutionID: doc.TaskExecutionID,
		State:           truth.ValidityState(doc.State),
		CreatedAt:       doc.CreatedAt.UTC(),
		CreatedBy:       doc.CreatedBy,
		Reason:          doc.Reason,
	}
}

func fromDetour(d truth.DetourRecord) detourDocument {
	return detourDocument{
		ID:                        d.ID,
		FlowID:                    d.FlowID,
		CheckpointNodeID:          d.CheckpointNodeID,
		CheckpointTaskExecutionID: d.CheckpointTaskExecutionID,
		ResumeTargetNodeID:        d.ResumeTargetNodeID,
		Type:                      string(d.Type),
		Status:                    string(d.Status),
		RepeatIndex:               d.RepeatIndex,
		Category:                  d.Category,
		OpenedBy:                  d.OpenedBy,
		OpenedAt:                  d.OpenedAt.UTC(),
		EscalatedAt:               utcPtr(d.EscalatedAt),
		EscalatedBy:               d.EscalatedBy,
		ResolvedAt:                utcPtr(d.ResolvedAt),
		ConvertedAt:               utcPtr(d.ConvertedAt),
		ConvertedBy:               d.ConvertedBy,
	}
}

func (doc detourDocument) toDetour() truth.DetourRecord {
	return truth.DetourRecord{
		ID:                        doc.ID,
		FlowID:                    doc.FlowID,
		CheckpointNodeID:          doc.CheckpointNodeID,
		CheckpointTaskExecutionID: doc.CheckpointTaskExecutionID,
		ResumeTargetNodeID:        doc.ResumeTargetNodeID,
		Type:                      truth.DetourType(doc.Type),
		Status:                    truth.DetourStatus(doc.Status),
		RepeatIndex:               doc.RepeatIndex,
		Category:                  doc.Category,
		OpenedBy:                  doc.OpenedBy,
		OpenedAt:                  doc.OpenedAt.UTC(),
		EscalatedAt:               utcPtr(doc.EscalatedAt),
		EscalatedBy:               doc.EscalatedBy,
		ResolvedAt:                utcPtr(doc.ResolvedAt),
		ConvertedAt:               utcPtr(doc.ConvertedAt),
		ConvertedBy:               doc.ConvertedBy,
	}
}

func fromFailure(f truth.FanOutFailure) failureDocument {
	return failureDocument{
		ID:               f.ID,
		FlowID:           f.FlowID,
		GroupID:          f.GroupID,
		NodeID:           f.NodeID,
		Outcome:          f.Outcome,
		TargetWorkflowID: f.TargetWorkflowID,
		Reason:           f.Reason,
		OccurredAt:       f.OccurredAt.UTC(),
	}
}

func (doc failureDocument) toFailure() truth.FanOutFailure {
	return truth.FanOutFailure{
		ID:               doc.ID,
		FlowID:           doc.FlowID,
		GroupID:          doc.GroupID,
		NodeID:           doc.NodeID,
		Outcome:          doc.Outcome,
		TargetWorkflowID: doc.TargetWorkflowID,
		Reason:           doc.Reason,
		OccurredAt:       doc.OccurredAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	at := t.UTC()
	return &at
}
