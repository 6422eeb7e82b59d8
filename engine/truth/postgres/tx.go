package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/truth"
)

// tx stages writes against copies of the flow row and event set, mirroring
// the in-memory store's transaction shape. New rows and stamped updates are
// tracked separately so commit knows which rows to insert and which to
// update; every statement runs inside the SQL transaction that holds the
// flow's row lock.
type tx struct {
	flowID string
	flow   flow.Flow
	events truth.EventSet
	seq    int64

	flowDirty   bool
	inserted    map[string]bool
	stampedIDs  map[string]bool
	updatedDets map[string]bool
}

// WithinFlow implements truth.Store. The SELECT ... FOR UPDATE row lock
// serializes writers on the flow; staged writes apply inside the same SQL
// transaction, so they commit atomically or roll back together.
func (s *Store) WithinFlow(ctx context.Context, flowID string, fn func(tx truth.Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin flow transaction: %w", err)
	}
	defer func() { _ = dbtx.Rollback(ctx) }() // no-op once committed

	f, err := lockFlow(ctx, dbtx, flowID)
	if err != nil {
		return err
	}
	events, err := loadEvents(ctx, dbtx, flowID)
	if err != nil {
		return err
	}
	seq, err := currentSeq(ctx, dbtx, flowID)
	if err != nil {
		return err
	}

	staged := &tx{
		flowID:      flowID,
		flow:        f,
		events:      events,
		seq:         seq,
		inserted:    make(map[string]bool),
		stampedIDs:  make(map[string]bool),
		updatedDets: make(map[string]bool),
	}
	if err := fn(staged); err != nil {
		return err
	}
	if err := staged.commit(ctx, dbtx); err != nil {
		return err
	}
	return dbtx.Commit(ctx)
}

// lockFlow takes the flow's exclusive row lock for the transaction's
// lifetime.
func lockFlow(ctx context.Context, q querier, flowID string) (flow.Flow, error) {
	return scanFlow(q.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1 FOR UPDATE`, flowID))
}

// currentSeq reads the flow's event sequence counter.
func currentSeq(ctx context.Context, q querier, flowID string) (int64, error) {
	var seq int64
	err := q.QueryRow(ctx, `SELECT seq FROM flow_counters WHERE flow_id = $1`, flowID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// commit writes the staged rows through the open SQL transaction.
func (t *tx) commit(ctx context.Context, dbtx pgx.Tx) error {
	for _, a := range t.events.Activations {
		if !t.inserted[a.ID] {
			continue
		}
		if _, err := dbtx.Exec(ctx, `
INSERT INTO node_activations (flow_id, id, node_id, iteration, activated_at)
VALUES ($1, $2, $3, $4, $5)`,
			a.FlowID, a.ID, a.NodeID, a.Iteration, a.ActivatedAt.UTC()); err != nil {
			return fmt.Errorf("commit activation %s: %w", a.ID, err)
		}
	}
	for _, e := range t.events.Executions {
		switch {
		case t.inserted[e.ID]:
			if _, err := dbtx.Exec(ctx, `
INSERT INTO task_executions (flow_id, id, task_id, node_id, iteration, started_at, started_by,
                             outcome, outcome_at, outcome_by, resolved_detour_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				e.FlowID, e.ID, e.TaskID, e.NodeID, e.Iteration, e.StartedAt.UTC(), e.StartedBy,
				e.Outcome, utcPtr(e.OutcomeAt), e.OutcomeBy, e.ResolvedDetourID); err != nil {
				return fmt.Errorf("commit execution %s: %w", e.ID, err)
			}
		case t.stampedIDs[e.ID]:
			if _, err := dbtx.Exec(ctx, `
UPDATE task_executions SET outcome = $3, outcome_at = $4, outcome_by = $5, resolved_detour_id = $6
WHERE flow_id = $1 AND id = $2`,
				e.FlowID, e.ID, e.Outcome, utcPtr(e.OutcomeAt), e.OutcomeBy, e.ResolvedDetourID); err != nil {
				return fmt.Errorf("commit outcome on %s: %w", e.ID, err)
			}
		}
	}
	for _, a := range t.events.Evidence {
		if !t.inserted[a.ID] {
			continue
		}
		if _, err := dbtx.Exec(ctx, `
INSERT INTO evidence_attachments (flow_id, id, task_id, task_execution_id, type, data,
                                  attached_by, attached_at, idempotency_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.FlowID, a.ID, a.TaskID, a.TaskExecutionID, a.Type, []byte(a.Data),
			a.AttachedBy, a.AttachedAt.UTC(), a.IdempotencyKey); err != nil {
			return fmt.Errorf("commit evidence %s: %w", a.ID, err)
		}
	}
	for _, v := range t.events.Validity {
		if !t.inserted[v.ID] {
			continue
		}
		if _, err := dbtx.Exec(ctx, `
INSERT INTO validity_events (flow_id, id, task_execution_id, state, created_at, created_by, reason)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.FlowID, v.ID, v.TaskExecutionID, v.State, v.CreatedAt.UTC(), v.CreatedBy, v.Reason); err != nil {
			return fmt.Errorf("commit validity %s: %w", v.ID, err)
		}
	}
	for _, d := range t.events.Detours {
		switch {
		case t.inserted[d.ID]:
			if _, err := dbtx.Exec(ctx, `
INSERT INTO detours (flow_id, id, checkpoint_node_id, checkpoint_task_execution_id, resume_target_node_id,
                     type, status, repeat_index, category, opened_by, opened_at,
                     escalated_at, escalated_by, resolved_at, converted_at, converted_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
				d.FlowID, d.ID, d.CheckpointNodeID, d.CheckpointTaskExecutionID, d.ResumeTargetNodeID,
				d.Type, d.Status, d.RepeatIndex, d.Category, d.OpenedBy, d.OpenedAt.UTC(),
				utcPtr(d.EscalatedAt), d.EscalatedBy, utcPtr(d.ResolvedAt), utcPtr(d.ConvertedAt), d.ConvertedBy); err != nil {
				return fmt.Errorf("commit detour %s: %w", d.ID, err)
			}
		case t.updatedDets[d.ID]:
			if _, err := dbtx.Exec(ctx, `
UPDATE detours SET type = $3, status = $4, repeat_index = $5, category = $6,
                   escalated_at = $7, escalated_by = $8, resolved_at = $9, converted_at = $10, converted_by = $11
WHERE flow_id = $1 AND id = $2`,
				d.FlowID, d.ID, d.Type, d.Status, d.RepeatIndex, d.Category,
				utcPtr(d.EscalatedAt), d.EscalatedBy, utcPtr(d.ResolvedAt), utcPtr(d.ConvertedAt), d.ConvertedBy); err != nil {
				return fmt.Errorf("commit detour update %s: %w", d.ID, err)
			}
		}
	}
	if t.flowDirty {
		if _, err := dbtx.Exec(ctx, `
UPDATE flows SET status = $2, completed_at = $3 WHERE id = $1`,
			t.flowID, string(t.flow.Status), utcPtr(t.flow.CompletedAt)); err != nil {
			return fmt.Errorf("commit flow status: %w", err)
		}
	}
	if _, err := dbtx.Exec(ctx, `
INSERT INTO flow_counters (flow_id, seq) VALUES ($1, $2)
ON CONFLICT (flow_id) DO UPDATE SET seq = EXCLUDED.seq`,
		t.flowID, t.seq); err != nil {
		return fmt.Errorf("commit sequence: %w", err)
	}
	return nil
}

// nextID assigns zero-padded per-flow event ids so lexicographic order equals
// insertion order.
func (t *tx) nextID(prefix string) string {
	t.seq++
	return fmt.Sprintf("%s-%08d", prefix, t.seq)
}

// Flow implements truth.Tx.
func (t *tx) Flow() (flow.Flow, error) { return t.flow, nil }

// Events implements truth.Tx.
func (t *tx) Events() (truth.EventSet, error) {
	return truth.EventSet{
		Activations: append([]truth.NodeActivation(nil), t.events.Activations...),
		Executions:  append([]truth.TaskExecution(nil), t.events.Executions...),
		Evidence:    append([]truth.EvidenceAttachment(nil), t.events.Evidence...),
		Validity:    append([]truth.ValidityEvent(nil), t.events.Validity...),
		Detours:     append([]truth.DetourRecord(nil), t.events.Detours...),
	}, nil
}

// RecordNodeActivation implements truth.Tx.
func (t *tx) RecordNodeActivation(nodeID string, iteration int, now time.Time) (truth.NodeActivation, error) {
	if nodeID == "" {
		return truth.NodeActivation{}, fmt.Errorf("node id is required")
	}
	if iteration < 1 {
		return truth.NodeActivation{}, fmt.Errorf("iteration must be >= 1")
	}
	a := truth.NodeActivation{
		ID:          t.nextID("act"),
		FlowID:      t.flowID,
		NodeID:      nodeID,
		Iteration:   iteration,
		ActivatedAt: now,
	}
	t.events.Activations = append(t.events.Activations, a)
	t.inserted[a.ID] = true
	return a, nil
}

// RecordTaskStart implements truth.Tx.
func (t *tx) RecordTaskStart(taskID, nodeID string, iteration int, userID string, now time.Time) (truth.TaskExecution, error) {
	if taskID == "" || nodeID == "" {
		return truth.TaskExecution{}, fmt.Errorf("task id and node id are required")
	}
	e := truth.TaskExecution{
		ID:        t.nextID("exec"),
		FlowID:    t.flowID,
		TaskID:    taskID,
		NodeID:    nodeID,
		Iteration: iteration,
		StartedAt: now,
		StartedBy: userID,
	}
	t.events.Executions = append(t.events.Executions, e)
	t.inserted[e.ID] = true
	return e, nil
}

// RecordOutcome implements truth.Tx.
func (t *tx) RecordOutcome(executionID, outcome, userID, resolvedDetourID string, now time.Time) (truth.TaskExecution, error) {
	for i := range t.events.Executions {
		e := &t.events.Executions[i]
		if e.ID != executionID {
			continue
		}
		if e.Outcome != nil {
			return truth.TaskExecution{}, truth.ErrOutcomeAlreadyRecorded
		}
		o := outcome
		at := now
		e.Outcome = &o
		e.OutcomeAt = &at
		e.OutcomeBy = userID
		e.ResolvedDetourID = resolvedDetourID
		if !t.inserted[e.ID] {
			t.stampedIDs[e.ID] = true
		}
		return *e, nil
	}
	return truth.TaskExecution{}, truth.ErrExecutionNotFound
}

// AttachEvidence implements truth.Tx.
func (t *tx) AttachEvidence(att truth.EvidenceAttachment, now time.Time) (truth.EvidenceAttachment, error) {
	if att.TaskID == "" {
		return truth.EvidenceAttachment{}, fmt.Errorf("task id is required")
	}
	if att.IdempotencyKey != "" {
		for _, prior := range t.events.Evidence {
			if prior.IdempotencyKey == att.IdempotencyKey {
				return prior, nil
			}
		}
	}
	att.ID = t.nextID("evi")
	att.FlowID = t.flowID
	att.AttachedAt = now
	t.events.Evidence = append(t.events.Evidence, att)
	t.inserted[att.ID] = true
	return att, nil
}

// AppendValidity implements truth.Tx.
func (t *tx) AppendValidity(executionID string, state truth.ValidityState, userID, reason string, now time.Time) (truth.ValidityEvent, error) {
	if t.events.ExecutionByID(executionID) == nil {
		return truth.ValidityEvent{}, truth.ErrExecutionNotFound
	}
	v := truth.ValidityEvent{
		ID:              t.nextID("val"),
		FlowID:          t.flowID,
		TaskExecutionID: executionID,
		State:           state,
		CreatedAt:       now,
		CreatedBy:       userID,
		Reason:          reason,
	}
	t.events.Validity = append(t.events.Validity, v)
	t.inserted[v.ID] = true
	return v, nil
}

// InsertDetour implements truth.Tx.
func (t *tx) InsertDetour(rec truth.DetourRecord) (truth.DetourRecord, error) {
	if rec.ID == "" {
		rec.ID = t.nextID("det")
	}
	rec.FlowID = t.flowID
	t.events.Detours = append(t.events.Detours, rec)
	t.inserted[rec.ID] = true
	return rec, nil
}

// UpdateDetour implements truth.Tx.
func (t *tx) UpdateDetour(rec truth.DetourRecord) error {
	for i := range t.events.Detours {
		if t.events.Detours[i].ID == rec.ID {
			t.events.Detours[i] = rec
			if !t.inserted[rec.ID] {
				t.updatedDets[rec.ID] = true
			}
			return nil
		}
	}
	return truth.ErrDetourNotFound
}

// SetFlowStatus implements truth.Tx.
func (t *tx) SetFlowStatus(status flow.Status, now time.Time) error {
	t.flow.Status = status
	if status == flow.StatusCompleted && t.flow.CompletedAt == nil {
		at := now
		t.flow.CompletedAt = &at
	}
	t.flowDirty = true
	return nil
}
