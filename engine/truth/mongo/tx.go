package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/truth"
)

// tx stages writes against copies of the flow row and event set, mirroring
// the in-memory store's transaction shape. New rows and stamped updates are
// tracked separately so commit knows which documents to insert and which to
// replace.
type tx struct {
	store  *Store
	flowID string
	flow   flow.Flow
	events truth.EventSet
	seq    int64

	flowDirty   bool
	inserted    map[string]bool
	stampedIDs  map[string]bool
	updatedDets map[string]bool
}

// WithinFlow implements truth.Store. The per-flow lease lock serializes
// writers; staged writes apply only after fn returns nil. Commit applies
// collections in append order while holding the lock, so a reader never sees
// a validity event before its execution.
func (s *Store) WithinFlow(ctx context.Context, flowID string, fn func(tx truth.Tx) error) error {
	if err := s.acquireLock(ctx, flowID); err != nil {
		return err
	}
	defer s.releaseLock(flowID)

	loadCtx, cancel := s.withTimeout(ctx)
	f, err := s.flowByID(loadCtx, flowID)
	if err != nil {
		cancel()
		return err
	}
	events, err := s.loadEvents(loadCtx, flowID)
	if err != nil {
		cancel()
		return err
	}
	seq, err := s.currentSeq(loadCtx, flowID)
	cancel()
	if err != nil {
		return err
	}

	staged := &tx{
		store:       s,
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
	return s.commit(ctx, staged)
}

// acquireLock takes the flow's lease lock, stealing expired leases and
// retrying until the context is done.
func (s *Store) acquireLock(ctx context.Context, flowID string) error {
	locks := s.db.Collection(collLocks)
	for {
		now := time.Now().UTC()
		opCtx, cancel := s.withTimeout(ctx)
		_, err := locks.UpdateOne(opCtx,
			bson.M{
				"_id": flowID,
				"$or": bson.A{
					bson.M{"expires_at": bson.M{"$lte": now}},
					bson.M{"expires_at": bson.M{"$exists": false}},
				},
			},
			bson.M{"$set": bson.M{
				"owner":      s.owner,
				"expires_at": now.Add(s.lockLease),
			}},
			options.Update().SetUpsert(true))
		cancel()
		if err == nil {
			return nil
		}
		if !mongodriver.IsDuplicateKeyError(err) {
			return fmt.Errorf("acquire flow lock: %w", err)
		}
		// Held by a live owner.
		select {
		case <-time.After(lockRetryDelay):
		case <-ctx.Done():
			return fmt.Errorf("acquire flow lock: %w", ctx.Err())
		}
	}
}

func (s *Store) releaseLock(flowID string) {
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	_, _ = s.db.Collection(collLocks).DeleteOne(ctx, bson.M{"_id": flowID, "owner": s.owner})
}

// currentSeq reads the flow's event sequence counter.
func (s *Store) currentSeq(ctx context.Context, flowID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(collCounters).FindOne(ctx, bson.M{"_id": flowID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

// commit applies the staged writes. The per-flow lock is still held, so the
// only failure mode is infrastructure loss mid-apply; the append order keeps
// partially applied truth readable.
func (s *Store) commit(ctx context.Context, t *tx) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, a := range t.events.Activations {
		if !t.inserted[a.ID] {
			continue
		}
		if _, err := s.db.Collection(collActivations).InsertOne(ctx, fromActivation(a)); err != nil {
			return fmt.Errorf("commit activation %s: %w", a.ID, err)
		}
	}
	for _, e := range t.events.Executions {
		switch {
		case t.inserted[e.ID]:
			if _, err := s.db.Collection(collExecutions).InsertOne(ctx, fromExecution(e)); err != nil {
				return fmt.Errorf("commit execution %s: %w", e.ID, err)
			}
		case t.stampedIDs[e.ID]:
			if _, err := s.db.Collection(collExecutions).ReplaceOne(ctx,
				bson.M{"_id": e.ID}, fromExecution(e)); err != nil {
				return fmt.Errorf("commit outcome on %s: %w", e.ID, err)
			}
		}
	}
	for _, a := range t.events.Evidence {
		if !t.inserted[a.ID] {
			continue
		}
		if _, err := s.db.Collection(collEvidence).InsertOne(ctx, fromAttachment(a)); err != nil {
			return fmt.Errorf("commit evidence %s: %w", a.ID, err)
		}
	}
	for _, v := range t.events.Validity {
		if !t.inserted[v.ID] {
			continue
		}
		if _, err := s.db.Collection(collValidity).InsertOne(ctx, fromValidity(v)); err != nil {
			return fmt.Errorf("commit validity %s: %w", v.ID, err)
		}
	}
	for _, d := range t.events.Detours {
		switch {
		case t.inserted[d.ID]:
			if _, err := s.db.Collection(collDetours).InsertOne(ctx, fromDetour(d)); err != nil {
				return fmt.Errorf("commit detour %s: %w", d.ID, err)
			}
		case t.updatedDets[d.ID]:
			if _, err := s.db.Collection(collDetours).ReplaceOne(ctx,
				bson.M{"_id": d.ID}, fromDetour(d)); err != nil {
				return fmt.Errorf("commit detour update %s: %w", d.ID, err)
			}
		}
	}
	if t.flowDirty {
		if _, err := s.db.Collection(collFlows).ReplaceOne(ctx,
			bson.M{"_id": t.flowID}, fromFlow(t.flow)); err != nil {
			return fmt.Errorf("commit flow status: %w", err)
		}
	}
	if _, err := s.db.Collection(collCounters).UpdateOne(ctx,
		bson.M{"_id": t.flowID},
		bson.M{"$set": bson.M{"seq": t.seq}},
		options.Update().SetUpsert(true)); err != nil {
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
