// Package inmem provides an in-memory implementation of truth.Store.
//
// The in-memory store is intended for tests, demos, and embedding. It is not
// durable and should not be used in production. It honours the contract's
// concurrency model: writes within one flow are serialized by an exclusive
// per-flow lock, writes across flows proceed in parallel, and a transaction's
// writes become visible to other readers only at commit.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/truth"
)

type (
	// Store implements truth.Store in memory.
	Store struct {
		mu sync.Mutex
		// groups by id and by (companyId, scopeType, scopeId).
		groups       map[string]flow.Group
		groupByScope map[scopeKey]string
		groupSeq     int64
		// flows by id.
		flows map[string]flow.Flow
		// jobs by group id.
		jobs   map[string]flow.Job
		jobSeq int64
		// per-flow truth and event sequence.
		events map[string]*truth.EventSet
		seq    map[string]int64
		// fan-out failures by flow id.
		failures map[string][]truth.FanOutFailure
		failSeq  int64
		// per-flow exclusive locks, acquired with context support.
		locks map[string]chan struct{}
	}

	scopeKey struct {
		companyID string
		scopeType string
		scopeID   string
	}

	// tx stages writes against copies of the flow row and event set. Commit
	// swaps the staged state into the store; any error discards it.
	tx struct {
		store  *Store
		flowID string
		flow   flow.Flow
		events truth.EventSet
		seq    int64
	}
)

// Compile-time check that Store implements truth.Store.
var _ truth.Store = (*Store)(nil)

// New returns a new in-memory truth store.
func New() *Store {
	return &Store{
		groups:       make(map[string]flow.Group),
		groupByScope: make(map[scopeKey]string),
		flows:        make(map[string]flow.Flow),
		jobs:         make(map[string]flow.Job),
		events:       make(map[string]*truth.EventSet),
		seq:          make(map[string]int64),
		failures:     make(map[string][]truth.FanOutFailure),
		locks:        make(map[string]chan struct{}),
	}
}

// EnsureGroup implements truth.Store.
func (s *Store) EnsureGroup(_ context.Context, companyID, scopeType, scopeID string, now time.Time) (flow.Group, error) {
	if companyID == "" || scopeType == "" || scopeID == "" {
		return flow.Group{}, fmt.Errorf("company id, scope type and scope id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := scopeKey{companyID: companyID, scopeType: scopeType, scopeID: scopeID}
	if id, ok := s.groupByScope[key]; ok {
		return s.groups[id], nil
	}
	s.groupSeq++
	g := flow.Group{
		ID:        fmt.Sprintf("grp-%06d", s.groupSeq),
		CompanyID: companyID,
		ScopeType: scopeType,
		ScopeID:   scopeID,
		CreatedAt: now,
	}
	s.groups[g.ID] = g
	s.groupByScope[key] = g.ID
	return g, nil
}

// GroupByID implements truth.Store.
func (s *Store) GroupByID(_ context.Context, groupID string) (flow.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return flow.Group{}, truth.ErrGroupNotFound
	}
	return g, nil
}

// InsertFlow implements truth.Store.
func (s *Store) InsertFlow(_ context.Context, f flow.Flow) error {
	if f.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; ok {
		return fmt.Errorf("flow %q already exists", f.ID)
	}
	s.flows[f.ID] = f
	s.events[f.ID] = &truth.EventSet{}
	return nil
}

// FlowByID implements truth.Store.
func (s *Store) FlowByID(_ context.Context, flowID string) (flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return flow.Flow{}, truth.ErrFlowNotFound
	}
	return f, nil
}

// FlowsByGroup implements truth.Store.
func (s *Store) FlowsByGroup(_ context.Context, groupID string) ([]flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.Flow
	for _, f := range s.flows {
		if f.GroupID == groupID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FlowsByWorkflow implements truth.Store.
func (s *Store) FlowsByWorkflow(_ context.Context, workflowID string) ([]flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.Flow
	for _, f := range s.flows {
		if f.WorkflowID == workflowID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateFlowStatus implements truth.Store.
func (s *Store) UpdateFlowStatus(_ context.Context, flowID string, status flow.Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[flowID]
	if !ok {
		return truth.ErrFlowNotFound
	}
	f.Status = status
	if status == flow.StatusCompleted && f.CompletedAt == nil {
		t := now
		f.CompletedAt = &t
	}
	s.flows[flowID] = f
	return nil
}

// EventsForFlow implements truth.Store.
func (s *Store) EventsForFlow(_ context.Context, flowID string) (truth.EventSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.events[flowID]
	if !ok {
		return truth.EventSet{}, truth.ErrFlowNotFound
	}
	return copySet(*set), nil
}

// GroupOutcomes implements truth.Store.
func (s *Store) GroupOutcomes(_ context.Context, groupID string) ([]truth.GroupOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []truth.GroupOutcome
	for _, f := range s.flows {
		if f.GroupID != groupID {
			continue
		}
		set := s.events[f.ID]
		if set == nil {
			continue
		}
		for _, e := range set.Executions {
			if e.Outcome == nil {
				continue
			}
			out = append(out, truth.GroupOutcome{
				FlowID:     f.ID,
				WorkflowID: f.WorkflowID,
				TaskID:     e.TaskID,
				Outcome:    *e.Outcome,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowID != out[j].FlowID {
			return out[i].FlowID < out[j].FlowID
		}
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

// EnsureJob implements truth.Store.
func (s *Store) EnsureJob(_ context.Context, groupID, customerID string, now time.Time) (flow.Job, error) {
	if groupID == "" {
		return flow.Job{}, fmt.Errorf("group id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[groupID]; ok {
		return j, nil
	}
	s.jobSeq++
	j := flow.Job{
		ID:         fmt.Sprintf("job-%06d", s.jobSeq),
		GroupID:    groupID,
		CustomerID: customerID,
		CreatedAt:  now,
	}
	s.jobs[groupID] = j
	return j, nil
}

// InsertFanOutFailure implements truth.Store.
func (s *Store) InsertFanOutFailure(_ context.Context, rec truth.FanOutFailure) (truth.FanOutFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSeq++
	rec.ID = fmt.Sprintf("fof-%06d", s.failSeq)
	s.failures[rec.FlowID] = append(s.failures[rec.FlowID], rec)
	return rec, nil
}

// FanOutFailures implements truth.Store.
func (s *Store) FanOutFailures(_ context.Context, flowID string) ([]truth.FanOutFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]truth.FanOutFailure(nil), s.failures[flowID]...), nil
}

// WithinFlow implements truth.Store. The per-flow lock is acquired with
// context support so a cancelled caller gets a clean, retriable error instead
// of blocking.
func (s *Store) WithinFlow(ctx context.Context, flowID string, fn func(tx truth.Tx) error) error {
	lock, err := s.flowLock(flowID)
	if err != nil {
		return err
	}
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire flow lock: %w", ctx.Err())
	}
	defer func() { <-lock }()

	s.mu.Lock()
	f, ok := s.flows[flowID]
	if !ok {
		s.mu.Unlock()
		return truth.ErrFlowNotFound
	}
	staged := &tx{
		store:  s,
		flowID: flowID,
		flow:   f,
		events: copySet(*s.events[flowID]),
		seq:    s.seq[flowID],
	}
	s.mu.Unlock()

	if err := fn(staged); err != nil {
		return err
	}

	s.mu.Lock()
	s.flows[flowID] = staged.flow
	set := staged.events
	s.events[flowID] = &set
	s.seq[flowID] = staged.seq
	s.mu.Unlock()
	return nil
}

func (s *Store) flowLock(flowID string) (chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[flowID]; !ok {
		return nil, truth.ErrFlowNotFound
	}
	lock, ok := s.locks[flowID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[flowID] = lock
	}
	return lock, nil
}

// nextID assigns zero-padded per-flow event ids so lexicographic order equals
// insertion order, which derived-state tiebreaks rely on.
func (t *tx) nextID(prefix string) string {
	t.seq++
	return fmt.Sprintf("%s-%08d", prefix, t.seq)
}

// Flow implements truth.Tx.
func (t *tx) Flow() (flow.Flow, error) { return t.flow, nil }

// Events implements truth.Tx.
func (t *tx) Events() (truth.EventSet, error) { return copySet(t.events), nil }

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
	return v, nil
}

// InsertDetour implements truth.Tx.
func (t *tx) InsertDetour(rec truth.DetourRecord) (truth.DetourRecord, error) {
	if rec.ID == "" {
		rec.ID = t.nextID("det")
	}
	rec.FlowID = t.flowID
	t.events.Detours = append(t.events.Detours, rec)
	return rec, nil
}

// UpdateDetour implements truth.Tx.
func (t *tx) UpdateDetour(rec truth.DetourRecord) error {
	for i := range t.events.Detours {
		if t.events.Detours[i].ID == rec.ID {
			t.events.Detours[i] = rec
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
	return nil
}

// copySet deep copies an event set so staged writes never alias committed
// state.
func copySet(set truth.EventSet) truth.EventSet {
	return truth.EventSet{
		Activations: append([]truth.NodeActivation(nil), set.Activations...),
		Executions:  append([]truth.TaskExecution(nil), set.Executions...),
		Evidence:    append([]truth.EvidenceAttachment(nil), set.Evidence...),
		Validity:    append([]truth.ValidityEvent(nil), set.Validity...),
		Detours:     append([]truth.DetourRecord(nil), set.Detours...),
	}
}
