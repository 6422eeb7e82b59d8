package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowspec/flowspec/engine/evidence"
	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/truth"
)

func newFlow(t *testing.T, s *Store, id string) flow.Flow {
	t.Helper()
	ctx := context.Background()
	g, err := s.EnsureGroup(ctx, "acme", "deal", "d-"+id, time.Now())
	require.NoError(t, err)
	f := flow.Flow{
		ID:                id,
		WorkflowID:        "wf-1",
		WorkflowVersionID: "wfv-1",
		GroupID:           g.ID,
		CompanyID:         "acme",
		Status:            flow.StatusActive,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, s.InsertFlow(ctx, f))
	return f
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	g1, err := s.EnsureGroup(ctx, "acme", "deal", "d1", time.Now())
	require.NoError(t, err)
	g2, err := s.EnsureGroup(ctx, "acme", "deal", "d1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, g1.ID, g2.ID)

	g3, err := s.EnsureGroup(ctx, "acme", "deal", "d2", time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, g1.ID, g3.ID)
}

func TestOutcomeImmutable(t *testing.T) {
	s := New()
	f := newFlow(t, s, "f1")
	ctx := context.Background()
	now := time.Now()

	var execID string
	err := s.WithinFlow(ctx, f.ID, func(tx truth.Tx) error {
		if _, err := tx.RecordNodeActivation("n1", 1, now); err != nil {
			return err
		}
		e, err := tx.RecordTaskStart("t1", "n1", 1, "u1", now)
		if err != nil {
			return err
		}
		execID = e.ID
		_, err = tx.RecordOutcome(e.ID, "DONE", "u1", "", now)
		return err
	})
	require.NoError(t, err)

	err = s.WithinFlow(ctx, f.ID, func(tx truth.Tx) error {
		_, err := tx.RecordOutcome(execID, "OTHER", "u2", "", now.Add(time.Minute))
		return err
	})
	require.ErrorIs(t, err, truth.ErrOutcomeAlreadyRecorded)

	set, err := s.EventsForFlow(ctx, f.ID)
	require.NoError(t, err)
	exec := set.ExecutionByID(execID)
	require.NotNil(t, exec)
	require.NotNil(t, exec.Outcome)
	assert.Equal(t, "DONE", *exec.Outcome)
	assert.Equal(t, "u1", exec.OutcomeBy)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	s := New()
	f := newFlow(t, s, "f1")
	ctx := context.Background()

	boom := fmt.Errorf("boom")
	err := s.WithinFlow(ctx, f.ID, func(tx truth.Tx) error {
		if _, err := tx.RecordNodeActivation("n1", 1, time.Now()); err != nil {
			return err
		}
		if err := tx.SetFlowStatus(flow.StatusBlocked, time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	set, err := s.EventsForFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, set.Activations)

	got, err := s.FlowByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, flow.StatusActive, got.Status)
}

func TestTxReadsItsOwnWrites(t *testing.T) {
	s := New()
	f := newFlow(t, s, "f1")

	err := s.WithinFlow(context.Background(), f.ID, func(tx truth.Tx) error {
		if _, err := tx.RecordNodeActivation("n1", 1, time.Now()); err != nil {
			return err
		}
		set, err := tx.Events()
		if err != nil {
			return err
		}
		require.Len(t, set.Activations, 1)
		require.NotNil(t, set.LatestActivation("n1"))
		return nil
	})
	require.NoError(t, err)
}

func TestEvidenceIdempotencyKey(t *testing.T) {
	s := New()
	f := newFlow(t, s, "f1")
	now := time.Now()

	var first, second truth.EvidenceAttachment
	err := s.WithinFlow(context.Background(), f.ID, func(tx truth.Tx) error {
		att := truth.EvidenceAttachment{
			TaskID:         "t1",
			Type:           evidence.TypeText,
			Data:           json.RawMessage(`{"content":"hello"}`),
			AttachedBy:     "u1",
			IdempotencyKey: "key-1",
		}
		var err error
		if first, err = tx.AttachEvidence(att, now); err != nil {
			return err
		}
		second, err = tx.AttachEvidence(att, now.Add(time.Hour))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	set, err := s.EventsForFlow(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Len(t, set.Evidence, 1)
}

func TestEventIDsOrderWithInsertion(t *testing.T) {
	s := New()
	f := newFlow(t, s, "f1")
	now := time.Now()

	err := s.WithinFlow(context.Background(), f.ID, func(tx truth.Tx) error {
		for i := 1; i <= 3; i++ {
			if _, err := tx.RecordNodeActivation("n1", i, now); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	set, err := s.EventsForFlow(context.Background(), f.ID)
	require.NoError(t, err)
	require.Len(t, set.Activations, 3)
	assert.Less(t, set.Activations[0].ID, set.Activations[1].ID)
	assert.Less(t, set.Activations[1].ID, set.Activations[2].ID)
}

func TestGroupOutcomesProjectsStampedExecutions(t *testing.T) {
	s := New()
	ctx := context.Background()
	g, err := s.EnsureGroup(ctx, "acme", "deal", "d1", time.Now())
	require.NoError(t, err)

	for i, wf := range []string{"wf-a", "wf-b"} {
		f := flow.Flow{
			ID:                fmt.Sprintf("f%d", i+1),
			WorkflowID:        wf,
			WorkflowVersionID: wf + "-v1",
			GroupID:           g.ID,
			CompanyID:         "acme",
			Status:            flow.StatusActive,
			CreatedAt:         time.Now(),
		}
		require.NoError(t, s.InsertFlow(ctx, f))
		require.NoError(t, s.WithinFlow(ctx, f.ID, func(tx truth.Tx) error {
			e, err := tx.RecordTaskStart("t-"+wf, "n1", 1, "u1", time.Now())
			if err != nil {
				return err
			}
			_, err = tx.RecordOutcome(e.ID, "DONE", "u1", "", time.Now())
			return err
		}))
	}

	outcomes, err := s.GroupOutcomes(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, "wf-a", outcomes[0].WorkflowID)
	assert.Equal(t, "t-wf-a", outcomes[0].TaskID)
	assert.Equal(t, "DONE", outcomes[0].Outcome)
}

func TestEnsureJobReturnsExisting(t *testing.T) {
	s := New()
	ctx := context.Background()
	g, err := s.EnsureGroup(ctx, "acme", "deal", "d1", time.Now())
	require.NoError(t, err)

	j1, err := s.EnsureJob(ctx, g.ID, "cust-1", time.Now())
	require.NoError(t, err)
	j2, err := s.EnsureJob(ctx, g.ID, "cust-2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, j1.ID, j2.ID)
	assert.Equal(t, "cust-1", j2.CustomerID)
}

func TestWithinFlowSerializesPerFlow(t *testing.T) {
	s := New()
	f := newFlow(t, s, "f1")
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinFlow(ctx, f.ID, func(tx truth.Tx) error {
				set, err := tx.Events()
				if err != nil {
					return err
				}
				_, err = tx.RecordNodeActivation("n1", len(set.Activations)+1, time.Now())
				return err
			})
		}()
	}
	wg.Wait()

	set, err := s.EventsForFlow(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, set.Activations, writers)
	latest := set.LatestActivation("n1")
	require.NotNil(t, latest)
	assert.Equal(t, writers, latest.Iteration)
}

func TestWithinFlowHonoursCancellation(t *testing.T) {
	s := New()
	f := newFlow(t, s, "f1")

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.WithinFlow(context.Background(), f.ID, func(tx truth.Tx) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithinFlow(ctx, f.ID, func(tx truth.Tx) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
