package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/snapshot"
)

type stubFlowLister struct {
	flows []flow.Flow
}

func (s *stubFlowLister) FlowsByWorkflow(_ context.Context, _ string) ([]flow.Flow, error) {
	return s.flows, nil
}

func publishThenEdit(t *testing.T, store Store, edit func(*Definition)) *Service {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutDefinition(ctx, validDefinition("wf-1")))
	svc, err := NewService(store, WithClock(testClock))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "wf-1", "user-1")
	require.NoError(t, err)

	def, err := store.Definition(ctx, "wf-1")
	require.NoError(t, err)
	edit(def)
	require.NoError(t, store.PutDefinition(ctx, def))
	return svc
}

func findFinding(t *testing.T, report ImpactReport, msgSub string) Finding {
	t.Helper()
	for _, f := range report.Findings {
		if strings.Contains(f.Message, msgSub) {
			return f
		}
	}
	t.Fatalf("no finding containing %q in %v", msgSub, report.Findings)
	return Finding{}
}

func TestImpactNeverPublished(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.PutDefinition(ctx, validDefinition("wf-1")))
	svc, err := NewService(store)
	require.NoError(t, err)

	report, err := svc.AnalyzeImpact(ctx, "wf-1")
	require.NoError(t, err)
	assert.Zero(t, report.BaseVersion)
	assert.Empty(t, report.Findings)
}

func TestImpactNodeDeleted(t *testing.T) {
	store := newMemStore()
	svc := publishThenEdit(t, store, func(def *Definition) {
		def.Nodes = def.Nodes[:1]
		def.Gates = def.Gates[:2]
	})

	report, err := svc.AnalyzeImpact(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.BaseVersion)
	f := findFinding(t, report, "node deleted")
	assert.Equal(t, SeverityWarning, f.Severity)
	assert.Equal(t, "n2", f.Path)
}

func TestImpactBreakingWithActiveFlows(t *testing.T) {
	store := newMemStore()
	lister := &stubFlowLister{flows: []flow.Flow{
		{ID: "flw-1", WorkflowID: "wf-1", Status: flow.StatusActive},
		{ID: "flw-2", WorkflowID: "wf-1", Status: flow.StatusCompleted},
	}}

	ctx := context.Background()
	require.NoError(t, store.PutDefinition(ctx, validDefinition("wf-1")))
	svc, err := NewService(store, WithFlowLister(lister))
	require.NoError(t, err)
	_, err = svc.Publish(ctx, "wf-1", "user-1")
	require.NoError(t, err)

	def, err := store.Definition(ctx, "wf-1")
	require.NoError(t, err)
	def.Nodes = def.Nodes[:1]
	def.Gates = def.Gates[:2]
	require.NoError(t, store.PutDefinition(ctx, def))

	report, err := svc.AnalyzeImpact(ctx, "wf-1")
	require.NoError(t, err)
	f := findFinding(t, report, "node deleted")
	assert.Equal(t, SeverityBreaking, f.Severity)
	assert.Equal(t, 1, f.ActiveFlows, "only ACTIVE flows count")
}

func TestImpactOutcomeRenameDetectedByID(t *testing.T) {
	store := newMemStore()
	svc := publishThenEdit(t, store, func(def *Definition) {
		// Same outcome id, new name: a rename, not a removal.
		def.Nodes[0].Tasks[0].Outcomes[0].Name = "ACCEPTED"
		def.Gates[0].OutcomeName = "ACCEPTED"
	})

	report, err := svc.AnalyzeImpact(context.Background(), "wf-1")
	require.NoError(t, err)
	f := findFinding(t, report, "renamed")
	assert.Contains(t, f.Message, `"APPROVED"`)
	assert.Contains(t, f.Message, `"ACCEPTED"`)
}

func TestImpactOutcomeRemoved(t *testing.T) {
	store := newMemStore()
	svc := publishThenEdit(t, store, func(def *Definition) {
		def.Nodes[0].Tasks[0].Outcomes = def.Nodes[0].Tasks[0].Outcomes[:1]
		def.Gates = def.Gates[:1]
	})

	report, err := svc.AnalyzeImpact(context.Background(), "wf-1")
	require.NoError(t, err)
	f := findFinding(t, report, "removed")
	assert.Contains(t, f.Message, `"REJECTED"`)
}

func TestImpactGateRetargeted(t *testing.T) {
	store := newMemStore()
	svc := publishThenEdit(t, store, func(def *Definition) {
		// REJECTED was terminal; point it back to n1.
		back := "n1"
		def.Gates[1].TargetNodeID = &back
	})

	report, err := svc.AnalyzeImpact(context.Background(), "wf-1")
	require.NoError(t, err)
	f := findFinding(t, report, "retargeted")
	assert.Equal(t, SeverityWarning, f.Severity)
	assert.Contains(t, f.Message, "terminal")
}

func TestImpactCrossFlowDependents(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	// wf-dep depends on wf-1's review task.
	dep := validDefinition("wf-dep")
	dep.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
		{SourceWorkflowID: "wf-1", SourceTaskPath: "n1.wf-1-t1", RequiredOutcome: "APPROVED"},
	}
	require.NoError(t, store.PutDefinition(ctx, dep))

	svc := publishThenEdit(t, store, func(def *Definition) {
		// Delete the depended-on task.
		def.Nodes[0].Tasks = nil
		def.Gates = def.Gates[2:]
	})

	report, err := svc.AnalyzeImpact(ctx, "wf-1")
	require.NoError(t, err)
	f := findFinding(t, report, "task deleted")
	assert.Equal(t, SeverityBreaking, f.Severity)
	assert.Equal(t, []string{"wf-dep"}, f.DependentWorkflows)
}
