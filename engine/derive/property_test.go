package derive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/flowspec/flowspec/engine/snapshot"
	"github.com/flowspec/flowspec/engine/truth"
)

// propSnapshot is a three-node chain with two tasks on the entry node, enough
// surface to exercise every actionability condition.
func propSnapshot(t interface{ Fatalf(string, ...any) }) *snapshot.Workflow {
	w := &snapshot.Workflow{
		ID: "wf-prop",
		Nodes: []snapshot.Node{
			{ID: "n1", IsEntry: true, CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: "t1", DisplayOrder: 1, Outcomes: []snapshot.Outcome{{ID: "o1", Name: "DONE"}}},
				{ID: "t2", DisplayOrder: 2, Outcomes: []snapshot.Outcome{{ID: "o2", Name: "DONE"}}},
			}},
			{ID: "n2", CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: "t3", DisplayOrder: 1, Outcomes: []snapshot.Outcome{{ID: "o3", Name: "OK"}}},
			}},
			{ID: "n3", CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: "t4", DisplayOrder: 1, Outcomes: []snapshot.Outcome{{ID: "o4", Name: "OK"}}},
			}},
		},
		Gates: []snapshot.Gate{
			{ID: "g1", SourceNodeID: "n1", OutcomeName: "DONE", TargetNodeID: strptr("n2")},
			{ID: "g2", SourceNodeID: "n2", OutcomeName: "OK", TargetNodeID: strptr("n3")},
			{ID: "g3", SourceNodeID: "n3", OutcomeName: "OK", TargetNodeID: nil},
		},
	}
	snap, err := snapshot.Build(w)
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return snap
}

// randomEvents derives a pseudo-random but reproducible event set from seed.
// Events reference only ids that exist in propSnapshot.
func randomEvents(seed int64) truth.EventSet {
	rng := rand.New(rand.NewSource(seed))
	var set truth.EventSet
	seq := 0
	nextID := func(prefix string) string {
		seq++
		return fmt.Sprintf("%s-%08d", prefix, seq)
	}
	at := func() time.Time { return base.Add(time.Duration(rng.Intn(600)) * time.Second) }

	nodes := []string{"n1", "n2", "n3"}
	tasks := [][2]string{{"t1", "n1"}, {"t2", "n1"}, {"t3", "n2"}, {"t4", "n3"}}
	outcomes := map[string]string{"t1": "DONE", "t2": "DONE", "t3": "OK", "t4": "OK"}

	for _, n := range nodes {
		iters := rng.Intn(3) // 0..2 activations
		for i := 1; i <= iters; i++ {
			set.Activations = append(set.Activations, truth.NodeActivation{
				ID: nextID("act"), FlowID: "f1", NodeID: n, Iteration: i, ActivatedAt: at(),
			})
		}
	}
	for _, pair := range tasks {
		taskID, nodeID := pair[0], pair[1]
		if a := set.LatestActivation(nodeID); a != nil && rng.Intn(2) == 0 {
			e := truth.TaskExecution{
				ID: nextID("exec"), FlowID: "f1", TaskID: taskID, NodeID: nodeID,
				Iteration: a.Iteration, StartedAt: at(), StartedBy: "u1",
			}
			if rng.Intn(3) > 0 { // usually stamped
				o := outcomes[taskID]
				oa := e.StartedAt.Add(time.Minute)
				e.Outcome = &o
				e.OutcomeAt = &oa
				e.OutcomeBy = "u1"
			}
			set.Executions = append(set.Executions, e)
			if rng.Intn(4) == 0 {
				states := []truth.ValidityState{truth.ValidityValid, truth.ValidityProvisional, truth.ValidityInvalid}
				set.Validity = append(set.Validity, truth.ValidityEvent{
					ID: nextID("val"), FlowID: "f1", TaskExecutionID: e.ID,
					State: states[rng.Intn(len(states))], CreatedAt: at(), CreatedBy: "u1",
				})
			}
		}
	}
	// Sometimes open a detour against a stamped execution.
	if rng.Intn(3) == 0 {
		for _, e := range set.Executions {
			if e.Outcome == nil {
				continue
			}
			typ := truth.DetourNonBlocking
			if rng.Intn(2) == 0 {
				typ = truth.DetourBlocking
			}
			set.Detours = append(set.Detours, truth.DetourRecord{
				ID: nextID("det"), FlowID: "f1",
				CheckpointNodeID: e.NodeID, CheckpointTaskExecutionID: e.ID,
				ResumeTargetNodeID: "n2", Type: typ, Status: truth.DetourActive,
				OpenedBy: "u1", OpenedAt: at(),
			})
			break
		}
	}
	return set
}

// shuffleSet returns the same truth with every slice in a different order.
// Derived state must not depend on storage order.
func shuffleSet(set truth.EventSet, seed int64) truth.EventSet {
	rng := rand.New(rand.NewSource(seed))
	out := truth.EventSet{
		Activations: append([]truth.NodeActivation(nil), set.Activations...),
		Executions:  append([]truth.TaskExecution(nil), set.Executions...),
		Evidence:    append([]truth.EvidenceAttachment(nil), set.Evidence...),
		Validity:    append([]truth.ValidityEvent(nil), set.Validity...),
		Detours:     append([]truth.DetourRecord(nil), set.Detours...),
	}
	rng.Shuffle(len(out.Activations), func(i, j int) { out.Activations[i], out.Activations[j] = out.Activations[j], out.Activations[i] })
	rng.Shuffle(len(out.Executions), func(i, j int) { out.Executions[i], out.Executions[j] = out.Executions[j], out.Executions[i] })
	rng.Shuffle(len(out.Validity), func(i, j int) { out.Validity[i], out.Validity[j] = out.Validity[j], out.Validity[i] })
	return out
}

// TestActionableTasksDeterministic verifies that identical (snapshot, truth)
// inputs produce byte-identical canonical actionable lists regardless of the
// order events are stored in.
func TestActionableTasksDeterministic(t *testing.T) {
	snap := propSnapshot(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("canonical output is order independent", prop.ForAll(
		func(seed int64, shuffleSeed int64) bool {
			set := randomEvents(seed)
			a := NewView(snap, set, nil).ActionableTasks("f1")
			b := NewView(snap, shuffleSet(set, shuffleSeed), nil).ActionableTasks("f1")
			aj, err := json.Marshal(a)
			if err != nil {
				return false
			}
			bj, err := json.Marshal(b)
			if err != nil {
				return false
			}
			return bytes.Equal(aj, bj)
		},
		gen.Int64(),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestExplainerCoverage verifies that every task the predicate refuses yields
// a reason code: the explainer never falls through to the coverage gap for
// states the engine can reach.
func TestExplainerCoverage(t *testing.T) {
	snap := propSnapshot(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("refused tasks always have a reason", prop.ForAll(
		func(seed int64) bool {
			set := randomEvents(seed)
			v := NewView(snap, set, nil)
			for _, taskID := range []string{"t1", "t2", "t3", "t4"} {
				if v.TaskActionable(taskID) {
					continue
				}
				code, err := v.Explain(taskID)
				if err != nil || code == "" {
					return false
				}
			}
			return true
		},
		gen.Int64(),
	))

	properties.TestingRun(t)
}

// TestExplainGapIsLoud pins the bug-surface contract: explaining an
// actionable task is a coverage gap, not a user message.
func TestExplainGapIsLoud(t *testing.T) {
	snap := propSnapshot(t)
	set := truth.EventSet{Activations: []truth.NodeActivation{
		{ID: "act-1", FlowID: "f1", NodeID: "n1", Iteration: 1, ActivatedAt: base},
	}}
	v := NewView(snap, set, nil)
	_, err := v.Explain("t1")
	require.True(t, errors.Is(err, ErrExplainGap))
}
