package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strptr(s string) *string { return &s }

func testWorkflow() *Workflow {
	return &Workflow{
		ID:      "wf-1",
		Name:    "test",
		Version: 1,
		Nodes: []Node{
			{ID: "n1", Name: "one", IsEntry: true, CompletionRule: AllTasksDone, Tasks: []Task{
				{ID: "t1", Name: "task one", DisplayOrder: 2, Outcomes: []Outcome{{ID: "o1", Name: "DONE"}}},
				{ID: "t0", Name: "task zero", DisplayOrder: 1, Outcomes: []Outcome{{ID: "o0", Name: "DONE"}}},
			}},
			{ID: "n2", Name: "two", CompletionRule: AnyTaskDone, Tasks: []Task{
				{ID: "t2", Name: "task two", DisplayOrder: 1, Outcomes: []Outcome{{ID: "o2", Name: "OK"}}},
			}},
			{ID: "n3", Name: "three", CompletionRule: AllTasksDone, Tasks: []Task{
				{ID: "t3", Name: "task three", DisplayOrder: 1, Outcomes: []Outcome{{ID: "o3", Name: "OK"}}},
			}},
		},
		Gates: []Gate{
			{ID: "g1", SourceNodeID: "n1", OutcomeName: "DONE", TargetNodeID: strptr("n2")},
			{ID: "g2", SourceNodeID: "n2", OutcomeName: "OK", TargetNodeID: strptr("n3")},
			{ID: "g3", SourceNodeID: "n3", OutcomeName: "OK", TargetNodeID: nil},
		},
	}
}

func TestBuildComputesTransitiveSuccessors(t *testing.T) {
	snap, err := Build(testWorkflow())
	require.NoError(t, err)

	assert.Equal(t, []string{"n2", "n3"}, snap.NodeByID("n1").TransitiveSuccessors)
	assert.Equal(t, []string{"n3"}, snap.NodeByID("n2").TransitiveSuccessors)
	assert.Empty(t, snap.NodeByID("n3").TransitiveSuccessors)
}

func TestBuildSelfLoopIncludesSelf(t *testing.T) {
	w := &Workflow{
		ID: "wf-loop",
		Nodes: []Node{
			{ID: "n1", IsEntry: true, CompletionRule: AllTasksDone, Tasks: []Task{
				{ID: "t1", DisplayOrder: 1, Outcomes: []Outcome{{ID: "o1", Name: "LOOP"}}},
			}},
		},
		Gates: []Gate{{ID: "g1", SourceNodeID: "n1", OutcomeName: "LOOP", TargetNodeID: strptr("n1")}},
	}
	snap, err := Build(w)
	require.NoError(t, err)
	assert.Equal(t, []string{"n1"}, snap.NodeByID("n1").TransitiveSuccessors)
}

func TestBuildDeepCopies(t *testing.T) {
	w := testWorkflow()
	snap, err := Build(w)
	require.NoError(t, err)

	w.Nodes[0].Name = "mutated"
	w.Gates[0].OutcomeName = "MUTATED"
	assert.Equal(t, "one", snap.NodeByID("n1").Name)
	assert.NotNil(t, snap.GateFor("n1", "DONE"))
}

func TestLookupHelpers(t *testing.T) {
	snap, err := Build(testWorkflow())
	require.NoError(t, err)

	node, task := snap.TaskByID("t2")
	require.NotNil(t, node)
	require.NotNil(t, task)
	assert.Equal(t, "n2", node.ID)
	assert.Equal(t, "task two", task.Name)

	node, task = snap.TaskByID("missing")
	assert.Nil(t, node)
	assert.Nil(t, task)

	gate := snap.GateFor("n3", "OK")
	require.NotNil(t, gate)
	assert.Nil(t, gate.TargetNodeID)

	entries := snap.EntryNodes()
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].ID)

	into := snap.GatesInto("n2")
	require.Len(t, into, 1)
	assert.Equal(t, "g1", into[0].ID)
}

func TestOrderedTasks(t *testing.T) {
	snap, err := Build(testWorkflow())
	require.NoError(t, err)

	tasks := snap.NodeByID("n1").OrderedTasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "t0", tasks[0].ID)
	assert.Equal(t, "t1", tasks[1].ID)
}

func TestMarshalRoundTrip(t *testing.T) {
	snap, err := Build(testWorkflow())
	require.NoError(t, err)

	data, err := Marshal(snap)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, snap, back)
}
