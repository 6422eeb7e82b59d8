// Package snapshot models the immutable workflow description bound to each
// running flow. A snapshot is built once at publish time by deep-copying the
// draft definition and precomputing reachability; it is never mutated
// afterwards, so flows may share it freely across goroutines.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flowspec/flowspec/engine/evidence"
)

// CompletionRule selects how a node decides it is complete.
type CompletionRule string

const (
	// AllTasksDone completes the node when every task has a valid outcome.
	AllTasksDone CompletionRule = "ALL_TASKS_DONE"
	// AnyTaskDone completes the node when at least one task has a valid outcome.
	AnyTaskDone CompletionRule = "ANY_TASK_DONE"
	// SpecificTasksDone completes the node when every task listed in
	// SpecificTasks has a valid outcome. An empty list falls back to
	// AllTasksDone.
	SpecificTasksDone CompletionRule = "SPECIFIC_TASKS_DONE"
)

// Valid reports whether r is a recognized completion rule.
func (r CompletionRule) Valid() bool {
	switch r {
	case AllTasksDone, AnyTaskDone, SpecificTasksDone:
		return true
	}
	return false
}

type (
	// Workflow is the complete immutable workflow description.
	Workflow struct {
		// ID is the workflow definition id, stable across versions.
		ID string `json:"id"`
		// Name is the human-readable workflow name.
		Name string `json:"name"`
		// Version is the published version number this snapshot captures.
		Version int `json:"version"`
		// IsNonTerminating marks workflows that run indefinitely; flow
		// completion is never derived for them.
		IsNonTerminating bool `json:"isNonTerminating,omitempty"`
		// Nodes are the workflow nodes. Order is the definition order.
		Nodes []Node `json:"nodes"`
		// Gates route between nodes keyed by (sourceNodeId, outcomeName).
		Gates []Gate `json:"gates"`
		// FanOutRules trigger child flows in the same group on matching
		// outcomes.
		FanOutRules []FanOutRule `json:"fanOutRules,omitempty"`
	}

	// Node is a stage of the workflow holding tasks.
	Node struct {
		// ID uniquely identifies the node within the workflow.
		ID string `json:"id"`
		// Name is the human-readable node name.
		Name string `json:"name"`
		// IsEntry marks nodes activated at flow instantiation.
		IsEntry bool `json:"isEntry,omitempty"`
		// CompletionRule selects the node completion predicate.
		CompletionRule CompletionRule `json:"completionRule"`
		// SpecificTasks lists the task ids SpecificTasksDone requires.
		SpecificTasks []string `json:"specificTasks,omitempty"`
		// Tasks are the node's tasks.
		Tasks []Task `json:"tasks"`
		// TransitiveSuccessors is the set of all node ids reachable from this
		// node by following gates, computed at publish time and sorted by id.
		TransitiveSuccessors []string `json:"transitiveSuccessors"`
	}

	// Task is a unit of work with declared outcomes.
	Task struct {
		// ID uniquely identifies the task within the workflow.
		ID string `json:"id"`
		// Name is the human-readable task name.
		Name string `json:"name"`
		// Instructions describe how to perform the task.
		Instructions string `json:"instructions,omitempty"`
		// DisplayOrder orders tasks within their node for presentation.
		DisplayOrder int `json:"displayOrder"`
		// EvidenceRequired gates outcome recording on validated evidence.
		EvidenceRequired bool `json:"evidenceRequired,omitempty"`
		// EvidenceSchema validates attached evidence when present.
		EvidenceSchema *evidence.Schema `json:"evidenceSchema,omitempty"`
		// DefaultSLAHours is an advisory completion target, when set.
		DefaultSLAHours *int `json:"defaultSlaHours,omitempty"`
		// Outcomes are the task's declared terminal values. Names are unique
		// per task.
		Outcomes []Outcome `json:"outcomes"`
		// CrossFlowDependencies must all be satisfied within the flow group
		// before the task becomes actionable.
		CrossFlowDependencies []CrossFlowDependency `json:"crossFlowDependencies,omitempty"`
	}

	// Outcome is a named terminal value of a task.
	Outcome struct {
		// ID uniquely identifies the outcome.
		ID string `json:"id"`
		// Name is the outcome name used as the gate key.
		Name string `json:"name"`
	}

	// Gate routes from a node on an outcome name. A nil target is a terminal
	// path.
	Gate struct {
		// ID uniquely identifies the gate.
		ID string `json:"id"`
		// SourceNodeID is the node the gate routes from.
		SourceNodeID string `json:"sourceNodeId"`
		// OutcomeName keys the gate within the source node. At most one gate
		// exists per (sourceNodeId, outcomeName).
		OutcomeName string `json:"outcomeName"`
		// TargetNodeID is the node activated when the gate fires; nil marks a
		// terminal path.
		TargetNodeID *string `json:"targetNodeId"`
	}

	// CrossFlowDependency requires an outcome recorded by another flow in the
	// same group before the owning task becomes actionable.
	CrossFlowDependency struct {
		// SourceWorkflowID is the workflow whose flow must record the outcome.
		SourceWorkflowID string `json:"sourceWorkflowId"`
		// SourceTaskPath locates the source task as "nodeId.taskId". Matching
		// compares only the taskId suffix after the dot.
		SourceTaskPath string `json:"sourceTaskPath"`
		// RequiredOutcome is the outcome name the source task must record.
		RequiredOutcome string `json:"requiredOutcome"`
	}

	// FanOutRule creates a child flow in the same group when the trigger
	// outcome is recorded at the source node.
	FanOutRule struct {
		// SourceNodeID is the node whose completion triggers the rule.
		SourceNodeID string `json:"sourceNodeId"`
		// TriggerOutcome is the outcome name that fires the rule.
		TriggerOutcome string `json:"triggerOutcome"`
		// TargetWorkflowID is the workflow instantiated in the same group.
		TargetWorkflowID string `json:"targetWorkflowId"`
	}
)

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(nodeID string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == nodeID {
			return &w.Nodes[i]
		}
	}
	return nil
}

// TaskByID returns the node owning the task and the task itself, or nils.
func (w *Workflow) TaskByID(taskID string) (*Node, *Task) {
	for i := range w.Nodes {
		for j := range w.Nodes[i].Tasks {
			if w.Nodes[i].Tasks[j].ID == taskID {
				return &w.Nodes[i], &w.Nodes[i].Tasks[j]
			}
		}
	}
	return nil, nil
}

// GateFor returns the gate keyed by (nodeID, outcomeName), or nil. Published
// snapshots hold at most one gate per key.
func (w *Workflow) GateFor(nodeID, outcomeName string) *Gate {
	for i := range w.Gates {
		if w.Gates[i].SourceNodeID == nodeID && w.Gates[i].OutcomeName == outcomeName {
			return &w.Gates[i]
		}
	}
	return nil
}

// GatesFrom returns the gates routing out of the given node.
func (w *Workflow) GatesFrom(nodeID string) []Gate {
	var out []Gate
	for _, g := range w.Gates {
		if g.SourceNodeID == nodeID {
			out = append(out, g)
		}
	}
	return out
}

// GatesInto returns the gates whose target is the given node.
func (w *Workflow) GatesInto(nodeID string) []Gate {
	var out []Gate
	for _, g := range w.Gates {
		if g.TargetNodeID != nil && *g.TargetNodeID == nodeID {
			out = append(out, g)
		}
	}
	return out
}

// EntryNodes returns the nodes activated at flow instantiation, in definition
// order.
func (w *Workflow) EntryNodes() []*Node {
	var out []*Node
	for i := range w.Nodes {
		if w.Nodes[i].IsEntry {
			out = append(out, &w.Nodes[i])
		}
	}
	return out
}

// RulesFor returns the fan-out rules matching (nodeID, outcome).
func (w *Workflow) RulesFor(nodeID, outcome string) []FanOutRule {
	var out []FanOutRule
	for _, r := range w.FanOutRules {
		if r.SourceNodeID == nodeID && r.TriggerOutcome == outcome {
			out = append(out, r)
		}
	}
	return out
}

// OrderedTasks returns the node's tasks sorted by displayOrder then id. The
// sort is stable so identical snapshots always present tasks identically.
func (n *Node) OrderedTasks() []Task {
	out := append([]Task(nil), n.Tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TaskByID returns the node's task with the given id, or nil.
func (n *Node) TaskByID(taskID string) *Task {
	for i := range n.Tasks {
		if n.Tasks[i].ID == taskID {
			return &n.Tasks[i]
		}
	}
	return nil
}

// OutcomeByName returns the task's outcome with the given name, or nil.
func (t *Task) OutcomeByName(name string) *Outcome {
	for i := range t.Outcomes {
		if t.Outcomes[i].Name == name {
			return &t.Outcomes[i]
		}
	}
	return nil
}

// Build finalizes a workflow description into an immutable snapshot: it deep
// copies the input and computes TransitiveSuccessors for every node via BFS
// over the gates, ignoring terminal paths. The result per node is sorted by
// node id so identical definitions produce identical snapshots.
func Build(w *Workflow) (*Workflow, error) {
	out, err := clone(w)
	if err != nil {
		return nil, err
	}
	adjacency := make(map[string][]string)
	for _, g := range out.Gates {
		if g.TargetNodeID == nil {
			continue
		}
		adjacency[g.SourceNodeID] = append(adjacency[g.SourceNodeID], *g.TargetNodeID)
	}
	for i := range out.Nodes {
		out.Nodes[i].TransitiveSuccessors = reachableFrom(out.Nodes[i].ID, adjacency)
	}
	return out, nil
}

// reachableFrom walks the gate adjacency breadth-first from start and returns
// every reachable node id except start itself (unless a cycle re-enters it),
// sorted for stability.
func reachableFrom(start string, adjacency map[string][]string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), adjacency[start]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, adjacency[id]...)
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Marshal encodes the snapshot as JSON for version storage.
func Marshal(w *Workflow) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a stored snapshot.
func Unmarshal(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &w, nil
}

// clone deep copies a workflow through its JSON form.
func clone(w *Workflow) (*Workflow, error) {
	data, err := Marshal(w)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}
