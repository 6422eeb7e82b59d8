// Package derive computes flow execution state from a snapshot and its Truth.
//
// Every function here is pure: inputs are values, there is no I/O, and
// identical (snapshot, truth) inputs yield identical outputs including
// ordering. Derived state is never persisted; Truth is the only mutation
// surface.
package derive

import (
	"errors"
	"sort"
	"strings"

	"github.com/flowspec/flowspec/engine/flowerrors"
	"github.com/flowspec/flowspec/engine/snapshot"
	"github.com/flowspec/flowspec/engine/truth"
)

// ErrExplainGap reports a refusal no reason code covers. It indicates an
// engine bug, not a user-facing condition, and callers should surface it
// loudly.
var ErrExplainGap = errors.New("refusal not covered by any reason code")

type (
	// View is a read-only evaluation of one flow's derived state. It
	// precomputes the validity map and blocked-node set once; all methods are
	// pure reads over the captured inputs.
	View struct {
		snap   *snapshot.Workflow
		events truth.EventSet
		group  []truth.GroupOutcome

		validity map[string]truth.ValidityState
		blocked  map[string]bool
	}

	// ActionableTask identifies a task eligible to be started.
	ActionableTask struct {
		// FlowID is the owning flow.
		FlowID string
		// NodeID is the node owning the task.
		NodeID string
		// TaskID is the actionable task.
		TaskID string
		// Iteration is the node iteration the task would execute in.
		Iteration int
	}

	// Route is one gate firing produced by evaluating a completed node.
	Route struct {
		// GateID is the gate that fired.
		GateID string
		// OutcomeName is the outcome that keyed the gate.
		OutcomeName string
		// TargetNodeID is the node to activate; nil marks a terminal path.
		TargetNodeID *string
	}
)

// NewView captures the inputs and precomputes the validity map and
// blocked-node set.
func NewView(snap *snapshot.Workflow, events truth.EventSet, group []truth.GroupOutcome) *View {
	v := &View{snap: snap, events: events, group: group}
	v.validity = foldValidity(events.Validity)
	v.blocked = blockedNodes(snap, events)
	return v
}

// foldValidity reduces validity events to the latest state per execution by
// (createdAt desc, id desc). Executions with no event default to VALID.
func foldValidity(events []truth.ValidityEvent) map[string]truth.ValidityState {
	latest := make(map[string]truth.ValidityEvent)
	for _, e := range events {
		prev, ok := latest[e.TaskExecutionID]
		if !ok || e.CreatedAt.After(prev.CreatedAt) ||
			(e.CreatedAt.Equal(prev.CreatedAt) && e.ID > prev.ID) {
			latest[e.TaskExecutionID] = e
		}
	}
	out := make(map[string]truth.ValidityState, len(latest))
	for id, e := range latest {
		out[id] = e.State
	}
	return out
}

// blockedNodes unions, for each ACTIVE BLOCKING detour, the checkpoint node
// with its transitive successors. The checkpoint's membership is lifted for
// its own resolving task in TaskActionable, not here.
func blockedNodes(snap *snapshot.Workflow, events truth.EventSet) map[string]bool {
	out := make(map[string]bool)
	for _, d := range events.Detours {
		if d.Status != truth.DetourActive || d.Type != truth.DetourBlocking {
			continue
		}
		out[d.CheckpointNodeID] = true
		if node := snap.NodeByID(d.CheckpointNodeID); node != nil {
			for _, id := range node.TransitiveSuccessors {
				out[id] = true
			}
		}
	}
	return out
}

// Validity returns the latest validity state for the execution; VALID when no
// event exists.
func (v *View) Validity(executionID string) truth.ValidityState {
	if state, ok := v.validity[executionID]; ok {
		return state
	}
	return truth.ValidityValid
}

// Blocked reports whether the node sits in the blocked-node set of an ACTIVE
// BLOCKING detour.
func (v *View) Blocked(nodeID string) bool { return v.blocked[nodeID] }

// CurrentIteration returns the node's latest activation iteration, or 0 when
// the node was never activated.
func (v *View) CurrentIteration(nodeID string) int {
	if a := v.events.LatestActivation(nodeID); a != nil {
		return a.Iteration
	}
	return 0
}

// NodeStarted reports whether any task of the node has a started execution in
// the current iteration.
func (v *View) NodeStarted(nodeID string) bool {
	node := v.snap.NodeByID(nodeID)
	if node == nil {
		return false
	}
	iter := v.CurrentIteration(nodeID)
	if iter == 0 {
		return false
	}
	for _, task := range node.Tasks {
		if len(v.events.ExecutionsFor(task.ID, iter)) > 0 {
			return true
		}
	}
	return false
}

// taskDone reports whether the task has a stamped execution with VALID latest
// validity in the given iteration.
func (v *View) taskDone(taskID string, iteration int) bool {
	for _, e := range v.events.ExecutionsFor(taskID, iteration) {
		if e.Outcome != nil && v.Validity(e.ID) == truth.ValidityValid {
			return true
		}
	}
	return false
}

// NodeComplete reports whether the node satisfies its completion rule in the
// current iteration, counting only executions whose latest validity is VALID.
// A never-activated node is not complete.
func (v *View) NodeComplete(nodeID string) bool {
	node := v.snap.NodeByID(nodeID)
	if node == nil {
		return false
	}
	iter := v.CurrentIteration(nodeID)
	if iter == 0 {
		return false
	}
	return v.nodeCompleteAt(node, iter)
}

func (v *View) nodeCompleteAt(node *snapshot.Node, iteration int) bool {
	if len(node.Tasks) == 0 {
		return false
	}
	switch node.CompletionRule {
	case snapshot.AnyTaskDone:
		for _, task := range node.Tasks {
			if v.taskDone(task.ID, iteration) {
				return true
			}
		}
		return false
	case snapshot.SpecificTasksDone:
		if len(node.SpecificTasks) > 0 {
			for _, taskID := range node.SpecificTasks {
				if !v.taskDone(taskID, iteration) {
					return false
				}
			}
			return true
		}
		fallthrough
	default: // ALL_TASKS_DONE, and the empty-specific-list fallback.
		for _, task := range node.Tasks {
			if !v.taskDone(task.ID, iteration) {
				return false
			}
		}
		return true
	}
}

// TaskActionable reports whether the task is eligible to be started. The
// predicate requires all of:
//
//  1. the owning node has an activation;
//  2. the node is not complete;
//  3. no execution exists in the current iteration, or the latest execution
//     is stamped and may be re-opened (INVALID validity, or the checkpoint of
//     an ACTIVE detour);
//  4. the node is not blocked, except when it is itself the checkpoint of an
//     ACTIVE detour awaiting resolution;
//  5. no inbound gate's source node is blocked;
//  6. every cross-flow dependency is satisfied within the flow group.
func (v *View) TaskActionable(taskID string) bool {
	ok, _ := v.evaluateTask(taskID)
	return ok
}

// evaluateTask runs the actionability conditions in order and returns the
// first failing reason. The reason mapping backs Explain.
func (v *View) evaluateTask(taskID string) (bool, flowerrors.Code) {
	node, task := v.snap.TaskByID(taskID)
	if node == nil || task == nil {
		return false, flowerrors.CodeTaskNotFound
	}

	iter := v.CurrentIteration(node.ID)
	if iter == 0 {
		return false, flowerrors.ReasonNodeNotActive
	}
	if v.nodeCompleteAt(node, iter) {
		return false, flowerrors.ReasonNodeComplete
	}

	active := v.events.ActiveDetour()
	if latest := v.events.LatestExecution(task.ID, iter); latest != nil {
		if latest.Outcome == nil {
			// Open execution: the task is started, not re-startable. The
			// engine reports this as TASK_ALREADY_STARTED before consulting
			// the explainer.
			return false, flowerrors.CodeTaskAlreadyStarted
		}
		reopen := v.Validity(latest.ID) == truth.ValidityInvalid ||
			(active != nil && active.CheckpointTaskExecutionID == latest.ID)
		if !reopen {
			return false, flowerrors.CodeOutcomeAlreadyRecorded
		}
	}

	if v.blocked[node.ID] {
		checkpoint := active != nil && active.CheckpointNodeID == node.ID
		if !checkpoint {
			return false, flowerrors.ReasonActiveBlockingDetour
		}
	}
	for _, g := range v.snap.GatesInto(node.ID) {
		if v.blocked[g.SourceNodeID] {
			return false, flowerrors.ReasonJoinBlocked
		}
	}

	for _, dep := range task.CrossFlowDependencies {
		if !v.dependencySatisfied(dep) {
			return false, flowerrors.ReasonCrossFlowDepMissing
		}
	}
	return true, ""
}

// dependencySatisfied reports whether any outcome recorded in the flow group
// matches the dependency. Path matching compares only the taskId suffix after
// the dot; a path without a dot is used whole.
func (v *View) dependencySatisfied(dep snapshot.CrossFlowDependency) bool {
	taskID := dep.SourceTaskPath
	if i := strings.LastIndex(taskID, "."); i >= 0 {
		taskID = taskID[i+1:]
	}
	for _, o := range v.group {
		if o.WorkflowID == dep.SourceWorkflowID && o.TaskID == taskID && o.Outcome == dep.RequiredOutcome {
			return true
		}
	}
	return false
}

// ActionableTasks collects every actionable task of the flow in canonical
// order (flowId asc, taskId asc, iteration asc). Nodes without an activation
// and complete nodes are skipped.
func (v *View) ActionableTasks(flowID string) []ActionableTask {
	var out []ActionableTask
	for i := range v.snap.Nodes {
		node := &v.snap.Nodes[i]
		iter := v.CurrentIteration(node.ID)
		if iter == 0 || v.nodeCompleteAt(node, iter) {
			continue
		}
		for _, task := range node.OrderedTasks() {
			if v.TaskActionable(task.ID) {
				out = append(out, ActionableTask{
					FlowID:    flowID,
					NodeID:    node.ID,
					TaskID:    task.ID,
					Iteration: iter,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowID != out[j].FlowID {
			return out[i].FlowID < out[j].FlowID
		}
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].Iteration < out[j].Iteration
	})
	return out
}

// FlowComplete reports whether the flow fully completed: no ACTIVE detour, a
// terminating workflow, every activated node VALID-complete in its current
// iteration, and every non-terminal gate fired from a VALID outcome leading
// to an activated target.
func (v *View) FlowComplete() bool {
	if v.snap.IsNonTerminating {
		return false
	}
	if v.events.ActiveDetour() != nil {
		return false
	}

	activated := make(map[string]int)
	for _, a := range v.events.Activations {
		if a.Iteration > activated[a.NodeID] {
			activated[a.NodeID] = a.Iteration
		}
	}
	if len(activated) == 0 {
		return false
	}
	for nodeID, iter := range activated {
		node := v.snap.NodeByID(nodeID)
		if node == nil {
			continue
		}
		if !v.nodeCompleteAt(node, iter) {
			return false
		}
		for _, r := range v.routesAt(node, iter) {
			if r.TargetNodeID != nil && activated[*r.TargetNodeID] == 0 {
				return false
			}
		}
	}
	return true
}

// Routes evaluates the gates of a completed node: the unique VALID outcome
// names recorded in the current iteration, each mapped to its gate. A missing
// gate is impossible for published snapshots (every used outcome has exactly
// one gate), so unmatched names are skipped.
func (v *View) Routes(nodeID string) []Route {
	node := v.snap.NodeByID(nodeID)
	if node == nil {
		return nil
	}
	iter := v.CurrentIteration(nodeID)
	if iter == 0 {
		return nil
	}
	return v.routesAt(node, iter)
}

func (v *View) routesAt(node *snapshot.Node, iteration int) []Route {
	seen := make(map[string]bool)
	var names []string
	for _, task := range node.Tasks {
		for _, e := range v.events.ExecutionsFor(task.ID, iteration) {
			if e.Outcome == nil || v.Validity(e.ID) != truth.ValidityValid {
				continue
			}
			if !seen[*e.Outcome] {
				seen[*e.Outcome] = true
				names = append(names, *e.Outcome)
			}
		}
	}
	sort.Strings(names)

	var out []Route
	for _, name := range names {
		if g := v.snap.GateFor(node.ID, name); g != nil {
			out = append(out, Route{GateID: g.ID, OutcomeName: name, TargetNodeID: g.TargetNodeID})
		}
	}
	return out
}

// Explain returns the single reason code for a refused task action. Reason
// codes form a closed set; a refusal outside it returns ErrExplainGap, which
// indicates an engine bug. Calling Explain on an actionable task also returns
// ErrExplainGap.
func (v *View) Explain(taskID string) (flowerrors.Code, error) {
	ok, reason := v.evaluateTask(taskID)
	if ok {
		return "", ErrExplainGap
	}
	switch reason {
	case flowerrors.ReasonNodeNotActive,
		flowerrors.ReasonNodeComplete,
		flowerrors.CodeOutcomeAlreadyRecorded,
		flowerrors.ReasonActiveBlockingDetour,
		flowerrors.ReasonJoinBlocked,
		flowerrors.CodeNestedDetourForbidden,
		flowerrors.ReasonCrossFlowDepMissing:
		return reason, nil
	case flowerrors.CodeTaskAlreadyStarted, flowerrors.CodeTaskNotFound:
		// Surfaced by the engine under their own error codes before the
		// explainer runs.
		return reason, nil
	}
	return "", ErrExplainGap
}
