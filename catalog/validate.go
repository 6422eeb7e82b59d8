package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/flowspec/flowspec/engine/snapshot"
)

// Category classifies a validation issue.
type Category string

const (
	// CategoryStructural covers entry nodes, reachability, terminal paths,
	// and task parenting.
	CategoryStructural Category = "structural"
	// CategoryGates covers outcome declarations and gate coverage.
	CategoryGates Category = "gates"
	// CategoryEvidence covers evidence schema well-formedness.
	CategoryEvidence Category = "evidence"
	// CategorySemantic covers completion-rule references.
	CategorySemantic Category = "semantic"
	// CategoryCrossFlow covers cross-flow dependency references.
	CategoryCrossFlow Category = "crossflow"
	// CategoryFanOut covers fan-out rule references.
	CategoryFanOut Category = "fanout"
)

// Issue is one validation finding. An empty issue list means the definition
// is publishable.
type Issue struct {
	// Category classifies the finding.
	Category Category
	// Path locates the offending element (node/task/gate id chain).
	Path string
	// Message describes the problem.
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Category, i.Path, i.Message)
}

// validate runs every category against the definition. peers resolves other
// definitions for cross-flow and fan-out reference checks.
func validate(ctx context.Context, def *Definition, store Store) ([]Issue, error) {
	var issues []Issue
	issues = append(issues, validateStructure(def)...)
	issues = append(issues, validateGates(def)...)
	issues = append(issues, validateEvidence(def)...)
	issues = append(issues, validateSemantics(def)...)

	cross, err := validateCrossFlow(ctx, def, store)
	if err != nil {
		return nil, err
	}
	issues = append(issues, cross...)

	fan, err := validateFanOut(ctx, def, store)
	if err != nil {
		return nil, err
	}
	issues = append(issues, fan...)
	return issues, nil
}

func validateStructure(def *Definition) []Issue {
	var issues []Issue
	issue := func(path, format string, args ...any) {
		issues = append(issues, Issue{Category: CategoryStructural, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if len(def.Nodes) == 0 {
		issue(def.ID, "workflow has no nodes")
		return issues
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	var entries []string
	for _, n := range def.Nodes {
		if nodeIDs[n.ID] {
			issue(n.ID, "duplicate node id")
		}
		nodeIDs[n.ID] = true
		if n.IsEntry {
			entries = append(entries, n.ID)
		}
		for _, t := range n.Tasks {
			if t.ID == "" {
				issue(n.ID, "task without id")
			}
		}
	}
	if len(entries) == 0 {
		issue(def.ID, "workflow has no entry node")
	}

	// Duplicate task ids across nodes break task lookup.
	taskOwner := make(map[string]string)
	for _, n := range def.Nodes {
		for _, t := range n.Tasks {
			if owner, ok := taskOwner[t.ID]; ok {
				issue(t.ID, "task appears in nodes %s and %s", owner, n.ID)
				continue
			}
			taskOwner[t.ID] = n.ID
		}
	}

	// Every node must be reachable from some entry.
	adjacency := make(map[string][]string)
	for _, g := range def.Gates {
		if g.TargetNodeID != nil {
			adjacency[g.SourceNodeID] = append(adjacency[g.SourceNodeID], *g.TargetNodeID)
		}
	}
	reached := make(map[string]bool)
	queue := append([]string(nil), entries...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, adjacency[id]...)
	}
	for _, n := range def.Nodes {
		if !reached[n.ID] {
			issue(n.ID, "node is not reachable from any entry node")
		}
	}

	// A terminal path must exist unless the workflow is non-terminating.
	if !def.IsNonTerminating {
		terminal := false
		for _, g := range def.Gates {
			if g.TargetNodeID == nil {
				terminal = true
				break
			}
		}
		if !terminal {
			issue(def.ID, "workflow has no terminal path and is not marked non-terminating")
		}
	}
	return issues
}

func validateGates(def *Definition) []Issue {
	var issues []Issue
	issue := func(cat Category, path, format string, args ...any) {
		issues = append(issues, Issue{Category: cat, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		nodeIDs[n.ID] = true
	}

	// At most one gate per (sourceNodeId, outcomeName); targets must exist.
	type gateKey struct{ node, outcome string }
	gates := make(map[gateKey]int)
	for _, g := range def.Gates {
		if !nodeIDs[g.SourceNodeID] {
			issue(CategoryGates, g.ID, "gate source node %q does not exist", g.SourceNodeID)
		}
		if g.TargetNodeID != nil && !nodeIDs[*g.TargetNodeID] {
			issue(CategoryGates, g.ID, "gate target node %q does not exist", *g.TargetNodeID)
		}
		gates[gateKey{g.SourceNodeID, g.OutcomeName}]++
	}
	for key, count := range gates {
		if count > 1 {
			issue(CategoryGates, key.node, "outcome %q has %d gates, want exactly one", key.outcome, count)
		}
	}

	// Every task declares at least one outcome with unique names; every used
	// outcome name has a gate.
	for _, n := range def.Nodes {
		for _, t := range n.Tasks {
			if len(t.Outcomes) == 0 {
				issue(CategoryGates, n.ID+"."+t.ID, "task declares no outcomes")
			}
			names := make(map[string]bool, len(t.Outcomes))
			for _, o := range t.Outcomes {
				if names[o.Name] {
					issue(CategoryGates, n.ID+"."+t.ID, "duplicate outcome name %q", o.Name)
				}
				names[o.Name] = true
				if gates[gateKey{n.ID, o.Name}] == 0 {
					issue(CategoryGates, n.ID+"."+t.ID, "outcome %q has no gate at node %s", o.Name, n.ID)
				}
			}
		}
	}
	return issues
}

func validateEvidence(def *Definition) []Issue {
	var issues []Issue
	for _, n := range def.Nodes {
		for _, t := range n.Tasks {
			if !t.EvidenceRequired {
				continue
			}
			path := n.ID + "." + t.ID
			if t.EvidenceSchema == nil {
				issues = append(issues, Issue{Category: CategoryEvidence, Path: path, Message: "evidenceRequired without evidenceSchema"})
				continue
			}
			if err := t.EvidenceSchema.WellFormed(); err != nil {
				issues = append(issues, Issue{Category: CategoryEvidence, Path: path, Message: err.Error()})
			}
		}
	}
	return issues
}

func validateSemantics(def *Definition) []Issue {
	var issues []Issue
	for _, n := range def.Nodes {
		taskIDs := make(map[string]bool, len(n.Tasks))
		for _, t := range n.Tasks {
			taskIDs[t.ID] = true
		}
		if n.CompletionRule != "" && !n.CompletionRule.Valid() {
			issues = append(issues, Issue{Category: CategorySemantic, Path: n.ID, Message: fmt.Sprintf("unknown completion rule %q", n.CompletionRule)})
		}
		if n.CompletionRule == snapshot.SpecificTasksDone {
			for _, id := range n.SpecificTasks {
				if !taskIDs[id] {
					issues = append(issues, Issue{Category: CategorySemantic, Path: n.ID, Message: fmt.Sprintf("specificTasks references unknown task %q", id)})
				}
			}
		}
	}
	return issues
}

func validateCrossFlow(ctx context.Context, def *Definition, store Store) ([]Issue, error) {
	var issues []Issue
	issue := func(path, format string, args ...any) {
		issues = append(issues, Issue{Category: CategoryCrossFlow, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for _, n := range def.Nodes {
		for _, t := range n.Tasks {
			path := n.ID + "." + t.ID
			for _, dep := range t.CrossFlowDependencies {
				parts := strings.Split(dep.SourceTaskPath, ".")
				if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
					issue(path, "sourceTaskPath %q is not of the form nodeId.taskId", dep.SourceTaskPath)
					continue
				}
				srcNodeID, srcTaskID := parts[0], parts[1]

				var source *Definition
				if dep.SourceWorkflowID == def.ID {
					// Same-workflow dependencies resolve against this draft,
					// but a task must not depend on itself.
					source = def
					if srcTaskID == t.ID {
						issue(path, "task depends on its own outcome")
						continue
					}
				} else {
					peer, err := store.Definition(ctx, dep.SourceWorkflowID)
					if errors.Is(err, ErrNotFound) {
						issue(path, "source workflow %q does not exist", dep.SourceWorkflowID)
						continue
					}
					if err != nil {
						return nil, err
					}
					if peer.Status != StatusPublished {
						issue(path, "source workflow %q is not published", dep.SourceWorkflowID)
						continue
					}
					source = peer
				}

				srcNode := nodeByID(source, srcNodeID)
				if srcNode == nil {
					issue(path, "source node %q does not exist in workflow %q", srcNodeID, dep.SourceWorkflowID)
					continue
				}
				srcTask := srcNode.TaskByID(srcTaskID)
				if srcTask == nil {
					issue(path, "source task %q does not exist in node %q", srcTaskID, srcNodeID)
					continue
				}
				if srcTask.OutcomeByName(dep.RequiredOutcome) == nil {
					issue(path, "source task %q declares no outcome %q", srcTaskID, dep.RequiredOutcome)
				}
			}
		}
	}
	return issues, nil
}

func validateFanOut(ctx context.Context, def *Definition, store Store) ([]Issue, error) {
	var issues []Issue
	issue := func(path, format string, args ...any) {
		issues = append(issues, Issue{Category: CategoryFanOut, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for _, r := range def.FanOutRules {
		path := r.SourceNodeID + "->" + r.TargetWorkflowID
		if r.TargetWorkflowID == def.ID {
			issue(path, "workflow fans out to itself")
			continue
		}
		node := nodeByID(def, r.SourceNodeID)
		if node == nil {
			issue(path, "source node %q does not exist", r.SourceNodeID)
			continue
		}
		declared := false
		for _, t := range node.Tasks {
			if t.OutcomeByName(r.TriggerOutcome) != nil {
				declared = true
				break
			}
		}
		if !declared {
			issue(path, "trigger outcome %q is not declared by any task of node %q", r.TriggerOutcome, r.SourceNodeID)
		}

		target, err := store.Definition(ctx, r.TargetWorkflowID)
		if errors.Is(err, ErrNotFound) {
			issue(path, "target workflow %q does not exist", r.TargetWorkflowID)
			continue
		}
		if err != nil {
			return nil, err
		}
		if target.Status != StatusPublished {
			issue(path, "target workflow %q is not published", r.TargetWorkflowID)
		}
	}
	return issues, nil
}

func nodeByID(def *Definition, nodeID string) *snapshot.Node {
	for i := range def.Nodes {
		if def.Nodes[i].ID == nodeID {
			return &def.Nodes[i]
		}
	}
	return nil
}
