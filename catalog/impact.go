package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/snapshot"
)

// Severity classifies an impact finding.
type Severity string

const (
	// SeverityInfo marks changes with no effect on running or dependent
	// flows.
	SeverityInfo Severity = "INFO"
	// SeverityWarning marks changes that alter behavior for new flows only.
	SeverityWarning Severity = "WARNING"
	// SeverityBreaking marks changes that strand running flows or break
	// cross-flow dependents.
	SeverityBreaking Severity = "BREAKING"
)

type (
	// Finding is one breaking or notable change between the draft and the
	// latest published version.
	Finding struct {
		// Severity classifies the finding.
		Severity Severity
		// Path locates the changed element.
		Path string
		// Message describes the change.
		Message string
		// ActiveFlows counts running flows on this workflow at analysis time.
		ActiveFlows int
		// DependentWorkflows lists other workflows whose cross-flow
		// dependencies reference the changed element.
		DependentWorkflows []string
	}

	// ImpactReport is the advisory result of comparing a draft against its
	// latest published version. It never blocks publishing.
	ImpactReport struct {
		// WorkflowID is the analyzed workflow.
		WorkflowID string
		// BaseVersion is the published version number compared against; zero
		// when the workflow was never published.
		BaseVersion int
		// Findings are the detected changes, in graph order.
		Findings []Finding
	}
)

// AnalyzeImpact compares the draft against the latest published version and
// reports node deletions, outcome renames and removals, and gate retargets,
// classified by severity. The analysis is read-only.
func (s *Service) AnalyzeImpact(ctx context.Context, workflowID string) (ImpactReport, error) {
	def, err := s.store.Definition(ctx, workflowID)
	if err != nil {
		return ImpactReport{}, fmt.Errorf("load definition %q: %w", workflowID, err)
	}
	report := ImpactReport{WorkflowID: workflowID}

	latest, err := s.store.LatestPublished(ctx, workflowID)
	if errors.Is(err, ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return ImpactReport{}, err
	}
	published, err := latest.Workflow()
	if err != nil {
		return ImpactReport{}, fmt.Errorf("decode published snapshot: %w", err)
	}
	report.BaseVersion = latest.Number

	active, err := s.activeFlows(ctx, workflowID)
	if err != nil {
		return ImpactReport{}, err
	}
	dependents, err := s.dependentsByTask(ctx, workflowID)
	if err != nil {
		return ImpactReport{}, err
	}

	severity := func(deps []string) Severity {
		if active > 0 || len(deps) > 0 {
			return SeverityBreaking
		}
		return SeverityWarning
	}

	for _, pubNode := range published.Nodes {
		draftNode := nodeByID(def, pubNode.ID)
		if draftNode == nil {
			report.Findings = append(report.Findings, Finding{
				Severity:    severity(nil),
				Path:        pubNode.ID,
				Message:     "node deleted",
				ActiveFlows: active,
			})
			continue
		}
		for _, pubTask := range pubNode.Tasks {
			draftTask := draftNode.TaskByID(pubTask.ID)
			path := pubNode.ID + "." + pubTask.ID
			if draftTask == nil {
				deps := dependents[pubTask.ID]
				report.Findings = append(report.Findings, Finding{
					Severity:           severity(deps),
					Path:               path,
					Message:            "task deleted",
					ActiveFlows:        active,
					DependentWorkflows: deps,
				})
				continue
			}
			report.Findings = append(report.Findings, diffOutcomes(path, pubTask, draftTask, active, dependents[pubTask.ID], severity)...)
		}
	}

	for _, pubGate := range published.Gates {
		draftGate := gateByKey(def, pubGate.SourceNodeID, pubGate.OutcomeName)
		if draftGate == nil {
			continue // covered by the outcome removal finding
		}
		if !sameTarget(pubGate.TargetNodeID, draftGate.TargetNodeID) {
			report.Findings = append(report.Findings, Finding{
				Severity:    SeverityWarning,
				Path:        pubGate.SourceNodeID + "/" + pubGate.OutcomeName,
				Message:     fmt.Sprintf("gate retargeted from %s to %s", targetName(pubGate.TargetNodeID), targetName(draftGate.TargetNodeID)),
				ActiveFlows: active,
			})
		}
	}
	return report, nil
}

// diffOutcomes reports outcomes removed or renamed between the published and
// draft forms of one task.
func diffOutcomes(path string, pub snapshot.Task, draft *snapshot.Task, active int, deps []string, severity func([]string) Severity) []Finding {
	var findings []Finding
	for _, pubOut := range pub.Outcomes {
		if draft.OutcomeByName(pubOut.Name) != nil {
			continue
		}
		msg := fmt.Sprintf("outcome %q removed", pubOut.Name)
		if renamed := outcomeByID(draft, pubOut.ID); renamed != nil {
			msg = fmt.Sprintf("outcome %q renamed to %q", pubOut.Name, renamed.Name)
		}
		findings = append(findings, Finding{
			Severity:           severity(deps),
			Path:               path,
			Message:            msg,
			ActiveFlows:        active,
			DependentWorkflows: deps,
		})
	}
	return findings
}

// activeFlows counts ACTIVE flows bound to the workflow. Without a flow
// lister the count is zero.
func (s *Service) activeFlows(ctx context.Context, workflowID string) (int, error) {
	if s.flows == nil {
		return 0, nil
	}
	all, err := s.flows.FlowsByWorkflow(ctx, workflowID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, f := range all {
		if f.Status == flow.StatusActive {
			count++
		}
	}
	return count, nil
}

// dependentsByTask maps task ids of this workflow to the ids of other
// workflows whose cross-flow dependencies reference them.
func (s *Service) dependentsByTask(ctx context.Context, workflowID string) (map[string][]string, error) {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, other := range defs {
		if other.ID == workflowID {
			continue
		}
		for _, n := range other.Nodes {
			for _, t := range n.Tasks {
				for _, dep := range t.CrossFlowDependencies {
					if dep.SourceWorkflowID != workflowID {
						continue
					}
					taskID := dep.SourceTaskPath
					if i := lastDot(taskID); i >= 0 {
						taskID = taskID[i+1:]
					}
					out[taskID] = appendUnique(out[taskID], other.ID)
				}
			}
		}
	}
	return out, nil
}

func gateByKey(def *Definition, nodeID, outcomeName string) *snapshot.Gate {
	for i := range def.Gates {
		if def.Gates[i].SourceNodeID == nodeID && def.Gates[i].OutcomeName == outcomeName {
			return &def.Gates[i]
		}
	}
	return nil
}

func outcomeByID(t *snapshot.Task, id string) *snapshot.Outcome {
	for i := range t.Outcomes {
		if t.Outcomes[i].ID == id {
			return &t.Outcomes[i]
		}
	}
	return nil
}

func sameTarget(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func targetName(t *string) string {
	if t == nil {
		return "terminal"
	}
	return *t
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}

func appendUnique(list []string, v string) []string {
	for _, cur := range list {
		if cur == v {
			return list
		}
	}
	return append(list, v)
}
