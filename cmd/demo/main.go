// Command demo walks one onboarding flow end to end against in-memory
// stores: publish a workflow, create a flow, loop through a rework gate,
// attach evidence, and drive the flow to completion while printing every
// lifecycle event the engine emits.
package main

import (
	"context"
	"encoding/json"
	"os"

	"goa.design/clue/log"

	"github.com/flowspec/flowspec/catalog"
	catalogmem "github.com/flowspec/flowspec/catalog/store/memory"
	"github.com/flowspec/flowspec/engine"
	"github.com/flowspec/flowspec/engine/evidence"
	"github.com/flowspec/flowspec/engine/hooks"
	"github.com/flowspec/flowspec/engine/snapshot"
	"github.com/flowspec/flowspec/engine/telemetry"
	"github.com/flowspec/flowspec/engine/truth/inmem"
)

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	truthStore := inmem.New()
	catalogStore := catalogmem.New()

	svc, err := catalog.NewService(catalogStore, catalog.WithFlowLister(truthStore))
	if err != nil {
		log.Fatalf(ctx, err, "catalog service")
	}
	if err := catalogStore.PutDefinition(ctx, onboardingDefinition()); err != nil {
		log.Fatalf(ctx, err, "seed definition")
	}
	issues, err := svc.Validate(ctx, "wf-onboarding")
	if err != nil {
		log.Fatalf(ctx, err, "validate workflow")
	}
	if len(issues) > 0 {
		log.Printf(ctx, "definition has %d validation issues", len(issues))
		os.Exit(1)
	}
	version, err := svc.Publish(ctx, "wf-onboarding", "demo-admin")
	if err != nil {
		log.Fatalf(ctx, err, "publish workflow")
	}
	log.Printf(ctx, "published %s version %d", version.WorkflowID, version.Number)

	eng, err := engine.New(
		engine.WithTruthStore(truthStore),
		engine.WithCatalogStore(catalogStore),
		engine.WithLogger(telemetry.NewClueLogger()),
	)
	if err != nil {
		log.Fatalf(ctx, err, "engine")
	}
	if _, err := eng.Hooks().Register(hooks.SubscriberFunc(logEvent)); err != nil {
		log.Fatalf(ctx, err, "register subscriber")
	}

	res, err := eng.CreateFlow(ctx, engine.CreateFlowParams{
		WorkflowID: "wf-onboarding",
		CompanyID:  "co-acme",
		ScopeType:  "DEAL",
		ScopeID:    "deal-7",
	})
	if err != nil {
		log.Fatalf(ctx, err, "create flow")
	}
	flowID := res.Flow.ID
	log.Printf(ctx, "flow %s created in group %s", flowID, res.Flow.GroupID)

	// Trying the review task before intake completes shows the explainer.
	if code, err := eng.Explain(ctx, flowID, "approve-terms"); err == nil {
		log.Printf(ctx, "approve-terms not yet actionable: %s", code)
	}

	// First pass through intake is sent back for changes.
	completeIntake(ctx, eng, flowID, "initial document set")
	record(ctx, eng, flowID, "approve-terms", "CHANGES_REQUESTED")

	// The rework gate re-activated intake; the second pass is approved.
	completeIntake(ctx, eng, flowID, "revised document set")
	record(ctx, eng, flowID, "approve-terms", "APPROVED")

	final, err := eng.Flow(ctx, flowID)
	if err != nil {
		log.Fatalf(ctx, err, "load flow")
	}
	log.Printf(ctx, "flow %s finished with status %s", flowID, final.Status)
	if final.Status != "COMPLETED" {
		os.Exit(1)
	}
}

// completeIntake starts the intake task, attaches the required text evidence,
// and records its outcome.
func completeIntake(ctx context.Context, eng *engine.Engine, flowID, note string) {
	tasks, err := eng.ActionableTasks(ctx, flowID)
	if err != nil {
		log.Fatalf(ctx, err, "actionable tasks")
	}
	for _, task := range tasks {
		log.Printf(ctx, "actionable: %s (node %s, iteration %d)", task.TaskID, task.NodeID, task.Iteration)
	}

	if _, err := eng.StartTask(ctx, flowID, "collect-documents", "demo-user"); err != nil {
		log.Fatalf(ctx, err, "start collect-documents")
	}
	data, _ := json.Marshal(map[string]string{"content": note})
	if _, err := eng.AttachEvidence(ctx, engine.AttachEvidenceParams{
		FlowID: flowID,
		TaskID: "collect-documents",
		Type:   evidence.TypeText,
		Data:   data,
		UserID: "demo-user",
	}); err != nil {
		log.Fatalf(ctx, err, "attach evidence")
	}
	stamp(ctx, eng, flowID, "collect-documents", "DONE")
}

// record starts the task and stamps the outcome in sequence.
func record(ctx context.Context, eng *engine.Engine, flowID, taskID, outcome string) {
	if _, err := eng.StartTask(ctx, flowID, taskID, "demo-user"); err != nil {
		log.Fatalf(ctx, err, "start %s", taskID)
	}
	stamp(ctx, eng, flowID, taskID, outcome)
}

// stamp records the outcome on the task's open execution.
func stamp(ctx context.Context, eng *engine.Engine, flowID, taskID, outcome string) {
	if _, err := eng.RecordOutcome(ctx, engine.RecordOutcomeParams{
		FlowID:  flowID,
		TaskID:  taskID,
		Outcome: outcome,
		UserID:  "demo-user",
	}); err != nil {
		log.Fatalf(ctx, err, "record %s on %s", outcome, taskID)
	}
}

// logEvent prints every lifecycle event the engine publishes post-commit.
func logEvent(ctx context.Context, evt hooks.Event) error {
	switch e := evt.(type) {
	case *hooks.NodeActivatedEvent:
		log.Printf(ctx, "event %s: node %s iteration %d", e.Type(), e.NodeID, e.Iteration)
	case *hooks.TaskStartedEvent:
		log.Printf(ctx, "event %s: task %s by %s", e.Type(), e.TaskID, e.UserID)
	case *hooks.TaskDoneEvent:
		log.Printf(ctx, "event %s: task %s -> %s", e.Type(), e.TaskID, e.Outcome)
	case *hooks.FlowCompletedEvent:
		log.Printf(ctx, "event %s: flow %s", e.Type(), e.FlowID())
	}
	return nil
}

// onboardingDefinition builds the demo workflow: intake collects documents
// (text evidence required), review either approves or sends the flow back
// through intake.
func onboardingDefinition() *catalog.Definition {
	minLen := 5
	return &catalog.Definition{
		ID:     "wf-onboarding",
		Name:   "Customer Onboarding",
		Status: catalog.StatusDraft,
		Nodes: []snapshot.Node{
			{
				ID:             "intake",
				Name:           "Intake",
				IsEntry:        true,
				CompletionRule: snapshot.AllTasksDone,
				Tasks: []snapshot.Task{{
					ID:               "collect-documents",
					Name:             "Collect documents",
					DisplayOrder:     1,
					EvidenceRequired: true,
					EvidenceSchema: &evidence.Schema{
						Kind: evidence.KindText,
						Text: &evidence.TextSchema{MinLength: &minLen},
					},
					Outcomes: []snapshot.Outcome{{ID: "out-collect-done", Name: "DONE"}},
				}},
			},
			{
				ID:             "review",
				Name:           "Review",
				CompletionRule: snapshot.AllTasksDone,
				Tasks: []snapshot.Task{{
					ID:           "approve-terms",
					Name:         "Approve terms",
					DisplayOrder: 1,
					Outcomes: []snapshot.Outcome{
						{ID: "out-approved", Name: "APPROVED"},
						{ID: "out-changes", Name: "CHANGES_REQUESTED"},
					},
				}},
			},
		},
		Gates: []snapshot.Gate{
			{ID: "g-intake-done", SourceNodeID: "intake", OutcomeName: "DONE", TargetNodeID: strPtr("review")},
			{ID: "g-review-approved", SourceNodeID: "review", OutcomeName: "APPROVED", TargetNodeID: nil},
			{ID: "g-review-changes", SourceNodeID: "review", OutcomeName: "CHANGES_REQUESTED", TargetNodeID: strPtr("intake")},
		},
	}
}

func strPtr(s string) *string { return &s }
