package catalog

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowspec/flowspec/engine/evidence"
	"github.com/flowspec/flowspec/engine/snapshot"
)

// memStore is a minimal in-package store used to avoid an import cycle with
// catalog/store/memory in these tests.
type memStore struct {
	defs     map[string]*Definition
	versions map[string]Version
}

func newMemStore() *memStore {
	return &memStore{defs: make(map[string]*Definition), versions: make(map[string]Version)}
}

func (m *memStore) PutDefinition(_ context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return err
	}
	var cp Definition
	if err := json.Unmarshal(data, &cp); err != nil {
		return err
	}
	m.defs[def.ID] = &cp
	return nil
}

func (m *memStore) Definition(_ context.Context, id string) (*Definition, error) {
	def, ok := m.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	data, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}
	var cp Definition
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (m *memStore) ListDefinitions(_ context.Context) ([]*Definition, error) {
	out := make([]*Definition, 0, len(m.defs))
	for _, def := range m.defs {
		out = append(out, def)
	}
	return out, nil
}

func (m *memStore) PutVersion(_ context.Context, v Version) error {
	m.versions[v.ID] = v
	return nil
}

func (m *memStore) Version(_ context.Context, id string) (Version, error) {
	v, ok := m.versions[id]
	if !ok {
		return Version{}, ErrNotFound
	}
	return v, nil
}

func (m *memStore) LatestPublished(_ context.Context, workflowID string) (Version, error) {
	var latest Version
	found := false
	for _, v := range m.versions {
		if v.WorkflowID == workflowID && (!found || v.Number > latest.Number) {
			latest = v
			found = true
		}
	}
	if !found {
		return Version{}, ErrNotFound
	}
	return latest, nil
}

func (m *memStore) VersionsByWorkflow(_ context.Context, workflowID string) ([]Version, error) {
	var out []Version
	for _, v := range m.versions {
		if v.WorkflowID == workflowID {
			out = append(out, v)
		}
	}
	return out, nil
}

var _ Store = (*memStore)(nil)

// validDefinition builds a two-node workflow that passes every validation
// category: entry node, full gate coverage, a terminal path.
func validDefinition(id string) *Definition {
	n2 := "n2"
	return &Definition{
		ID:     id,
		Name:   "Valid Workflow",
		Status: StatusDraft,
		Nodes: []snapshot.Node{
			{ID: "n1", Name: "Intake", IsEntry: true, CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: id + "-t1", Name: "Review", Outcomes: []snapshot.Outcome{
					{ID: "o1", Name: "APPROVED"},
					{ID: "o2", Name: "REJECTED"},
				}},
			}},
			{ID: "n2", Name: "Fulfil", CompletionRule: snapshot.AllTasksDone, Tasks: []snapshot.Task{
				{ID: id + "-t2", Name: "Ship", Outcomes: []snapshot.Outcome{{ID: "o3", Name: "SHIPPED"}}},
			}},
		},
		Gates: []snapshot.Gate{
			{ID: "g1", SourceNodeID: "n1", OutcomeName: "APPROVED", TargetNodeID: &n2},
			{ID: "g2", SourceNodeID: "n1", OutcomeName: "REJECTED"},
			{ID: "g3", SourceNodeID: "n2", OutcomeName: "SHIPPED"},
		},
	}
}

func requireIssue(t *testing.T, issues []Issue, cat Category, substr string) {
	t.Helper()
	for _, i := range issues {
		if i.Category == cat && strings.Contains(i.Message, substr) {
			return
		}
	}
	t.Fatalf("no %s issue containing %q in %v", cat, substr, issues)
}

func TestValidateCleanDefinition(t *testing.T) {
	store := newMemStore()
	def := validDefinition("wf-1")
	require.NoError(t, store.PutDefinition(context.Background(), def))

	svc, err := NewService(store)
	require.NoError(t, err)
	issues, err := svc.Validate(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Empty(t, issues)

	// A clean validation transitions DRAFT -> VALIDATED.
	got, err := store.Definition(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, got.Status)
}

func TestValidateStructural(t *testing.T) {
	t.Run("no entry node", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.Nodes[0].IsEntry = false
		issues := validateStructure(def)
		requireIssue(t, issues, CategoryStructural, "no entry node")
	})

	t.Run("unreachable node", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.Nodes = append(def.Nodes, snapshot.Node{ID: "n3", Name: "Orphan"})
		issues := validateStructure(def)
		requireIssue(t, issues, CategoryStructural, "not reachable")
	})

	t.Run("duplicate node id", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.Nodes = append(def.Nodes, def.Nodes[0])
		issues := validateStructure(def)
		requireIssue(t, issues, CategoryStructural, "duplicate node id")
	})

	t.Run("duplicate task id across nodes", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.Nodes[1].Tasks[0].ID = def.Nodes[0].Tasks[0].ID
		issues := validateStructure(def)
		requireIssue(t, issues, CategoryStructural, "appears in nodes")
	})

	t.Run("no terminal path", func(t *testing.T) {
		def := validDefinition("wf-1")
		back := "n1"
		def.Gates[1].TargetNodeID = &back
		def.Gates[2].TargetNodeID = &back
		issues := validateStructure(def)
		requireIssue(t, issues, CategoryStructural, "no terminal path")
	})

	t.Run("non-terminating workflow may loop forever", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.IsNonTerminating = true
		back := "n1"
		def.Gates[1].TargetNodeID = &back
		def.Gates[2].TargetNodeID = &back
		assert.Empty(t, validateStructure(def))
	})
}

func TestValidateGates(t *testing.T) {
	t.Run("duplicate gate for outcome", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.Gates = append(def.Gates, snapshot.Gate{ID: "g4", SourceNodeID: "n1", OutcomeName: "APPROVED"})
		issues := validateGates(def)
		requireIssue(t, issues, CategoryGates, "want exactly one")
	})

	t.Run("outcome without gate", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.Nodes[0].Tasks[0].Outcomes = append(def.Nodes[0].Tasks[0].Outcomes, snapshot.Outcome{ID: "o9", Name: "ESCALATED"})
		issues := validateGates(def)
		requireIssue(t, issues, CategoryGates, "has no gate")
	})

	t.Run("task without outcomes", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.Nodes[0].Tasks[0].Outcomes = nil
		issues := validateGates(def)
		requireIssue(t, issues, CategoryGates, "no outcomes")
	})

	t.Run("gate target does not exist", func(t *testing.T) {
		def := validDefinition("wf-1")
		ghost := "n99"
		def.Gates[0].TargetNodeID = &ghost
		issues := validateGates(def)
		requireIssue(t, issues, CategoryGates, "does not exist")
	})
}

func TestValidateEvidence(t *testing.T) {
	def := validDefinition("wf-1")
	def.Nodes[0].Tasks[0].EvidenceRequired = true
	issues := validateEvidence(def)
	requireIssue(t, issues, CategoryEvidence, "without evidenceSchema")

	def.Nodes[0].Tasks[0].EvidenceSchema = &evidence.Schema{Kind: evidence.KindText}
	assert.Empty(t, validateEvidence(def))
}

func TestValidateSemantics(t *testing.T) {
	def := validDefinition("wf-1")
	def.Nodes[0].CompletionRule = snapshot.SpecificTasksDone
	def.Nodes[0].SpecificTasks = []string{"no-such-task"}
	issues := validateSemantics(def)
	requireIssue(t, issues, CategorySemantic, "unknown task")
}

func TestValidateCrossFlow(t *testing.T) {
	ctx := context.Background()

	t.Run("peer must exist and be published", func(t *testing.T) {
		store := newMemStore()
		def := validDefinition("wf-1")
		def.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
			{SourceWorkflowID: "wf-peer", SourceTaskPath: "n1.wf-peer-t1", RequiredOutcome: "APPROVED"},
		}
		issues, err := validateCrossFlow(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryCrossFlow, "does not exist")

		peer := validDefinition("wf-peer")
		require.NoError(t, store.PutDefinition(ctx, peer))
		issues, err = validateCrossFlow(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryCrossFlow, "not published")

		peer.Status = StatusPublished
		require.NoError(t, store.PutDefinition(ctx, peer))
		issues, err = validateCrossFlow(ctx, def, store)
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("bad path format", func(t *testing.T) {
		store := newMemStore()
		def := validDefinition("wf-1")
		def.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
			{SourceWorkflowID: "wf-peer", SourceTaskPath: "justataskid", RequiredOutcome: "DONE"},
		}
		issues, err := validateCrossFlow(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryCrossFlow, "not of the form")
	})

	t.Run("self dependency rejected", func(t *testing.T) {
		store := newMemStore()
		def := validDefinition("wf-1")
		def.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
			{SourceWorkflowID: "wf-1", SourceTaskPath: "n1.wf-1-t1", RequiredOutcome: "APPROVED"},
		}
		issues, err := validateCrossFlow(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryCrossFlow, "own outcome")
	})

	t.Run("missing outcome on source task", func(t *testing.T) {
		store := newMemStore()
		peer := validDefinition("wf-peer")
		peer.Status = StatusPublished
		require.NoError(t, store.PutDefinition(ctx, peer))

		def := validDefinition("wf-1")
		def.Nodes[0].Tasks[0].CrossFlowDependencies = []snapshot.CrossFlowDependency{
			{SourceWorkflowID: "wf-peer", SourceTaskPath: "n1.wf-peer-t1", RequiredOutcome: "NOPE"},
		}
		issues, err := validateCrossFlow(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryCrossFlow, "no outcome")
	})
}

func TestValidateFanOut(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()

	target := validDefinition("wf-target")
	target.Status = StatusPublished
	require.NoError(t, store.PutDefinition(ctx, target))

	t.Run("clean rule", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.FanOutRules = []snapshot.FanOutRule{
			{SourceNodeID: "n1", TriggerOutcome: "APPROVED", TargetWorkflowID: "wf-target"},
		}
		issues, err := validateFanOut(ctx, def, store)
		require.NoError(t, err)
		assert.Empty(t, issues)
	})

	t.Run("self fan-out", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.FanOutRules = []snapshot.FanOutRule{
			{SourceNodeID: "n1", TriggerOutcome: "APPROVED", TargetWorkflowID: "wf-1"},
		}
		issues, err := validateFanOut(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryFanOut, "fans out to itself")
	})

	t.Run("undeclared trigger outcome", func(t *testing.T) {
		def := validDefinition("wf-1")
		def.FanOutRules = []snapshot.FanOutRule{
			{SourceNodeID: "n1", TriggerOutcome: "UNKNOWN", TargetWorkflowID: "wf-target"},
		}
		issues, err := validateFanOut(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryFanOut, "not declared")
	})

	t.Run("unpublished target", func(t *testing.T) {
		draft := validDefinition("wf-draft")
		require.NoError(t, store.PutDefinition(ctx, draft))
		def := validDefinition("wf-1")
		def.FanOutRules = []snapshot.FanOutRule{
			{SourceNodeID: "n1", TriggerOutcome: "APPROVED", TargetWorkflowID: "wf-draft"},
		}
		issues, err := validateFanOut(ctx, def, store)
		require.NoError(t, err)
		requireIssue(t, issues, CategoryFanOut, "not published")
	})
}

func TestDecodeDefinitionYAML(t *testing.T) {
	doc := []byte(`
id: wf-yaml
name: YAML Workflow
nodes:
  - id: n1
    name: Start
    isEntry: true
    completionRule: ALL_TASKS_DONE
    tasks:
      - id: t1
        name: Kickoff
        outcomes:
          - id: o1
            name: DONE
gates:
  - id: g1
    sourceNodeId: n1
    outcomeName: DONE
`)
	def, err := DecodeDefinition(doc)
	require.NoError(t, err)
	assert.Equal(t, "wf-yaml", def.ID)
	assert.Equal(t, StatusDraft, def.Status)
	require.Len(t, def.Nodes, 1)
	assert.True(t, def.Nodes[0].IsEntry)
	assert.Equal(t, snapshot.AllTasksDone, def.Nodes[0].CompletionRule)
	require.Len(t, def.Gates, 1)
	assert.Nil(t, def.Gates[0].TargetNodeID)
}

func TestDecodeDefinitionBadYAML(t *testing.T) {
	_, err := DecodeDefinition([]byte("{not yaml"))
	assert.Error(t, err)
}

var testClock = func() time.Time { return time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC) }
