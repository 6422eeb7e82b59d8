package mongo

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowspec/flowspec/catalog"
	"github.com/flowspec/flowspec/engine/snapshot"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, MongoDB tests will be skipped: %v\n", containerErr)
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		fmt.Printf("Failed to get container host: %v\n", err)
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		fmt.Printf("Failed to get container port: %v\n", err)
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		fmt.Printf("Failed to connect to MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		fmt.Printf("Failed to ping MongoDB: %v\n", err)
		skipMongoTests = true
		return
	}
}

func getStore(t *testing.T) *Store {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping MongoDB test")
	}
	db := testMongoClient.Database("catalog_" + t.Name())
	if err := db.Drop(context.Background()); err != nil {
		t.Fatalf("failed to drop database: %v", err)
	}
	s, err := New(context.Background(), db)
	require.NoError(t, err)
	return s
}

func sampleDefinition(id string) *catalog.Definition {
	target := "n2"
	return &catalog.Definition{
		ID:     id,
		Name:   "Mongo Test Workflow",
		Status: catalog.StatusDraft,
		Nodes: []snapshot.Node{
			{ID: "n1", Name: "First", IsEntry: true, Tasks: []snapshot.Task{
				{ID: "t1", Name: "Do it", Outcomes: []snapshot.Outcome{{ID: "o1", Name: "DONE"}}},
			}},
			{ID: "n2", Name: "Second"},
		},
		Gates: []snapshot.Gate{
			{ID: "g1", SourceNodeID: "n1", OutcomeName: "DONE", TargetNodeID: &target},
		},
		UpdatedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutDefinition(ctx, sampleDefinition("wf-1")))
	got, err := s.Definition(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Mongo Test Workflow", got.Name)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "DONE", got.Nodes[0].Tasks[0].Outcomes[0].Name)
	require.Len(t, got.Gates, 1)
	require.NotNil(t, got.Gates[0].TargetNodeID)
	assert.Equal(t, "n2", *got.Gates[0].TargetNodeID)

	_, err = s.Definition(ctx, "missing")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestPutDefinitionUpserts(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	def := sampleDefinition("wf-1")
	require.NoError(t, s.PutDefinition(ctx, def))
	def.Status = catalog.StatusValidated
	require.NoError(t, s.PutDefinition(ctx, def))

	got, err := s.Definition(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusValidated, got.Status)

	defs, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
}

func TestVersionOrdering(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.PutVersion(ctx, catalog.Version{
			ID:          fmt.Sprintf("wfv-%d", i),
			WorkflowID:  "wf-1",
			Number:      i,
			Snapshot:    []byte(fmt.Sprintf(`{"version":%d}`, i)),
			PublishedAt: time.Now().UTC(),
			PublishedBy: "user-1",
		}))
	}

	latest, err := s.LatestPublished(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Number)

	all, err := s.VersionsByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 1, all[0].Number)
	assert.Equal(t, 3, all[2].Number)

	one, err := s.Version(ctx, "wfv-2")
	require.NoError(t, err)
	assert.Equal(t, 2, one.Number)

	_, err = s.LatestPublished(ctx, "wf-none")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDuplicateVersionNumberRejected(t *testing.T) {
	s := getStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutVersion(ctx, catalog.Version{ID: "wfv-a", WorkflowID: "wf-1", Number: 1, Snapshot: []byte(`{}`)}))
	err := s.PutVersion(ctx, catalog.Version{ID: "wfv-b", WorkflowID: "wf-1", Number: 1, Snapshot: []byte(`{}`)})
	assert.Error(t, err)
}
