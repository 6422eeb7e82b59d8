// Package mongo provides a MongoDB implementation of the catalog store.
//
// Definitions and versions live in separate collections. Definitions are
// upserted in place; versions are insert-only since published versions are
// immutable.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowspec/flowspec/catalog"
)

// Store is a MongoDB implementation of the catalog.Store interface.
type Store struct {
	definitions *mongo.Collection
	versions    *mongo.Collection
}

// Compile-time check that Store implements catalog.Store.
var _ catalog.Store = (*Store)(nil)

// definitionDocument is the MongoDB document representation of a Definition.
// The graph itself is stored as raw JSON so the document schema does not chase
// the snapshot types.
type definitionDocument struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	Graph     []byte    `bson:"graph"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// versionDocument is the MongoDB document representation of a Version.
type versionDocument struct {
	ID          string    `bson:"_id"`
	WorkflowID  string    `bson:"workflow_id"`
	Number      int       `bson:"number"`
	Snapshot    []byte    `bson:"snapshot"`
	PublishedAt time.Time `bson:"published_at"`
	PublishedBy string    `bson:"published_by"`
}

// New creates a new MongoDB catalog store over the given database. It creates
// the indexes version lookups depend on.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		definitions: db.Collection("workflow_definitions"),
		versions:    db.Collection("workflow_versions"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.versions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "workflow_id", Value: 1}, {Key: "number", Value: -1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongodb create version index: %w", err)
	}
	return nil
}

// PutDefinition stores or replaces a definition keyed by its ID.
func (s *Store) PutDefinition(ctx context.Context, def *catalog.Definition) error {
	doc, err := toDefinitionDocument(def)
	if err != nil {
		return err
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.definitions.ReplaceOne(ctx, bson.M{"_id": def.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save definition %q: %w", def.ID, err)
	}
	return nil
}

// Definition retrieves a definition by workflow id.
func (s *Store) Definition(ctx context.Context, workflowID string) (*catalog.Definition, error) {
	var doc definitionDocument
	err := s.definitions.FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get definition %q: %w", workflowID, err)
	}
	return fromDefinitionDocument(&doc)
}

// ListDefinitions returns every definition ordered by id.
func (s *Store) ListDefinitions(ctx context.Context) ([]*catalog.Definition, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cursor, err := s.definitions.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list definitions: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []definitionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list definitions decode: %w", err)
	}
	result := make([]*catalog.Definition, len(docs))
	for i := range docs {
		def, err := fromDefinitionDocument(&docs[i])
		if err != nil {
			return nil, err
		}
		result[i] = def
	}
	return result, nil
}

// PutVersion persists a published version. Versions are immutable so the
// document is insert-only.
func (s *Store) PutVersion(ctx context.Context, v catalog.Version) error {
	doc := versionDocument{
		ID:          v.ID,
		WorkflowID:  v.WorkflowID,
		Number:      v.Number,
		Snapshot:    v.Snapshot,
		PublishedAt: v.PublishedAt,
		PublishedBy: v.PublishedBy,
	}
	if _, err := s.versions.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("mongodb save version %q: %w", v.ID, err)
	}
	return nil
}

// Version retrieves a version by id.
func (s *Store) Version(ctx context.Context, versionID string) (catalog.Version, error) {
	var doc versionDocument
	err := s.versions.FindOne(ctx, bson.M{"_id": versionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return catalog.Version{}, catalog.ErrNotFound
		}
		return catalog.Version{}, fmt.Errorf("mongodb get version %q: %w", versionID, err)
	}
	return fromVersionDocument(&doc), nil
}

// LatestPublished returns the highest-numbered version of the workflow.
func (s *Store) LatestPublished(ctx context.Context, workflowID string) (catalog.Version, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "number", Value: -1}})
	var doc versionDocument
	err := s.versions.FindOne(ctx, bson.M{"workflow_id": workflowID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return catalog.Version{}, catalog.ErrNotFound
		}
		return catalog.Version{}, fmt.Errorf("mongodb latest version of %q: %w", workflowID, err)
	}
	return fromVersionDocument(&doc), nil
}

// VersionsByWorkflow returns the workflow's versions ordered by number.
func (s *Store) VersionsByWorkflow(ctx context.Context, workflowID string) ([]catalog.Version, error) {
	opts := options.Find().SetSort(bson.D{{Key: "number", Value: 1}})
	cursor, err := s.versions.Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list versions of %q: %w", workflowID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []versionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list versions decode: %w", err)
	}
	result := make([]catalog.Version, len(docs))
	for i := range docs {
		result[i] = fromVersionDocument(&docs[i])
	}
	return result, nil
}

// toDefinitionDocument converts a Definition to a MongoDB document.
func toDefinitionDocument(def *catalog.Definition) (*definitionDocument, error) {
	graph, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition %q: %w", def.ID, err)
	}
	return &definitionDocument{
		ID:        def.ID,
		Status:    string(def.Status),
		Graph:     graph,
		UpdatedAt: def.UpdatedAt,
	}, nil
}

// fromDefinitionDocument converts a MongoDB document to a Definition.
func fromDefinitionDocument(doc *definitionDocument) (*catalog.Definition, error) {
	var def catalog.Definition
	if err := json.Unmarshal(doc.Graph, &def); err != nil {
		return nil, fmt.Errorf("decode definition %q: %w", doc.ID, err)
	}
	return &def, nil
}

// fromVersionDocument converts a MongoDB document to a Version.
func fromVersionDocument(doc *versionDocument) catalog.Version {
	return catalog.Version{
		ID:          doc.ID,
		WorkflowID:  doc.WorkflowID,
		Number:      doc.Number,
		Snapshot:    doc.Snapshot,
		PublishedAt: doc.PublishedAt,
		PublishedBy: doc.PublishedBy,
	}
}
