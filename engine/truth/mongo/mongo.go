// Package mongo provides a MongoDB-backed implementation of truth.Store.
//
// Each event kind lives in its own collection, keyed by store-assigned
// per-flow ids whose lexicographic order equals append order. Writes within
// one flow serialize on a leased lock document, so a crashed holder never
// wedges the flow. Transactions stage writes in memory and apply them at
// commit; a callback error discards the staged state without touching the
// database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/google/uuid"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/truth"
)

const (
	collGroups      = "flow_groups"
	collFlows       = "flows"
	collJobs        = "flow_jobs"
	collActivations = "node_activations"
	collExecutions  = "task_executions"
	collEvidence    = "evidence_attachments"
	collValidity    = "validity_events"
	collDetours     = "detours"
	collFailures    = "fanout_failures"
	collCounters    = "flow_counters"
	collLocks       = "flow_locks"

	defaultOpTimeout = 5 * time.Second
	// defaultLockLease bounds how long a crashed holder keeps a flow locked.
	defaultLockLease = 15 * time.Second
	lockRetryDelay   = 25 * time.Millisecond
	truthClientName  = "truth-mongo"
)

type (
	// Options configures the Mongo truth store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// LockLease bounds per-flow lock ownership. Defaults to 15s.
		LockLease time.Duration
	}

	// Store implements truth.Store on MongoDB.
	Store struct {
		client    *mongodriver.Client
		db        *mongodriver.Database
		timeout   time.Duration
		lockLease time.Duration
		// owner identifies this process in lock documents.
		owner string
	}
)

// Compile-time checks.
var (
	_ truth.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New connects the store to the database and ensures its indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	lease := opts.LockLease
	if lease <= 0 {
		lease = defaultLockLease
	}
	s := &Store{
		client:    opts.Client,
		db:        opts.Client.Database(opts.Database),
		timeout:   timeout,
		lockLease: lease,
		owner:     uuid.NewString(),
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure truth indexes: %w", err)
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return truthClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongodriver.IndexModel{
		collGroups: {{
			Keys: bson.D{
				{Key: "company_id", Value: 1},
				{Key: "scope_type", Value: 1},
				{Key: "scope_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		}},
		collFlows: {
			{Keys: bson.D{{Key: "group_id", Value: 1}}},
			{Keys: bson.D{{Key: "workflow_id", Value: 1}}},
		},
		collJobs: {{
			Keys:    bson.D{{Key: "group_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		collActivations: {{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "_id", Value: 1}}}},
		collExecutions: {
			{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "_id", Value: 1}}},
			{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "task_id", Value: 1}}},
		},
		collEvidence: {{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "_id", Value: 1}}}},
		collValidity: {{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "_id", Value: 1}}}},
		collDetours:  {{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "_id", Value: 1}}}},
		collFailures: {{Keys: bson.D{{Key: "flow_id", Value: 1}, {Key: "_id", Value: 1}}}},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("collection %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// EnsureGroup implements truth.Store. The unique scope index plus a pure
// $setOnInsert upsert make concurrent calls converge on one group.
func (s *Store) EnsureGroup(ctx context.Context, companyID, scopeType, scopeID string, now time.Time) (flow.Group, error) {
	if companyID == "" || scopeType == "" || scopeID == "" {
		return flow.Group{}, fmt.Errorf("company id, scope type and scope id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"company_id": companyID,
		"scope_type": scopeType,
		"scope_id":   scopeID,
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":        "grp-" + uuid.NewString(),
			"company_id": companyID,
			"scope_type": scopeType,
			"scope_id":   scopeID,
			"created_at": now.UTC(),
		},
	}
	var doc groupDocument
	err := s.db.Collection(collGroups).
		FindOneAndUpdate(ctx, filter, update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).
		Decode(&doc)
	if err != nil {
		return flow.Group{}, err
	}
	return doc.toGroup(), nil
}

// GroupByID implements truth.Store.
func (s *Store) GroupByID(ctx context.Context, groupID string) (flow.Group, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc groupDocument
	err := s.db.Collection(collGroups).FindOne(ctx, bson.M{"_id": groupID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return flow.Group{}, truth.ErrGroupNotFound
	}
	if err != nil {
		return flow.Group{}, err
	}
	return doc.toGroup(), nil
}

// InsertFlow implements truth.Store.
func (s *Store) InsertFlow(ctx context.Context, f flow.Flow) error {
	if f.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collFlows).InsertOne(ctx, fromFlow(f))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("flow %q already exists", f.ID)
	}
	return err
}

// FlowByID implements truth.Store.
func (s *Store) FlowByID(ctx context.Context, flowID string) (flow.Flow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.flowByID(ctx, flowID)
}

func (s *Store) flowByID(ctx context.Context, flowID string) (flow.Flow, error) {
	var doc flowDocument
	err := s.db.Collection(collFlows).FindOne(ctx, bson.M{"_id": flowID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return flow.Flow{}, truth.ErrFlowNotFound
	}
	if err != nil {
		return flow.Flow{}, err
	}
	return doc.toFlow(), nil
}

// FlowsByGroup implements truth.Store.
func (s *Store) FlowsByGroup(ctx context.Context, groupID string) ([]flow.Flow, error) {
	return s.findFlows(ctx, bson.M{"group_id": groupID})
}

// FlowsByWorkflow implements truth.Store.
func (s *Store) FlowsByWorkflow(ctx context.Context, workflowID string) ([]flow.Flow, error) {
	return s.findFlows(ctx, bson.M{"workflow_id": workflowID})
}

func (s *Store) findFlows(ctx context.Context, filter bson.M) ([]flow.Flow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(collFlows).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []flow.Flow
	for cur.Next(ctx) {
		var doc flowDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toFlow())
	}
	return out, cur.Err()
}

// UpdateFlowStatus implements truth.Store.
func (s *Store) UpdateFlowStatus(ctx context.Context, flowID string, status flow.Status, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{"status": string(status)}
	if status == flow.StatusCompleted {
		set["completed_at"] = now.UTC()
	}
	res, err := s.db.Collection(collFlows).UpdateOne(ctx, bson.M{"_id": flowID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return truth.ErrFlowNotFound
	}
	return nil
}

// EventsForFlow implements truth.Store.
func (s *Store) EventsForFlow(ctx context.Context, flowID string) (truth.EventSet, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.flowByID(ctx, flowID); err != nil {
		return truth.EventSet{}, err
	}
	return s.loadEvents(ctx, flowID)
}

func (s *Store) loadEvents(ctx context.Context, flowID string) (truth.EventSet, error) {
	var set truth.EventSet
	if err := s.findAll(ctx, collActivations, flowID, func(dec decoder) error {
		var doc activationDocument
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		set.Activations = append(set.Activations, doc.toActivation())
		return nil
	}); err != nil {
		return truth.EventSet{}, err
	}
	if err := s.findAll(ctx, collExecutions, flowID, func(dec decoder) error {
		var doc executionDocument
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		set.Executions = append(set.Executions, doc.toExecution())
		return nil
	}); err != nil {
		return truth.EventSet{}, err
	}
	if err := s.findAll(ctx, collEvidence, flowID, func(dec decoder) error {
		var doc evidenceDocument
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		set.Evidence = append(set.Evidence, doc.toAttachment())
		return nil
	}); err != nil {
		return truth.EventSet{}, err
	}
	if err := s.findAll(ctx, collValidity, flowID, func(dec decoder) error {
		var doc validityDocument
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		set.Validity = append(set.Validity, doc.toValidity())
		return nil
	}); err != nil {
		return truth.EventSet{}, err
	}
	if err := s.findAll(ctx, collDetours, flowID, func(dec decoder) error {
		var doc detourDocument
		if err := dec.Decode(&doc); err != nil {
			return err
		}
		set.Detours = append(set.Detours, doc.toDetour())
		return nil
	}); err != nil {
		return truth.EventSet{}, err
	}
	return set, nil
}

type decoder interface{ Decode(val any) error }

// findAll streams a flow's documents in id order.
func (s *Store) findAll(ctx context.Context, collection, flowID string, each func(decoder) error) error {
	cur, err := s.db.Collection(collection).Find(ctx, bson.M{"flow_id": flowID},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	defer func() { _ = cur.Close(ctx) }()
	for cur.Next(ctx) {
		if err := each(cur); err != nil {
			return err
		}
	}
	return cur.Err()
}

// GroupOutcomes implements truth.Store.
func (s *Store) GroupOutcomes(ctx context.Context, groupID string) ([]truth.GroupOutcome, error) {
	flows, err := s.FlowsByGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		return nil, nil
	}
	workflowOf := make(map[string]string, len(flows))
	flowIDs := make([]string, 0, len(flows))
	for _, f := range flows {
		workflowOf[f.ID] = f.WorkflowID
		flowIDs = append(flowIDs, f.ID)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(collExecutions).Find(ctx, bson.M{
		"flow_id": bson.M{"$in": flowIDs},
		"outcome": bson.M{"$ne": nil},
	}, options.Find().SetSort(bson.D{
		{Key: "flow_id", Value: 1},
		{Key: "task_id", Value: 1},
		{Key: "outcome", Value: 1},
	}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []truth.GroupOutcome
	for cur.Next(ctx) {
		var doc executionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if doc.Outcome == nil {
			continue
		}
		out = append(out, truth.GroupOutcome{
			FlowID:     doc.FlowID,
			WorkflowID: workflowOf[doc.FlowID],
			TaskID:     doc.TaskID,
			Outcome:    *doc.Outcome,
		})
	}
	return out, cur.Err()
}

// EnsureJob implements truth.Store. One job per group, converged by the
// unique group index.
func (s *Store) EnsureJob(ctx context.Context, groupID, customerID string, now time.Time) (flow.Job, error) {
	if groupID == "" {
		return flow.Job{}, fmt.Errorf("group id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":         "job-" + uuid.NewString(),
			"group_id":    groupID,
			"customer_id": customerID,
			"created_at":  now.UTC(),
		},
	}
	var doc jobDocument
	err := s.db.Collection(collJobs).
		FindOneAndUpdate(ctx, bson.M{"group_id": groupID}, update,
			options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)).
		Decode(&doc)
	if err != nil {
		return flow.Job{}, err
	}
	return doc.toJob(), nil
}

// InsertFanOutFailure implements truth.Store.
func (s *Store) InsertFanOutFailure(ctx context.Context, rec truth.FanOutFailure) (truth.FanOutFailure, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rec.ID = "fof-" + uuid.NewString()
	if _, err := s.db.Collection(collFailures).InsertOne(ctx, fromFailure(rec)); err != nil {
		return truth.FanOutFailure{}, err
	}
	return rec, nil
}

// FanOutFailures implements truth.Store.
func (s *Store) FanOutFailures(ctx context.Context, flowID string) ([]truth.FanOutFailure, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.db.Collection(collFailures).Find(ctx, bson.M{"flow_id": flowID},
		options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []truth.FanOutFailure
	for cur.Next(ctx) {
		var doc failureDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toFailure())
	}
	return out, cur.Err()
}
