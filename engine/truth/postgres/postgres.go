// Package postgres provides a PostgreSQL-backed implementation of truth.Store.
//
// The schema is managed by embedded goose migrations, applied on New. Writes
// within one flow run inside a single SQL transaction holding a row lock on
// the flow (SELECT ... FOR UPDATE), so commit is atomic and a callback error
// rolls every staged write back.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"goa.design/clue/health"

	"github.com/google/uuid"

	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/truth"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	defaultOpTimeout = 5 * time.Second
	truthClientName  = "truth-postgres"

	// uniqueViolation is the Postgres error code for duplicate keys.
	uniqueViolation = "23505"
)

type (
	// Options configures the Postgres truth store.
	Options struct {
		// Pool is the connected connection pool. Required.
		Pool *pgxpool.Pool
		// Timeout bounds individual read operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store implements truth.Store on PostgreSQL.
	Store struct {
		pool    *pgxpool.Pool
		timeout time.Duration
	}

	// querier is satisfied by both *pgxpool.Pool and pgx.Tx so reads run
	// against either.
	querier interface {
		Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
		Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
)

// Compile-time checks.
var (
	_ truth.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New applies the schema migrations and returns the store.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Pool == nil {
		return nil, errors.New("postgres pool is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{pool: opts.Pool, timeout: timeout}
	if err := migrate(ctx, opts.Pool); err != nil {
		return nil, fmt.Errorf("apply truth migrations: %w", err)
	}
	return s, nil
}

// migrate brings the schema up to date with the embedded migrations.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	// The database/sql shim shares the pool's connections; closing it does
	// not close the pool.
	db := stdlib.OpenDBFromPool(pool)
	defer func() { _ = db.Close() }()
	return goose.UpContext(ctx, db, "migrations")
}

// Name implements health.Pinger.
func (s *Store) Name() string { return truthClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.pool.Ping(ctx)
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

// EnsureGroup implements truth.Store. The unique scope constraint plus a
// no-op conflict update make concurrent calls converge on one group: the
// RETURNING clause yields the existing row, never the losing insert.
func (s *Store) EnsureGroup(ctx context.Context, companyID, scopeType, scopeID string, now time.Time) (flow.Group, error) {
	if companyID == "" || scopeType == "" || scopeID == "" {
		return flow.Group{}, fmt.Errorf("company id, scope type and scope id are required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var g flow.Group
	err := s.pool.QueryRow(ctx, `
INSERT INTO flow_groups (id, company_id, scope_type, scope_id, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (company_id, scope_type, scope_id) DO UPDATE SET company_id = EXCLUDED.company_id
RETURNING id, company_id, scope_type, scope_id, created_at`,
		"grp-"+uuid.NewString(), companyID, scopeType, scopeID, now.UTC(),
	).Scan(&g.ID, &g.CompanyID, &g.ScopeType, &g.ScopeID, &g.CreatedAt)
	if err != nil {
		return flow.Group{}, err
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

// GroupByID implements truth.Store.
func (s *Store) GroupByID(ctx context.Context, groupID string) (flow.Group, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var g flow.Group
	err := s.pool.QueryRow(ctx, `
SELECT id, company_id, scope_type, scope_id, created_at FROM flow_groups WHERE id = $1`, groupID,
	).Scan(&g.ID, &g.CompanyID, &g.ScopeType, &g.ScopeID, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return flow.Group{}, truth.ErrGroupNotFound
	}
	if err != nil {
		return flow.Group{}, err
	}
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

// InsertFlow implements truth.Store.
func (s *Store) InsertFlow(ctx context.Context, f flow.Flow) error {
	if f.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.pool.Exec(ctx, `
INSERT INTO flows (id, workflow_id, workflow_version_id, group_id, company_id, status, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		f.ID, f.WorkflowID, f.WorkflowVersionID, f.GroupID, f.CompanyID,
		string(f.Status), f.CreatedAt.UTC(), utcPtr(f.CompletedAt))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("flow %q already exists", f.ID)
	}
	return err
}

const flowColumns = `id, workflow_id, workflow_version_id, group_id, company_id, status, created_at, completed_at`

func scanFlow(row pgx.Row) (flow.Flow, error) {
	var (
		f      flow.Flow
		status string
	)
	err := row.Scan(&f.ID, &f.WorkflowID, &f.WorkflowVersionID, &f.GroupID,
		&f.CompanyID, &status, &f.CreatedAt, &f.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return flow.Flow{}, truth.ErrFlowNotFound
	}
	if err != nil {
		return flow.Flow{}, err
	}
	f.Status = flow.Status(status)
	f.CreatedAt = f.CreatedAt.UTC()
	f.CompletedAt = utcPtr(f.CompletedAt)
	return f, nil
}

// FlowByID implements truth.Store.
func (s *Store) FlowByID(ctx context.Context, flowID string) (flow.Flow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return flowByID(ctx, s.pool, flowID)
}

func flowByID(ctx context.Context, q querier, flowID string) (flow.Flow, error) {
	return scanFlow(q.QueryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = $1`, flowID))
}

// FlowsByGroup implements truth.Store.
func (s *Store) FlowsByGroup(ctx context.Context, groupID string) ([]flow.Flow, error) {
	return s.findFlows(ctx, `group_id = $1`, groupID)
}

// FlowsByWorkflow implements truth.Store.
func (s *Store) FlowsByWorkflow(ctx context.Context, workflowID string) ([]flow.Flow, error) {
	return s.findFlows(ctx, `workflow_id = $1`, workflowID)
}

func (s *Store) findFlows(ctx context.Context, where string, arg any) ([]flow.Flow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `SELECT `+flowColumns+` FROM flows WHERE `+where+` ORDER BY id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []flow.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// UpdateFlowStatus implements truth.Store.
func (s *Store) UpdateFlowStatus(ctx context.Context, flowID string, status flow.Status, now time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var (
		tag pgconn.CommandTag
		err error
	)
	if status == flow.StatusCompleted {
		tag, err = s.pool.Exec(ctx, `
UPDATE flows SET status = $2, completed_at = COALESCE(completed_at, $3) WHERE id = $1`,
			flowID, string(status), now.UTC())
	} else {
		tag, err = s.pool.Exec(ctx, `UPDATE flows SET status = $2 WHERE id = $1`, flowID, string(status))
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return truth.ErrFlowNotFound
	}
	return nil
}

// EventsForFlow implements truth.Store.
func (s *Store) EventsForFlow(ctx context.Context, flowID string) (truth.EventSet, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := flowByID(ctx, s.pool, flowID); err != nil {
		return truth.EventSet{}, err
	}
	return loadEvents(ctx, s.pool, flowID)
}

// loadEvents reads a flow's complete truth in id order.
func loadEvents(ctx context.Context, q querier, flowID string) (truth.EventSet, error) {
	var set truth.EventSet

	rows, err := q.Query(ctx, `
SELECT id, node_id, iteration, activated_at
FROM node_activations WHERE flow_id = $1 ORDER BY id`, flowID)
	if err != nil {
		return truth.EventSet{}, err
	}
	for rows.Next() {
		a := truth.NodeActivation{FlowID: flowID}
		if err := rows.Scan(&a.ID, &a.NodeID, &a.Iteration, &a.ActivatedAt); err != nil {
			rows.Close()
			return truth.EventSet{}, err
		}
		a.ActivatedAt = a.ActivatedAt.UTC()
		set.Activations = append(set.Activations, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return truth.EventSet{}, err
	}

	rows, err = q.Query(ctx, `
SELECT id, task_id, node_id, iteration, started_at, started_by, outcome, outcome_at, outcome_by, resolved_detour_id
FROM task_executions WHERE flow_id = $1 ORDER BY id`, flowID)
	if err != nil {
		return truth.EventSet{}, err
	}
	for rows.Next() {
		e := truth.TaskExecution{FlowID: flowID}
		if err := rows.Scan(&e.ID, &e.TaskID, &e.NodeID, &e.Iteration, &e.StartedAt,
			&e.StartedBy, &e.Outcome, &e.OutcomeAt, &e.OutcomeBy, &e.ResolvedDetourID); err != nil {
			rows.Close()
			return truth.EventSet{}, err
		}
		e.StartedAt = e.StartedAt.UTC()
		e.OutcomeAt = utcPtr(e.OutcomeAt)
		set.Executions = append(set.Executions, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return truth.EventSet{}, err
	}

	rows, err = q.Query(ctx, `
SELECT id, task_id, task_execution_id, type, data, attached_by, attached_at, idempotency_key
FROM evidence_attachments WHERE flow_id = $1 ORDER BY id`, flowID)
	if err != nil {
		return truth.EventSet{}, err
	}
	for rows.Next() {
		a := truth.EvidenceAttachment{FlowID: flowID}
		var data []byte
		if err := rows.Scan(&a.ID, &a.TaskID, &a.TaskExecutionID, &a.Type, &data,
			&a.AttachedBy, &a.AttachedAt, &a.IdempotencyKey); err != nil {
			rows.Close()
			return truth.EventSet{}, err
		}
		a.Data = data
		a.AttachedAt = a.AttachedAt.UTC()
		set.Evidence = append(set.Evidence, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return truth.EventSet{}, err
	}

	rows, err = q.Query(ctx, `
SELECT id, task_execution_id, state, created_at, created_by, reason
FROM validity_events WHERE flow_id = $1 ORDER BY id`, flowID)
	if err != nil {
		return truth.EventSet{}, err
	}
	for rows.Next() {
		v := truth.ValidityEvent{FlowID: flowID}
		if err := rows.Scan(&v.ID, &v.TaskExecutionID, &v.State, &v.CreatedAt, &v.CreatedBy, &v.Reason); err != nil {
			rows.Close()
			return truth.EventSet{}, err
		}
		v.CreatedAt = v.CreatedAt.UTC()
		set.Validity = append(set.Validity, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return truth.EventSet{}, err
	}

	rows, err = q.Query(ctx, `
SELECT id, checkpoint_node_id, checkpoint_task_execution_id, resume_target_node_id, type, status,
       repeat_index, category, opened_by, opened_at, escalated_at, escalated_by, resolved_at, converted_at, converted_by
FROM detours WHERE flow_id = $1 ORDER BY id`, flowID)
	if err != nil {
		return truth.EventSet{}, err
	}
	for rows.Next() {
		d := truth.DetourRecord{FlowID: flowID}
		if err := rows.Scan(&d.ID, &d.CheckpointNodeID, &d.CheckpointTaskExecutionID, &d.ResumeTargetNodeID,
			&d.Type, &d.Status, &d.RepeatIndex, &d.Category, &d.OpenedBy, &d.OpenedAt,
			&d.EscalatedAt, &d.EscalatedBy, &d.ResolvedAt, &d.ConvertedAt, &d.ConvertedBy); err != nil {
			rows.Close()
			return truth.EventSet{}, err
		}
		d.OpenedAt = d.OpenedAt.UTC()
		d.EscalatedAt = utcPtr(d.EscalatedAt)
		d.ResolvedAt = utcPtr(d.ResolvedAt)
		d.ConvertedAt = utcPtr(d.ConvertedAt)
		set.Detours = append(set.Detours, d)
	}
	rows.Close()
	return set, rows.Err()
}

// GroupOutcomes implements truth.Store.
func (s *Store) GroupOutcomes(ctx context.Context, groupID string) ([]truth.GroupOutcome, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT e.flow_id, f.workflow_id, e.task_id, e.outcome
FROM task_executions e
JOIN flows f ON f.id = e.flow_id
WHERE f.group_id = $1 AND e.outcome IS NOT NULL
ORDER BY e.flow_id, e.task_id, e.outcome`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []truth.GroupOutcome
	for rows.Next() {
		var o truth.GroupOutcome
		if err := rows.Scan(&o.FlowID, &o.WorkflowID, &o.TaskID, &o.Outcome); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// EnsureJob implements truth.Store. One job per group, converged by the
// unique group constraint.
func (s *Store) EnsureJob(ctx context.Context, groupID, customerID string, now time.Time) (flow.Job, error) {
	if groupID == "" {
		return flow.Job{}, fmt.Errorf("group id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var j flow.Job
	err := s.pool.QueryRow(ctx, `
INSERT INTO flow_jobs (id, group_id, customer_id, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (group_id) DO UPDATE SET group_id = EXCLUDED.group_id
RETURNING id, group_id, customer_id, created_at`,
		"job-"+uuid.NewString(), groupID, customerID, now.UTC(),
	).Scan(&j.ID, &j.GroupID, &j.CustomerID, &j.CreatedAt)
	if err != nil {
		return flow.Job{}, err
	}
	j.CreatedAt = j.CreatedAt.UTC()
	return j, nil
}

// InsertFanOutFailure implements truth.Store.
func (s *Store) InsertFanOutFailure(ctx context.Context, rec truth.FanOutFailure) (truth.FanOutFailure, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rec.ID = "fof-" + uuid.NewString()
	_, err := s.pool.Exec(ctx, `
INSERT INTO fanout_failures (id, flow_id, group_id, node_id, outcome, target_workflow_id, reason, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID, rec.FlowID, rec.GroupID, rec.NodeID, rec.Outcome,
		rec.TargetWorkflowID, rec.Reason, rec.OccurredAt.UTC())
	if err != nil {
		return truth.FanOutFailure{}, err
	}
	return rec, nil
}

// FanOutFailures implements truth.Store.
func (s *Store) FanOutFailures(ctx context.Context, flowID string) ([]truth.FanOutFailure, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
SELECT id, flow_id, group_id, node_id, outcome, target_workflow_id, reason, occurred_at
FROM fanout_failures WHERE flow_id = $1 ORDER BY occurred_at, id`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []truth.FanOutFailure
	for rows.Next() {
		var rec truth.FanOutFailure
		if err := rows.Scan(&rec.ID, &rec.FlowID, &rec.GroupID, &rec.NodeID,
			&rec.Outcome, &rec.TargetWorkflowID, &rec.Reason, &rec.OccurredAt); err != nil {
			return nil, err
		}
		rec.OccurredAt = rec.OccurredAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// utcPtr normalizes an optional timestamp to UTC.
func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
