// Package engine implements the progression engine: flow instantiation, task
// start, outcome recording, evidence attachment, and detour operations.
//
// Every state-changing operation runs as a single per-flow transaction with
// one clock reading; side effects (fan-out dispatch, hook delivery) run after
// the transaction committed. State itself is never stored: the engine derives
// it on demand from the immutable snapshot plus the append-only Truth log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/flowspec/flowspec/catalog"
	"github.com/flowspec/flowspec/engine/derive"
	"github.com/flowspec/flowspec/engine/fanout"
	"github.com/flowspec/flowspec/engine/flow"
	"github.com/flowspec/flowspec/engine/flowerrors"
	"github.com/flowspec/flowspec/engine/hooks"
	"github.com/flowspec/flowspec/engine/snapshot"
	"github.com/flowspec/flowspec/engine/telemetry"
	"github.com/flowspec/flowspec/engine/truth"
)

// MaxNodeIterations caps node re-activation. An activation beyond the cap
// fails and blocks the flow; the triggering outcome stays recorded.
const MaxNodeIterations = 100

type (
	// Engine drives flow progression over a truth store and a catalog of
	// published snapshots. It is safe for concurrent use; writes within one
	// flow serialize on the store's per-flow lock.
	Engine struct {
		truth   truth.Store
		catalog catalog.Store
		bus     hooks.Bus
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		fan     *fanout.Coordinator
		now     func() time.Time
		newID   func(prefix string) string

		// Published snapshots are immutable, so the cache never invalidates.
		mu    sync.RWMutex
		snaps map[string]*snapshot.Workflow
	}

	// Option configures the engine.
	Option func(*options)

	options struct {
		truth        truth.Store
		catalog      catalog.Store
		bus          hooks.Bus
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		clock        func() time.Time
		anchorTaskID string
		jobBundle    []string
		limiter      *rate.Limiter
	}
)

// WithTruthStore wires the truth store. Required.
func WithTruthStore(s truth.Store) Option {
	return func(o *options) { o.truth = s }
}

// WithCatalogStore wires the catalog store snapshots are resolved from.
// Required.
func WithCatalogStore(s catalog.Store) Option {
	return func(o *options) { o.catalog = s }
}

// WithHooks wires the event bus post-commit events are published on.
// Defaults to a fresh in-process bus.
func WithHooks(b hooks.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithLogger wires the structured logger. Defaults to no-op.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics wires the metrics sink. Defaults to no-op.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer wires the tracer. Defaults to no-op.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithClock overrides the transaction clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithJobProvisioning configures the SALE_CLOSED special rule: the group's
// anchor-identity task and the deterministic bundle of workflows instantiated
// once a job is provisioned.
func WithJobProvisioning(anchorTaskID string, bundle []string) Option {
	return func(o *options) {
		o.anchorTaskID = anchorTaskID
		o.jobBundle = bundle
	}
}

// WithFanOutLimiter bounds fan-out dispatch. Nil means unlimited.
func WithFanOutLimiter(l *rate.Limiter) Option {
	return func(o *options) { o.limiter = l }
}

// New creates an engine and its fan-out coordinator.
func New(opts ...Option) (*Engine, error) {
	o := options{
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.truth == nil {
		return nil, errors.New("engine: truth store is required")
	}
	if o.catalog == nil {
		return nil, errors.New("engine: catalog store is required")
	}
	if o.bus == nil {
		o.bus = hooks.NewBus()
	}

	e := &Engine{
		truth:   o.truth,
		catalog: o.catalog,
		bus:     o.bus,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
		now:     o.clock,
		newID:   func(prefix string) string { return prefix + "-" + uuid.NewString() },
		snaps:   make(map[string]*snapshot.Workflow),
	}
	fan, err := fanout.New(fanout.Options{
		Truth:        o.truth,
		Catalog:      o.catalog,
		Flows:        flowCreator{e},
		AnchorTaskID: o.anchorTaskID,
		JobBundle:    o.jobBundle,
		Limiter:      o.limiter,
		Logger:       o.logger,
		Clock:        o.clock,
	})
	if err != nil {
		return nil, err
	}
	e.fan = fan
	return e, nil
}

// Hooks returns the engine's event bus so callers can register subscribers.
func (e *Engine) Hooks() hooks.Bus { return e.bus }

// snapshotFor loads and caches the immutable snapshot of a published version.
func (e *Engine) snapshotFor(ctx context.Context, versionID string) (*snapshot.Workflow, error) {
	e.mu.RLock()
	snap := e.snaps[versionID]
	e.mu.RUnlock()
	if snap != nil {
		return snap, nil
	}

	v, err := e.catalog.Version(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load workflow version %q: %w", versionID, err)
	}
	snap, err = v.Workflow()
	if err != nil {
		return nil, fmt.Errorf("decode snapshot of version %q: %w", versionID, err)
	}
	e.mu.Lock()
	e.snaps[versionID] = snap
	e.mu.Unlock()
	return snap, nil
}

// observe opens a span and returns the completion callback recording the
// per-operation counter and timer.
func (e *Engine) observe(ctx context.Context, op string) (context.Context, func(error)) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine."+op)
	return ctx, func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.metrics.IncCounter("flowspec_engine_ops_total", 1, "op", op, "result", result)
		e.metrics.RecordTimer("flowspec_engine_op_duration", e.now().Sub(start), "op", op)
		span.End()
	}
}

// publish delivers post-commit events. Delivery failures are logged and never
// affect the committed transaction.
func (e *Engine) publish(ctx context.Context, events ...hooks.Event) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if err := e.bus.Publish(ctx, ev); err != nil {
			e.logger.Error(ctx, "hook delivery failed",
				"event", string(ev.Type()), "flow_id", ev.FlowID(), "err", err)
		}
	}
}

// view assembles the derived-state view for a flow inside its transaction.
func (e *Engine) view(ctx context.Context, f flowRecord, events truth.EventSet) (*derive.View, error) {
	group, err := e.truth.GroupOutcomes(ctx, f.GroupID)
	if err != nil {
		return nil, fmt.Errorf("load group outcomes for %q: %w", f.GroupID, err)
	}
	return derive.NewView(f.snap, events, group), nil
}

// flowRecord bundles the locked flow row with its decoded snapshot.
type flowRecord struct {
	flow.Flow
	snap *snapshot.Workflow
}

// loadFlow reads the locked flow row and resolves its snapshot. A BLOCKED
// flow rejects progression operations.
func (e *Engine) loadFlow(ctx context.Context, tx truth.Tx, rejectBlocked bool) (flowRecord, error) {
	f, err := tx.Flow()
	if err != nil {
		if errors.Is(err, truth.ErrFlowNotFound) {
			return flowRecord{}, flowerrors.Wrap(flowerrors.CodeFlowNotFound, err, "flow not found")
		}
		return flowRecord{}, err
	}
	if rejectBlocked && f.Status == flow.StatusBlocked {
		return flowRecord{}, flowerrors.Newf(flowerrors.CodeFlowBlocked, "flow %q is blocked", f.ID)
	}
	snap, err := e.snapshotFor(ctx, f.WorkflowVersionID)
	if err != nil {
		return flowRecord{}, err
	}
	return flowRecord{Flow: f, snap: snap}, nil
}
