package pulse

import (
	"context"
	"errors"

	"github.com/flowspec/flowspec/engine/hooks"
	clientspulse "github.com/flowspec/flowspec/features/stream/pulse/clients/pulse"
)

// EngineStreams wires a caller-provided Pulse client into the engine's event
// bus. It owns a publishing sink and can spawn subscribers that reuse the
// same client, so services do not need to manage multiple Pulse connections.
type EngineStreams struct {
	sink   *Sink
	client clientspulse.Client
}

// EngineStreamsOptions configures the helper returned by NewEngineStreams.
type EngineStreamsOptions struct {
	// Client is the Pulse client used for both publishing and subscribing.
	// It is required and typically built via
	// features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Sink holds optional overrides for the publishing sink (stream id
	// derivation, marshaling). Leave zero-valued for defaults.
	Sink Options
}

// NewEngineStreams constructs helpers for publishing engine hook events to
// Pulse and subscribing to the resulting streams. Callers attach the sink to
// the engine bus and keep the helper around to create subscribers (e.g. SSE
// fan-out) later on.
func NewEngineStreams(opts EngineStreamsOptions) (*EngineStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	sinkOpts := opts.Sink
	sinkOpts.Client = opts.Client
	sink, err := NewSink(sinkOpts)
	if err != nil {
		return nil, err
	}
	return &EngineStreams{sink: sink, client: opts.Client}, nil
}

// Sink exposes the publishing sink so callers can register it themselves.
func (e *EngineStreams) Sink() *Sink {
	return e.sink
}

// Attach registers the publishing sink on the engine's event bus. The
// returned subscription unregisters it.
func (e *EngineStreams) Attach(bus hooks.Bus) (hooks.Subscription, error) {
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	return bus.Register(e.sink)
}

// NewSubscriber constructs a Pulse-backed subscriber that reuses the helper's
// client. This keeps stream publishing and consumption on the same Redis
// connection pool.
func (e *EngineStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = e.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing sink (and therefore the underlying Pulse
// client). Call this during service shutdown after all subscribers have been
// canceled.
func (e *EngineStreams) Close(ctx context.Context) error {
	return e.sink.Close(ctx)
}
