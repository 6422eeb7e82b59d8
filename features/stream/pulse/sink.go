// Package pulse publishes engine hook events to goa.design/pulse streams.
// Services build a Redis client, wrap it in the Pulse client, and register
// the resulting sink on the engine's event bus; consumers subscribe to the
// per-flow streams the sink writes to.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowspec/flowspec/engine/hooks"
	clientspulse "github.com/flowspec/flowspec/features/stream/pulse/clients/pulse"
)

type (
	// PublishedEvent describes one event the sink wrote to a stream. It is
	// handed to the optional OnPublished callback.
	PublishedEvent struct {
		// Event is the hook event that was published.
		Event hooks.Event
		// StreamID is the Pulse stream the event was written to.
		StreamID string
		// EntryID is the Redis entry id assigned to the stream entry.
		EntryID string
	}

	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamID derives the target Pulse stream from an event. Defaults
		// to `flow/<FlowID>`.
		StreamID func(hooks.Event) (string, error)
		// MarshalEnvelope overrides the envelope serialization (primarily
		// for tests).
		MarshalEnvelope func(Envelope) ([]byte, error)
		// OnPublished is invoked after each successful publish. Errors
		// propagate to the caller of Send.
		OnPublished func(ctx context.Context, ev PublishedEvent) error
	}

	// Sink publishes hook events into Pulse streams. It implements
	// hooks.Subscriber so it can be registered on the engine bus directly.
	// Thread-safe for concurrent Send operations.
	Sink struct {
		client clientspulse.Client
		opts   sinkOptions
	}

	// sinkOptions holds internal configuration derived from Options.
	sinkOptions struct {
		streamID        func(hooks.Event) (string, error)
		marshalEnvelope func(Envelope) ([]byte, error)
		onPublished     func(ctx context.Context, ev PublishedEvent) error
	}

	// Envelope wraps hook events for transmission over Pulse streams.
	Envelope struct {
		// Type identifies the event kind (e.g. "TASK_DONE").
		Type string `json:"type"`
		// FlowID links the event to the producing flow.
		FlowID string `json:"flow_id"`
		// GroupID is the flow group of the producing flow.
		GroupID string `json:"group_id"`
		// Timestamp is the transaction clock time of the event, not the
		// publish time.
		Timestamp time.Time `json:"timestamp"`
		// Payload carries the event-specific fields, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// Compile-time check that the sink can sit on the engine bus.
var _ hooks.Subscriber = (*Sink)(nil)

// NewSink constructs a Pulse-backed flow event sink. The Client field in opts
// is required; the remaining fields default to the built-in implementations.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	cfg := sinkOptions{
		streamID:        defaultStreamID,
		marshalEnvelope: defaultMarshal,
		onPublished:     opts.OnPublished,
	}
	if opts.StreamID != nil {
		cfg.streamID = opts.StreamID
	}
	if opts.MarshalEnvelope != nil {
		cfg.marshalEnvelope = opts.MarshalEnvelope
	}
	return &Sink{client: opts.Client, opts: cfg}, nil
}

// HandleEvent implements hooks.Subscriber.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	return s.Send(ctx, event)
}

// Send publishes the event to the derived Pulse stream. It derives the stream
// id, wraps the event in an envelope, marshals it to JSON, and publishes it
// via the Pulse client. Thread-safe for concurrent calls.
func (s *Sink) Send(ctx context.Context, event hooks.Event) error {
	streamID, err := s.opts.streamID(event)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(streamID)
	if err != nil {
		return err
	}
	env := Envelope{
		Type:      string(event.Type()),
		FlowID:    event.FlowID(),
		GroupID:   event.GroupID(),
		Timestamp: event.Timestamp().UTC(),
		Payload:   eventPayload(event),
	}
	payload, err := s.opts.marshalEnvelope(env)
	if err != nil {
		return err
	}
	entryID, err := handle.Add(ctx, env.Type, payload)
	if err != nil {
		return err
	}
	if s.opts.onPublished != nil {
		return s.opts.onPublished(ctx, PublishedEvent{Event: event, StreamID: streamID, EntryID: entryID})
	}
	return nil
}

// Close releases resources owned by the sink. This delegates to the
// underlying Pulse client.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// defaultStreamID derives the Pulse stream name from the event's flow id.
func defaultStreamID(event hooks.Event) (string, error) {
	if event.FlowID() == "" {
		return "", errors.New("flow event missing flow id")
	}
	return fmt.Sprintf("flow/%s", event.FlowID()), nil
}

// defaultMarshal serializes an envelope to JSON.
func defaultMarshal(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// eventPayload extracts the event-specific fields for the envelope payload.
func eventPayload(event hooks.Event) any {
	switch e := event.(type) {
	case *hooks.TaskStartedEvent:
		return map[string]any{
			"task_id":           e.TaskID,
			"task_execution_id": e.TaskExecutionID,
			"iteration":         e.Iteration,
			"user_id":           e.UserID,
		}
	case *hooks.TaskDoneEvent:
		p := map[string]any{
			"task_id":           e.TaskID,
			"task_execution_id": e.TaskExecutionID,
			"outcome":           e.Outcome,
			"user_id":           e.UserID,
		}
		if e.ResolvedDetourID != "" {
			p["resolved_detour_id"] = e.ResolvedDetourID
		}
		return p
	case *hooks.NodeActivatedEvent:
		return map[string]any{
			"node_id":   e.NodeID,
			"iteration": e.Iteration,
		}
	default:
		return nil
	}
}
