package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	streamopts "goa.design/pulse/streaming/options"

	"github.com/flowspec/flowspec/engine/hooks"
	clientspulse "github.com/flowspec/flowspec/features/stream/pulse/clients/pulse"
)

type (
	// FlowEvent is one decoded envelope read from a flow stream. The payload
	// stays raw so consumers unmarshal only the event kinds they care about.
	FlowEvent struct {
		// Type is the event kind (e.g. "TASK_DONE").
		Type hooks.EventType
		// FlowID is the producing flow.
		FlowID string
		// GroupID is the flow group of the producing flow.
		GroupID string
		// Timestamp is the transaction clock time of the event.
		Timestamp time.Time
		// Payload carries the event-specific fields, if any.
		Payload json.RawMessage
	}

	// EnvelopeDecoder converts raw payloads read from Pulse into flow
	// events. Custom decoders can handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (FlowEvent, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the Pulse consumer group. Defaults to
		// "flowspec_subscriber".
		SinkName string
		// Buffer specifies the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in
		// JSON decoder.
		Decoder EnvelopeDecoder
	}

	// Subscriber consumes Pulse flow streams and emits decoded flow events.
	// It wraps a Pulse sink (consumer group) and decodes incoming envelopes.
	Subscriber struct {
		client clientspulse.Client
		buffer int
		name   string
		decode EnvelopeDecoder
	}
)

// NewSubscriber constructs a Pulse-backed subscriber. The Client field in
// opts is required; SinkName, Buffer, and Decoder default to sensible values.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "flowspec_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	return &Subscriber{
		client: opts.Client,
		buffer: buffer,
		name:   name,
		decode: decoder,
	}, nil
}

// Subscribe opens a Pulse sink on the given stream id and returns channels
// for events and errors. It spawns a goroutine that consumes from the sink,
// decodes envelopes, and emits flow events. The returned cancel function
// stops consumption, closes the sink, and closes both channels.
//
// Usage:
//
//	events, errs, cancel, err := sub.Subscribe(ctx, "flow/flw-123")
//	defer cancel()
//	for evt := range events {
//	    // process event
//	}
func (s *Subscriber) Subscribe(
	ctx context.Context,
	streamID string,
	opts ...streamopts.Sink,
) (<-chan FlowEvent, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(streamID)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan FlowEvent, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads events from the Pulse sink channel, decodes them, and emits
// them on the out channel. It acks each event after successful emission.
// Closes both channels when ctx is canceled or the sink channel closes. Sends
// errors on the errs channel if decoding or acking fails, then returns.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- FlowEvent, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default JSON envelope format.
func decodeEnvelope(payload []byte) (FlowEvent, error) {
	var env struct {
		Type      string          `json:"type"`
		FlowID    string          `json:"flow_id"`
		GroupID   string          `json:"group_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return FlowEvent{}, err
	}
	return FlowEvent{
		Type:      hooks.EventType(env.Type),
		FlowID:    env.FlowID,
		GroupID:   env.GroupID,
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}, nil
}
