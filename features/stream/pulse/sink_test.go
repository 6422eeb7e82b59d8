package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowspec/flowspec/engine/hooks"
)

var sinkNow = time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)

func TestSendPublishesEnvelope(t *testing.T) {
	str := &fakeStream{entryID: "1-0"}
	cli := &fakeClient{stream: str}

	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)

	evt := hooks.NewTaskDone("flw-123", "grp-1", sinkNow, "collect", "exec-00000001", "DONE", "u-1", "")
	require.NoError(t, sink.Send(context.Background(), evt))

	require.Equal(t, "flow/flw-123", cli.lastStream)
	require.Equal(t, []string{"TASK_DONE"}, str.added)
	var env Envelope
	require.NoError(t, json.Unmarshal(str.payloads[0], &env))
	require.Equal(t, "TASK_DONE", env.Type)
	require.Equal(t, "flw-123", env.FlowID)
	require.Equal(t, "grp-1", env.GroupID)
	require.Equal(t, sinkNow, env.Timestamp)
	body, ok := env.Payload.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "collect", body["task_id"])
	require.Equal(t, "DONE", body["outcome"])
	_, hasDetour := body["resolved_detour_id"]
	require.False(t, hasDetour, "empty detour id must be omitted")
}

func TestHandleEventDelegatesToSend(t *testing.T) {
	str := &fakeStream{entryID: "1-0"}
	sink, err := NewSink(Options{Client: &fakeClient{stream: str}})
	require.NoError(t, err)

	var sub hooks.Subscriber = sink
	evt := hooks.NewNodeActivated("flw-1", "grp-1", sinkNow, "review", 2)
	require.NoError(t, sub.HandleEvent(context.Background(), evt))
	require.Equal(t, []string{"NODE_ACTIVATED"}, str.added)
}

func TestOnPublishedCalled(t *testing.T) {
	str := &fakeStream{entryID: "42-0"}
	cli := &fakeClient{stream: str}

	var got PublishedEvent
	sink, err := NewSink(Options{
		Client: cli,
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			require.NotNil(t, ctx)
			got = ev
			return nil
		},
	})
	require.NoError(t, err)

	evt := hooks.NewFlowCompleted("flw-9", "grp-1", sinkNow)
	require.NoError(t, sink.Send(context.Background(), evt))
	require.Equal(t, "42-0", got.EntryID)
	require.Equal(t, "flow/flw-9", got.StreamID)
	require.Equal(t, hooks.FlowCompleted, got.Event.Type())
}

func TestOnPublishedErrorPropagates(t *testing.T) {
	sink, err := NewSink(Options{
		Client: &fakeClient{stream: &fakeStream{entryID: "1-0"}},
		OnPublished: func(ctx context.Context, ev PublishedEvent) error {
			return errors.New("after-publish")
		},
	})
	require.NoError(t, err)

	err = sink.Send(context.Background(), hooks.NewFlowCompleted("flw-1", "grp-1", sinkNow))
	require.EqualError(t, err, "after-publish")
}

func TestCustomStreamID(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{entryID: "1-0"}}
	sink, err := NewSink(Options{
		Client: cli,
		StreamID: func(e hooks.Event) (string, error) {
			return "group/" + e.GroupID(), nil
		},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), hooks.NewFlowCompleted("flw-1", "grp-7", sinkNow)))
	require.Equal(t, "group/grp-7", cli.lastStream)
}

func TestSendRequiresFlowID(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{stream: &fakeStream{}}})
	require.NoError(t, err)
	err = sink.Send(context.Background(), hooks.NewFlowCompleted("", "grp-1", sinkNow))
	require.EqualError(t, err, "flow event missing flow id")
}

func TestStreamCreationError(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{streamErr: errors.New("boom")}})
	require.NoError(t, err)
	err = sink.Send(context.Background(), hooks.NewFlowCompleted("flw-1", "grp-1", sinkNow))
	require.EqualError(t, err, "boom")
}

func TestAddError(t *testing.T) {
	sink, err := NewSink(Options{Client: &fakeClient{stream: &fakeStream{addErr: errors.New("add-failed")}}})
	require.NoError(t, err)
	err = sink.Send(context.Background(), hooks.NewFlowCompleted("flw-1", "grp-1", sinkNow))
	require.EqualError(t, err, "add-failed")
}

func TestCloseDelegates(t *testing.T) {
	cli := &fakeClient{stream: &fakeStream{}}
	sink, err := NewSink(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))
	require.Equal(t, 1, cli.closeCount)
}
