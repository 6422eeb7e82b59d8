// Package hooks provides the in-process event bus the engine publishes
// post-commit lifecycle events on. Subscribers observe task starts, task
// completions, node activations, and flow completions; their failures are
// logged by the engine and never mutate Truth.
package hooks

import "time"

// EventType identifies a flow lifecycle event kind.
type EventType string

const (
	// TaskStarted fires after a task execution is appended.
	TaskStarted EventType = "TASK_STARTED"
	// TaskDone fires after an outcome is stamped.
	TaskDone EventType = "TASK_DONE"
	// NodeActivated fires after a node activation is appended, including
	// entry activations and detour resume activations.
	NodeActivated EventType = "NODE_ACTIVATED"
	// FlowCompleted fires after the flow transitions to COMPLETED.
	FlowCompleted EventType = "FLOW_COMPLETED"
)

type (
	// Event is the interface all hook events implement. Subscribers use type
	// switches to access event-specific fields:
	//
	//	func (s *MySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.TaskDoneEvent:
	//	        log.Printf("task %s -> %s", e.TaskID, e.Outcome)
	//	    case *hooks.FlowCompletedEvent:
	//	        log.Printf("flow %s completed", e.FlowID())
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event kind constant.
		Type() EventType
		// FlowID returns the flow that produced the event.
		FlowID() string
		// GroupID returns the flow group of the producing flow.
		GroupID() string
		// Timestamp returns the event time. Events are timestamped with the
		// transaction's clock, not at delivery.
		Timestamp() time.Time
	}

	// baseEvent carries the fields shared by every flow event.
	baseEvent struct {
		flowID  string
		groupID string
		at      time.Time
	}

	// TaskStartedEvent fires when a task execution begins.
	TaskStartedEvent struct {
		baseEvent
		// TaskID is the started task.
		TaskID string
		// TaskExecutionID is the appended execution.
		TaskExecutionID string
		// Iteration is the node iteration the execution belongs to.
		Iteration int
		// UserID is the starting user.
		UserID string
	}

	// TaskDoneEvent fires when an outcome is stamped.
	TaskDoneEvent struct {
		baseEvent
		// TaskID is the completed task.
		TaskID string
		// TaskExecutionID is the stamped execution.
		TaskExecutionID string
		// Outcome is the recorded outcome name.
		Outcome string
		// UserID is the recording user.
		UserID string
		// ResolvedDetourID is set when the outcome resolved a detour.
		ResolvedDetourID string
	}

	// NodeActivatedEvent fires when a node enters an iteration.
	NodeActivatedEvent struct {
		baseEvent
		// NodeID is the activated node.
		NodeID string
		// Iteration is the activation iteration.
		Iteration int
	}

	// FlowCompletedEvent fires when the flow transitions to COMPLETED.
	FlowCompletedEvent struct {
		baseEvent
	}
)

// NewTaskStarted builds a TASK_STARTED event.
func NewTaskStarted(flowID, groupID string, at time.Time, taskID, executionID string, iteration int, userID string) *TaskStartedEvent {
	return &TaskStartedEvent{
		baseEvent:       baseEvent{flowID: flowID, groupID: groupID, at: at},
		TaskID:          taskID,
		TaskExecutionID: executionID,
		Iteration:       iteration,
		UserID:          userID,
	}
}

// NewTaskDone builds a TASK_DONE event.
func NewTaskDone(flowID, groupID string, at time.Time, taskID, executionID, outcome, userID, resolvedDetourID string) *TaskDoneEvent {
	return &TaskDoneEvent{
		baseEvent:        baseEvent{flowID: flowID, groupID: groupID, at: at},
		TaskID:           taskID,
		TaskExecutionID:  executionID,
		Outcome:          outcome,
		UserID:           userID,
		ResolvedDetourID: resolvedDetourID,
	}
}

// NewNodeActivated builds a NODE_ACTIVATED event.
func NewNodeActivated(flowID, groupID string, at time.Time, nodeID string, iteration int) *NodeActivatedEvent {
	return &NodeActivatedEvent{
		baseEvent: baseEvent{flowID: flowID, groupID: groupID, at: at},
		NodeID:    nodeID,
		Iteration: iteration,
	}
}

// NewFlowCompleted builds a FLOW_COMPLETED event.
func NewFlowCompleted(flowID, groupID string, at time.Time) *FlowCompletedEvent {
	return &FlowCompletedEvent{baseEvent: baseEvent{flowID: flowID, groupID: groupID, at: at}}
}

// FlowID implements Event.
func (e baseEvent) FlowID() string { return e.flowID }

// GroupID implements Event.
func (e baseEvent) GroupID() string { return e.groupID }

// Timestamp implements Event.
func (e baseEvent) Timestamp() time.Time { return e.at }

// Type implements Event.
func (e *TaskStartedEvent) Type() EventType { return TaskStarted }

// Type implements Event.
func (e *TaskDoneEvent) Type() EventType { return TaskDone }

// Type implements Event.
func (e *NodeActivatedEvent) Type() EventType { return NodeActivated }

// Type implements Event.
func (e *FlowCompletedEvent) Type() EventType { return FlowCompleted }
