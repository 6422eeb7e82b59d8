// Package flowerrors defines the closed set of error codes surfaced by flow
// engine operations and the structured error type that carries them.
//
// Engine operations return *Error values so callers can branch on stable
// codes while keeping human-readable messages and structured details. Errors
// may wrap an underlying cause; errors.Is and errors.As traverse the chain,
// so store-level sentinels remain matchable through engine wrapping.
package flowerrors

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. The set is closed: operations never
// invent codes outside this list, and callers can exhaustively switch on it.
type Code string

const (
	// CodeFlowNotFound indicates the referenced flow does not exist.
	CodeFlowNotFound Code = "FLOW_NOT_FOUND"
	// CodeFlowBlocked indicates the flow is BLOCKED and rejects progression.
	CodeFlowBlocked Code = "FLOW_BLOCKED"
	// CodeTaskNotFound indicates the task id is absent from the flow's snapshot.
	CodeTaskNotFound Code = "TASK_NOT_FOUND"
	// CodeTaskNotActionable indicates the actionability predicate refused the
	// task; Details["reason"] carries the explainer's reason code.
	CodeTaskNotActionable Code = "TASK_NOT_ACTIONABLE"
	// CodeTaskAlreadyStarted indicates an open execution already exists;
	// Details["executionId"] carries its id.
	CodeTaskAlreadyStarted Code = "TASK_ALREADY_STARTED"
	// CodeTaskNotStarted indicates no execution exists to stamp an outcome on.
	CodeTaskNotStarted Code = "TASK_NOT_STARTED"
	// CodeInvalidOutcome indicates the outcome name is not declared by the task.
	CodeInvalidOutcome Code = "INVALID_OUTCOME"
	// CodeOutcomeAlreadyRecorded indicates the execution is already stamped.
	CodeOutcomeAlreadyRecorded Code = "OUTCOME_ALREADY_RECORDED"
	// CodeEvidenceRequired indicates no attached evidence validates against the
	// task's evidence schema.
	CodeEvidenceRequired Code = "EVIDENCE_REQUIRED"
	// CodeInvalidEvidenceFormat indicates the evidence payload failed schema
	// validation.
	CodeInvalidEvidenceFormat Code = "INVALID_EVIDENCE_FORMAT"
	// CodeInvalidFilePointer indicates a FILE payload is not a well-formed
	// storage pointer.
	CodeInvalidFilePointer Code = "INVALID_FILE_POINTER"
	// CodeStorageKeyTenantMismatch indicates a FILE storage key does not carry
	// the owning tenant prefix.
	CodeStorageKeyTenantMismatch Code = "STORAGE_KEY_TENANT_MISMATCH"
	// CodeIterationLimitExceeded indicates a node activation would exceed the
	// bounded loop policy. The triggering outcome remains recorded.
	CodeIterationLimitExceeded Code = "ITERATION_LIMIT_EXCEEDED"
	// CodeNestedDetourForbidden indicates the flow already has an ACTIVE detour.
	CodeNestedDetourForbidden Code = "NESTED_DETOUR_FORBIDDEN"
	// CodeDetourSpoof indicates an outcome at an active checkpoint node omitted
	// the resolving detour id.
	CodeDetourSpoof Code = "DETOUR_SPOOF"
	// CodeInvalidDetour indicates the detour id does not reference an ACTIVE
	// detour of this flow.
	CodeInvalidDetour Code = "INVALID_DETOUR"
	// CodeDetourHijack indicates the detour id references a detour checkpointed
	// at a different node.
	CodeDetourHijack Code = "DETOUR_HIJACK"
	// CodeWorkflowNotPublished indicates the workflow definition exists but is
	// not in PUBLISHED state.
	CodeWorkflowNotPublished Code = "WORKFLOW_NOT_PUBLISHED"
	// CodeNoPublishedVersion indicates no published version exists for the
	// workflow.
	CodeNoPublishedVersion Code = "NO_PUBLISHED_VERSION"
	// CodeScopeMismatch indicates an explicit flow group disagrees with the
	// requested scope, or the group cannot be resolved.
	CodeScopeMismatch Code = "SCOPE_MISMATCH"
	// CodeAnchorTaskMissing indicates job provisioning found no anchor identity
	// evidence in the flow group.
	CodeAnchorTaskMissing Code = "ANCHOR_TASK_MISSING"
	// CodeCustomerMismatch indicates sale evidence and anchor identity disagree
	// on the customer.
	CodeCustomerMismatch Code = "CUSTOMER_MISMATCH"
)

// Reason codes returned by the derived-state explainer for refused actions.
// They share the Code space so refusal details can carry them directly.
const (
	// ReasonNodeNotActive indicates the owning node has no activation yet.
	ReasonNodeNotActive Code = "NODE_NOT_ACTIVE"
	// ReasonNodeComplete indicates the owning node already satisfied its
	// completion rule.
	ReasonNodeComplete Code = "NODE_COMPLETE"
	// ReasonActiveBlockingDetour indicates the node sits in the blocked set of
	// an ACTIVE BLOCKING detour.
	ReasonActiveBlockingDetour Code = "ACTIVE_BLOCKING_DETOUR"
	// ReasonJoinBlocked indicates an inbound gate's source node is blocked.
	ReasonJoinBlocked Code = "JOIN_BLOCKED"
	// ReasonCrossFlowDepMissing indicates a cross-flow dependency is not yet
	// satisfied by any outcome in the flow group.
	ReasonCrossFlowDepMissing Code = "CROSS_FLOW_DEP_MISSING"
)

// Error is the structured error returned by engine operations.
type Error struct {
	// Code is the stable machine-readable failure class.
	Code Code
	// Message describes the failure for humans.
	Message string
	// Details carries optional structured context (ids, reasons, limits).
	Details map[string]any

	cause error
}

// New constructs an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf constructs an Error with the given code and a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error that carries cause in its chain. errors.Is and
// errors.As match cause through the returned error.
func Wrap(code Code, cause error, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same code. This lets
// callers write errors.Is(err, flowerrors.New(flowerrors.CodeFlowBlocked, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from err, unwrapping as needed. It returns the
// empty Code when err carries no *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
