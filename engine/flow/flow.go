// Package flow defines the runtime aggregates shared by the engine core: the
// Flow instance bound to a published workflow version, the FlowGroup that
// scopes related flows to one unit of work, and the Job provisioned by
// cross-flow coordination.
package flow

import "time"

// Status is the lifecycle state of a Flow.
type Status string

const (
	// StatusActive marks a flow that accepts progression operations.
	StatusActive Status = "ACTIVE"
	// StatusCompleted marks a flow whose workflow graph fully completed.
	// Completed is terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusSuspended marks a flow paused by the caller. The core algorithms
	// never set it.
	StatusSuspended Status = "SUSPENDED"
	// StatusBlocked marks a flow halted by the iteration limit or a fan-out
	// failure. Recovery is administrative.
	StatusBlocked Status = "BLOCKED"
)

// Valid reports whether s is one of the recognized flow statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusSuspended, StatusBlocked:
		return true
	}
	return false
}

type (
	// Flow is a running instance permanently bound to one immutable
	// WorkflowVersion. All execution state lives in the Truth log; the Flow row
	// itself carries only identity and status.
	Flow struct {
		// ID uniquely identifies the flow.
		ID string
		// WorkflowID is the workflow definition this flow runs. Denormalized
		// from the version for cross-flow matching.
		WorkflowID string
		// WorkflowVersionID is the published version the flow is bound to.
		// The binding never changes for the life of the flow.
		WorkflowVersionID string
		// GroupID is the owning flow group.
		GroupID string
		// CompanyID is the owning tenant. Denormalized from the group for
		// evidence tenant checks.
		CompanyID string
		// Status is the flow lifecycle state.
		Status Status
		// CreatedAt is the instantiation time.
		CreatedAt time.Time
		// CompletedAt is set when Status transitions to COMPLETED.
		CompletedAt *time.Time
	}

	// Group is the unit-of-work aggregate owning zero or more flows. Groups
	// are unique per (companyId, scopeType, scopeId); cross-flow dependencies
	// and fan-out resolve within one group.
	Group struct {
		// ID uniquely identifies the group.
		ID string
		// CompanyID is the owning tenant.
		CompanyID string
		// ScopeType classifies the business scope (for example "deal").
		ScopeType string
		// ScopeID identifies the scoped entity within the tenant.
		ScopeID string
		// CreatedAt is the group creation time.
		CreatedAt time.Time
	}

	// Job is the downstream work record provisioned when a sale closes. At
	// most one job exists per group.
	Job struct {
		// ID uniquely identifies the job.
		ID string
		// GroupID is the owning flow group.
		GroupID string
		// CustomerID is the customer confirmed by sale evidence against the
		// group's anchor identity.
		CustomerID string
		// CreatedAt is the provisioning time.
		CreatedAt time.Time
	}
)
