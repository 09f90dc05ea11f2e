// Package query defines the federated query data model: the QueryContext
// lifecycle state machine, the execution plan with its dependency rules,
// result views, the dependency resolver, and SQLite persistence.
package query

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cohortnet/quorum/errors"
)

// State represents the lifecycle state of a query context
type State string

const (
	StateQueued    State = "QUEUED"
	StateExecuting State = "EXECUTING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateStopped   State = "STOPPED"

	// StateInvalid is a sentinel returned when a lookup by id fails.
	// It is never persisted.
	StateInvalid State = "INVALID"
)

// IsValidState returns true if the state string is a persistable State
func IsValidState(s string) bool {
	switch State(s) {
	case StateQueued, StateExecuting, StateCompleted, StateFailed, StateStopped:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states that admit no further transitions
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	default:
		return false
	}
}

// QueryType distinguishes count queries from record-level data queries
type QueryType string

const (
	QueryTypeCount QueryType = "COUNT_QUERY"
	QueryTypeData  QueryType = "DATA_QUERY"
)

// StatusMetaData is an append-only audit record attached to a query context.
// Used for progress reporting only, never for control decisions.
type StatusMetaData struct {
	ID           int64         `json:"id,omitempty"`
	Status       string        `json:"status"`
	StatusDate   time.Time     `json:"status_date"`
	DataSourceID string        `json:"data_source_id,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// QueryContext is the unit of work: one federated (parent) query, or one
// per-data-source (child) query created by the dispatcher.
type QueryContext struct {
	// ID is the durable identity, assigned on first save.
	ID int64

	// ExecutionID is the client-visible correlation token, assigned at
	// creation and immutable thereafter. For children it doubles as the
	// transport correlation id.
	ExecutionID string

	State     State
	QueryType QueryType

	// Query is the opaque criteria payload for a child context.
	Query json.RawMessage

	// Queries maps search-query id to criteria payload on the parent,
	// one entry per sub-query referenced by the plan.
	Queries map[string]json.RawMessage

	// Plan is present only on the parent.
	Plan *Plan

	// NumRecords is the result count: set by a data source reply on a
	// leaf, or by aggregation (post-suppression) on a parent.
	NumRecords *int64

	// ResultViews holds the aggregated views on a completed parent.
	// Mutate only through SetResultView.
	resultViews []ResultContext

	// ParentID is nil for federated (parent) queries.
	ParentID *int64

	// DataSourceID identifies which data source a child belongs to.
	// Empty on the parent.
	DataSourceID string

	// RuleID is the execution rule a child context was created for.
	// Empty on the parent.
	RuleID string

	// Completion thresholds. Zero means "count of execution rules".
	MinResponding int
	MaxResponding int

	// StaleAt is the soft deadline after which the context is considered
	// abandoned and completion is forced with whatever replies arrived.
	StaleAt time.Time

	// StatusHistory is the append-only audit log. Entries with ID == 0
	// have not been persisted yet.
	StatusHistory []StatusMetaData

	UserID   string
	OriginID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewFederatedQuery creates a parent query context in QUEUED state with a
// fresh execution id.
func NewFederatedQuery(userID string, queryType QueryType, plan *Plan, queries map[string]json.RawMessage) *QueryContext {
	now := time.Now()
	qc := &QueryContext{
		ExecutionID: uuid.NewString(),
		State:       StateQueued,
		QueryType:   queryType,
		Queries:     queries,
		Plan:        plan,
		UserID:      userID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	qc.appendStatus(string(StateQueued), "", 0)
	return qc
}

// NewChildContext creates a per-data-source child for one execution rule.
// The child's execution id is the correlation token for the async send.
func NewChildContext(parent *QueryContext, rule ExecutionRule, payload json.RawMessage) *QueryContext {
	now := time.Now()
	parentID := parent.ID
	qc := &QueryContext{
		ExecutionID:  uuid.NewString(),
		State:        StateQueued,
		QueryType:    parent.QueryType,
		Query:        payload,
		ParentID:     &parentID,
		DataSourceID: rule.DataSourceID,
		RuleID:       rule.ID,
		StaleAt:      parent.StaleAt,
		UserID:       parent.UserID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	qc.appendStatus(string(StateQueued), rule.DataSourceID, 0)
	return qc
}

// allowedTransitions enumerates the state machine. Anything absent is
// rejected with ErrInvalidTransition.
var allowedTransitions = map[State][]State{
	StateQueued:    {StateExecuting, StateFailed, StateStopped},
	StateExecuting: {StateCompleted, StateFailed, StateStopped},
}

// TransitionTo advances the state machine and appends a status entry.
// Transitions out of a terminal state are rejected.
func (qc *QueryContext) TransitionTo(next State, duration time.Duration) error {
	for _, allowed := range allowedTransitions[qc.State] {
		if next == allowed {
			qc.State = next
			qc.UpdatedAt = time.Now()
			qc.appendStatus(string(next), qc.DataSourceID, duration)
			return nil
		}
	}
	return errors.Wrapf(errors.ErrInvalidTransition, "%s -> %s (execution %s)", qc.State, next, qc.ExecutionID)
}

// RecordStatus appends an audit-only status entry without changing state.
// Used for late replies and stale-deadline notices.
func (qc *QueryContext) RecordStatus(status string, duration time.Duration) {
	qc.appendStatus(status, qc.DataSourceID, duration)
	qc.UpdatedAt = time.Now()
}

func (qc *QueryContext) appendStatus(status, dataSourceID string, duration time.Duration) {
	qc.StatusHistory = append(qc.StatusHistory, StatusMetaData{
		Status:       status,
		StatusDate:   time.Now(),
		DataSourceID: dataSourceID,
		Duration:     duration,
	})
}

// IsParent reports whether this context is a federated (parent) query.
func (qc *QueryContext) IsParent() bool {
	return qc.ParentID == nil
}

// SetNumRecords records the result count for a context.
func (qc *QueryContext) SetNumRecords(n int64) {
	qc.NumRecords = &n
	qc.UpdatedAt = time.Now()
}

// SetResultView stores one aggregated view, replacing any existing view
// with the same key.
func (qc *QueryContext) SetResultView(view ResultContext) {
	for i := range qc.resultViews {
		if qc.resultViews[i].Key == view.Key {
			qc.resultViews[i] = view
			return
		}
	}
	qc.resultViews = append(qc.resultViews, view)
}

// ResultViews returns a copy of the aggregated views.
func (qc *QueryContext) ResultViews() []ResultContext {
	out := make([]ResultContext, len(qc.resultViews))
	copy(out, qc.resultViews)
	return out
}

// setResultViews replaces all views at once; used by the store when
// rehydrating a persisted context.
func (qc *QueryContext) setResultViews(views []ResultContext) {
	qc.resultViews = views
}

// LatestStatus returns the most recent status entry, or false if the
// history has not been loaded.
func (qc *QueryContext) LatestStatus() (StatusMetaData, bool) {
	if len(qc.StatusHistory) == 0 {
		return StatusMetaData{}, false
	}
	return qc.StatusHistory[len(qc.StatusHistory)-1], true
}
