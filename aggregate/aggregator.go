// Package aggregate computes the federated result views of a completed
// parent query and applies small-cell suppression before any count becomes
// externally visible.
package aggregate

import (
	"go.uber.org/zap"

	"github.com/cohortnet/quorum/config"
	"github.com/cohortnet/quorum/errors"
	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/query"
)

// AggregatedResults is the externally visible outcome of one federated
// query. Every count in it has passed through ScrubResults.
type AggregatedResults struct {
	QueryID     int64       `json:"query_id"`
	ExecutionID string      `json:"execution_id"`
	State       query.State `json:"state"`

	// NumRecords is the suppressed total; SuppressedNumRecords when the
	// true total is below the minimum cell size.
	NumRecords int64 `json:"num_records"`
	Suppressed bool  `json:"suppressed,omitempty"`

	Views []query.ResultContext `json:"views"`

	RespondingSources    []string `json:"responding_sources"`
	NonRespondingSources []string `json:"non_responding_sources,omitempty"`
}

// Aggregator folds completed child counts into result views.
type Aggregator struct {
	minCellSize int64
	log         *zap.SugaredLogger
}

// New creates an aggregator with the configured suppression threshold.
func New(cfg config.PrivacyConfig, log *zap.SugaredLogger) *Aggregator {
	if log == nil {
		log = logger.Get()
	}
	return &Aggregator{minCellSize: cfg.MinCellSize, log: log}
}

// Generate computes the result views for a parent whose completion
// condition has been reached. Children in FAILED or STOPPED state are
// excluded from numeric aggregation and reported as non-responding.
// Zero completed children yields zero/suppressed views, never an error.
func (a *Aggregator) Generate(parent *query.QueryContext, children []*query.QueryContext) (*AggregatedResults, error) {
	if parent.Plan == nil {
		return nil, errors.Wrapf(errors.ErrInvalidPlan, "query %d has no plan", parent.ID)
	}

	var total int64
	var responding, nonResponding []string
	completedByRule := make(map[string]int64)

	for _, child := range children {
		if child.State == query.StateCompleted && child.NumRecords != nil {
			total += *child.NumRecords
			completedByRule[child.RuleID] = *child.NumRecords
			responding = append(responding, child.DataSourceID)
		} else {
			nonResponding = append(nonResponding, child.DataSourceID)
		}
	}

	views := []query.ResultContext{{
		Key:        query.ResultContextKey{Type: query.ResultTypeSum},
		NumRecords: total,
	}}

	// An intersection across a single responding source is definitionally
	// identical to the sum; exposing it would leak that only one source
	// answered.
	if len(responding) > 1 {
		for _, req := range parent.Plan.ResultRequests() {
			if req.Key.Type != query.ResultTypeIntersection {
				continue
			}
			var indexTotal int64
			contributing := req.RuleIDs
			if len(contributing) == 0 {
				for id := range completedByRule {
					indexTotal += completedByRule[id]
				}
			} else {
				for _, id := range contributing {
					indexTotal += completedByRule[id]
				}
			}
			views = append(views, query.ResultContext{
				Key:        req.Key,
				NumRecords: indexTotal,
			})
		}
	}

	views = a.ScrubResults(views)

	results := &AggregatedResults{
		QueryID:              parent.ID,
		ExecutionID:          parent.ExecutionID,
		State:                parent.State,
		RespondingSources:    responding,
		NonRespondingSources: nonResponding,
		Views:                views,
	}
	results.NumRecords = views[0].NumRecords
	results.Suppressed = views[0].Suppressed

	a.log.Infow("Aggregated federated results",
		logger.FieldQueryID, parent.ID,
		logger.FieldExecutionID, parent.ExecutionID,
		logger.FieldResponding, len(responding),
		logger.FieldCount, len(views),
	)

	return results, nil
}

// ScrubCount suppresses a single count at the orchestrator boundary.
// Returns the reportable value and whether it was suppressed.
func (a *Aggregator) ScrubCount(n int64) (int64, bool) {
	if a.minCellSize > 0 && n < a.minCellSize {
		return query.SuppressedNumRecords, true
	}
	return n, false
}

// ScrubResults applies small-count suppression uniformly across views: any
// count below the minimum cell size is replaced with the suppressed
// sentinel rather than the true value. This is a privacy control and runs
// on every externally visible result.
func (a *Aggregator) ScrubResults(views []query.ResultContext) []query.ResultContext {
	if a.minCellSize <= 0 {
		return views
	}
	out := make([]query.ResultContext, len(views))
	for i, view := range views {
		if view.NumRecords < a.minCellSize {
			view.NumRecords = query.SuppressedNumRecords
			view.Suppressed = true
		}
		out[i] = view
	}
	return out
}
