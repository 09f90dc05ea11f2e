package dispatch

import (
	"context"

	"github.com/cohortnet/quorum/aggregate"
	"github.com/cohortnet/quorum/errors"
	"github.com/cohortnet/quorum/query"
)

// QueryByID loads a context with its status history.
func (d *Dispatcher) QueryByID(ctx context.Context, id int64) (*query.QueryContext, error) {
	qc, err := d.store.FindByID(id)
	if err != nil {
		return nil, err
	}
	statuses, err := d.store.FindStatuses(id)
	if err != nil {
		return nil, err
	}
	qc.StatusHistory = statuses
	return qc, nil
}

// StateByID returns the lifecycle state of a context, or StateInvalid when
// no context with that id exists. Lookup misses are not errors here: the
// sentinel is the documented answer.
func (d *Dispatcher) StateByID(ctx context.Context, id int64) (query.State, error) {
	qc, err := d.store.FindByID(id)
	if errors.Is(err, errors.ErrNotFound) {
		return query.StateInvalid, nil
	}
	if err != nil {
		return query.StateInvalid, err
	}
	return qc.State, nil
}

// QueryStatus returns the latest status entry for a context.
func (d *Dispatcher) QueryStatus(ctx context.Context, id int64) (query.StatusMetaData, error) {
	statuses, err := d.store.FindStatuses(id)
	if err != nil {
		return query.StatusMetaData{}, err
	}
	if len(statuses) == 0 {
		return query.StatusMetaData{}, errors.Wrapf(errors.ErrNotFound, "no status history for query %d", id)
	}
	return statuses[len(statuses)-1], nil
}

// AggregatedResults returns the federated result views of a terminal
// parent. Calling before the parent is terminal returns ErrNotCompleted.
// Every count in the response has passed through suppression.
func (d *Dispatcher) AggregatedResults(ctx context.Context, id int64) (*aggregate.AggregatedResults, error) {
	parent, err := d.store.FindByID(id)
	if err != nil {
		return nil, err
	}
	if !parent.IsParent() {
		return nil, errors.Newf("query %d is not a federated query", id)
	}
	if !parent.State.IsTerminal() {
		return nil, errors.Wrapf(errors.ErrNotCompleted, "query %d is %s", id, parent.State)
	}

	children, err := d.store.FindChildren(parent.ID)
	if err != nil {
		return nil, err
	}

	// COMPLETED parents carry their views from aggregation time; FAILED
	// and STOPPED parents report zero/suppressed views, never an error.
	if parent.State == query.StateCompleted {
		results := &aggregate.AggregatedResults{
			QueryID:     parent.ID,
			ExecutionID: parent.ExecutionID,
			State:       parent.State,
			Views:       parent.ResultViews(),
		}
		if parent.NumRecords != nil {
			results.NumRecords = *parent.NumRecords
			results.Suppressed = results.NumRecords == query.SuppressedNumRecords
		}
		for _, child := range children {
			if child.State == query.StateCompleted {
				results.RespondingSources = append(results.RespondingSources, child.DataSourceID)
			} else {
				results.NonRespondingSources = append(results.NonRespondingSources, child.DataSourceID)
			}
		}
		return results, nil
	}

	return d.aggregator.Generate(parent, children)
}

// DeleteByUser removes all federated queries owned by a user. Housekeeping
// only; refuses nothing, so callers should stop executing queries first.
func (d *Dispatcher) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return d.store.DeleteByUser(userID)
}
