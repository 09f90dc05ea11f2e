package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortnet/quorum/aggregate"
	"github.com/cohortnet/quorum/config"
	"github.com/cohortnet/quorum/errors"
	qtest "github.com/cohortnet/quorum/internal/testing"
	"github.com/cohortnet/quorum/query"
)

// fakeTransport records outbound sub-queries so tests can deliver replies
// deterministically, and can simulate unreachable data sources.
type fakeTransport struct {
	mu          sync.Mutex
	sent        []OutboundQuery
	unreachable map[string]bool
}

func (f *fakeTransport) Send(ctx context.Context, msg OutboundQuery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unreachable[msg.DataSourceID] {
		return errors.Newf("data source %s unreachable", msg.DataSourceID)
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) sentQueries() []OutboundQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]OutboundQuery, len(f.sent))
	copy(out, f.sent)
	return out
}

// correlationFor returns the correlation id of the latest send to a source.
func (f *fakeTransport) correlationFor(t *testing.T, sourceID string) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].DataSourceID == sourceID {
			return f.sent[i].CorrelationID
		}
	}
	t.Fatalf("no sub-query was sent to %s", sourceID)
	return ""
}

func newTestDispatcher(t *testing.T, cfg config.DispatcherConfig) (*Dispatcher, *fakeTransport) {
	t.Helper()
	conn := qtest.CreateTestDB(t)
	store := query.NewStore(conn)
	agg := aggregate.New(config.PrivacyConfig{MinCellSize: 3}, nil)
	ft := &fakeTransport{unreachable: map[string]bool{}}
	return New(store, ft, agg, cfg, nil), ft
}

func newBroadcastParent(t *testing.T, sources ...string) *query.QueryContext {
	t.Helper()
	plan := query.NewPlan()
	for i, src := range sources {
		require.NoError(t, plan.AddExecutionRule(query.ExecutionRule{
			ID:            fmt.Sprintf("er%d", i+1),
			SearchQueryID: "sq1",
			DataSourceID:  src,
		}))
	}
	queries := map[string]json.RawMessage{"sq1": json.RawMessage(`{"diagnosis":"C61"}`)}
	return query.NewFederatedQuery("researcher@site-a", query.QueryTypeCount, plan, queries)
}

func TestTriggerBroadcastsToAllSources(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a", "site-b", "site-c"))
	require.NoError(t, err)
	assert.Equal(t, query.StateExecuting, parent.State)

	sent := ft.sentQueries()
	require.Len(t, sent, 3)

	children, err := d.store.FindChildren(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, child := range children {
		assert.Equal(t, query.StateExecuting, child.State)
		assert.Equal(t, query.QueryTypeCount, child.QueryType)
	}

	// Correlation ids on the wire are the children's execution ids
	byCorrelation := make(map[string]bool)
	for _, msg := range sent {
		byCorrelation[msg.CorrelationID] = true
	}
	for _, child := range children {
		assert.True(t, byCorrelation[child.ExecutionID])
	}
}

func TestTriggerRejectsInvalidPlans(t *testing.T) {
	d, _ := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	_, err := d.TriggerQuery(ctx, query.NewFederatedQuery("u", query.QueryTypeCount, query.NewPlan(), nil))
	assert.True(t, errors.Is(err, errors.ErrInvalidPlan))

	// A rule without a payload is rejected before any dispatch
	plan := query.NewPlan()
	require.NoError(t, plan.AddExecutionRule(query.ExecutionRule{ID: "er1", SearchQueryID: "missing", DataSourceID: "site-a"}))
	_, err = d.TriggerQuery(ctx, query.NewFederatedQuery("u", query.QueryTypeCount, plan, nil))
	assert.True(t, errors.Is(err, errors.ErrInvalidPlan))
}

func TestRepliesFanInToAggregatedSum(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a", "site-b", "site-c"))
	require.NoError(t, err)

	for src, n := range map[string]int64{"site-a": 5, "site-b": 7, "site-c": 9} {
		require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, src), Reply{NumRecords: n}))
	}

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	require.NotNil(t, parent.NumRecords)
	assert.Equal(t, int64(21), *parent.NumRecords)

	views := parent.ResultViews()
	require.Len(t, views, 1)
	assert.Equal(t, query.ResultTypeSum, views[0].Key.Type)
	assert.Equal(t, int64(21), views[0].NumRecords)
}

func TestCompletionAtMinimumThreshold(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	seed := newBroadcastParent(t, "site-a", "site-b", "site-c")
	seed.MinResponding = 2
	parent, err := d.TriggerQuery(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 2, parent.MinResponding)
	assert.Equal(t, 3, parent.MaxResponding)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-a"), Reply{NumRecords: 4}))
	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-b"), Reply{NumRecords: 6}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	assert.Equal(t, int64(10), *parent.NumRecords)

	// The straggler's reply updates the child but never the terminal parent
	late := ft.correlationFor(t, "site-c")
	require.NoError(t, d.OnDataSourceReply(ctx, late, Reply{NumRecords: 100}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), *parent.NumRecords)

	child, err := d.store.FindByExecutionID(late)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, child.State)
	assert.Equal(t, int64(100), *child.NumRecords)
}

func TestDuplicateReplyIsAuditedOnly(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a"))
	require.NoError(t, err)

	correlation := ft.correlationFor(t, "site-a")
	require.NoError(t, d.OnDataSourceReply(ctx, correlation, Reply{NumRecords: 8}))
	require.NoError(t, d.OnDataSourceReply(ctx, correlation, Reply{NumRecords: 999}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), *parent.NumRecords)

	child, err := d.store.FindByExecutionID(correlation)
	require.NoError(t, err)
	assert.Equal(t, int64(8), *child.NumRecords)

	statuses, err := d.store.FindStatuses(child.ID)
	require.NoError(t, err)
	assert.Equal(t, statusLateReply, statuses[len(statuses)-1].Status)
}

func TestDependentRuleWaitsAndGetsSubstitutedPayload(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	plan := query.NewPlan()
	require.NoError(t, plan.AddExecutionRule(query.ExecutionRule{ID: "er1", SearchQueryID: "sq1", DataSourceID: "site-a"}))
	require.NoError(t, plan.AddExecutionRule(query.ExecutionRule{ID: "er2", SearchQueryID: "sq2", DataSourceID: "site-b"}))
	require.NoError(t, plan.AddDependencyRule(query.DependencyRule{DependencyExecutionID: "er1", OutcomeExecutionID: "er2"}))

	queries := map[string]json.RawMessage{
		"sq1": json.RawMessage(`{"diagnosis":"C61"}`),
		"sq2": json.RawMessage(`{"diagnosis":"C61","cohort_size":{"$ref":"er1"}}`),
	}
	parent, err := d.TriggerQuery(ctx, query.NewFederatedQuery("u", query.QueryTypeCount, plan, queries))
	require.NoError(t, err)

	// Only the independent rule goes out initially
	require.Len(t, ft.sentQueries(), 1)
	assert.Equal(t, "site-a", ft.sentQueries()[0].DataSourceID)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-a"), Reply{NumRecords: 128}))

	sent := ft.sentQueries()
	require.Len(t, sent, 2)
	assert.Equal(t, "site-b", sent[1].DataSourceID)
	assert.JSONEq(t, `{"diagnosis":"C61","cohort_size":128}`, string(sent[1].Payload))

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-b"), Reply{NumRecords: 30}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	assert.Equal(t, int64(158), *parent.NumRecords)
}

func TestFailedDependencyDoomsDependentsOnly(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	plan := query.NewPlan()
	require.NoError(t, plan.AddExecutionRule(query.ExecutionRule{ID: "er1", SearchQueryID: "sq1", DataSourceID: "site-a"}))
	require.NoError(t, plan.AddExecutionRule(query.ExecutionRule{ID: "er2", SearchQueryID: "sq1", DataSourceID: "site-b"}))
	require.NoError(t, plan.AddExecutionRule(query.ExecutionRule{ID: "er3", SearchQueryID: "sq1", DataSourceID: "site-c"}))
	require.NoError(t, plan.AddDependencyRule(query.DependencyRule{DependencyExecutionID: "er1", OutcomeExecutionID: "er2"}))

	queries := map[string]json.RawMessage{"sq1": json.RawMessage(`{"diagnosis":"C61"}`)}
	parent, err := d.TriggerQuery(ctx, query.NewFederatedQuery("u", query.QueryTypeCount, plan, queries))
	require.NoError(t, err)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-a"), Reply{Error: "criteria not supported"}))

	// er2 was never sent; its child exists in FAILED state
	for _, msg := range ft.sentQueries() {
		assert.NotEqual(t, "site-b", msg.DataSourceID)
	}
	children, err := d.store.FindChildren(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	byRule := make(map[string]*query.QueryContext)
	for _, child := range children {
		byRule[child.RuleID] = child
	}
	assert.Equal(t, query.StateFailed, byRule["er1"].State)
	assert.Equal(t, query.StateFailed, byRule["er2"].State)
	assert.Equal(t, query.StateExecuting, byRule["er3"].State)

	// The independent branch still completes the query
	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-c"), Reply{NumRecords: 10}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	assert.Equal(t, int64(10), *parent.NumRecords)
}

func TestAllSourcesFailingFailsParent(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a", "site-b"))
	require.NoError(t, err)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-a"), Reply{Error: "timeout"}))
	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-b"), Reply{Error: "timeout"}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateFailed, parent.State)
	assert.Nil(t, parent.NumRecords)
}

func TestUnreachableSourceFailsChildOnly(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ft.unreachable["site-b"] = true
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a", "site-b"))
	require.NoError(t, err)
	assert.Equal(t, query.StateExecuting, parent.State)

	children, err := d.store.FindChildren(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-a"), Reply{NumRecords: 6}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	assert.Equal(t, int64(6), *parent.NumRecords)
}

func TestSmallAggregatesAreSuppressed(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a", "site-b", "site-c"))
	require.NoError(t, err)

	for src, n := range map[string]int64{"site-a": 1, "site-b": 1, "site-c": 0} {
		require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, src), Reply{NumRecords: n}))
	}

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	require.NotNil(t, parent.NumRecords)
	assert.Equal(t, query.SuppressedNumRecords, *parent.NumRecords)

	views := parent.ResultViews()
	require.Len(t, views, 1)
	assert.True(t, views[0].Suppressed)
}

func TestStopCascadesToChildren(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a", "site-b"))
	require.NoError(t, err)

	stopped, err := d.StopQuery(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateStopped, stopped.State)

	children, err := d.store.FindChildren(parent.ID)
	require.NoError(t, err)
	for _, child := range children {
		assert.Equal(t, query.StateStopped, child.State)
	}

	// Stopping again is a no-op
	stopped, err = d.StopQuery(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateStopped, stopped.State)

	// A reply arriving after the stop is audit-only
	correlation := ft.correlationFor(t, "site-a")
	require.NoError(t, d.OnDataSourceReply(ctx, correlation, Reply{NumRecords: 12}))

	child, err := d.store.FindByExecutionID(correlation)
	require.NoError(t, err)
	assert.Equal(t, query.StateStopped, child.State)
	assert.Nil(t, child.NumRecords)

	statuses, err := d.store.FindStatuses(child.ID)
	require.NoError(t, err)
	assert.Equal(t, statusLateReply, statuses[len(statuses)-1].Status)
}

func TestDeleteRefusedWhileExecuting(t *testing.T) {
	d, _ := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a"))
	require.NoError(t, err)

	err = d.DeleteQuery(ctx, parent.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStillExecuting))

	_, err = d.StopQuery(ctx, parent.ID)
	require.NoError(t, err)
	require.NoError(t, d.DeleteQuery(ctx, parent.ID))

	_, err = d.store.FindByID(parent.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestThrottledDispatchStaysQueued(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{MaxDispatchPerMinute: 1})
	ctx := context.Background()

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a", "site-b"))
	require.NoError(t, err)

	require.Len(t, ft.sentQueries(), 1)

	children, err := d.store.FindChildren(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	var queued *query.QueryContext
	for _, child := range children {
		if child.State == query.StateQueued {
			queued = child
		}
	}
	require.NotNil(t, queued)

	statuses, err := d.store.FindStatuses(queued.ID)
	require.NoError(t, err)
	assert.Equal(t, statusThrottled, statuses[len(statuses)-1].Status)
}

func TestThrottledParentRetriedOnSweep(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{MaxDispatchPerMinute: 1})
	ctx := context.Background()

	// The first query consumes the window's only dispatch slot.
	first, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a"))
	require.NoError(t, err)
	assert.Equal(t, query.StateExecuting, first.State)

	second, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-b"))
	require.NoError(t, err)
	assert.Equal(t, query.StateQueued, second.State)
	require.Len(t, ft.sentQueries(), 1)

	// Simulate the window freeing up a minute later, then run one pass.
	d.limiter = NewLimiter(1)
	sweeper := NewSweeper(ctx, d, time.Minute, nil)
	require.NoError(t, sweeper.Sweep(ctx))

	second, err = d.store.FindByID(second.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateExecuting, second.State)

	sent := ft.sentQueries()
	require.Len(t, sent, 2)
	assert.Equal(t, "site-b", sent[1].DataSourceID)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-b"), Reply{NumRecords: 23}))

	second, err = d.store.FindByID(second.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, second.State)
	assert.Equal(t, int64(23), *second.NumRecords)
}

func TestThrottledParentClosedOutAtStaleDeadline(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{MaxDispatchPerMinute: 1})
	ctx := context.Background()

	_, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a"))
	require.NoError(t, err)

	// Every send of the second query is throttled, so it never leaves
	// QUEUED on its own.
	seed := newBroadcastParent(t, "site-b")
	seed.StaleAt = time.Now().Add(time.Minute)
	parent, err := d.TriggerQuery(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, query.StateQueued, parent.State)
	require.Len(t, ft.sentQueries(), 1)

	// Past the deadline, with the window still exhausted, the sweeper must
	// close the query out rather than leave it queued forever.
	d.timeNow = func() time.Time { return time.Now().Add(time.Hour) }
	sweeper := NewSweeper(ctx, d, time.Minute, nil)
	require.NoError(t, sweeper.Sweep(ctx))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateFailed, parent.State)
	assert.Nil(t, parent.NumRecords)

	statuses, err := d.store.FindStatuses(parent.ID)
	require.NoError(t, err)
	var sawStale bool
	for _, entry := range statuses {
		if entry.Status == statusStale {
			sawStale = true
		}
	}
	assert.True(t, sawStale)
}

func TestStoppedChildDoesNotCountTowardThreshold(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	seed := newBroadcastParent(t, "site-a", "site-b", "site-c")
	seed.MinResponding = 2
	parent, err := d.TriggerQuery(ctx, seed)
	require.NoError(t, err)

	stopped, err := d.store.FindByExecutionID(ft.correlationFor(t, "site-a"))
	require.NoError(t, err)
	_, err = d.StopQuery(ctx, stopped.ID)
	require.NoError(t, err)

	// One answer plus one stopped child is still only one responding
	// source; the parent keeps waiting.
	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-b"), Reply{NumRecords: 5}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateExecuting, parent.State)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-c"), Reply{NumRecords: 6}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	assert.Equal(t, int64(11), *parent.NumRecords)
}

func TestSweeperForcesBestEffortCompletion(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	seed := newBroadcastParent(t, "site-a", "site-b")
	seed.StaleAt = time.Now().Add(time.Minute)
	parent, err := d.TriggerQuery(ctx, seed)
	require.NoError(t, err)

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-a"), Reply{NumRecords: 42}))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateExecuting, parent.State)

	// Move the clock past the stale deadline and run one sweep pass
	d.timeNow = func() time.Time { return time.Now().Add(time.Hour) }
	sweeper := NewSweeper(ctx, d, time.Minute, nil)
	require.NoError(t, sweeper.Sweep(ctx))

	parent, err = d.store.FindByID(parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, parent.State)
	assert.Equal(t, int64(42), *parent.NumRecords)

	statuses, err := d.store.FindStatuses(parent.ID)
	require.NoError(t, err)
	var sawStale bool
	for _, entry := range statuses {
		if entry.Status == statusStale {
			sawStale = true
		}
	}
	assert.True(t, sawStale)
}

func TestQueryAccessors(t *testing.T) {
	d, ft := newTestDispatcher(t, config.DispatcherConfig{})
	ctx := context.Background()

	state, err := d.StateByID(ctx, 9999)
	require.NoError(t, err)
	assert.Equal(t, query.StateInvalid, state)

	parent, err := d.TriggerQuery(ctx, newBroadcastParent(t, "site-a"))
	require.NoError(t, err)

	state, err = d.StateByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateExecuting, state)

	_, err = d.AggregatedResults(ctx, parent.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotCompleted))

	require.NoError(t, d.OnDataSourceReply(ctx, ft.correlationFor(t, "site-a"), Reply{NumRecords: 17}))

	results, err := d.AggregatedResults(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, query.StateCompleted, results.State)
	assert.Equal(t, int64(17), results.NumRecords)
	assert.Equal(t, []string{"site-a"}, results.RespondingSources)

	status, err := d.QueryStatus(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, string(query.StateCompleted), status.Status)

	loaded, err := d.QueryByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, loaded.StatusHistory)
}
