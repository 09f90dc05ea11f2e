// Package dispatch implements the asynchronous fan-out / fan-in engine: it
// sends ready sub-queries to their data sources, correlates replies,
// advances the query-context state machine, and evaluates completion
// thresholds.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cohortnet/quorum/aggregate"
	"github.com/cohortnet/quorum/config"
	"github.com/cohortnet/quorum/errors"
	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/query"
)

// Audit status strings recorded in the history beyond plain state names.
const (
	statusLateReply = "LATE_REPLY"
	statusThrottled = "THROTTLED"
	statusStale     = "STALE_DEADLINE_REACHED"
)

// Dispatcher coordinates one federated query: it creates child contexts for
// ready execution rules, sends them to data sources, and folds replies back
// into the parent. All collaborators are injected; there is no ambient
// lookup.
type Dispatcher struct {
	store      *query.Store
	transport  Transport
	resolver   query.Resolver
	aggregator *aggregate.Aggregator
	cfg        config.DispatcherConfig
	limiter    *Limiter
	locks      *parentLocks
	timeNow    func() time.Time
	log        *zap.SugaredLogger
}

// New creates a dispatcher.
func New(store *query.Store, transport Transport, aggregator *aggregate.Aggregator, cfg config.DispatcherConfig, log *zap.SugaredLogger) *Dispatcher {
	if log == nil {
		log = logger.Get()
	}
	return &Dispatcher{
		store:      store,
		transport:  transport,
		aggregator: aggregator,
		cfg:        cfg,
		limiter:    NewLimiter(cfg.MaxDispatchPerMinute),
		locks:      newParentLocks(),
		timeNow:    time.Now,
		log:        log.With(logger.FieldComponent, "dispatch"),
	}
}

// TriggerQuery validates and persists a federated query, dispatches the
// initially-ready execution rules, and returns immediately; all further
// progress happens in the reply-handling path. Only total failure to
// construct and dispatch the initial plan is surfaced here.
func (d *Dispatcher) TriggerQuery(ctx context.Context, parent *query.QueryContext) (*query.QueryContext, error) {
	if parent.Plan == nil {
		return nil, errors.Wrap(errors.ErrInvalidPlan, "federated query has no plan")
	}
	if err := parent.Plan.Validate(); err != nil {
		return nil, err
	}
	for _, rule := range parent.Plan.ExecutionRules() {
		if len(d.payloadFor(parent, rule)) == 0 {
			return nil, errors.Wrapf(errors.ErrInvalidPlan, "no sub-query payload for execution rule %s", rule.ID)
		}
	}

	d.applyDefaults(parent)

	if err := d.store.Save(parent); err != nil {
		return nil, err
	}

	unlock := d.locks.acquire(parent.ID)
	defer unlock()

	children, err := d.advance(ctx, parent, nil)
	if err != nil {
		return nil, err
	}
	if err := d.evaluateCompletion(parent, children, false); err != nil {
		return nil, err
	}

	d.log.Infow("Federated query triggered",
		logger.FieldQueryID, parent.ID,
		logger.FieldExecutionID, parent.ExecutionID,
		logger.FieldCount, len(children),
	)
	return d.store.FindByID(parent.ID)
}

// applyDefaults resolves completion thresholds and the stale deadline from
// plan size and configuration. Thresholds default to the count of execution
// rules and never exceed it.
func (d *Dispatcher) applyDefaults(parent *query.QueryContext) {
	ruleCount := len(parent.Plan.ExecutionRules())

	min := parent.MinResponding
	if min <= 0 {
		min = d.cfg.MinResponding
	}
	if min <= 0 || min > ruleCount {
		min = ruleCount
	}

	max := parent.MaxResponding
	if max <= 0 {
		max = d.cfg.MaxResponding
	}
	if max <= 0 || max > ruleCount {
		max = ruleCount
	}
	if min > max {
		min = max
	}

	parent.MinResponding = min
	parent.MaxResponding = max

	if parent.StaleAt.IsZero() && d.cfg.StaleAfterSeconds > 0 {
		parent.StaleAt = d.timeNow().Add(time.Duration(d.cfg.StaleAfterSeconds) * time.Second)
	}
}

// OnDataSourceReply correlates a reply with its child context, updates the
// child, dispatches newly-ready execution rules, and re-evaluates the
// parent's completion condition. Replies for different parents run
// concurrently; replies within one parent are serialized.
func (d *Dispatcher) OnDataSourceReply(ctx context.Context, executionID string, reply Reply) error {
	probe, err := d.store.FindByExecutionID(executionID)
	if err != nil {
		return err
	}
	if probe.IsParent() {
		return errors.Newf("correlation id %s does not identify a child context", executionID)
	}
	parentID := *probe.ParentID

	unlock := d.locks.acquire(parentID)
	defer unlock()

	// Reload under the lock: state may have moved since the probe.
	child, err := d.store.FindByExecutionID(executionID)
	if err != nil {
		return err
	}
	parent, err := d.store.FindByID(parentID)
	if err != nil {
		return err
	}

	duration := d.timeNow().Sub(child.CreatedAt)

	// A reply for an already-terminal child (stopped, failed, or repeated
	// delivery) is accepted for audit purposes only; it must not resurrect
	// the context or trigger further dispatch.
	if child.State.IsTerminal() {
		child.RecordStatus(statusLateReply, duration)
		return d.store.Save(child)
	}

	if err := d.applyReply(child, reply, duration); err != nil {
		return err
	}
	if err := d.store.Save(child); err != nil {
		return err
	}

	// A late reply after the parent completed updates only the child; the
	// parent's result views are immutable once terminal.
	if parent.State.IsTerminal() {
		return nil
	}

	children, err := d.store.FindChildren(parent.ID)
	if err != nil {
		return err
	}
	children, err = d.advance(ctx, parent, children)
	if err != nil {
		return err
	}
	return d.evaluateCompletion(parent, children, false)
}

// applyReply moves a non-terminal child to COMPLETED or FAILED based on the
// reply content.
func (d *Dispatcher) applyReply(child *query.QueryContext, reply Reply, duration time.Duration) error {
	if reply.Error != "" {
		child.RecordStatus(reply.Error, duration)
		d.log.Warnw("Data source returned error reply",
			logger.FieldExecutionID, child.ExecutionID,
			logger.FieldDataSourceID, child.DataSourceID,
			logger.FieldError, reply.Error,
		)
		return child.TransitionTo(query.StateFailed, duration)
	}

	child.SetNumRecords(reply.NumRecords)
	d.log.Debugw("Data source replied",
		logger.FieldExecutionID, child.ExecutionID,
		logger.FieldDataSourceID, child.DataSourceID,
		logger.FieldNumRecords, reply.NumRecords,
		logger.FieldDurationMS, duration.Milliseconds(),
	)
	return child.TransitionTo(query.StateCompleted, duration)
}

// StopQuery transitions a context and all its non-terminal descendants to
// STOPPED. Idempotent: stopping a terminal context is a no-op. Safe to call
// concurrently with in-flight replies.
func (d *Dispatcher) StopQuery(ctx context.Context, id int64) (*query.QueryContext, error) {
	qc, err := d.store.FindByID(id)
	if err != nil {
		return nil, err
	}

	lockID := qc.ID
	if !qc.IsParent() {
		lockID = *qc.ParentID
	}
	unlock := d.locks.acquire(lockID)
	defer unlock()

	qc, err = d.store.FindByID(id)
	if err != nil {
		return nil, err
	}

	if !qc.State.IsTerminal() {
		if err := qc.TransitionTo(query.StateStopped, 0); err != nil {
			return nil, err
		}
		if err := d.store.Save(qc); err != nil {
			return nil, err
		}
	}

	if qc.IsParent() {
		children, err := d.store.FindChildren(qc.ID)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child.State.IsTerminal() {
				continue
			}
			if err := child.TransitionTo(query.StateStopped, 0); err != nil {
				return nil, err
			}
			if err := d.store.Save(child); err != nil {
				return nil, err
			}
		}
	}

	d.log.Infow("Query stopped", logger.FieldQueryID, qc.ID, logger.FieldExecutionID, qc.ExecutionID)
	return qc, nil
}

// DeleteQuery removes a context and its descendants. Deletion of an
// executing query is refused; stop it first.
func (d *Dispatcher) DeleteQuery(ctx context.Context, id int64) error {
	qc, err := d.store.FindByID(id)
	if err != nil {
		return err
	}
	if qc.State == query.StateExecuting {
		return errors.WithHint(
			errors.Wrapf(errors.ErrStillExecuting, "query %d", id),
			"stop the query before deleting it")
	}
	return d.store.Delete(id)
}

// advance runs the resolver to a fixed point: dispatch every ready rule,
// fail every rule that can never become ready, repeat until no progress.
// Per-rule failures stay local and never abort sibling branches.
func (d *Dispatcher) advance(ctx context.Context, parent *query.QueryContext, children []*query.QueryContext) ([]*query.QueryContext, error) {
	for {
		progress := false

		dispatched := make(map[string]bool, len(children))
		completed := make(map[string]bool)
		failed := make(map[string]bool)
		results := make(map[string]int64)
		for _, child := range children {
			dispatched[child.RuleID] = true
			switch child.State {
			case query.StateCompleted:
				completed[child.RuleID] = true
				if child.NumRecords != nil {
					results[child.RuleID] = *child.NumRecords
				}
			case query.StateFailed, query.StateStopped:
				failed[child.RuleID] = true
			}
		}

		for _, rule := range d.resolver.Ready(parent.Plan, dispatched, completed) {
			child, err := d.dispatchRule(ctx, parent, rule, results)
			if err != nil {
				return children, err
			}
			children = append(children, child)
			progress = true
		}

		for _, rule := range d.resolver.Unsatisfiable(parent.Plan, dispatched, failed) {
			child := query.NewChildContext(parent, rule, d.payloadFor(parent, rule))
			child.RecordStatus("dependency can never be satisfied", 0)
			if err := child.TransitionTo(query.StateFailed, 0); err != nil {
				return children, err
			}
			if err := d.store.Save(child); err != nil {
				return children, err
			}
			d.log.Warnw("Execution rule unsatisfiable",
				logger.FieldQueryID, parent.ID,
				logger.FieldRuleID, rule.ID,
				logger.FieldDataSourceID, rule.DataSourceID,
			)
			children = append(children, child)
			progress = true
		}

		if !progress {
			return children, nil
		}
	}
}

// dispatchRule creates and persists a child context for one ready rule,
// substitutes dependency placeholders, and sends the sub-query. Dispatch
// and substitution failures fail the child only.
func (d *Dispatcher) dispatchRule(ctx context.Context, parent *query.QueryContext, rule query.ExecutionRule, results map[string]int64) (*query.QueryContext, error) {
	payload, err := d.resolver.Substitute(d.payloadFor(parent, rule), results)
	if err != nil {
		child := query.NewChildContext(parent, rule, nil)
		child.RecordStatus(err.Error(), 0)
		if terr := child.TransitionTo(query.StateFailed, 0); terr != nil {
			return nil, terr
		}
		d.log.Warnw("Dependency substitution failed",
			logger.FieldQueryID, parent.ID,
			logger.FieldRuleID, rule.ID,
			logger.FieldError, err,
		)
		return child, d.store.Save(child)
	}

	child := query.NewChildContext(parent, rule, payload)

	// The child must exist before the send: the reply path looks the
	// correlation id up in the store.
	if err := d.store.Save(child); err != nil {
		return nil, err
	}

	if err := d.limiter.Allow(); err != nil {
		child.RecordStatus(statusThrottled, 0)
		d.log.Debugw("Dispatch throttled; sub-query stays queued",
			logger.FieldExecutionID, child.ExecutionID,
			logger.FieldDataSourceID, rule.DataSourceID,
		)
		return child, d.store.Save(child)
	}

	return child, d.send(ctx, parent, child)
}

// send delivers a queued child's sub-query to its data source and moves the
// child (and, on the first send, the parent) to EXECUTING. An unreachable
// data source fails the child immediately without blocking other branches.
func (d *Dispatcher) send(ctx context.Context, parent, child *query.QueryContext) error {
	err := d.transport.Send(ctx, OutboundQuery{
		CorrelationID: child.ExecutionID,
		DataSourceID:  child.DataSourceID,
		QueryType:     child.QueryType,
		Payload:       child.Query,
	})
	if err != nil {
		child.RecordStatus(err.Error(), 0)
		if terr := child.TransitionTo(query.StateFailed, 0); terr != nil {
			return terr
		}
		d.log.Warnw("Dispatch to data source failed",
			logger.FieldExecutionID, child.ExecutionID,
			logger.FieldDataSourceID, child.DataSourceID,
			logger.FieldError, err,
		)
		return d.store.Save(child)
	}

	if terr := child.TransitionTo(query.StateExecuting, 0); terr != nil {
		return terr
	}
	if err := d.store.Save(child); err != nil {
		return err
	}

	if parent.State == query.StateQueued {
		if terr := parent.TransitionTo(query.StateExecuting, 0); terr != nil {
			return terr
		}
		if err := d.store.Save(parent); err != nil {
			return err
		}
	}

	d.log.Debugw("Sub-query dispatched",
		logger.FieldQueryID, parent.ID,
		logger.FieldExecutionID, child.ExecutionID,
		logger.FieldDataSourceID, child.DataSourceID,
	)
	return nil
}

// evaluateCompletion checks the parent's completion condition and, when it
// holds, transitions the parent to its terminal state and aggregates. With
// force set (stale deadline) completion is evaluated using only
// already-terminal children.
func (d *Dispatcher) evaluateCompletion(parent *query.QueryContext, children []*query.QueryContext, force bool) error {
	if parent.State.IsTerminal() {
		return nil
	}

	// Responding thresholds count data sources that answered one way or the
	// other (COMPLETED or FAILED). A stopped child never responded, so it
	// counts only toward the nothing-left-to-wait-for condition.
	terminal := 0
	responded := 0
	completedCount := 0
	for _, child := range children {
		if child.State.IsTerminal() {
			terminal++
		}
		switch child.State {
		case query.StateCompleted:
			responded++
			completedCount++
		case query.StateFailed:
			responded++
		}
	}

	ruleCount := len(parent.Plan.ExecutionRules())
	done := force ||
		responded >= parent.MinResponding ||
		responded >= parent.MaxResponding ||
		(len(children) == ruleCount && terminal == len(children))
	if !done {
		return nil
	}

	if completedCount == 0 {
		// Completion reached with zero usable children: the parent fails.
		if err := parent.TransitionTo(query.StateFailed, 0); err != nil {
			return err
		}
		if err := d.store.Save(parent); err != nil {
			return err
		}
		d.log.Warnw("Federated query failed: no data source responded",
			logger.FieldQueryID, parent.ID,
			logger.FieldExecutionID, parent.ExecutionID,
		)
		return nil
	}

	if err := parent.TransitionTo(query.StateCompleted, 0); err != nil {
		return err
	}

	results, err := d.aggregator.Generate(parent, children)
	if err != nil {
		return err
	}
	for _, view := range results.Views {
		parent.SetResultView(view)
	}
	parent.SetNumRecords(results.NumRecords)

	if err := d.store.Save(parent); err != nil {
		return err
	}

	d.log.Infow("Federated query completed",
		logger.FieldQueryID, parent.ID,
		logger.FieldExecutionID, parent.ExecutionID,
		logger.FieldResponding, completedCount,
		logger.FieldNumRecords, results.NumRecords,
	)
	return nil
}

// payloadFor resolves the criteria payload for one execution rule: the
// per-sub-query payload when present, the parent's single payload otherwise.
func (d *Dispatcher) payloadFor(parent *query.QueryContext, rule query.ExecutionRule) json.RawMessage {
	if payload, ok := parent.Queries[rule.SearchQueryID]; ok {
		return payload
	}
	return parent.Query
}
