package query

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cohortnet/quorum/errors"
)

// Store handles persistence of query contexts and their status history.
// Atomicity is single-context read-modify-write; no cross-context
// transactions span the plan.
type Store struct {
	db *sql.DB
}

// NewStore creates a new query context store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const contextColumns = `
	id, execution_id, state, query_type, query, queries, plan,
	num_records, result_views, parent_id, data_source_id, rule_id,
	min_responding, max_responding, stale_at, user_id, origin_id,
	created_at, updated_at`

// Save persists the context: insert when ID is zero, update otherwise.
// Any status history entries not yet persisted (ID == 0) are inserted too.
func (s *Store) Save(qc *QueryContext) error {
	queries, plan, views, err := marshalBoundary(qc)
	if err != nil {
		return err
	}

	qc.UpdatedAt = time.Now()

	if qc.ID == 0 {
		res, err := s.db.Exec(`
			INSERT INTO query_contexts (
				execution_id, state, query_type, query, queries, plan,
				num_records, result_views, parent_id, data_source_id, rule_id,
				min_responding, max_responding, stale_at, user_id, origin_id,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			qc.ExecutionID, qc.State, qc.QueryType,
			nullString(string(qc.Query)), queries, plan,
			nullInt64Ptr(qc.NumRecords), views,
			nullInt64Ptr(qc.ParentID), nullString(qc.DataSourceID), nullString(qc.RuleID),
			qc.MinResponding, qc.MaxResponding,
			nullTime(qc.StaleAt), nullString(qc.UserID), nullString(qc.OriginID),
			qc.CreatedAt, qc.UpdatedAt,
		)
		if err != nil {
			err = errors.Wrap(err, "failed to create query context")
			return errors.WithDetailf(err, "Execution ID: %s", qc.ExecutionID)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to read query context id")
		}
		qc.ID = id
	} else {
		_, err := s.db.Exec(`
			UPDATE query_contexts
			SET state = ?, query = ?, queries = ?, plan = ?,
			    num_records = ?, result_views = ?,
			    min_responding = ?, max_responding = ?, stale_at = ?,
			    updated_at = ?
			WHERE id = ?`,
			qc.State, nullString(string(qc.Query)), queries, plan,
			nullInt64Ptr(qc.NumRecords), views,
			qc.MinResponding, qc.MaxResponding, nullTime(qc.StaleAt),
			qc.UpdatedAt, qc.ID,
		)
		if err != nil {
			err = errors.Wrap(err, "failed to update query context")
			return errors.WithDetailf(err, "Query ID: %d", qc.ID)
		}
	}

	return s.saveStatuses(qc)
}

// saveStatuses inserts history entries that have not been persisted yet.
func (s *Store) saveStatuses(qc *QueryContext) error {
	for i := range qc.StatusHistory {
		entry := &qc.StatusHistory[i]
		if entry.ID != 0 {
			continue
		}
		res, err := s.db.Exec(`
			INSERT INTO query_status_history (
				query_context_id, status, status_date, data_source_id, duration_ms
			) VALUES (?, ?, ?, ?, ?)`,
			qc.ID, entry.Status, entry.StatusDate,
			nullString(entry.DataSourceID), entry.Duration.Milliseconds(),
		)
		if err != nil {
			return errors.Wrap(err, "failed to append status entry")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "failed to read status entry id")
		}
		entry.ID = id
	}
	return nil
}

// FindByID retrieves a context by durable id. Returns ErrNotFound when no
// such context exists; status history is loaded separately via FindStatuses.
func (s *Store) FindByID(id int64) (*QueryContext, error) {
	row := s.db.QueryRow(`SELECT `+contextColumns+` FROM query_contexts WHERE id = ?`, id)
	qc, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "query context %d", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load query context")
	}
	return qc, nil
}

// FindByExecutionID retrieves a context by its correlation token.
func (s *Store) FindByExecutionID(executionID string) (*QueryContext, error) {
	row := s.db.QueryRow(`SELECT `+contextColumns+` FROM query_contexts WHERE execution_id = ?`, executionID)
	qc, err := scanContext(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution id %s", executionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load query context")
	}
	return qc, nil
}

// FindChildren returns the child contexts of a parent, oldest first.
func (s *Store) FindChildren(parentID int64) ([]*QueryContext, error) {
	rows, err := s.db.Query(`SELECT `+contextColumns+` FROM query_contexts WHERE parent_id = ? ORDER BY id`, parentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list children")
	}
	defer rows.Close()

	var children []*QueryContext
	for rows.Next() {
		qc, err := scanContext(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan child context")
		}
		children = append(children, qc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating children")
	}
	return children, nil
}

// FindStatuses returns the full status history for a context, oldest first.
func (s *Store) FindStatuses(queryContextID int64) ([]StatusMetaData, error) {
	rows, err := s.db.Query(`
		SELECT id, status, status_date, data_source_id, duration_ms
		FROM query_status_history
		WHERE query_context_id = ?
		ORDER BY id`, queryContextID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list status history")
	}
	defer rows.Close()

	var statuses []StatusMetaData
	for rows.Next() {
		var entry StatusMetaData
		var dataSourceID sql.NullString
		var durationMS int64
		if err := rows.Scan(&entry.ID, &entry.Status, &entry.StatusDate, &dataSourceID, &durationMS); err != nil {
			return nil, errors.Wrap(err, "failed to scan status entry")
		}
		entry.DataSourceID = dataSourceID.String
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		statuses = append(statuses, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status history")
	}
	return statuses, nil
}

// FindStale returns non-terminal parent contexts past their stale deadline.
// QUEUED parents count too: a parent whose every initial send was throttled
// has never executed but must still be closed out.
func (s *Store) FindStale(now time.Time) ([]*QueryContext, error) {
	rows, err := s.db.Query(`
		SELECT `+contextColumns+`
		FROM query_contexts
		WHERE parent_id IS NULL AND state IN (?, ?)
		  AND stale_at IS NOT NULL AND stale_at < ?
		ORDER BY id`, StateQueued, StateExecuting, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale queries")
	}
	defer rows.Close()

	var stale []*QueryContext
	for rows.Next() {
		qc, err := scanContext(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan stale context")
		}
		stale = append(stale, qc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stale queries")
	}
	return stale, nil
}

// FindParentsWithQueuedChildren returns non-terminal parents that still have
// at least one QUEUED child, meaning a throttled sub-query awaiting retry.
func (s *Store) FindParentsWithQueuedChildren() ([]*QueryContext, error) {
	rows, err := s.db.Query(`
		SELECT `+contextColumns+`
		FROM query_contexts
		WHERE parent_id IS NULL AND state IN (?, ?)
		  AND id IN (
			SELECT parent_id FROM query_contexts
			WHERE parent_id IS NOT NULL AND state = ?
		  )
		ORDER BY id`, StateQueued, StateExecuting, StateQueued)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list queries with queued sub-queries")
	}
	defer rows.Close()

	var parents []*QueryContext
	for rows.Next() {
		qc, err := scanContext(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan parent context")
		}
		parents = append(parents, qc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating parent contexts")
	}
	return parents, nil
}

// Delete removes a context. Children and status history cascade via
// foreign keys.
func (s *Store) Delete(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM query_contexts WHERE id = ?`, id); err != nil {
		return errors.Wrapf(err, "failed to delete query context %d", id)
	}
	return nil
}

// DeleteByUser removes all of a user's parent contexts (children cascade).
func (s *Store) DeleteByUser(userID string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM query_contexts WHERE user_id = ? AND parent_id IS NULL`, userID)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to delete queries for user %s", userID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to count deleted queries")
	}
	return n, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContext(row scanner) (*QueryContext, error) {
	var qc QueryContext
	var (
		queryPayload sql.NullString
		queries      sql.NullString
		plan         sql.NullString
		numRecords   sql.NullInt64
		resultViews  sql.NullString
		parentID     sql.NullInt64
		dataSourceID sql.NullString
		ruleID       sql.NullString
		staleAt      sql.NullTime
		userID       sql.NullString
		originID     sql.NullString
	)

	err := row.Scan(
		&qc.ID, &qc.ExecutionID, &qc.State, &qc.QueryType,
		&queryPayload, &queries, &plan,
		&numRecords, &resultViews, &parentID, &dataSourceID, &ruleID,
		&qc.MinResponding, &qc.MaxResponding, &staleAt, &userID, &originID,
		&qc.CreatedAt, &qc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if queryPayload.Valid {
		qc.Query = json.RawMessage(queryPayload.String)
	}
	if numRecords.Valid {
		qc.NumRecords = &numRecords.Int64
	}
	if parentID.Valid {
		qc.ParentID = &parentID.Int64
	}
	qc.DataSourceID = dataSourceID.String
	qc.RuleID = ruleID.String
	if staleAt.Valid {
		qc.StaleAt = staleAt.Time
	}
	qc.UserID = userID.String
	qc.OriginID = originID.String

	if err := unmarshalBoundary(&qc, queries, plan, resultViews); err != nil {
		return nil, err
	}
	return &qc, nil
}

// marshalBoundary serializes the plan, sub-query payloads and result views
// for the persistence boundary.
func marshalBoundary(qc *QueryContext) (queries, plan, views sql.NullString, err error) {
	if len(qc.Queries) > 0 {
		data, merr := json.Marshal(qc.Queries)
		if merr != nil {
			return queries, plan, views, errors.Wrap(merr, "failed to marshal sub-queries")
		}
		queries = sql.NullString{String: string(data), Valid: true}
	}
	if qc.Plan != nil {
		data, merr := json.Marshal(qc.Plan)
		if merr != nil {
			return queries, plan, views, errors.Wrap(merr, "failed to marshal plan")
		}
		plan = sql.NullString{String: string(data), Valid: true}
	}
	if rv := qc.ResultViews(); len(rv) > 0 {
		data, merr := json.Marshal(rv)
		if merr != nil {
			return queries, plan, views, errors.Wrap(merr, "failed to marshal result views")
		}
		views = sql.NullString{String: string(data), Valid: true}
	}
	return queries, plan, views, nil
}

func unmarshalBoundary(qc *QueryContext, queries, plan, views sql.NullString) error {
	if queries.Valid {
		if err := json.Unmarshal([]byte(queries.String), &qc.Queries); err != nil {
			return errors.Wrap(err, "failed to unmarshal sub-queries")
		}
	}
	if plan.Valid {
		qc.Plan = NewPlan()
		if err := json.Unmarshal([]byte(plan.String), qc.Plan); err != nil {
			return errors.Wrap(err, "failed to unmarshal plan")
		}
	}
	if views.Valid {
		var rv []ResultContext
		if err := json.Unmarshal([]byte(views.String), &rv); err != nil {
			return errors.Wrap(err, "failed to unmarshal result views")
		}
		qc.setResultViews(rv)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64Ptr(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
