package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cohortnet/quorum/errors"
	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/query"
)

// triggerRequest is the wire form of a federated query submission.
type triggerRequest struct {
	UserID        string                     `json:"user_id"`
	QueryType     query.QueryType            `json:"query_type"`
	OriginID      string                     `json:"origin_id,omitempty"`
	MinResponding int                        `json:"min_responding,omitempty"`
	MaxResponding int                        `json:"max_responding,omitempty"`
	Query         json.RawMessage            `json:"query,omitempty"`
	Queries       map[string]json.RawMessage `json:"queries,omitempty"`
	Plan          planRequest                `json:"plan"`
}

type planRequest struct {
	ExecutionRules  []query.ExecutionRule  `json:"execution_rules"`
	DependencyRules []query.DependencyRule `json:"dependency_rules,omitempty"`
	ResultRequests  []query.ResultRequest  `json:"result_requests,omitempty"`
}

// queryResponse is the externally visible form of a query context. The
// record count is suppressed at this boundary.
type queryResponse struct {
	ID            int64           `json:"id"`
	ExecutionID   string          `json:"execution_id"`
	State         query.State     `json:"state"`
	QueryType     query.QueryType `json:"query_type"`
	NumRecords    *int64          `json:"num_records,omitempty"`
	Suppressed    bool            `json:"suppressed,omitempty"`
	ParentID      *int64          `json:"parent_id,omitempty"`
	DataSourceID  string          `json:"data_source_id,omitempty"`
	MinResponding int             `json:"min_responding"`
	MaxResponding int             `json:"max_responding"`
	StaleAt       *time.Time      `json:"stale_at,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	OriginID      string          `json:"origin_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (s *Server) toResponse(qc *query.QueryContext) queryResponse {
	resp := queryResponse{
		ID:            qc.ID,
		ExecutionID:   qc.ExecutionID,
		State:         qc.State,
		QueryType:     qc.QueryType,
		ParentID:      qc.ParentID,
		DataSourceID:  qc.DataSourceID,
		MinResponding: qc.MinResponding,
		MaxResponding: qc.MaxResponding,
		UserID:        qc.UserID,
		OriginID:      qc.OriginID,
		CreatedAt:     qc.CreatedAt,
		UpdatedAt:     qc.UpdatedAt,
	}
	if !qc.StaleAt.IsZero() {
		staleAt := qc.StaleAt
		resp.StaleAt = &staleAt
	}
	if qc.NumRecords != nil {
		scrubbed, suppressed := s.aggregator.ScrubCount(*qc.NumRecords)
		resp.NumRecords = &scrubbed
		resp.Suppressed = suppressed
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTriggerQuery(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}

	plan := query.NewPlan()
	for _, rule := range req.Plan.ExecutionRules {
		if err := plan.AddExecutionRule(rule); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	for _, rule := range req.Plan.DependencyRules {
		if err := plan.AddDependencyRule(rule); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	for _, view := range req.Plan.ResultRequests {
		if err := plan.AddResultRequest(view); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	queryType := req.QueryType
	if queryType == "" {
		queryType = query.QueryTypeCount
	}

	parent := query.NewFederatedQuery(req.UserID, queryType, plan, req.Queries)
	parent.Query = req.Query
	parent.OriginID = req.OriginID
	parent.MinResponding = req.MinResponding
	parent.MaxResponding = req.MaxResponding

	triggered, err := s.dispatcher.TriggerQuery(r.Context(), parent)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidPlan) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, s.toResponse(triggered))
}

func (s *Server) handleQueryByID(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	qc, err := s.dispatcher.QueryByID(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toResponse(qc))
}

func (s *Server) handleQueryState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	state, err := s.dispatcher.StateByID(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]query.State{"state": state})
}

func (s *Server) handleQueryStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	status, err := s.dispatcher.QueryStatus(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueryHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	qc, err := s.dispatcher.QueryByID(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, qc.StatusHistory)
}

func (s *Server) handleAggregatedResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	results, err := s.dispatcher.AggregatedResults(r.Context(), id)
	if err != nil {
		if errors.Is(err, errors.ErrNotCompleted) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStopQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	qc, err := s.dispatcher.StopQuery(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.toResponse(qc))
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.DeleteQuery(r.Context(), id); err != nil {
		if errors.Is(err, errors.ErrStillExecuting) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.writeLookupError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConnectedSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"sources": s.hub.ConnectedSources()})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Newf("invalid query id %q", r.PathValue("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, errors.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warnw("Failed to encode response", logger.FieldError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.log.Errorw("Request failed", logger.FieldError, err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
