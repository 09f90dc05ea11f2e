package query

import (
	"encoding/json"

	"github.com/cohortnet/quorum/errors"
)

// ExecutionRule binds one sub-query to the data source that must answer it.
type ExecutionRule struct {
	ID            string `json:"id"`
	SearchQueryID string `json:"search_query_id"`
	DataSourceID  string `json:"data_source_id"`
}

// DependencyRule states that the outcome rule may not be dispatched until
// the dependency rule's child context has reached COMPLETED.
type DependencyRule struct {
	DependencyExecutionID string `json:"dependency_execution_id"`
	OutcomeExecutionID    string `json:"outcome_execution_id"`
}

// ResultRequest asks the aggregator for one result view. RuleIDs names the
// execution rules contributing to an INTERSECTION view; empty means all.
type ResultRequest struct {
	Key     ResultContextKey `json:"key"`
	RuleIDs []string         `json:"rule_ids,omitempty"`
}

// Plan is the directed acyclic graph over sub-queries, owned by the parent
// query context. Mutation happens only through the Add* methods; accessors
// return copies, never the live slices.
type Plan struct {
	executionRules  []ExecutionRule
	dependencyRules []DependencyRule
	resultRequests  []ResultRequest
}

// NewPlan returns an empty plan.
func NewPlan() *Plan {
	return &Plan{}
}

// AddExecutionRule appends a rule. Duplicate rule ids are rejected.
func (p *Plan) AddExecutionRule(rule ExecutionRule) error {
	if rule.ID == "" {
		return errors.Wrap(errors.ErrInvalidPlan, "execution rule id cannot be empty")
	}
	if rule.DataSourceID == "" {
		return errors.Wrapf(errors.ErrInvalidPlan, "execution rule %s has no data source", rule.ID)
	}
	for _, existing := range p.executionRules {
		if existing.ID == rule.ID {
			return errors.Wrapf(errors.ErrInvalidPlan, "duplicate execution rule id %s", rule.ID)
		}
	}
	p.executionRules = append(p.executionRules, rule)
	return nil
}

// AddDependencyRule appends an ordering constraint between two rules.
func (p *Plan) AddDependencyRule(rule DependencyRule) error {
	if rule.DependencyExecutionID == rule.OutcomeExecutionID {
		return errors.Wrapf(errors.ErrInvalidPlan, "execution rule %s cannot depend on itself", rule.OutcomeExecutionID)
	}
	p.dependencyRules = append(p.dependencyRules, rule)
	return nil
}

// AddResultRequest asks for one aggregation view. Duplicate (type, index)
// keys are a data-model violation and rejected here, before any dispatch.
func (p *Plan) AddResultRequest(req ResultRequest) error {
	for _, existing := range p.resultRequests {
		if existing.Key == req.Key {
			return errors.Wrapf(errors.ErrInvalidPlan, "duplicate result view %s[%d]", req.Key.Type, req.Key.Index)
		}
	}
	p.resultRequests = append(p.resultRequests, req)
	return nil
}

// ExecutionRules returns a copy of the execution rules.
func (p *Plan) ExecutionRules() []ExecutionRule {
	out := make([]ExecutionRule, len(p.executionRules))
	copy(out, p.executionRules)
	return out
}

// DependencyRules returns a copy of the dependency rules.
func (p *Plan) DependencyRules() []DependencyRule {
	out := make([]DependencyRule, len(p.dependencyRules))
	copy(out, p.dependencyRules)
	return out
}

// ResultRequests returns a copy of the requested result views.
func (p *Plan) ResultRequests() []ResultRequest {
	out := make([]ResultRequest, len(p.resultRequests))
	copy(out, p.resultRequests)
	return out
}

// Rule looks up an execution rule by id.
func (p *Plan) Rule(id string) (ExecutionRule, bool) {
	for _, rule := range p.executionRules {
		if rule.ID == id {
			return rule, true
		}
	}
	return ExecutionRule{}, false
}

// Validate checks the plan invariants: at least one execution rule,
// dependency rules reference known rules, the dependency graph is acyclic,
// and result requests reference known rules.
func (p *Plan) Validate() error {
	if len(p.executionRules) == 0 {
		return errors.Wrap(errors.ErrInvalidPlan, "plan has no execution rules")
	}

	known := make(map[string]bool, len(p.executionRules))
	for _, rule := range p.executionRules {
		known[rule.ID] = true
	}

	for _, dep := range p.dependencyRules {
		if !known[dep.DependencyExecutionID] {
			return errors.Wrapf(errors.ErrInvalidPlan, "dependency rule references unknown execution rule %s", dep.DependencyExecutionID)
		}
		if !known[dep.OutcomeExecutionID] {
			return errors.Wrapf(errors.ErrInvalidPlan, "dependency rule references unknown execution rule %s", dep.OutcomeExecutionID)
		}
	}

	for _, req := range p.resultRequests {
		for _, id := range req.RuleIDs {
			if !known[id] {
				return errors.Wrapf(errors.ErrInvalidPlan, "result view %s[%d] references unknown execution rule %s", req.Key.Type, req.Key.Index, id)
			}
		}
	}

	if cycle := p.findCycle(); cycle != "" {
		return errors.Wrapf(errors.ErrInvalidPlan, "dependency cycle through execution rule %s", cycle)
	}

	return nil
}

// Dependencies returns the ids of the rules the given rule depends on.
func (p *Plan) Dependencies(ruleID string) []string {
	var deps []string
	for _, dep := range p.dependencyRules {
		if dep.OutcomeExecutionID == ruleID {
			deps = append(deps, dep.DependencyExecutionID)
		}
	}
	return deps
}

// findCycle runs a colored DFS over the dependency edges and returns the id
// of a rule on a cycle, or "" when the graph is acyclic.
func (p *Plan) findCycle() string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // done
	)
	color := make(map[string]int, len(p.executionRules))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range p.Dependencies(id) {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if found := visit(dep); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, rule := range p.executionRules {
		if color[rule.ID] == white {
			if found := visit(rule.ID); found != "" {
				return found
			}
		}
	}
	return ""
}

// planJSON is the serialized form of a Plan at the persistence and
// transport boundaries.
type planJSON struct {
	ExecutionRules  []ExecutionRule  `json:"execution_rules"`
	DependencyRules []DependencyRule `json:"dependency_rules,omitempty"`
	ResultRequests  []ResultRequest  `json:"result_requests,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (p *Plan) MarshalJSON() ([]byte, error) {
	return json.Marshal(planJSON{
		ExecutionRules:  p.executionRules,
		DependencyRules: p.dependencyRules,
		ResultRequests:  p.resultRequests,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Plan) UnmarshalJSON(data []byte) error {
	var raw planJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.executionRules = raw.ExecutionRules
	p.dependencyRules = raw.DependencyRules
	p.resultRequests = raw.ResultRequests
	return nil
}
