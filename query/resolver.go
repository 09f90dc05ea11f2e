package query

import (
	"encoding/json"
	"strconv"

	"github.com/cohortnet/quorum/errors"
)

// Resolver computes which execution rules are currently ready and rewrites
// dependency placeholders in sub-query payloads. It is stateless: all state
// lives on the query context and its plan, and the resolver is re-invoked
// incrementally every time a child completes. No up-front topological sort.
type Resolver struct{}

// Ready returns every execution rule whose dependencies are all satisfied
// (the dependency's child is COMPLETED) and that has not been dispatched
// yet. For a plan with no dependency rules this is all undispatched rules
// at once (pure broadcast).
func (Resolver) Ready(plan *Plan, dispatched, completed map[string]bool) []ExecutionRule {
	var ready []ExecutionRule
	for _, rule := range plan.ExecutionRules() {
		if dispatched[rule.ID] {
			continue
		}
		satisfied := true
		for _, dep := range plan.Dependencies(rule.ID) {
			if !completed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, rule)
		}
	}
	return ready
}

// Unsatisfiable returns every undispatched rule that can never become ready
// because a dependency (transitively) ended in a non-completed terminal
// state. The dispatcher fails these rules' children without blocking
// sibling branches.
func (Resolver) Unsatisfiable(plan *Plan, dispatched, failed map[string]bool) []ExecutionRule {
	doomed := make(map[string]bool, len(failed))
	for id := range failed {
		doomed[id] = true
	}

	// A rule depending on a doomed rule is itself doomed. Iterate to a
	// fixed point; rule sets are small.
	for changed := true; changed; {
		changed = false
		for _, rule := range plan.ExecutionRules() {
			if doomed[rule.ID] {
				continue
			}
			for _, dep := range plan.Dependencies(rule.ID) {
				if doomed[dep] {
					doomed[rule.ID] = true
					changed = true
					break
				}
			}
		}
	}

	var out []ExecutionRule
	for _, rule := range plan.ExecutionRules() {
		if doomed[rule.ID] && !dispatched[rule.ID] && !failed[rule.ID] {
			out = append(out, rule)
		}
	}
	return out
}

// refKey marks a placeholder object referencing a prior rule's result:
// {"$ref": "<execution rule id>"}.
const refKey = "$ref"

// Substitute rewrites placeholder references inside a sub-query payload
// with the completed child's output value for the referenced rule. A
// reference to a missing or not-completed child is fatal for this rule
// only, reported as ErrSubstitution.
func (Resolver) Substitute(payload json.RawMessage, results map[string]int64) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.Wrap(err, "failed to parse sub-query payload")
	}

	substituted, err := substituteNode(doc, results)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(substituted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize substituted payload")
	}
	return out, nil
}

func substituteNode(node interface{}, results map[string]int64) (interface{}, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		if ref, ok := v[refKey].(string); ok && len(v) == 1 {
			value, ok := results[ref]
			if !ok {
				return nil, errors.Wrapf(errors.ErrSubstitution, "execution rule %s has no completed result", ref)
			}
			return json.Number(strconv.FormatInt(value, 10)), nil
		}
		for key, child := range v {
			replaced, err := substituteNode(child, results)
			if err != nil {
				return nil, err
			}
			v[key] = replaced
		}
		return v, nil
	case []interface{}:
		for i, child := range v {
			replaced, err := substituteNode(child, results)
			if err != nil {
				return nil, err
			}
			v[i] = replaced
		}
		return v, nil
	default:
		return node, nil
	}
}
