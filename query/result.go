package query

// ResultType selects the aggregation strategy for a result view.
type ResultType string

const (
	// ResultTypeSum is the total of all completed child counts.
	ResultTypeSum ResultType = "SUM"

	// ResultTypeIntersection is a named per-index combination of child
	// counts against a reference population. Counts are combined
	// additively per index; no cross-source deduplication is attempted
	// because record identity never crosses the wire.
	ResultTypeIntersection ResultType = "INTERSECTION"
)

// SuppressedNumRecords is the sentinel reported in place of any count below
// the configured minimum cell size.
const SuppressedNumRecords int64 = -1

// ResultContextKey identifies one result view: its aggregation type plus an
// optional index disambiguating multiple views of the same type.
type ResultContextKey struct {
	Type  ResultType `json:"type"`
	Index int        `json:"index,omitempty"`
}

// ResultContext is one aggregated view attached to a completed parent.
type ResultContext struct {
	Key        ResultContextKey `json:"key"`
	NumRecords int64            `json:"num_records"`
	Suppressed bool             `json:"suppressed,omitempty"`
}
