package logger

// Standard field names for consistent structured logging across quorum.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldQueryID     = "query_id"
	FieldExecutionID = "execution_id"
	FieldParentID    = "parent_id"
	FieldUserID      = "user_id"

	// Federation
	FieldDataSourceID = "data_source_id"
	FieldRuleID       = "rule_id"
	FieldQueryType    = "query_type"

	// Components
	FieldComponent = "component"
	FieldOperation = "operation"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldStaleAt    = "stale_at"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount      = "count"
	FieldNumRecords = "num_records"
	FieldResponding = "responding"

	// Status
	FieldState  = "state"
	FieldStatus = "status"

	// Network
	FieldAddress = "address"
	FieldPort    = "port"
)
