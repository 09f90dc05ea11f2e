package dispatch

import (
	"context"
	"encoding/json"

	"github.com/cohortnet/quorum/query"
)

// OutboundQuery is one sub-query on its way to a data source. The
// correlation id is the child context's execution id; the data source must
// echo it back on the reply.
type OutboundQuery struct {
	CorrelationID string          `json:"correlation_id"`
	DataSourceID  string          `json:"data_source_id"`
	QueryType     query.QueryType `json:"query_type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Reply is a data source's answer, correlated by execution id. A non-empty
// Error marks an explicit error reply; NumRecords is meaningless then.
type Reply struct {
	NumRecords int64  `json:"num_records"`
	Error      string `json:"error,omitempty"`
}

// Transport delivers sub-queries to data sources. Delivery is at-least-once
// and asynchronous: replies come back through ReplyHandler, keyed by
// correlation id, in no guaranteed order between sources. A Send error
// means the data source was unreachable at send time.
type Transport interface {
	Send(ctx context.Context, msg OutboundQuery) error
}

// ReplyHandler receives correlated data source replies. Implemented by the
// Dispatcher; transports call it from their receive paths.
type ReplyHandler interface {
	OnDataSourceReply(ctx context.Context, executionID string, reply Reply) error
}
