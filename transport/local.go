// Package transport provides the send/receive-by-correlation-id channels
// between the orchestrator and its data sources: an in-process transport
// for tests and single-binary demos, and a websocket hub for remote
// sources.
package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cohortnet/quorum/dispatch"
	"github.com/cohortnet/quorum/errors"
	"github.com/cohortnet/quorum/logger"
)

// SourceFunc answers one sub-query on behalf of an in-process data source.
type SourceFunc func(ctx context.Context, msg dispatch.OutboundQuery) dispatch.Reply

// Local is an in-process transport. Each registered data source runs in its
// own goroutine per sub-query, so replies arrive asynchronously and in no
// guaranteed order, like remote sources.
type Local struct {
	mu      sync.RWMutex
	sources map[string]SourceFunc
	replies dispatch.ReplyHandler
	wg      sync.WaitGroup
	log     *zap.SugaredLogger
}

// NewLocal creates an in-process transport.
func NewLocal(log *zap.SugaredLogger) *Local {
	if log == nil {
		log = logger.Get()
	}
	return &Local{
		sources: make(map[string]SourceFunc),
		log:     log.With(logger.FieldComponent, "transport.local"),
	}
}

// SetReplyHandler wires the dispatcher's reply path. Must be called before
// the first Send.
func (l *Local) SetReplyHandler(h dispatch.ReplyHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replies = h
}

// RegisterSource attaches an in-process data source under an id.
func (l *Local) RegisterSource(dataSourceID string, fn SourceFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[dataSourceID] = fn
}

// Send delivers a sub-query to the registered source. An unknown data
// source is a dispatch failure.
func (l *Local) Send(ctx context.Context, msg dispatch.OutboundQuery) error {
	l.mu.RLock()
	fn, ok := l.sources[msg.DataSourceID]
	replies := l.replies
	l.mu.RUnlock()

	if !ok {
		return errors.Wrapf(errors.ErrDispatch, "data source %s is not connected", msg.DataSourceID)
	}
	if replies == nil {
		return errors.Wrap(errors.ErrDispatch, "no reply handler configured")
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		reply := fn(ctx, msg)
		if err := replies.OnDataSourceReply(context.Background(), msg.CorrelationID, reply); err != nil {
			l.log.Warnw("Failed to deliver reply",
				logger.FieldExecutionID, msg.CorrelationID,
				logger.FieldDataSourceID, msg.DataSourceID,
				logger.FieldError, err,
			)
		}
	}()
	return nil
}

// Wait blocks until all in-flight sub-queries have replied. Test helper.
func (l *Local) Wait() {
	l.wg.Wait()
}
