package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cohortnet/quorum/logger"
	"github.com/cohortnet/quorum/query"
)

// Sweeper periodically retries throttled sub-queries and force-completes
// parents whose stale deadline passed while still EXECUTING. Best-effort
// completion uses only already-terminal children; it is not an error, but
// it is logged in the status history.
type Sweeper struct {
	dispatcher *Dispatcher
	interval   time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	log        *zap.SugaredLogger
}

// NewSweeper creates a sweeper bound to a dispatcher.
func NewSweeper(ctx context.Context, dispatcher *Dispatcher, interval time.Duration, log *zap.SugaredLogger) *Sweeper {
	if log == nil {
		log = logger.Get()
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		dispatcher: dispatcher,
		interval:   interval,
		ctx:        sweepCtx,
		cancel:     cancel,
		log:        log.With(logger.FieldComponent, "sweeper"),
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Infow("Stale sweeper started", "interval", s.interval)
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Infow("Stale sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(s.ctx); err != nil {
				s.log.Warnw("Sweep failed", logger.FieldError, err)
			}
		}
	}
}

// Sweep runs one pass: retry throttled (still QUEUED) sub-queries of every
// live parent, then force-complete parents past their stale deadline.
// Exported so tests and the CLI can run a pass without the ticker.
func (s *Sweeper) Sweep(ctx context.Context) error {
	d := s.dispatcher
	now := d.timeNow()

	retryable, err := d.store.FindParentsWithQueuedChildren()
	if err != nil {
		return err
	}
	for _, parent := range retryable {
		if !parent.StaleAt.IsZero() && !parent.StaleAt.After(now) {
			// Past the deadline there is no point sending; the stale
			// pass below closes the parent out.
			continue
		}
		if err := s.retryParent(ctx, parent.ID); err != nil {
			s.log.Warnw("Failed to retry throttled sub-queries",
				logger.FieldQueryID, parent.ID,
				logger.FieldError, err,
			)
		}
	}

	stale, err := d.store.FindStale(now)
	if err != nil {
		return err
	}
	for _, parent := range stale {
		if err := s.closeOutParent(parent.ID); err != nil {
			s.log.Warnw("Failed to sweep stale query",
				logger.FieldQueryID, parent.ID,
				logger.FieldError, err,
			)
		}
	}
	return nil
}

// retryParent re-attempts the sends the limiter refused earlier. Completion
// is evaluated normally afterwards: a retried send that fails outright can
// still finish the parent.
func (s *Sweeper) retryParent(ctx context.Context, parentID int64) error {
	d := s.dispatcher

	unlock := d.locks.acquire(parentID)
	defer unlock()

	parent, err := d.store.FindByID(parentID)
	if err != nil {
		return err
	}
	if parent.State.IsTerminal() {
		return nil
	}

	children, err := d.store.FindChildren(parent.ID)
	if err != nil {
		return err
	}

	retried := 0
	for _, child := range children {
		if child.State != query.StateQueued {
			continue
		}
		if err := d.limiter.Allow(); err != nil {
			continue
		}
		if err := d.send(ctx, parent, child); err != nil {
			return err
		}
		retried++
	}
	if retried == 0 {
		return nil
	}

	s.log.Infow("Retried throttled sub-queries",
		logger.FieldQueryID, parent.ID,
		logger.FieldCount, retried,
	)
	return d.evaluateCompletion(parent, children, false)
}

// closeOutParent forces best-effort completion of a parent past its stale
// deadline, counting only already-terminal children.
func (s *Sweeper) closeOutParent(parentID int64) error {
	d := s.dispatcher

	unlock := d.locks.acquire(parentID)
	defer unlock()

	parent, err := d.store.FindByID(parentID)
	if err != nil {
		return err
	}
	if parent.State.IsTerminal() {
		return nil
	}

	children, err := d.store.FindChildren(parent.ID)
	if err != nil {
		return err
	}

	parent.RecordStatus(statusStale, 0)
	if err := d.store.Save(parent); err != nil {
		return err
	}

	s.log.Infow("Stale deadline reached; forcing best-effort completion",
		logger.FieldQueryID, parent.ID,
		logger.FieldStaleAt, parent.StaleAt,
	)
	return d.evaluateCompletion(parent, children, true)
}
