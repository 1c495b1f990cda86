package internal

import (
	"context"
	"time"

	"hookgate/pkg/storage"

	"go.uber.org/zap"
)

// Sweeper re-enqueues ledger rows that were never marked processed. It
// covers deliveries whose enqueue failed after the row was recorded.
type Sweeper struct {
	ledger    storage.Ledger
	enqueuer  *Enqueuer
	interval  time.Duration
	olderThan time.Duration
	batch     int
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// SweeperOptions configures a Sweeper.
type SweeperOptions struct {
	Ledger    storage.Ledger
	Enqueuer  *Enqueuer
	Interval  time.Duration
	OlderThan time.Duration
	BatchSize int
	Logger    *zap.SugaredLogger
}

func NewSweeper(opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		ledger:    opts.Ledger,
		enqueuer:  opts.Enqueuer,
		interval:  opts.Interval,
		olderThan: opts.OlderThan,
		batch:     opts.BatchSize,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	if s.olderThan <= 0 {
		s.olderThan = 5 * time.Minute
	}
	if s.batch <= 0 {
		s.batch = 100
	}
	if s.logger == nil {
		s.logger = NewLogger("reconcile")
	}
	return s
}

// Run sweeps on every tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Warnw("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Infow("re-enqueued unprocessed deliveries", "count", n)
			}
		}
	}
}

// SweepOnce re-enqueues one batch and returns how many were dispatched.
// Rows stay unprocessed until a worker marks them, so a row may be
// enqueued more than once; consumers dedupe on (provider, delivery_id).
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	pending, err := s.ledger.ListUnprocessed(ctx, s.now().Add(-s.olderThan), s.batch)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, delivery := range pending {
		if ctx.Err() != nil {
			break
		}
		ok := s.enqueuer.Enqueue(ctx, Event{
			Provider:   delivery.Provider,
			Name:       delivery.EventType,
			DeliveryID: delivery.DeliveryID,
		})
		if ok {
			dispatched++
		}
	}
	IncSwept(dispatched)
	return dispatched, nil
}
