package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"authgate.org/internal/auth"
)

// Sweeper periodically deletes expired sessions. Expiry is always checked
// lazily on use as well; sweeping only keeps storage small.
type Sweeper struct {
	store    auth.SessionStore
	interval time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewSweeper constructs a Sweeper. A non-positive interval disables it.
func NewSweeper(store auth.SessionStore, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, interval: interval, now: time.Now, logger: logger}
}

// SweepOnce removes sessions expired at the current time.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.now().UTC())
}

// Run sweeps until ctx is cancelled. Store errors are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("expired sessions removed", zap.Int64("count", n))
			}
		}
	}
}
