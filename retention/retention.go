package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"duochat/logger"
	"duochat/metrics"
)

// SessionStore removes expired login sessions
type SessionStore interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) ([]string, error)
}

// Sweeper deletes expired login sessions on a cron schedule and reports the
// removed ids so the chat sessions bound to them can be released
type Sweeper struct {
	store     SessionStore
	cron      string
	onExpired func(sessionIDs []string)
	now       func() time.Time
}

// NewSweeper validates cronExpr and builds a sweeper. onExpired may be nil.
func NewSweeper(store SessionStore, cronExpr string, onExpired func(sessionIDs []string)) (*Sweeper, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid cron expression: %s", cronExpr)
	}
	return &Sweeper{store: store, cron: cronExpr, onExpired: onExpired, now: time.Now}, nil
}

// RunOnce deletes the sessions expired at this moment and returns how many went
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.store.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		metrics.ExpiredSessions.Add(float64(len(ids)))
		if s.onExpired != nil {
			s.onExpired(ids)
		}
	}
	logger.L.Info("session sweep finished", "removed", len(ids))
	return len(ids), nil
}

// Run sweeps at every tick of the cron expression until ctx is done
func (s *Sweeper) Run(ctx context.Context) {
	logger.L.Info("session sweeper started", "cron", s.cron)
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			logger.L.Error("session sweep schedule failed", "cron", s.cron, "error", err)
			next = s.now().Add(time.Minute)
		}

		select {
		case <-ctx.Done():
			logger.L.Info("session sweeper stopping")
			return
		case <-time.After(time.Until(next)):
		}

		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logger.L.Error("session sweep failed", "error", err)
		}
	}
}
