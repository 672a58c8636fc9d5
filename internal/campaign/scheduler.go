package campaign

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Scheduler polls for campaigns whose persisted wake time has elapsed and
// advances them. The database is the source of truth for timing; the
// ticker only decides how soon an elapsed wake is noticed, so a restart
// loses nothing.
type Scheduler struct {
	store    Store
	machine  *Machine
	interval time.Duration
	batch    int
	workers  int

	now func() time.Time
}

// NewScheduler builds a scheduler over the campaign machine.
func NewScheduler(store Store, machine *Machine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		machine:  machine,
		interval: interval,
		batch:    100,
		workers:  4,
		now:      time.Now,
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	zap.L().Info("campaign scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				zap.L().Error("campaign sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce advances every due campaign and returns how many were picked up.
// Per-campaign failures are logged and skipped; the campaign stays due and
// the next sweep retries it.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.store.DueCampaigns(ctx, s.now().UTC(), s.batch)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, c := range due {
		g.Go(func() error {
			if err := s.machine.Advance(gctx, c.ID); err != nil {
				zap.L().Error("campaign advance failed",
					zap.String("campaign_id", c.ID),
					zap.String("state", string(c.State)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck
	return len(due), nil
}
