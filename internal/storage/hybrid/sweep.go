package hybrid

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/park285/match-core/internal/obslog"
)

const DefaultSweepInterval = time.Minute

// Cleaner is satisfied by *Router.
type Cleaner interface {
	CleanupEphemeral(ctx context.Context) (int, error)
}

// Sweeper runs a Cleaner on a fixed interval.
type Sweeper struct {
	sched   gocron.Scheduler
	cleaner Cleaner
	timeout time.Duration
}

func NewSweeper(cleaner Cleaner, interval time.Duration) (*Sweeper, error) {
	if cleaner == nil {
		return nil, fmt.Errorf("cleaner is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	s := &Sweeper{sched: sched, cleaner: cleaner, timeout: interval}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.sweep),
		gocron.WithName("ephemeral_match_sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) Start() { s.sched.Start() }

func (s *Sweeper) Shutdown() error { return s.sched.Shutdown() }

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.cleaner.CleanupEphemeral(ctx); err != nil {
		obslog.L().Warn("ephemeral_sweep_failed", zap.Error(err))
	}
}
