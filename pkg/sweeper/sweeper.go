package sweeper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/viniciusdev772/n8n-manager/pkg/instance"
	"github.com/viniciusdev772/n8n-manager/pkg/log"
	"github.com/viniciusdev772/n8n-manager/pkg/metrics"
)

// initialDelay keeps the first sweep off the startup path.
const initialDelay = 60 * time.Second

// Instances is the subset of the instance manager the sweeper uses.
type Instances interface {
	List(ctx context.Context) ([]instance.View, error)
	Remove(ctx context.Context, name string) error
}

// Sweeper periodically evicts instances older than the configured age.
// Errors are logged and swallowed; a failed sweep retries next tick.
type Sweeper struct {
	inst       Instances
	maxAgeDays int
	interval   time.Duration
	delay      time.Duration
	logger     zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Sweeper evicting instances aged maxAgeDays or more, every
// interval.
func New(inst Instances, maxAgeDays int, interval time.Duration) *Sweeper {
	return &Sweeper{
		inst:       inst,
		maxAgeDays: maxAgeDays,
		interval:   interval,
		delay:      initialDelay,
		logger:     log.WithComponent("sweeper"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start() {
	go s.run()
	s.logger.Info().Dur("interval", s.interval).Int("max_age_days", s.maxAgeDays).
		Msg("Sweeper started")
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	select {
	case <-s.stopCh:
		return
	case <-time.After(s.delay):
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(context.Background())
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one eviction pass and returns how many instances it removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	views, err := s.inst.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Sweep skipped, listing instances failed")
		return 0
	}

	removed := 0
	for _, v := range views {
		if v.AgeDays < s.maxAgeDays {
			continue
		}
		if err := s.inst.Remove(ctx, v.Name); err != nil {
			s.logger.Error().Err(err).Str("instance", v.Name).Msg("Eviction failed")
			continue
		}
		removed++
		metrics.SweeperEvictions.Inc()
		s.logger.Info().Str("instance", v.Name).Int("age_days", v.AgeDays).
			Msg("Expired instance removed")
	}

	if removed == 0 {
		s.logger.Debug().Int("total", len(views)).Msg("No expired instances")
	} else {
		s.logger.Info().Int("removed", removed).Msg("Sweep complete")
	}
	return removed
}
