package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tdalverme/umbral/internal/cycle"
	"github.com/tdalverme/umbral/internal/domain"
)

type Cycler interface {
	Run(ctx context.Context) (domain.CycleStats, error)
}

type CycleServiceConfig struct {
	Interval     time.Duration
	RunOnStartup bool
	// Timeout bounds a single cycle. Zero means Interval.
	Timeout time.Duration
}

// CycleService triggers a matching cycle on a fixed interval.
type CycleService struct {
	cycler Cycler
	cfg    CycleServiceConfig
	log    zerolog.Logger
}

func NewCycleService(c Cycler, cfg CycleServiceConfig, log zerolog.Logger) *CycleService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &CycleService{
		cycler: c,
		cfg:    cfg,
		log:    log.With().Str("service", "matching-cycle").Logger(),
	}
}

// Serve implements suture.Service.
func (s *CycleService) Serve(ctx context.Context) error {
	s.log.Info().
		Bool("run_on_startup", s.cfg.RunOnStartup).
		Dur("interval", s.cfg.Interval).
		Msg("matching cycle service starting")

	if s.cfg.RunOnStartup {
		s.runOnce(ctx)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("matching cycle service shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *CycleService) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	stats, err := s.cycler.Run(runCtx)
	switch {
	case errors.Is(err, cycle.ErrCycleInProgress):
		s.log.Info().Msg("previous cycle still running, tick skipped")
	case err != nil:
		s.log.Error().Err(err).Msg("matching cycle failed")
	default:
		s.log.Debug().
			Int("notifications_sent", stats.NotificationsSent).
			Int("errors", stats.Errors).
			Msg("scheduled cycle complete")
	}
}

func (s *CycleService) String() string { return "matching-cycle" }
