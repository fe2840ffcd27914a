package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"aibuddy/internal/config"
)

const sweepTimeout = time.Minute

type SessionPurger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

type EventPurger interface {
	PurgeExpiredEvents(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler runs periodic housekeeping on the datastore.
type Scheduler struct {
	cron     *cron.Cron
	sessions SessionPurger
	events   EventPurger
	cfg      config.JobsConfig
	log      zerolog.Logger
	now      func() time.Time
}

func NewScheduler(sessions SessionPurger, events EventPurger, cfg config.JobsConfig, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithSeconds()),
		sessions: sessions,
		events:   events,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the sweeps. An empty spec disables that sweep.
func (s *Scheduler) Start() error {
	if s.cfg.SessionSweep != "" {
		if _, err := s.cron.AddFunc(s.cfg.SessionSweep, s.sweepSessions); err != nil {
			return err
		}
	}
	if s.cfg.EventSweep != "" {
		if _, err := s.cron.AddFunc(s.cfg.EventSweep, s.sweepEvents); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling; the returned context is done once running sweeps finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// sweepSessions drops sessions that expired or were revoked more than the
// retention window ago.
func (s *Scheduler) sweepSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.sessions.PurgeExpired(ctx, s.now().Add(-s.cfg.SessionRetention))
	if err != nil {
		s.log.Error().Err(err).Msg("purge sessions failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Msg("expired sessions purged")
	}
}

func (s *Scheduler) sweepEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.events.PurgeExpiredEvents(ctx, s.now())
	if err != nil {
		s.log.Error().Err(err).Msg("purge memory events failed")
		return
	}
	if n > 0 {
		s.log.Info().Int64("purged", n).Msg("expired memory events purged")
	}
}
