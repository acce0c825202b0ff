// Package sweeper periodically deletes rows that can no longer be used:
// expired refresh generations, expired one-time tokens, and queue entries
// that expired or were processed long ago.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/example/sessioncore/internal/metrics"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// Sessions deletes expired refresh generations; *store.DB implements it.
type Sessions interface {
	DeleteExpiredSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// OneTimeTokens deletes expired one-time tokens; *store.DB implements it.
type OneTimeTokens interface {
	DeleteExpiredOneTimeTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// Queue purges the event queue; *events.Queue implements it.
type Queue interface {
	Purge(ctx context.Context) (expired, processed int64, err error)
}

type Config struct {
	// Interval between runs. Default 1 hour.
	Interval time.Duration
	// Grace keeps expired sessions around for a while so a late reuse of
	// an expired family is still recognised. Default 24 hours.
	Grace time.Duration
}

// Report counts the rows deleted by one run.
type Report struct {
	Sessions        int64
	OneTimeTokens   int64
	ExpiredEvents   int64
	ProcessedEvents int64
}

type Sweeper struct {
	sessions Sessions
	otts     OneTimeTokens
	queue    Queue
	cfg      Config
	log      logrus.FieldLogger
	now      func() time.Time
}

func New(sessions Sessions, otts OneTimeTokens, queue Queue, cfg Config, log logrus.FieldLogger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	switch {
	case cfg.Grace == 0:
		cfg.Grace = 24 * time.Hour
	case cfg.Grace < 0:
		cfg.Grace = 0
	}
	return &Sweeper{
		sessions: sessions,
		otts:     otts,
		queue:    queue,
		cfg:      cfg,
		log:      log.WithField("component", "sweeper"),
		now:      time.Now,
	}
}

// RunOnce runs every cleanup step. A failing step does not stop the others;
// their errors are returned together.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var (
		rep    Report
		result *multierror.Error
		err    error
	)
	now := s.now()

	rep.Sessions, err = s.sessions.DeleteExpiredSessions(ctx, now.Add(-s.cfg.Grace))
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("sessions: %w", err))
	}
	metrics.SweepDeleted.WithLabelValues("refresh_sessions").Add(float64(rep.Sessions))

	rep.OneTimeTokens, err = s.otts.DeleteExpiredOneTimeTokens(ctx, now)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("one-time tokens: %w", err))
	}
	metrics.SweepDeleted.WithLabelValues("one_time_tokens").Add(float64(rep.OneTimeTokens))

	rep.ExpiredEvents, rep.ProcessedEvents, err = s.queue.Purge(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("events: %w", err))
	}
	metrics.SweepDeleted.WithLabelValues("security_events").Add(float64(rep.ExpiredEvents + rep.ProcessedEvents))

	if total := rep.Sessions + rep.OneTimeTokens + rep.ExpiredEvents + rep.ProcessedEvents; total > 0 {
		s.log.WithFields(logrus.Fields{
			"sessions":         rep.Sessions,
			"one_time_tokens":  rep.OneTimeTokens,
			"expired_events":   rep.ExpiredEvents,
			"processed_events": rep.ProcessedEvents,
		}).Info("cleanup removed stale rows")
	}
	return rep, result.ErrorOrNil()
}

// Run calls RunOnce every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Infof("cleanup job started with interval %v", s.cfg.Interval)
	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.log.WithError(err).Warn("cleanup run failed")
			}
		case <-ctx.Done():
			s.log.Info("cleanup job stopped")
			return nil
		}
	}
}
