// Package maintenance schedules the daily cleanup jobs: expired session
// purge and abandoned-assessment purge past the soft-delete horizon.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SessionPurger deletes expired durable sessions.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// AssessmentPurger hard-deletes abandoned assessments whose retention
// window has passed.
type AssessmentPurger interface {
	PurgeAbandoned(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	cron        *cron.Cron
	sessions    SessionPurger
	assessments AssessmentPurger
	log         zerolog.Logger
}

// New creates the scheduler with both daily jobs registered.
func New(sessions SessionPurger, assessments AssessmentPurger, log zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:        cron.New(),
		sessions:    sessions,
		assessments: assessments,
		log:         log.With().Str("component", "maintenance").Logger(),
	}

	if _, err := s.cron.AddFunc("15 3 * * *", s.purgeSessions); err != nil {
		return nil, err
	}
	if _, err := s.cron.AddFunc("45 3 * * *", s.purgeAssessments); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Maintenance scheduler started")
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Maintenance scheduler stopped")
}

func (s *Scheduler) purgeSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	purged, err := s.sessions.PurgeExpired(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Session purge failed")
		return
	}
	s.log.Info().Int64("purged", purged).Msg("Expired sessions purged")
}

func (s *Scheduler) purgeAssessments() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	purged, err := s.assessments.PurgeAbandoned(ctx, time.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("Abandoned assessment purge failed")
		return
	}
	s.log.Info().Int64("purged", purged).Msg("Abandoned assessments purged")
}
