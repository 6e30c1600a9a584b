// Package maintenance implements the C7 Retention controller (spec §4.6): a
// periodic loop that measures the age span of the stored dataset and purges
// the oldest purgeDays worth of records once the span exceeds maxDays,
// rebuilding the ANN index afterward. Grounded on the teacher's own
// maintenance service loop shape (initial run, ticker, stop channel, final
// run on graceful shutdown) adapted from per-observation cleanup to the
// single age-range purge spec.md describes.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/config"
	"github.com/lukaizhi5559/thinkdrop-user-memory-service/internal/db/sqlite"
)

const hoursPerDay = 24

// Service is the process-wide C7 handle.
type Service struct {
	store *sqlite.MemoryStore
	cfg   *config.Config
	log   zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}

	mu          sync.Mutex
	running     bool
	lastPurge   time.Time
	totalPurged int64
}

// NewService builds a Retention controller around a Store.
func NewService(store *sqlite.MemoryStore, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		cfg:    cfg,
		log:    log.With().Str("component", "retention").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs an immediate check, then schedules checks every
// checkIntervalHours until Stop is called (spec §4.6). It blocks the calling
// goroutine; callers run it with `go svc.Start(ctx)`.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	if !s.cfg.RetentionEnabled {
		s.log.Info().Msg("retention disabled, not starting scheduler")
		return
	}

	interval := time.Duration(s.cfg.RetentionCheckIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	s.log.Info().
		Dur("interval", interval).
		Int("max_days", s.cfg.RetentionMaxDays).
		Int("purge_days", s.cfg.RetentionPurgeDays).
		Msg("starting retention scheduler")

	s.check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retention shutting down due to context cancellation")
			return
		case <-s.stopCh:
			// Final check on graceful stop matters for short-lived sessions
			// (spec §4.6): don't skip a purge just because the process is
			// about to exit.
			s.check(ctx)
			s.log.Info().Msg("retention final check complete, shutting down")
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// Stop signals the retention loop to run one final check and exit.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
}

// Wait blocks until the retention loop has fully exited.
func (s *Service) Wait() {
	<-s.doneCh
}

// check measures the dataset's age span and purges the oldest purgeDays of
// history if ageDays exceeds maxDays. Resumable: if interrupted mid-purge,
// the next check simply recomputes min(createdAt) and continues (spec §4.6).
func (s *Service) check(ctx context.Context) {
	oldest, newest, hasRows, err := s.store.OldestNewest(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read dataset age range")
		return
	}
	if !hasRows {
		return
	}

	ageDays := int(newest.Sub(oldest).Hours() / hoursPerDay)
	maxDays := s.cfg.RetentionMaxDays
	if maxDays <= 0 {
		maxDays = 1825
	}
	if ageDays <= maxDays {
		return
	}

	purgeDays := s.cfg.RetentionPurgeDays
	if purgeDays <= 0 {
		purgeDays = 365
	}
	cutoff := oldest.AddDate(0, 0, purgeDays)

	s.log.Info().
		Int("age_days", ageDays).
		Time("cutoff", cutoff).
		Msg("retention purging records older than cutoff")

	purged, err := s.store.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Msg("retention purge failed")
		return
	}

	if err := s.store.CompactIndex(ctx); err != nil {
		s.log.Warn().Err(err).Msg("retention index compaction failed")
	}
	if err := s.store.Checkpoint(); err != nil {
		s.log.Warn().Err(err).Msg("retention checkpoint failed")
	}
	if err := s.store.RebuildIndex(ctx); err != nil {
		s.log.Warn().Err(err).Msg("retention index rebuild failed")
	}

	s.mu.Lock()
	s.lastPurge = time.Now().UTC()
	s.totalPurged += purged
	s.mu.Unlock()

	s.log.Info().Int64("purged", purged).Msg("retention purge complete")
}

// RunNow triggers an immediate out-of-band check, used by the debug/health
// action surface.
func (s *Service) RunNow(ctx context.Context) {
	s.check(ctx)
}

// Stats reports retention counters for health introspection.
type Stats struct {
	Enabled       bool
	MaxDays       int
	PurgeDays     int
	IntervalHours int
	LastPurge     time.Time
	TotalPurged   int64
}

// Stats returns a snapshot of the retention controller's counters.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Enabled:       s.cfg.RetentionEnabled,
		MaxDays:       s.cfg.RetentionMaxDays,
		PurgeDays:     s.cfg.RetentionPurgeDays,
		IntervalHours: s.cfg.RetentionCheckIntervalHours,
		LastPurge:     s.lastPurge,
		TotalPurged:   s.totalPurged,
	}
}
