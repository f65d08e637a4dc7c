// Package syncer implements the background worker that propagates rules
// from the source of truth (PostgreSQL) to the distribution layer (Redis)
// as versioned snapshots.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/config"
	"github.com/rafaeljc/verdict/internal/observability"
	"github.com/rafaeljc/verdict/internal/ruleengine"
	"github.com/rafaeljc/verdict/internal/store"
	"github.com/rafaeljc/verdict/internal/validation"
)

// Publisher is the write side of the distribution layer.
type Publisher interface {
	PublishSnapshot(ctx context.Context, snap *ruleengine.Snapshot) (cache.PublishResult, error)
	FetchVersion(ctx context.Context) (int64, string, error)
}

// Outcome is the result of one sync cycle.
type Outcome string

const (
	// OutcomePublished means a new snapshot was stored and announced.
	OutcomePublished Outcome = "published"
	// OutcomeUnchanged means the rules did not change since the last publication.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeSkipped means Redis already held a newer snapshot.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the cycle could not complete.
	OutcomeFailed Outcome = "failed"
)

// Service orchestrates the synchronization process.
type Service struct {
	logger    *slog.Logger
	config    config.SyncerConfig
	repo      store.Repository
	publisher Publisher

	// Only the Run goroutine touches these.
	lastChecksum string
	lastVersion  int64
	now          func() time.Time
}

// New creates a new Syncer service.
func New(logger *slog.Logger, cfg config.SyncerConfig, repo store.Repository, publisher Publisher) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	validation.MustNotBeNil("syncer", "flag repository", repo)
	validation.MustNotBeNil("syncer", "snapshot publisher", publisher)

	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 500 * time.Millisecond
	}

	return &Service{
		logger:    logger,
		config:    cfg,
		repo:      repo,
		publisher: publisher,
		now:       time.Now,
	}
}

// Run starts the syncer loop. It blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("starting syncer service", slog.String("interval", s.config.Interval.String()))

	s.adoptPublished(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run once immediately on startup
	if _, err := s.Sync(ctx); err != nil {
		s.logger.Error("initial sync failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("syncer service stopping...")
			return nil
		case <-ticker.C:
			if _, err := s.Sync(ctx); err != nil {
				// Retry on next tick.
				s.logger.Error("sync cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// adoptPublished remembers the snapshot already in Redis so a restart does
// not republish identical rules.
func (s *Service) adoptPublished(ctx context.Context) {
	version, checksum, err := s.publisher.FetchVersion(ctx)
	switch {
	case errors.Is(err, cache.ErrSnapshotNotFound):
		return
	case err != nil:
		s.logger.Warn("could not read published snapshot version", slog.String("error", err.Error()))
		return
	}
	s.lastVersion = version
	s.lastChecksum = checksum
	s.logger.Info("found published snapshot",
		slog.Int64("version", version),
		slog.String("checksum", checksum),
	)
}

// Sync performs a single load-build-publish cycle.
func (s *Service) Sync(ctx context.Context) (Outcome, error) {
	start := time.Now()
	outcome, err := s.sync(ctx)
	observability.SyncerCycleDuration.Observe(time.Since(start).Seconds())
	observability.SyncerCyclesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (s *Service) sync(ctx context.Context) (Outcome, error) {
	start := time.Now()

	// 1. Read from Source of Truth (Postgres)
	flags, segments, err := s.load(ctx)
	if err != nil {
		return OutcomeFailed, err
	}

	// 2. Build the snapshot and skip publication if nothing changed
	checksum, err := Checksum(flags, segments)
	if err != nil {
		return OutcomeFailed, err
	}
	if checksum == s.lastChecksum {
		s.logger.Debug("rules unchanged", slog.String("checksum", checksum))
		return OutcomeUnchanged, nil
	}

	snap := ruleengine.NewSnapshot(s.nextVersion(), flags, segments)
	snap.Checksum = checksum

	// 3. Publish to the distribution layer (Redis)
	res, err := s.publish(ctx, snap)
	if err != nil {
		return OutcomeFailed, err
	}
	if res == cache.PublishSkipped {
		s.logger.Warn("redis holds a newer snapshot, publication skipped",
			slog.Int64("version", snap.Version),
		)
		return OutcomeSkipped, nil
	}

	s.lastChecksum = checksum
	s.lastVersion = snap.Version
	s.logger.Info("snapshot published",
		slog.Int64("version", snap.Version),
		slog.String("checksum", checksum),
		slog.Int("flags", len(snap.Flags)),
		slog.Int("segments", len(snap.Segments)),
		slog.String("duration", time.Since(start).String()),
	)
	return OutcomePublished, nil
}

func (s *Service) load(ctx context.Context) ([]*ruleengine.Flag, []*ruleengine.Segment, error) {
	loadCtx, cancel := context.WithTimeout(ctx, s.config.LoadTimeout)
	defer cancel()

	flags, skipped, err := s.repo.LoadFlags(loadCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load flags: %w", err)
	}
	for _, sk := range skipped {
		s.logger.Warn("flag skipped from snapshot",
			slog.String("flag", sk.Name),
			slog.String("error", sk.Err.Error()),
		)
	}
	observability.SyncerSkippedFlags.Add(float64(len(skipped)))

	segments, err := s.repo.LoadSegments(loadCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load segments: %w", err)
	}
	return flags, segments, nil
}

// publish retries transient failures with exponential backoff.
func (s *Service) publish(ctx context.Context, snap *ruleengine.Snapshot) (cache.PublishResult, error) {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.config.BaseRetryDelay * time.Duration(1<<(attempt-1))
			s.logger.Warn("retrying snapshot publication",
				slog.Int("attempt", attempt),
				slog.String("delay", delay.String()),
				slog.String("error", lastErr.Error()),
			)
			select {
			case <-ctx.Done():
				return cache.PublishSkipped, ctx.Err()
			case <-time.After(delay):
			}
		}

		pubCtx, cancel := context.WithTimeout(ctx, s.config.PublishTimeout)
		res, err := s.publisher.PublishSnapshot(pubCtx, snap)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return cache.PublishSkipped, fmt.Errorf("giving up after %d attempts: %w", s.config.MaxRetries+1, lastErr)
}

// nextVersion derives a wall-clock version that never goes backwards
// within this process, even if the clock does.
func (s *Service) nextVersion() int64 {
	v := s.now().UnixNano()
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	return v
}

// Checksum fingerprints the rule content of a snapshot. It ignores input
// order and is stable across processes.
func Checksum(flags []*ruleengine.Flag, segments []*ruleengine.Segment) (string, error) {
	doc := struct {
		Flags    map[string]*ruleengine.Flag    `json:"flags"`
		Segments map[string]*ruleengine.Segment `json:"segments"`
	}{
		Flags:    make(map[string]*ruleengine.Flag, len(flags)),
		Segments: make(map[string]*ruleengine.Segment, len(segments)),
	}
	for _, f := range flags {
		if f != nil {
			doc.Flags[f.Name] = f
		}
	}
	for _, seg := range segments {
		if seg != nil {
			doc.Segments[seg.ID] = seg
		}
	}

	// encoding/json writes map keys in sorted order.
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode rules for checksum: %w", err)
	}
	return strconv.FormatUint(xxhash.Sum64(raw), 16), nil
}
