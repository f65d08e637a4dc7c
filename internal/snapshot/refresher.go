package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/observability"
	"github.com/rafaeljc/verdict/internal/ruleengine"
	"github.com/rafaeljc/verdict/internal/validation"
)

// Source is the read side of the snapshot distribution layer.
type Source interface {
	FetchSnapshot(ctx context.Context) (*ruleengine.Snapshot, error)
	FetchVersion(ctx context.Context) (int64, string, error)
	Subscribe(ctx context.Context) (*cache.Subscription, error)
}

// Refresher keeps a Holder up to date. It reacts to update announcements
// and also polls, so a missed announcement only delays a refresh by one
// interval.
type Refresher struct {
	logger   *slog.Logger
	source   Source
	holder   *Holder
	interval time.Duration
}

// NewRefresher creates a refresher polling every interval.
func NewRefresher(logger *slog.Logger, source Source, holder *Holder, interval time.Duration) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	validation.MustNotBeNil("snapshot", "source", source)
	validation.MustNotBeNil("snapshot", "holder", holder)
	if interval <= 0 {
		interval = 30 * time.Second
	}

	return &Refresher{
		logger:   logger,
		source:   source,
		holder:   holder,
		interval: interval,
	}
}

// Run loads the latest snapshot and keeps refreshing until ctx is cancelled.
// Failures are logged and the current snapshot keeps being served.
func (r *Refresher) Run(ctx context.Context) error {
	r.logger.Info("starting snapshot refresher", slog.Duration("interval", r.interval))

	r.Refresh(ctx)

	sub := r.subscribe(ctx)
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		var announcements <-chan int64
		if sub != nil {
			announcements = sub.C
		}

		select {
		case <-ctx.Done():
			r.logger.Info("snapshot refresher stopping")
			return nil

		case <-ticker.C:
			if sub == nil {
				sub = r.subscribe(ctx)
			}
			r.Refresh(ctx)

		case version, ok := <-announcements:
			if !ok {
				r.logger.Warn("snapshot subscription closed, falling back to polling")
				sub = nil
				continue
			}
			observability.SnapshotNotifications.Inc()
			if cur := r.holder.Load(); cur != nil && cur.Version >= version {
				continue
			}
			r.Refresh(ctx)
		}
	}
}

func (r *Refresher) subscribe(ctx context.Context) *cache.Subscription {
	sub, err := r.source.Subscribe(ctx)
	if err != nil {
		r.logger.Warn("failed to subscribe to snapshot updates", slog.String("error", err.Error()))
		return nil
	}
	return sub
}

// Refresh fetches the latest snapshot if it is newer than the held one and
// reports whether a new snapshot was installed.
func (r *Refresher) Refresh(ctx context.Context) bool {
	version, _, err := r.source.FetchVersion(ctx)
	if errors.Is(err, cache.ErrSnapshotNotFound) {
		r.logger.Debug("no snapshot published yet")
		observability.SnapshotRefreshesTotal.WithLabelValues("unchanged").Inc()
		return false
	}
	if err != nil {
		r.fail("failed to fetch snapshot version", err)
		return false
	}

	if cur := r.holder.Load(); cur != nil && cur.Version >= version {
		observability.SnapshotRefreshesTotal.WithLabelValues("unchanged").Inc()
		return false
	}

	snap, err := r.source.FetchSnapshot(ctx)
	if err != nil {
		r.fail("failed to fetch snapshot", err)
		return false
	}

	if !r.holder.Store(snap) {
		observability.SnapshotRefreshesTotal.WithLabelValues("unchanged").Inc()
		return false
	}

	observability.SnapshotRefreshesTotal.WithLabelValues("applied").Inc()
	r.logger.Info("snapshot installed",
		slog.Int64("version", snap.Version),
		slog.String("checksum", snap.Checksum),
		slog.Int("flags", len(snap.Flags)),
		slog.Int("segments", len(snap.Segments)),
	)
	return true
}

func (r *Refresher) fail(msg string, err error) {
	observability.SnapshotRefreshesTotal.WithLabelValues("failed").Inc()
	attrs := []any{slog.String("error", err.Error())}
	if cur := r.holder.Load(); cur != nil {
		attrs = append(attrs, slog.Int64("serving_version", cur.Version))
	}
	r.logger.Error(msg, attrs...)
}
