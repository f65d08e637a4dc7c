package snapshot

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/verdict/internal/cache"
	"github.com/rafaeljc/verdict/internal/ruleengine"
)

// fakeSource is an in-memory Source.
type fakeSource struct {
	mu           sync.Mutex
	snap         *ruleengine.Snapshot
	versionErr   error
	fetchErr     error
	subscribeErr error
	fetches      int
	updates      chan int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{updates: make(chan int64, 4)}
}

func (f *fakeSource) set(s *ruleengine.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = s
}

func (f *fakeSource) FetchVersion(context.Context) (int64, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versionErr != nil {
		return 0, "", f.versionErr
	}
	if f.snap == nil {
		return 0, "", cache.ErrSnapshotNotFound
	}
	return f.snap.Version, f.snap.Checksum, nil
}

func (f *fakeSource) FetchSnapshot(context.Context) (*ruleengine.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.snap, nil
}

func (f *fakeSource) Subscribe(context.Context) (*cache.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return cache.NewSubscription(f.updates, nil), nil
}

func (f *fakeSource) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func TestRefresher_Refresh(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	holder := NewHolder(nil)
	var logs bytes.Buffer
	r := NewRefresher(slog.New(slog.NewTextHandler(&logs, nil)), src, holder, time.Hour)
	ctx := context.Background()

	assert.False(t, r.Refresh(ctx), "nothing published yet")
	assert.Nil(t, holder.Load())

	src.set(snapAt(10))
	assert.True(t, r.Refresh(ctx))
	assert.Equal(t, int64(10), holder.Load().Version)
	assert.Contains(t, logs.String(), "snapshot installed")

	assert.False(t, r.Refresh(ctx), "same version is not fetched again")
	assert.Equal(t, 1, src.fetchCount())

	src.mu.Lock()
	src.snap = snapAt(11)
	src.fetchErr = errors.New("connection reset")
	src.mu.Unlock()

	assert.False(t, r.Refresh(ctx))
	assert.Equal(t, int64(10), holder.Load().Version, "failure keeps the current snapshot")
	assert.Contains(t, logs.String(), "failed to fetch snapshot")
	assert.Contains(t, logs.String(), "serving_version=10")
}

func TestRefresher_Run_ReactsToAnnouncements(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.set(snapAt(1))
	holder := NewHolder(nil)
	r := NewRefresher(slog.New(slog.DiscardHandler), src, holder, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := holder.Load()
		return s != nil && s.Version == 1
	}, time.Second, 5*time.Millisecond, "initial load")

	src.set(snapAt(2))
	src.updates <- 2

	require.Eventually(t, func() bool {
		return holder.Load().Version == 2
	}, time.Second, 5*time.Millisecond, "announcement triggers a refresh")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}

func TestRefresher_Run_PollsWithoutSubscription(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.subscribeErr = errors.New("pubsub unavailable")
	holder := NewHolder(nil)
	r := NewRefresher(slog.New(slog.DiscardHandler), src, holder, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	src.set(snapAt(7))

	require.Eventually(t, func() bool {
		s := holder.Load()
		return s != nil && s.Version == 7
	}, time.Second, 5*time.Millisecond, "polling picks up the snapshot")
}

func TestNewRefresher_Panics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewRefresher(nil, nil, NewHolder(nil), time.Second) })
	assert.Panics(t, func() { NewRefresher(nil, newFakeSource(), nil, time.Second) })
}
