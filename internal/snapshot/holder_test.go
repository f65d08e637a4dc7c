package snapshot

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/verdict/internal/ruleengine"
)

func snapAt(version int64) *ruleengine.Snapshot {
	return ruleengine.NewSnapshot(version, []*ruleengine.Flag{{Name: "f", Enabled: true}}, nil)
}

func TestHolder_Monotonic(t *testing.T) {
	t.Parallel()

	var swapped []int64
	h := NewHolder(func(s *ruleengine.Snapshot) { swapped = append(swapped, s.Version) })

	assert.Nil(t, h.Load())
	assert.ErrorIs(t, h.Check(context.Background()), ErrNotLoaded)
	assert.Equal(t, "snapshot", h.Name())

	assert.False(t, h.Store(nil))
	assert.True(t, h.Store(snapAt(5)))
	assert.False(t, h.Store(snapAt(5)), "equal version is not newer")
	assert.False(t, h.Store(snapAt(3)), "older version is rejected")
	assert.True(t, h.Store(snapAt(9)))

	assert.Equal(t, int64(9), h.Load().Version)
	assert.NoError(t, h.Check(context.Background()))
	assert.Equal(t, []int64{5, 9}, swapped)
}

func TestHolder_ConcurrentStores(t *testing.T) {
	t.Parallel()

	h := NewHolder(nil)

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			h.Store(snapAt(v))
		}(int64(i + 1))
	}

	// Readers never see a nil after the first install, nor a partial snapshot.
	var readers sync.WaitGroup
	for range 4 {
		readers.Add(1)
		go func() {
			defer readers.Done()
			var last int64
			for range 1000 {
				if s := h.Load(); s != nil {
					assert.GreaterOrEqual(t, s.Version, last)
					last = s.Version
					assert.Len(t, s.Flags, 1)
				}
			}
		}()
	}

	wg.Wait()
	readers.Wait()
	require.NotNil(t, h.Load())
	assert.Equal(t, int64(100), h.Load().Version)
}
