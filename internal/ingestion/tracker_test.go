package ingestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/storage/models"
)

func TestTrackerSubscribeReceivesCurrentThenUpdates(t *testing.T) {
	tr := NewTracker()
	tr.Update("doc-1", func(s *Status) { s.State = models.StateChunking })

	ch, unsubscribe := tr.Subscribe("doc-1")
	defer unsubscribe()

	first := <-ch
	assert.Equal(t, models.StateChunking, first.State)

	tr.Update("doc-1", func(s *Status) {
		s.State = models.StateEmbedding
		s.ChunksTotal = 4
		s.ChunksEmbedded = 2
	})
	next := <-ch
	assert.Equal(t, models.StateEmbedding, next.State)
	assert.InDelta(t, 0.4, next.Progress(), 1e-9)

	got, ok := tr.Get("doc-1")
	require.True(t, ok)
	assert.Equal(t, next, got)
}

func TestTrackerSlowSubscriberKeepsLatest(t *testing.T) {
	tr := NewTracker()
	ch, unsubscribe := tr.Subscribe("doc-1")

	for i := 1; i <= 3*subscriberBuffer; i++ {
		tr.Update("doc-1", func(s *Status) { s.ChunksEmbedded = i })
	}
	unsubscribe()
	unsubscribe()

	var last Status
	for st := range ch {
		last = st
	}
	assert.Equal(t, 3*subscriberBuffer, last.ChunksEmbedded)
}

func TestTrackerForget(t *testing.T) {
	tr := NewTracker()
	tr.Update("doc-1", func(s *Status) { s.State = models.StateReady })
	tr.Forget("doc-1")
	_, ok := tr.Get("doc-1")
	assert.False(t, ok)
}

func TestTrackerEvictsFinishedStatuses(t *testing.T) {
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTracker()
	tr.now = func() time.Time { return clock }

	tr.Update("done", func(s *Status) { s.State = models.StateReady })
	tr.Update("broken", func(s *Status) { s.State = models.StateFailed })
	tr.Update("running", func(s *Status) { s.State = models.StateEmbedding })
	watched, stop := tr.Subscribe("broken")
	defer stop()
	<-watched

	clock = clock.Add(DefaultStatusRetention + time.Second)
	_, ok := tr.Get("done")
	assert.False(t, ok)
	_, ok = tr.Get("running")
	assert.True(t, ok)

	tr.Update("other", func(s *Status) { s.State = models.StateChunking })
	assert.Equal(t, 3, tr.Len())

	stop()
	clock = clock.Add(DefaultStatusRetention)
	tr.Update("other", func(s *Status) { s.State = models.StateEmbedding })
	assert.Equal(t, 2, tr.Len())
	_, ok = tr.Get("broken")
	assert.False(t, ok)
}

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		active  atomic.Int32
		overlap atomic.Bool
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "doc-1")
			require.NoError(t, err)
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Equal(t, 0, k.len())
}

func TestKeyedMutexDifferentKeysAndCancellation(t *testing.T) {
	k := NewKeyedMutex()
	unlockA, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	unlockB, err := k.Lock(context.Background(), "b")
	require.NoError(t, err)
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockA()
	unlockA()
	assert.Equal(t, 0, k.len())
}

func TestPoolBoundsConcurrencyAndIsolatesFailures(t *testing.T) {
	p := NewPool(2)
	var (
		active, peak atomic.Int32
		boom         = errors.New("boom")
	)
	errs := p.Run(context.Background(), 6, func(ctx context.Context, i int) error {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		if i == 3 {
			return boom
		}
		return nil
	})

	require.Len(t, errs, 6)
	for i, err := range errs {
		if i == 3 {
			assert.ErrorIs(t, err, boom)
		} else {
			assert.NoError(t, err)
		}
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolSkipsJobsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	errs := NewPool(3).Run(ctx, 4, func(context.Context, int) error {
		ran.Add(1)
		return nil
	})
	assert.Equal(t, int32(0), ran.Load())
	for _, err := range errs {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
