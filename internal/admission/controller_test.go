package admission_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testworker/internal/admission"
)

func TestNew(t *testing.T) {
	_, err := admission.New(0)
	assert.Error(t, err)
}

func TestController_TryAcquire(t *testing.T) {
	c, err := admission.New(2)
	require.NoError(t, err)

	a1, err := c.TryAcquire(true)
	require.NoError(t, err)
	_, err = c.TryAcquire(true)
	require.NoError(t, err)

	_, err = c.TryAcquire(true)
	require.ErrorIs(t, err, admission.ErrMaxReached)
	var limitErr *admission.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 2, limitErr.Limit)
	assert.Contains(t, err.Error(), "limit 2")

	// bypassing attempts are tracked but never rejected
	monitor, err := c.TryAcquire(false)
	require.NoError(t, err)
	assert.Equal(t, admission.Stats{Limit: 2, Counted: 2, Tracked: 3, Rejected: 1}, c.Stats())

	assert.True(t, c.Release(monitor.ID))
	assert.True(t, c.Release(a1.ID))
	assert.False(t, c.Release(a1.ID), "second release must be a no-op")
	assert.Equal(t, 1, c.Stats().Counted)

	_, err = c.TryAcquire(true)
	assert.NoError(t, err)
}

func TestController_IndependentInstances(t *testing.T) {
	c1, err := admission.New(1)
	require.NoError(t, err)
	c2, err := admission.New(1)
	require.NoError(t, err)

	_, err = c1.TryAcquire(true)
	require.NoError(t, err)
	_, err = c2.TryAcquire(true)
	assert.NoError(t, err)
}

func TestController_ConcurrentCeiling(t *testing.T) {
	const limit = 3
	c, err := admission.New(limit)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		running atomic.Int64
		peak    atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				a, err := c.TryAcquire(true)
				if err != nil {
					continue
				}
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				running.Add(-1)
				c.Release(a.ID)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(limit))
	assert.Equal(t, 0, c.Stats().Counted)
	assert.Equal(t, 0, c.Stats().Tracked)
}

func TestController_Sweep(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c, err := admission.New(1,
		admission.WithStaleAfter(30*time.Minute),
		admission.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	old, err := c.TryAcquire(true)
	require.NoError(t, err)
	c.TrackContainer(old.ID, "container-1")

	now = now.Add(20 * time.Minute)
	fresh, err := c.TryAcquire(false)
	require.NoError(t, err)

	now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, c.Sweep())

	attempts := c.Attempts()
	require.Len(t, attempts, 1)
	assert.Equal(t, fresh.ID, attempts[0].ID)
	assert.False(t, c.Release(old.ID))

	// the swept slot is available again
	_, err = c.TryAcquire(true)
	assert.NoError(t, err)
}

type recordingObserver struct {
	counts   []int
	rejected int
}

func (o *recordingObserver) AdmissionChanged(counted int) { o.counts = append(o.counts, counted) }
func (o *recordingObserver) AdmissionRejected()           { o.rejected++ }

func TestController_Observer(t *testing.T) {
	obs := &recordingObserver{}
	c, err := admission.New(1, admission.WithObserver(obs))
	require.NoError(t, err)

	a, err := c.TryAcquire(true)
	require.NoError(t, err)
	_, err = c.TryAcquire(true)
	require.Error(t, err)
	c.Release(a.ID)

	assert.Equal(t, []int{1, 0}, obs.counts)
	assert.Equal(t, 1, obs.rejected)
}
