package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("classify", CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	cb.nowFunc = clock.Now
	return cb, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.Record(errors.New("boom"))
	cb.Record(errors.New("boom"))
	assert.False(t, cb.IsOpen(), "below threshold")

	cb.Record(errors.New("boom"))
	assert.True(t, cb.IsOpen())

	err := cb.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	var coe *CircuitOpenError
	require.True(t, errors.As(err, &coe))
	assert.Equal(t, "classify", coe.Name)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	cb.Record(errors.New("boom"))
	cb.Record(errors.New("boom"))
	cb.Record(nil)
	cb.Record(errors.New("boom"))
	cb.Record(errors.New("boom"))

	assert.False(t, cb.IsOpen())
	assert.Equal(t, 2, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_StaysOpenUntilCooldownAndEvaluation(t *testing.T) {
	cb, clock := newTestBreaker(3, 5*time.Minute)
	for i := 0; i < 3; i++ {
		cb.Record(errors.New("boom"))
	}

	clock.Advance(4*time.Minute + 59*time.Second)
	assert.True(t, cb.IsOpen(), "still inside cooldown")
	assert.Equal(t, CircuitOpen, cb.State())

	clock.Advance(time.Second)
	// State does not move on its own; the next evaluation performs the transition.
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.IsOpen())
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	cb.Record(errors.New("boom"))
	cb.Record(errors.New("boom"))
	clock.Advance(time.Minute)
	require.False(t, cb.IsOpen())

	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
	snap := cb.Snapshot()
	assert.Zero(t, snap.FailureCount)
	assert.Nil(t, snap.CooldownUntil)
}

func TestCircuitBreaker_HalfOpenFailureRestartsCooldown(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	cb.Record(errors.New("boom"))
	cb.Record(errors.New("boom"))
	clock.Advance(time.Minute)
	require.False(t, cb.IsOpen())

	cb.Record(errors.New("still broken"))
	assert.True(t, cb.IsOpen())
	snap := cb.Snapshot()
	require.NotNil(t, snap.CooldownUntil)
	assert.Equal(t, clock.Now().Add(time.Minute), *snap.CooldownUntil)
}

func TestCircuitBreaker_HalfOpenAdmitsOneTrial(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Minute)
	cb.Record(errors.New("boom"))
	cb.Record(errors.New("boom"))
	assert.Zero(t, cb.Capacity())
	clock.Advance(time.Minute)

	assert.Equal(t, 1, cb.Capacity())
	require.NoError(t, cb.Allow())
	assert.Zero(t, cb.Capacity())
	err := cb.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.Release()
	require.NoError(t, cb.Allow(), "released slot is reusable")
	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, -1, cb.Capacity())
	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow(), "closed breaker does not limit work")
}

func TestCircuitBreaker_HalfOpenMaxTrials(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("discover", CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxTrials: 2})
	cb.nowFunc = clock.Now
	cb.Record(errors.New("boom"))
	clock.Advance(time.Minute)

	require.NoError(t, cb.Allow())
	require.NoError(t, cb.Allow())
	assert.Error(t, cb.Allow())

	cb.Record(errors.New("still broken"))
	assert.True(t, cb.IsOpen())
	assert.Zero(t, cb.Capacity())

	clock.Advance(time.Minute)
	assert.Equal(t, 2, cb.Capacity(), "slots reset on each half-open period")
}

func TestCircuitBreaker_IgnoresCircuitOpenOutcomes(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)
	cb.Record(&CircuitOpenError{Name: "classify"})
	assert.False(t, cb.IsOpen())
	assert.Zero(t, cb.Snapshot().FailureCount)
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	clock := newFakeClock()
	cb := NewCircuitBreaker("export", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnStateChange: func(name string, from, to CircuitState) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	cb.nowFunc = clock.Now

	cb.Record(errors.New("boom"))
	clock.Advance(time.Second)
	cb.IsOpen()
	cb.Record(nil)

	assert.Equal(t, []string{
		"export:closed->open",
		"export:open->half-open",
		"export:half-open->closed",
	}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	cb.Record(errors.New("boom"))
	require.True(t, cb.IsOpen())

	cb.Reset()
	assert.False(t, cb.IsOpen())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.FailureThreshold)
	assert.Equal(t, 5*time.Minute, cb.cfg.Cooldown)
}

func TestBreakers_GetIsStable(t *testing.T) {
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	assert.Same(t, b.Get("discover"), b.Get("discover"))
	assert.NotSame(t, b.Get("discover"), b.Get("classify"))
}

func TestBreakers_OpenAndSnapshots(t *testing.T) {
	clock := newFakeClock()
	b := NewBreakers(CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})
	b.SetNowFunc(clock.Now)

	b.Get("discover").Record(errors.New("boom"))
	b.Get("classify").Record(nil)

	assert.Equal(t, []string{"discover"}, b.Open())

	snaps := b.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "classify", snaps[0].Name)
	assert.Equal(t, "discover", snaps[1].Name)
	assert.True(t, snaps[1].IsOpen)

	clock.Advance(time.Minute)
	assert.Empty(t, b.Open())
	assert.Equal(t, CircuitHalfOpen, b.Get("discover").State())
}

func TestBreakers_ConcurrentGet(t *testing.T) {
	b := NewBreakers(DefaultCircuitBreakerConfig())
	var wg sync.WaitGroup
	got := make([]*CircuitBreaker, 20)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = b.Get("revalidate")
		}(i)
	}
	wg.Wait()
	for _, cb := range got {
		assert.Same(t, got[0], cb)
	}
}
