package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// newClockedBreaker returns a breaker whose notion of time is driven by the test.
func newClockedBreaker(t *testing.T, cfg Config) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("test", cfg, zaptest.NewLogger(t))
	cb.mutex.Lock()
	cb.now = clock.now
	cb.toNewGeneration(clock.now())
	cb.mutex.Unlock()
	return cb, clock
}

var errUpstream = errors.New("upstream 503")

func fail() error    { return errUpstream }
func succeed() error { return nil }

func TestBreakerOpensAndRecoversOnClock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 2
	cfg.Timeout = 10 * time.Second
	var transitions []string
	cfg.OnStateChange = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb, clock := newClockedBreaker(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	require.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called, "open breaker does not run the call")

	clock.advance(10 * time.Second)
	assert.Equal(t, StateOpen, cb.State(), "still open at exactly the timeout")
	clock.advance(time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Timeout = time.Minute
	cb, clock := newClockedBreaker(t, cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(time.Minute + time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	clock.advance(30 * time.Second)
	assert.Equal(t, StateOpen, cb.State(), "open timeout restarts from the failed probe")
}

func TestHalfOpenLimitsProbes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.MaxRequests = 2
	cfg.SuccessThreshold = 5
	cfg.Timeout = time.Second
	cb, clock := newClockedBreaker(t, cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clock.advance(2 * time.Second)

	require.NoError(t, cb.Execute(ctx, succeed))
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrTooManyRequests)
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestClosedIntervalResetsFailureStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.Interval = time.Minute
	cb, clock := newClockedBreaker(t, cfg)
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	clock.advance(61 * time.Second)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	counts := cb.Counts()
	assert.Equal(t, uint32(2), counts.ConsecutiveFailures)
	assert.Equal(t, uint32(2), counts.Requests)
}

func TestResultFromPreviousGenerationIsIgnored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.Interval = time.Minute
	cb, clock := newClockedBreaker(t, cfg)

	err := cb.Execute(context.Background(), func() error {
		// The counting window rolls over while the call is in flight.
		clock.advance(2 * time.Minute)
		return errUpstream
	})
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().TotalFailures)
}

func TestPanicCountsAsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cb, _ := newClockedBreaker(t, cfg)

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func() error { panic("provider bug") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCounts(t *testing.T) {
	cb, _ := newClockedBreaker(t, DefaultConfig())
	ctx := context.Background()

	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)

	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(2), counts.TotalSuccesses)
	assert.Equal(t, uint32(1), counts.TotalFailures)
	assert.Zero(t, counts.ConsecutiveFailures)
}

func TestCallerCancellationDoesNotTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(error) bool {
		t.Fatal("classifier is not consulted for caller cancellation")
		return false
	}
	cb, _ := newClockedBreaker(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func() error { return ctx.Err() })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().TotalSuccesses)

	// A deadline error that is not the caller's own still counts.
	cfg.IsSuccessful = nil
	cb, _ = newClockedBreaker(t, cfg)
	_ = cb.Execute(context.Background(), func() error { return context.DeadlineExceeded })
	assert.Equal(t, StateOpen, cb.State())
}

func TestIsSuccessfulClassifier(t *testing.T) {
	notFound := errors.New("not found")
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	cfg.IsSuccessful = func(err error) bool { return errors.Is(err, notFound) }
	cb, _ := newClockedBreaker(t, cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, func() error { return notFound }), notFound, "classified errors are still returned")
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(5), cb.Counts().TotalSuccesses)

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, func() error { return notFound })
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateClosed, cb.State(), "a classified error breaks the failure streak")
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestSettingsForReadsEnv(t *testing.T) {
	t.Setenv("GOLDFINCH_CB_SEARCH_FAILURE_THRESHOLD", "9")
	t.Setenv("GOLDFINCH_CB_SEARCH_TIMEOUT", "2s")
	t.Setenv("GOLDFINCH_CB_SEARCH_INTERVAL", "not-a-duration")

	s := SettingsFor(ProfileSearch)
	assert.Equal(t, uint32(9), s.FailureThreshold)
	assert.Equal(t, 2*time.Second, s.Timeout)
	assert.Equal(t, 30*time.Second, s.Interval, "invalid duration falls back to the profile default")
}
