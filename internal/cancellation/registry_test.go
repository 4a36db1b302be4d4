package cancellation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T, grace time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(Config{Shards: 4, ReleaseGrace: grace}, zaptest.NewLogger(t))
	t.Cleanup(r.Close)
	return r
}

func TestCreateRejectsDuplicate(t *testing.T) {
	r := newTestRegistry(t, 0)

	tok, err := r.Create("req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", tok.RequestID())
	assert.Equal(t, StateActive, tok.State())

	_, err = r.Create("req-1")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
}

func TestCancelIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 0)
	tok, err := r.Create("req-1")
	require.NoError(t, err)

	accepted, err := r.Cancel("req-1", "user pressed stop")
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = r.Cancel("req-1", "second click")
	require.NoError(t, err)
	assert.False(t, accepted)

	assert.True(t, r.IsCancelled("req-1"))
	reason, at := tok.Reason()
	assert.Equal(t, "user pressed stop", reason, "first reason wins")
	assert.False(t, at.IsZero())

	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel should be closed after cancel")
	}
}

func TestCancelUnknownIsBenign(t *testing.T) {
	r := newTestRegistry(t, 0)

	accepted, err := r.Cancel("missing", "whatever")
	assert.False(t, accepted)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.IsCancelled("missing"))
}

func TestConcurrentCancelHasSingleWinner(t *testing.T) {
	r := newTestRegistry(t, 0)
	_, err := r.Create("req-1")
	require.NoError(t, err)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := r.Cancel("req-1", "race"); ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestReleaseHonoursGraceWindow(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	_, err := r.Create("req-1")
	require.NoError(t, err)

	r.Release("req-1")

	// A cancel racing completion still sees the token.
	accepted, err := r.Cancel("req-1", "late")
	require.NoError(t, err)
	assert.True(t, accepted)

	snap, ok := r.Snapshot("req-1")
	require.True(t, ok)
	assert.True(t, snap.Releasing)
	assert.Equal(t, "CANCEL_REQUESTED", snap.State)

	require.Eventually(t, func() bool {
		_, ok := r.Lookup("req-1")
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.Len())

	_, err = r.Cancel("req-1", "after eviction")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseWithoutGraceEvictsImmediately(t *testing.T) {
	r := newTestRegistry(t, 0)
	_, err := r.Create("req-1")
	require.NoError(t, err)

	r.Release("req-1")
	r.Release("req-1")

	_, ok := r.Lookup("req-1")
	assert.False(t, ok)

	// The id can be reused once evicted.
	_, err = r.Create("req-1")
	assert.NoError(t, err)
}

func TestShardsSpreadRequests(t *testing.T) {
	r := newTestRegistry(t, 0)
	for i := 0; i < 100; i++ {
		_, err := r.Create(fmt.Sprintf("req-%03d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 100, r.Len())

	used := 0
	for _, s := range r.shards {
		if len(s.entries) > 0 {
			used++
		}
	}
	assert.Greater(t, used, 1)
}

func TestCancelActiveSkipsReleasingTokens(t *testing.T) {
	reg := NewRegistry(Config{Shards: 1, ReleaseGrace: time.Minute}, zaptest.NewLogger(t))
	defer reg.Close()

	_, err := reg.Create("live")
	require.NoError(t, err)
	accepted, err := reg.CancelActive("live", "stop")
	require.NoError(t, err)
	assert.True(t, accepted)

	_, err = reg.Create("finished")
	require.NoError(t, err)
	reg.Release("finished")
	accepted, err = reg.CancelActive("finished", "late")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.False(t, reg.IsCancelled("finished"))

	_, err = reg.CancelActive("missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
