package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/goldfinch-research/orchestrator/internal/cancellation"
	"github.com/goldfinch-research/orchestrator/internal/search"
)

func newTasks(n int) []*search.Task {
	tasks := make([]*search.Task, n)
	for i := range tasks {
		tasks[i] = search.NewTask("req", i, fmt.Sprintf("query %d", i), search.GeneralWeb())
	}
	return tasks
}

func newToken(t *testing.T) (*cancellation.Registry, *cancellation.Token) {
	t.Helper()
	reg := cancellation.NewRegistry(cancellation.Config{Shards: 4}, zaptest.NewLogger(t))
	t.Cleanup(reg.Close)
	tok, err := reg.Create("req")
	require.NoError(t, err)
	return reg, tok
}

func TestDispatchRespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	provider := search.ProviderFunc(func(ctx context.Context, q search.Query) (*search.Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &search.Result{Content: q.Text}, nil
	})
	d := New(search.NewRunner(provider, time.Second, zaptest.NewLogger(t)), 2, zaptest.NewLogger(t))
	_, tok := newToken(t)

	var seen []int
	out := d.Dispatch(context.Background(), newTasks(8), tok, func(o search.Outcome) { seen = append(seen, o.QueryIndex) })

	require.Len(t, out, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Len(t, seen, 8)
	for i, o := range out {
		assert.Equal(t, i, o.QueryIndex, "outcomes are sorted by query index")
		assert.Equal(t, search.OutcomeSuccess, o.Status)
	}
}

func TestDispatchSortsByIndexNotCompletion(t *testing.T) {
	provider := search.ProviderFunc(func(ctx context.Context, q search.Query) (*search.Result, error) {
		// Later queries finish first.
		if q.Text == "query 0" {
			time.Sleep(30 * time.Millisecond)
		}
		return &search.Result{Content: q.Text}, nil
	})
	d := New(search.NewRunner(provider, time.Second, zaptest.NewLogger(t)), 3, zaptest.NewLogger(t))
	_, tok := newToken(t)

	var order []int
	out := d.Dispatch(context.Background(), newTasks(3), tok, func(o search.Outcome) { order = append(order, o.QueryIndex) })

	assert.NotEqual(t, 0, order[0], "query 0 should complete last")
	assert.Equal(t, []int{0, 1, 2}, []int{out[0].QueryIndex, out[1].QueryIndex, out[2].QueryIndex})
}

func TestDispatchSoftStop(t *testing.T) {
	reg, tok := newToken(t)
	release := make(chan struct{})
	started := make(chan int, 5)
	var calls atomic.Int32

	provider := search.ProviderFunc(func(ctx context.Context, q search.Query) (*search.Result, error) {
		calls.Add(1)
		var idx int
		_, _ = fmt.Sscanf(q.Text, "query %d", &idx)
		started <- idx
		if idx == 2 {
			<-release
		}
		return &search.Result{Content: q.Text}, nil
	})
	d := New(search.NewRunner(provider, time.Second, zaptest.NewLogger(t)), 1, zaptest.NewLogger(t))
	tasks := newTasks(5)

	go func() {
		for idx := range started {
			if idx == 2 {
				accepted, err := reg.Cancel("req", "user")
				assert.NoError(t, err)
				assert.True(t, accepted)
				close(release)
				return
			}
		}
	}()

	out := d.Dispatch(context.Background(), tasks, tok, nil)

	require.Len(t, out, 5)
	for i := 0; i < 3; i++ {
		assert.Equal(t, search.OutcomeSuccess, out[i].Status, "task %d started before cancel and keeps its result", i)
		assert.Equal(t, search.TaskDone, tasks[i].State())
	}
	for i := 3; i < 5; i++ {
		assert.Equal(t, search.OutcomeSkipped, out[i].Status)
		assert.Equal(t, search.TaskSkipped, tasks[i].State(), "pending task %d must never run", i)
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatchIsolatesFailures(t *testing.T) {
	provider := search.ProviderFunc(func(ctx context.Context, q search.Query) (*search.Result, error) {
		if q.Text == "query 1" {
			return nil, errors.New("provider error")
		}
		return &search.Result{Content: q.Text}, nil
	})
	d := New(search.NewRunner(provider, time.Second, zaptest.NewLogger(t)), 4, zaptest.NewLogger(t))
	_, tok := newToken(t)

	out := d.Dispatch(context.Background(), newTasks(4), tok, nil)

	require.Len(t, out, 4)
	assert.Equal(t, search.OutcomeFailed, out[1].Status)
	for _, i := range []int{0, 2, 3} {
		assert.Equal(t, search.OutcomeSuccess, out[i].Status)
	}
}

func TestDispatchAlreadyCancelledStartsNothing(t *testing.T) {
	reg, tok := newToken(t)
	_, err := reg.Cancel("req", "early")
	require.NoError(t, err)

	var calls atomic.Int32
	provider := search.ProviderFunc(func(ctx context.Context, q search.Query) (*search.Result, error) {
		calls.Add(1)
		return &search.Result{}, nil
	})
	d := New(search.NewRunner(provider, time.Second, zaptest.NewLogger(t)), 2, zaptest.NewLogger(t))
	tasks := newTasks(3)

	out := d.Dispatch(context.Background(), tasks, tok, nil)

	require.Len(t, out, 3)
	for i, o := range out {
		assert.Equal(t, search.OutcomeSkipped, o.Status)
		assert.Equal(t, search.TaskSkipped, tasks[i].State())
	}
	assert.Zero(t, calls.Load())
}

func TestDispatchShutdownCancelsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var once sync.Once
	provider := search.ProviderFunc(func(c context.Context, q search.Query) (*search.Result, error) {
		once.Do(cancel)
		return &search.Result{Content: "done"}, nil
	})
	d := New(search.NewRunner(provider, time.Second, zaptest.NewLogger(t)), 1, zaptest.NewLogger(t))
	_, tok := newToken(t)
	tasks := newTasks(3)

	out := d.Dispatch(ctx, tasks, tok, nil)

	require.Len(t, out, 3)
	assert.Equal(t, search.OutcomeSuccess, out[0].Status)
	for i := 1; i < 3; i++ {
		assert.Equal(t, search.OutcomeSkipped, out[i].Status)
		require.NotNil(t, out[i].Error)
		assert.Equal(t, search.ErrorShutdown, out[i].Error.Kind)
		assert.Equal(t, search.TaskCancelled, tasks[i].State())
	}
}

func TestDispatchEmpty(t *testing.T) {
	d := New(nil, 0, nil)
	assert.Equal(t, DefaultMaxConcurrency, d.MaxConcurrency())
	assert.Empty(t, d.Dispatch(context.Background(), nil, nil, nil))
}
