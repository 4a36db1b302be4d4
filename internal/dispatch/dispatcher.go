// Package dispatch fans planned search tasks out to a bounded set of runners
// and fans their outcomes back in on the caller's goroutine.
package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/search"
)

var now = time.Now

// DefaultMaxConcurrency bounds in-flight searches per workflow when none is configured.
const DefaultMaxConcurrency = 4

// Token is the read side of a request's cancellation signal.
type Token interface {
	Cancelled() bool
	Done() <-chan struct{}
}

// TaskRunner executes one task. *search.Runner satisfies it.
type TaskRunner interface {
	Run(ctx context.Context, task *search.Task, tok search.CancelObserver) search.Outcome
}

// Dispatcher runs the tasks of one workflow with a per-workflow concurrency limit.
// It holds no per-call state and may be shared by many workflows.
type Dispatcher struct {
	runner         TaskRunner
	maxConcurrency int64
	logger         *zap.Logger
}

// New creates a dispatcher. maxConcurrency <= 0 selects DefaultMaxConcurrency.
func New(runner TaskRunner, maxConcurrency int, logger *zap.Logger) *Dispatcher {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{runner: runner, maxConcurrency: int64(maxConcurrency), logger: logger}
}

// MaxConcurrency returns the per-workflow slot count.
func (d *Dispatcher) MaxConcurrency() int { return int(d.maxConcurrency) }

// Dispatch runs tasks in list order, never more than MaxConcurrency at once, and
// returns when every task is terminal. Cancellation is checked before each slot
// is requested and again by the runner once the slot is held; tasks that observe
// it are skipped without starting while running ones finish.
//
// onOutcome, if non-nil, is called once per task in completion order on the
// calling goroutine, so it may mutate caller-owned state without locking. The
// returned slice is sorted by QueryIndex.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []*search.Task, tok Token, onOutcome func(search.Outcome)) []search.Outcome {
	if len(tasks) == 0 {
		return []search.Outcome{}
	}

	results := make(chan search.Outcome, len(tasks))
	go d.launch(ctx, tasks, tok, results)

	outcomes := make([]search.Outcome, 0, len(tasks))
	for range tasks {
		o := <-results
		outcomes = append(outcomes, o)
		if onOutcome != nil {
			onOutcome(o)
		}
	}

	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].QueryIndex < outcomes[j].QueryIndex })
	return outcomes
}

// launch walks tasks in order, acquiring a slot per task. It owns the semaphore
// and exits after every started runner has delivered its outcome.
func (d *Dispatcher) launch(ctx context.Context, tasks []*search.Task, tok Token, results chan<- search.Outcome) {
	sem := semaphore.NewWeighted(d.maxConcurrency)

	// Wakes a blocked Acquire when cancellation arrives or ctx ends.
	acquireCtx, stop := context.WithCancel(ctx)
	defer stop()
	if tok != nil {
		go func() {
			select {
			case <-tok.Done():
				stop()
			case <-acquireCtx.Done():
			}
		}()
	}

	var wg conc.WaitGroup
	defer wg.Wait()

	for i, task := range tasks {
		if tok != nil && tok.Cancelled() {
			d.skipRest(tasks[i:], search.ErrorCancelled, "cancellation requested before dispatch", results)
			return
		}
		if err := sem.Acquire(acquireCtx, 1); err != nil {
			if tok != nil && tok.Cancelled() {
				d.skipRest(tasks[i:], search.ErrorCancelled, "cancellation requested while waiting for a slot", results)
			} else {
				d.skipRest(tasks[i:], search.ErrorShutdown, "dispatcher stopped: "+ctx.Err().Error(), results)
			}
			return
		}
		metrics.DispatcherSlotsInUse.Inc()

		wg.Go(func() {
			defer func() {
				sem.Release(1)
				metrics.DispatcherSlotsInUse.Dec()
			}()
			var obs search.CancelObserver
			if tok != nil {
				obs = tok
			}
			results <- d.runner.Run(ctx, task, obs)
		})
	}
}

func (d *Dispatcher) skipRest(rest []*search.Task, kind search.ErrorKind, msg string, results chan<- search.Outcome) {
	next := search.TaskSkipped
	if kind == search.ErrorShutdown {
		next = search.TaskCancelled
	}
	for _, task := range rest {
		if err := task.Transition(next); err != nil {
			d.logger.Warn("Task transition rejected", zap.Error(err))
		}
		metrics.RecordSearch(string(task.Target.Kind), string(search.OutcomeSkipped), 0)
		results <- search.SkippedOutcome(task, kind, msg, now())
	}
	if len(rest) > 0 {
		d.logger.Debug("Skipped pending search tasks",
			zap.String("request_id", rest[0].RequestID),
			zap.Int("skipped", len(rest)),
			zap.String("reason", string(kind)),
		)
	}
}
