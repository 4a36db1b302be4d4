package search

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/tracing"
)

// ErrMalformedResponse marks a provider reply that could not be decoded.
var ErrMalformedResponse = errors.New("search: malformed provider response")

// Query is what a Provider receives for one task.
type Query struct {
	Text       string
	Target     Target
	Structured bool
}

// Result is a provider's successful answer.
type Result struct {
	Content   string
	Citations []string
}

// Provider performs one external search. Implementations must honour ctx deadlines.
type Provider interface {
	Search(ctx context.Context, q Query) (*Result, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, q Query) (*Result, error)

func (f ProviderFunc) Search(ctx context.Context, q Query) (*Result, error) { return f(ctx, q) }

// CancelObserver is the read side of a cancellation token.
type CancelObserver interface {
	Cancelled() bool
}

// Runner executes a single Task against a Provider.
type Runner struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner creates a runner. timeout bounds each provider call; zero means no bound.
func NewRunner(provider Provider, timeout time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{provider: provider, timeout: timeout, logger: logger, now: time.Now}
}

// Run checks the token, and if still active marks the task RUNNING and calls the
// provider. Once the call has started its true outcome is recorded even when
// cancellation arrives meanwhile. Provider errors and panics become a failed
// outcome; Run never returns an error.
func (r *Runner) Run(ctx context.Context, task *Task, tok CancelObserver) Outcome {
	if tok != nil && tok.Cancelled() {
		return r.skip(task, ErrorCancelled, "cancellation requested before start")
	}
	if err := ctx.Err(); err != nil {
		if tErr := task.Transition(TaskCancelled); tErr != nil {
			r.logger.Warn("Task transition rejected", zap.Error(tErr))
		}
		o := SkippedOutcome(task, ErrorShutdown, err.Error(), r.now())
		metrics.RecordSearch(string(task.Target.Kind), string(o.Status), 0)
		return o
	}
	if err := task.Transition(TaskRunning); err != nil {
		// Already terminal: report it as skipped rather than running it twice.
		r.logger.Warn("Task not runnable", zap.Error(err))
		return SkippedOutcome(task, ErrorCancelled, err.Error(), r.now())
	}

	ctx, span := tracing.StartSpan(ctx, "search.task")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", task.RequestID),
		attribute.Int("query_index", task.QueryIndex),
		attribute.String("target", task.Target.String()),
	)

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	out := baseOutcome(task)
	out.StartedAt = r.now()

	var (
		res *Result
		err error
		pc  panics.Catcher
	)
	pc.Try(func() {
		res, err = r.provider.Search(callCtx, Query{Text: task.Query, Target: task.Target, Structured: task.Structured})
	})
	if rec := pc.Recovered(); rec != nil {
		err = fmt.Errorf("provider panic: %w", rec.AsError())
		out.Error = &OutcomeError{Kind: ErrorPanic, Message: rec.String()}
	}
	if err == nil && res == nil {
		err = fmt.Errorf("%w: empty result", ErrMalformedResponse)
	}

	out.FinishedAt = r.now()
	out.DurationMs = out.FinishedAt.Sub(out.StartedAt).Milliseconds()

	if err != nil {
		if out.Error == nil {
			out.Error = &OutcomeError{Kind: classify(callCtx, err), Message: err.Error()}
		}
		out.Status = OutcomeFailed
		if tErr := task.Transition(TaskFailed); tErr != nil {
			r.logger.Warn("Task transition rejected", zap.Error(tErr))
		}
		span.RecordError(err)
		r.logger.Warn("Search task failed",
			zap.String("request_id", task.RequestID),
			zap.Int("query_index", task.QueryIndex),
			zap.String("target", task.Target.String()),
			zap.String("kind", string(out.Error.Kind)),
			zap.Error(err),
		)
	} else {
		out.Status = OutcomeSuccess
		out.Content = res.Content
		if res.Citations != nil {
			out.Citations = res.Citations
		}
		out.ExtractedLinks = ExtractLinks(res.Content)
		if tErr := task.Transition(TaskDone); tErr != nil {
			r.logger.Warn("Task transition rejected", zap.Error(tErr))
		}
	}

	metrics.RecordSearch(string(task.Target.Kind), string(out.Status), out.FinishedAt.Sub(out.StartedAt).Seconds())
	return out
}

func (r *Runner) skip(task *Task, kind ErrorKind, msg string) Outcome {
	if err := task.Transition(TaskSkipped); err != nil {
		r.logger.Warn("Task transition rejected", zap.Error(err))
	}
	metrics.RecordSearch(string(task.Target.Kind), string(OutcomeSkipped), 0)
	return SkippedOutcome(task, kind, msg, r.now())
}

func classify(ctx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrorTimeout
	case errors.Is(err, context.Canceled):
		return ErrorShutdown
	case errors.Is(err, ErrMalformedResponse):
		return ErrorMalformed
	default:
		return ErrorProvider
	}
}

var linkPattern = regexp.MustCompile(`https?://[^\s\])\,;"'<>]+`)

// ExtractLinks returns the distinct URLs found in content, in first-seen order.
func ExtractLinks(content string) []string {
	found := linkPattern.FindAllString(content, -1)
	out := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, l := range found {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
