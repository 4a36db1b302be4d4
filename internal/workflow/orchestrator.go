// Package workflow drives research requests through routing, planning, search
// and summarization, one goroutine per request.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/cancellation"
	"github.com/goldfinch-research/orchestrator/internal/dispatch"
	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/search"
	"github.com/goldfinch-research/orchestrator/internal/streaming"
)

var (
	// ErrEmptyQuestion is returned by Start for a blank question.
	ErrEmptyQuestion = errors.New("workflow: question is empty")
	// ErrUnknownRequest is benign: the id is not owned by this process.
	ErrUnknownRequest = errors.New("workflow: unknown request")
	// ErrShuttingDown rejects new requests once Shutdown has begun.
	ErrShuttingDown = errors.New("workflow: orchestrator is shutting down")
)

// ShutdownReason is the cancel reason used by Shutdown.
const ShutdownReason = "shutdown"

// Config holds the orchestrator's timeouts and limits.
type Config struct {
	RouterTimeout  time.Duration
	SummaryTimeout time.Duration
	StoreTimeout   time.Duration
	// HistoryLimit caps how many stored messages are passed to the router.
	HistoryLimit int
	// PlannerFallback searches the question itself when query generation fails.
	PlannerFallback bool
	// Retention keeps finished requests in memory for Snapshot.
	Retention time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RouterTimeout:   15 * time.Second,
		SummaryTimeout:  3 * time.Minute,
		StoreTimeout:    10 * time.Second,
		HistoryLimit:    20,
		PlannerFallback: true,
		Retention:       5 * time.Minute,
	}
}

// Dispatcher fans search tasks out and back in.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks []*search.Task, tok dispatch.Token, onOutcome func(search.Outcome)) []search.Outcome
}

// Deps are the orchestrator's collaborators. Store, Events, History, Domains and
// Relay are optional.
type Deps struct {
	Registry   *cancellation.Registry
	Streams    *streaming.Manager
	Dispatcher Dispatcher
	Router     Router
	Planner    Planner
	Summarizer Summarizer

	Store   Store
	Events  EventSink
	History HistoryStore
	Domains DomainSource
	Relay   Canceller
}

// Orchestrator starts and tracks research requests.
type Orchestrator struct {
	cfg  Config
	deps Deps

	base     context.Context
	stopBase context.CancelFunc

	mu       sync.RWMutex
	runs     map[string]*run
	closing  bool
	inFlight sync.WaitGroup

	now    func() time.Time
	logger *zap.Logger
}

// New creates an orchestrator. Registry, Streams, Dispatcher, Router, Planner
// and Summarizer are required.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("workflow: registry is required")
	case deps.Streams == nil:
		return nil, fmt.Errorf("workflow: stream manager is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("workflow: dispatcher is required")
	case deps.Router == nil, deps.Planner == nil, deps.Summarizer == nil:
		return nil, fmt.Errorf("workflow: router, planner and summarizer are required")
	}
	def := DefaultConfig()
	if cfg.RouterTimeout <= 0 {
		cfg.RouterTimeout = def.RouterTimeout
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = def.SummaryTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		base:     base,
		stopBase: stop,
		runs:     make(map[string]*run),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Start registers a request and runs it in the background. The returned id is
// immediately usable with Cancel, Subscribe and Snapshot.
func (o *Orchestrator) Start(ctx context.Context, in Input) (string, error) {
	in.Question = strings.TrimSpace(in.Question)
	if in.Question == "" {
		return "", ErrEmptyQuestion
	}
	if in.RequestID == "" {
		in.RequestID = uuid.NewString()
	}
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return "", ErrShuttingDown
	}

	if _, ok := o.runs[in.RequestID]; ok {
		return "", fmt.Errorf("register %s: %w", in.RequestID, cancellation.ErrDuplicateRequest)
	}
	tok, err := o.deps.Registry.Create(in.RequestID)
	if err != nil {
		return "", fmt.Errorf("register %s: %w", in.RequestID, err)
	}
	stream, err := o.deps.Streams.Create(in.RequestID)
	if err != nil {
		o.deps.Registry.Release(in.RequestID)
		return "", fmt.Errorf("open stream %s: %w", in.RequestID, err)
	}

	r := newRun(o, in, tok, stream)
	o.runs[in.RequestID] = r
	o.inFlight.Add(1)
	metrics.WorkflowsStarted.Inc()
	metrics.WorkflowsInFlight.Inc()

	// Keep the caller's trace but not its cancellation.
	runCtx := oteltrace.ContextWithSpanContext(o.base, oteltrace.SpanContextFromContext(ctx))
	go func() {
		defer o.inFlight.Done()
		r.execute(runCtx)
		o.retain(r)
	}()

	o.logger.Info("Research request started",
		zap.String("request_id", in.RequestID),
		zap.String("session_id", in.SessionID),
	)
	return in.RequestID, nil
}

func (o *Orchestrator) retain(r *run) {
	if o.cfg.Retention <= 0 {
		o.forget(r)
		return
	}
	time.AfterFunc(o.cfg.Retention, func() { o.forget(r) })
}

// forget drops r unless its id already belongs to another run.
func (o *Orchestrator) forget(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.runs[r.id]; ok && cur == r {
		delete(o.runs, r.id)
	}
}

func (o *Orchestrator) lookup(id string) (*run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.runs[id]
	return r, ok
}

// Cancel requests cooperative cancellation. It returns true only for the call
// that flipped the request's token; repeats, finished requests and unknown ids
// return false. Unknown ids also return ErrUnknownRequest, which callers treat
// as benign. With a relay configured, cancels for requests owned elsewhere are
// forwarded.
func (o *Orchestrator) Cancel(ctx context.Context, requestID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled by client"
	}
	if r, ok := o.lookup(requestID); ok {
		return r.requestCancel(reason)
	}
	if o.deps.Relay != nil {
		accepted, err := o.deps.Relay.Cancel(ctx, requestID, reason)
		if errors.Is(err, cancellation.ErrNotFound) {
			return false, ErrUnknownRequest
		}
		return accepted, err
	}
	return false, ErrUnknownRequest
}

// Subscribe attaches the single consumer of a request's events, replaying
// retained events with sequence number above since.
func (o *Orchestrator) Subscribe(requestID string, since uint64) (*streaming.Subscription, error) {
	sub, err := o.deps.Streams.Subscribe(requestID, since)
	if errors.Is(err, streaming.ErrUnknownRequest) {
		return nil, ErrUnknownRequest
	}
	return sub, err
}

// Snapshot returns the latest view of a request, from memory or the Store.
func (o *Orchestrator) Snapshot(ctx context.Context, requestID string) (*Request, error) {
	if r, ok := o.lookup(requestID); ok {
		return r.snapshot(), nil
	}
	if o.deps.Store == nil {
		return nil, ErrUnknownRequest
	}
	req, err := o.deps.Store.LoadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrUnknownRequest
	}
	return req, nil
}

// Wait blocks until requestID reaches a terminal state or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, requestID string) (*Request, error) {
	r, ok := o.lookup(requestID)
	if !ok {
		return o.Snapshot(ctx, requestID)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InFlight returns the number of requests not yet terminal.
func (o *Orchestrator) InFlight() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, r := range o.runs {
		if !r.isTerminal() {
			n++
		}
	}
	return n
}

// Shutdown stops accepting requests, cancels every in-flight one and waits for
// them to reach a terminal state. When ctx ends first, outstanding external
// calls are aborted and Shutdown returns ctx's error.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	runs := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	cancelled := 0
	for _, r := range runs {
		if ok, _ := r.requestCancel(ShutdownReason); ok {
			cancelled++
		}
	}
	o.logger.Info("Orchestrator shutting down", zap.Int("cancelled", cancelled))

	done := make(chan struct{})
	go func() {
		o.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.stopBase()
		return nil
	case <-ctx.Done():
		o.stopBase()
		<-done
		return ctx.Err()
	}
}
