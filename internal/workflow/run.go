package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/cancellation"
	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/search"
	"github.com/goldfinch-research/orchestrator/internal/streaming"
	"github.com/goldfinch-research/orchestrator/internal/tracing"
)

const (
	msgQueued      = "Research request accepted"
	msgRouting     = "Determining research workflow..."
	msgGenerating  = "Generating research queries..."
	msgMapping     = "Mapping queries to relevant websites..."
	msgSummarizing = "Summarizing research results..."
)

// run is the state of one request. Everything below the mutex is owned by the
// goroutine executing the request.
type run struct {
	o      *Orchestrator
	id     string
	input  Input
	tok    *cancellation.Token
	stream *streaming.Stream
	logger *zap.Logger
	done   chan struct{}

	// mu orders Cancel against entry into a terminal state.
	mu       sync.Mutex
	terminal bool

	snap atomic.Pointer[Request]

	req        Request
	query      string
	seq        uint64
	tasks      []*search.Task
	outcomes   []search.Outcome
	pending    map[int]search.Outcome
	nextIndex  int
	summary    strings.Builder
	chunks     int
	started    time.Time
	phase      Status
	phaseStart time.Time
}

func newRun(o *Orchestrator, in Input, tok *cancellation.Token, stream *streaming.Stream) *run {
	now := o.now().UTC()
	r := &run{
		o:      o,
		id:     in.RequestID,
		input:  in,
		tok:    tok,
		stream: stream,
		logger: o.logger.With(zap.String("request_id", in.RequestID)),
		done:   make(chan struct{}),
		req: Request{
			RequestID:      in.RequestID,
			SessionID:      in.SessionID,
			Question:       in.Question,
			Status:         StatusQueued,
			PartialResults: []search.Outcome{},
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		pending: make(map[int]search.Outcome),
		started: now,
	}
	r.snap.Store(r.req.Clone())
	return r
}

func (r *run) snapshot() *Request { return r.snap.Load().Clone() }

func (r *run) isTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *run) requestCancel(reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal {
		return false, nil
	}
	accepted, err := r.o.deps.Registry.Cancel(r.id, reason)
	if errors.Is(err, cancellation.ErrNotFound) {
		return false, nil
	}
	return accepted, err
}

func (r *run) execute(ctx context.Context) {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Research workflow panicked", zap.Any("panic", rec), zap.Stack("stack"))
			r.finish(ctx, StatusFailed, &ErrorInfo{Kind: ErrInternal, Message: fmt.Sprint(rec)})
		}
	}()

	ctx, span := tracing.StartWorkflowSpan(ctx, r.id, r.input.SessionID)
	defer span.End()

	r.enter(ctx, StatusQueued, msgQueued)
	r.persistProgress(ctx)

	history := r.loadHistory(ctx)

	if r.stopIfCancelled(ctx) {
		return
	}
	decision, ok := r.route(ctx, history)
	if !ok {
		return
	}
	span.SetAttributes(attribute.String("workflow_type", string(decision.Type)))

	if decision.Type == TypeDirectResponse {
		r.completeDirect(ctx, decision)
		return
	}

	if r.stopIfCancelled(ctx) {
		return
	}
	if !r.plan(ctx) {
		return
	}

	r.search(ctx)
	if r.stopIfCancelled(ctx) {
		return
	}

	r.summarize(ctx)
}

// stopIfCancelled is a cancellation checkpoint.
func (r *run) stopIfCancelled(ctx context.Context) bool {
	if !r.tok.Cancelled() && ctx.Err() == nil {
		return false
	}
	r.finish(ctx, StatusCancelled, nil)
	return true
}

func (r *run) loadHistory(ctx context.Context) []Message {
	if len(r.input.History) > 0 || r.o.deps.History == nil || r.o.cfg.HistoryLimit <= 0 {
		return r.input.History
	}
	msgs, err := r.o.deps.History.Recent(ctx, r.input.SessionID, r.o.cfg.HistoryLimit)
	if err != nil {
		r.logger.Warn("Failed to load session history", zap.Error(err))
		return nil
	}
	return msgs
}

type routeResult struct {
	decision RouteDecision
	err      error
}

func (r *run) route(ctx context.Context, history []Message) (RouteDecision, bool) {
	r.enter(ctx, StatusRouting, msgRouting)

	spanCtx, span := tracing.StartSpan(ctx, "workflow.route")
	defer span.End()

	rctx, cancel := context.WithTimeout(spanCtx, r.o.cfg.RouterTimeout)
	defer cancel()

	results := make(chan routeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				results <- routeResult{err: fmt.Errorf("router panic: %v", rec)}
			}
		}()
		d, err := r.o.deps.Router.Route(rctx, r.input.Question, history)
		results <- routeResult{decision: d, err: err}
	}()

	// A cancel does not cut the router call short; it is observed once the
	// router answers or its deadline passes.
	var res routeResult
	select {
	case res = <-results:
	case <-rctx.Done():
		res.err = rctx.Err()
	}
	if r.stopIfCancelled(ctx) {
		return RouteDecision{}, false
	}

	if res.err != nil {
		span.RecordError(res.err)
		if errors.Is(res.err, context.DeadlineExceeded) {
			r.finish(ctx, StatusFailed, &ErrorInfo{
				Kind:    ErrRouterTimeout,
				Message: fmt.Sprintf("router did not answer within %s", r.o.cfg.RouterTimeout),
			})
			return RouteDecision{}, false
		}
		r.finish(ctx, StatusFailed, &ErrorInfo{Kind: ErrRouterFailure, Message: res.err.Error()})
		return RouteDecision{}, false
	}

	d := res.decision
	if !d.Type.Valid() {
		r.finish(ctx, StatusFailed, &ErrorInfo{
			Kind:    ErrNoWorkflowSelected,
			Message: fmt.Sprintf("router selected no known workflow (got %q)", d.Type),
		})
		return RouteDecision{}, false
	}

	r.req.WorkflowType = d.Type
	r.query = r.input.Question
	if q := strings.TrimSpace(d.Query); q != "" {
		r.query = q
	}
	r.emit(ctx, streaming.EventRouterDecision, routerDecisionPayload{
		Progress:     r.progress(),
		WorkflowType: d.Type,
		Reason:       d.Reason,
	})
	r.logger.Info("Router decision",
		zap.String("workflow_type", string(d.Type)),
		zap.String("reason", d.Reason),
	)
	return d, true
}

func (r *run) completeDirect(ctx context.Context, d RouteDecision) {
	now := r.o.now().UTC()
	out := search.Outcome{
		QueryIndex:     0,
		Query:          r.input.Question,
		Status:         search.OutcomeSuccess,
		SearchType:     search.TargetDirectResponse,
		Websites:       []string{},
		Content:        d.DirectAnswer,
		Citations:      []string{},
		ExtractedLinks: search.ExtractLinks(d.DirectAnswer),
		StartedAt:      now,
		FinishedAt:     now,
	}
	r.outcomes = []search.Outcome{out}
	r.req.TotalQueries = 1
	r.req.CompletedQueries = 1
	r.req.PartialResults = append(r.req.PartialResults, out)
	r.req.FinalSummary = d.DirectAnswer
	r.finish(ctx, StatusCompleted, nil)
}

// plan generates queries, maps them onto domains and builds the task list.
func (r *run) plan(ctx context.Context) bool {
	r.enter(ctx, StatusPlanning, msgGenerating)

	spanCtx, span := tracing.StartSpan(ctx, "workflow.plan")
	defer span.End()
	queries, err := r.o.deps.Planner.GenerateQueries(spanCtx, r.query, r.req.WorkflowType)
	if r.stopIfCancelled(ctx) {
		return false
	}
	queries = cleanQueries(queries)
	if err != nil || len(queries) == 0 {
		if err == nil {
			err = errors.New("planner returned no queries")
		}
		span.RecordError(err)
		if !r.o.cfg.PlannerFallback {
			r.finish(ctx, StatusFailed, &ErrorInfo{Kind: ErrPlanningFailure, Message: err.Error()})
			return false
		}
		r.logger.Warn("Query generation failed, searching the question directly", zap.Error(err))
		r.req.Warnings = append(r.req.Warnings, "planner_fallback: "+err.Error())
		queries = []string{r.query}
	}

	mapping := r.mapDomains(ctx, spanCtx, queries)
	if r.stopIfCancelled(ctx) {
		return false
	}

	r.tasks = expandTasks(r.id, queries, mapping, r.req.WorkflowType == TypeProvideList)
	span.SetAttributes(
		attribute.Int("queries", len(queries)),
		attribute.Int("tasks", len(r.tasks)),
	)
	return true
}

func (r *run) mapDomains(ctx, pctx context.Context, queries []string) [][]string {
	if r.o.deps.Domains == nil {
		return nil
	}
	catalog := r.o.deps.Domains.Domains()
	if len(catalog) == 0 {
		return nil
	}
	r.emit(ctx, streaming.EventStatus, statusPayload{Progress: r.progress(), Message: msgMapping})

	mapping, err := r.o.deps.Planner.MapDomains(pctx, queries, catalog)
	if err == nil && len(mapping) != len(queries) {
		err = fmt.Errorf("planner mapped %d of %d queries", len(mapping), len(queries))
	}
	if err != nil {
		if r.tok.Cancelled() {
			return nil
		}
		// Search every catalog domain rather than none.
		r.logger.Warn("Domain mapping failed, using the whole catalog", zap.Error(err))
		all := make([]string, 0, len(catalog))
		for _, d := range catalog {
			all = append(all, d.Domain)
		}
		mapping = make([][]string, len(queries))
		for i := range mapping {
			mapping[i] = all
		}
	}
	for i := range mapping {
		mapping[i] = r.o.deps.Domains.Filter(mapping[i])
	}
	return mapping
}

// expandTasks creates one general web task per query, then one domain task for
// every query mapped to at least one domain.
func expandTasks(requestID string, queries []string, mapping [][]string, structured bool) []*search.Task {
	tasks := make([]*search.Task, 0, 2*len(queries))
	for _, q := range queries {
		t := search.NewTask(requestID, len(tasks), q, search.GeneralWeb())
		t.Structured = structured
		tasks = append(tasks, t)
	}
	for i, q := range queries {
		if i >= len(mapping) || len(mapping[i]) == 0 {
			continue
		}
		t := search.NewTask(requestID, len(tasks), q, search.Domains(mapping[i]...))
		t.Structured = structured
		tasks = append(tasks, t)
	}
	return tasks
}

func cleanQueries(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, q := range in {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	return out
}

func (r *run) search(ctx context.Context) {
	r.req.TotalQueries = len(r.tasks)
	r.enter(ctx, StatusSearching, fmt.Sprintf("Executing %d searches...", len(r.tasks)))

	spanCtx, span := tracing.StartSpan(ctx, "workflow.search")
	defer span.End()

	r.outcomes = r.o.deps.Dispatcher.Dispatch(spanCtx, r.tasks, r.tok, func(o search.Outcome) {
		r.record(ctx, o)
	})
	span.SetAttributes(
		attribute.Int("completed", r.req.CompletedQueries),
		attribute.Int("skipped", r.req.SkippedQueries),
	)
}

// record applies one task outcome. Outcomes arrive in completion order but are
// appended to PartialResults in query index order; skipped ones only advance
// the cursor.
func (r *run) record(ctx context.Context, o search.Outcome) {
	if o.Executed() {
		r.req.CompletedQueries++
	} else {
		r.req.SkippedQueries++
	}
	r.pending[o.QueryIndex] = o
	for {
		next, ok := r.pending[r.nextIndex]
		if !ok {
			break
		}
		delete(r.pending, r.nextIndex)
		if next.Executed() {
			r.req.PartialResults = append(r.req.PartialResults, next)
		}
		r.nextIndex++
	}
	r.emit(ctx, streaming.EventSearchProgress, searchProgressPayload{Progress: r.progress(), Outcome: o})
}

func (r *run) summarize(ctx context.Context) {
	r.enter(ctx, StatusSummarizing, msgSummarizing)

	spanCtx, span := tracing.StartSpan(ctx, "workflow.summarize")
	defer span.End()

	sctx, cancel := context.WithTimeout(spanCtx, r.o.cfg.SummaryTimeout)
	defer cancel()

	results := append([]search.Outcome(nil), r.req.PartialResults...)
	stream, err := r.o.deps.Summarizer.Summarize(sctx, r.input.Question, r.req.WorkflowType, results)
	if err != nil {
		r.summaryFailed(ctx, err)
		return
	}
	defer stream.Close()

	for {
		if r.stopIfCancelled(ctx) {
			return
		}
		chunk, err := stream.Next(sctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			span.RecordError(err)
			r.summaryFailed(ctx, err)
			return
		}
		if r.stopIfCancelled(ctx) {
			return
		}
		if chunk == "" {
			continue
		}
		r.summary.WriteString(chunk)
		r.req.FinalSummary = r.summary.String()
		r.emit(ctx, streaming.EventSummaryChunk, summaryChunkPayload{
			Progress: r.progress(),
			Index:    r.chunks,
			Chunk:    chunk,
		})
		r.chunks++
	}
	r.finish(ctx, StatusCompleted, nil)
}

func (r *run) summaryFailed(ctx context.Context, err error) {
	if r.stopIfCancelled(ctx) {
		return
	}
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("summary not finished within %s", r.o.cfg.SummaryTimeout)
	}
	r.finish(ctx, StatusFailed, &ErrorInfo{Kind: ErrSummarizationFailure, Message: msg})
}

// finish enters a terminal state exactly once: persist, append history, emit the
// terminal event, then release the token.
func (r *run) finish(ctx context.Context, status Status, errInfo *ErrorInfo) {
	r.mu.Lock()
	if r.terminal {
		r.mu.Unlock()
		return
	}
	// A cancel accepted before this point wins over completion.
	if status == StatusCompleted && r.tok.Cancelled() {
		status, errInfo = StatusCancelled, nil
	}
	r.terminal = true
	r.mu.Unlock()

	r.observePhase()
	now := r.o.now().UTC()
	r.req.Status = status
	r.req.Error = errInfo
	r.req.UpdatedAt = now
	r.req.CompletedAt = &now
	if status == StatusCancelled {
		reason, _ := r.tok.Reason()
		if reason == "" && ctx.Err() != nil {
			reason = ShutdownReason
		}
		r.req.CancelReason = reason
	}
	r.req.Summary = r.executionSummary(now)

	// Persistence must outlive a shutdown of the run context.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.cfg.StoreTimeout)
	defer cancel()
	r.persistFinal(storeCtx)
	if status == StatusCompleted {
		r.appendHistory(storeCtx)
	}

	kind := streaming.EventCompleted
	switch status {
	case StatusCancelled:
		kind = streaming.EventCancelled
	case StatusFailed:
		kind = streaming.EventFailed
	}
	r.emit(storeCtx, kind, r.req.Clone())

	r.o.deps.Registry.Release(r.id)

	errKind := ""
	if errInfo != nil {
		errKind = string(errInfo.Kind)
	}
	metrics.WorkflowsInFlight.Dec()
	metrics.RecordWorkflowTerminal(string(r.req.WorkflowType), string(status), errKind, now.Sub(r.started).Seconds())

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.String("workflow_type", string(r.req.WorkflowType)),
		zap.Int("total_queries", r.req.TotalQueries),
		zap.Int("completed_queries", r.req.CompletedQueries),
		zap.Int("skipped_queries", r.req.SkippedQueries),
		zap.Duration("duration", now.Sub(r.started)),
	}
	if errInfo != nil {
		fields = append(fields, zap.String("error_kind", errKind), zap.String("error", errInfo.Message))
	}
	if r.req.CancelReason != "" {
		fields = append(fields, zap.String("cancel_reason", r.req.CancelReason))
	}
	r.logger.Info("Research request finished", fields...)
}

func (r *run) executionSummary(now time.Time) *ExecutionSummary {
	s := &ExecutionSummary{DurationMs: now.Sub(r.started).Milliseconds()}
	for _, t := range r.tasks {
		s.TotalSearches++
		if t.Target.Kind == search.TargetDomain {
			s.DomainSearches++
		} else {
			s.GeneralSearches++
		}
	}
	for _, o := range r.outcomes {
		switch o.Status {
		case search.OutcomeSuccess:
			if o.SearchType != search.TargetDirectResponse {
				s.Succeeded++
			}
		case search.OutcomeFailed:
			s.Failed++
		case search.OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

func (r *run) persistProgress(ctx context.Context) {
	if r.o.deps.Store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, r.o.cfg.StoreTimeout)
	defer cancel()
	if err := r.o.deps.Store.SaveRequest(sctx, r.req.Clone()); err != nil {
		r.logger.Warn("Failed to persist request", zap.Error(err))
	}
}

func (r *run) persistFinal(ctx context.Context) {
	if r.o.deps.Store == nil {
		return
	}
	var errs []error
	if len(r.outcomes) > 0 {
		if err := r.o.deps.Store.SaveOutcomes(ctx, r.id, r.outcomes); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.o.deps.Store.SaveRequest(ctx, r.req.Clone()); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("Failed to persist final record", zap.Error(err))
		r.req.Warnings = append(r.req.Warnings, string(ErrStoreFailure)+": "+err.Error())
	}
}

func (r *run) appendHistory(ctx context.Context) {
	if r.o.deps.History == nil {
		return
	}
	now := r.o.now().UTC()
	err := r.o.deps.History.Append(ctx, r.input.SessionID,
		Message{Role: "user", Content: r.input.Question, Timestamp: now},
		Message{Role: "assistant", Content: r.req.FinalSummary, Timestamp: now},
	)
	if err != nil {
		r.logger.Warn("Failed to append session history", zap.Error(err))
	}
}

// enter switches phase and emits a status event.
func (r *run) enter(ctx context.Context, status Status, message string) {
	r.observePhase()
	r.phase = status
	r.phaseStart = r.o.now()
	r.req.Status = status
	r.emit(ctx, streaming.EventStatus, statusPayload{Progress: r.progress(), Message: message})
}

func (r *run) observePhase() {
	if r.phase == "" || r.phase == StatusQueued {
		return
	}
	metrics.PhaseDuration.WithLabelValues(strings.ToLower(string(r.phase))).Observe(r.o.now().Sub(r.phaseStart).Seconds())
}

func (r *run) progress() Progress {
	return Progress{
		Status:           r.req.Status,
		TotalQueries:     r.req.TotalQueries,
		CompletedQueries: r.req.CompletedQueries,
		SkippedQueries:   r.req.SkippedQueries,
		ResultCount:      len(r.req.PartialResults),
	}
}

// emit assigns the next sequence number, publishes, and refreshes the snapshot.
func (r *run) emit(ctx context.Context, typ streaming.EventType, payload interface{}) {
	r.req.UpdatedAt = r.o.now().UTC()
	r.snap.Store(r.req.Clone())

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("Failed to encode event payload", zap.String("type", string(typ)), zap.Error(err))
		data = json.RawMessage(`{}`)
	}
	r.seq++
	evt := streaming.Event{
		RequestID: r.id,
		Type:      typ,
		Seq:       r.seq,
		Timestamp: r.req.UpdatedAt,
		Payload:   data,
	}
	if err := r.stream.Publish(ctx, evt); err != nil && !errors.Is(err, streaming.ErrDropped) {
		r.logger.Warn("Failed to publish event", zap.String("type", string(typ)), zap.Uint64("seq", evt.Seq), zap.Error(err))
	}
	if r.o.deps.Events != nil {
		r.o.deps.Events.RecordEvent(evt)
	}
}
