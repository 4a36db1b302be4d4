package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/streaming"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

// Service is the orchestrator surface the API drives.
type Service interface {
	Start(ctx context.Context, in workflow.Input) (string, error)
	Cancel(ctx context.Context, requestID, reason string) (bool, error)
	Snapshot(ctx context.Context, requestID string) (*workflow.Request, error)
	Subscribe(requestID string, since uint64) (*streaming.Subscription, error)
}

// EventArchive serves events of requests that have no stream in this
// process, such as ones owned by another instance.
type EventArchive interface {
	ReadSince(ctx context.Context, requestID string, since uint64) ([]streaming.Event, error)
}

// Options configure the handler.
type Options struct {
	// Heartbeat is the SSE comment / WebSocket ping period.
	Heartbeat time.Duration
	// Archives are consulted in order when a request has no local stream.
	Archives []EventArchive
}

// Handler serves the research API.
type Handler struct {
	svc       Service
	archives  []EventArchive
	heartbeat time.Duration
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandler creates the research API handler.
func NewHandler(svc Service, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &Handler{
		svc:       svc,
		archives:  opts.Archives,
		heartbeat: opts.Heartbeat,
		validate:  validator.New(),
		logger:    logger,
	}
}

// RegisterRoutes registers the research routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /v1/research", h.instrument(h.handleStart))
	mux.Handle("POST /v1/research/{id}/cancel", h.instrument(h.handleCancel))
	mux.Handle("GET /v1/research/{id}", h.instrument(h.handleStatus))
	mux.Handle("GET /v1/research/{id}/events", h.instrument(h.handleSSE))
	mux.Handle("GET /v1/research/{id}/ws", h.instrument(h.handleWS))
}

func (h *Handler) instrument(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.HTTPRequests.WithLabelValues(r.Pattern, strconv.Itoa(rec.status)).Inc()
	})
}

// statusRecorder keeps the response code for metrics. It passes Flush and
// Hijack through so SSE and WebSocket keep working.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": sanitizeErr(msg)})
}

// sanitizeErr trims error messages for client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
