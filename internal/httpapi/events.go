package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/streaming"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

// eventSource is a replay prefix optionally followed by live events.
type eventSource struct {
	replay []streaming.Event
	live   <-chan streaming.Event
	close  func()
}

// lastEventID reads the resume point from Last-Event-ID or ?last_event_id.
func lastEventID(r *http.Request) uint64 {
	for _, v := range []string{r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id")} {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// openEvents attaches to the local stream, or falls back to the archives.
// On failure it returns the HTTP status to answer with.
func (h *Handler) openEvents(ctx context.Context, id string, since uint64) (*eventSource, int, error) {
	sub, err := h.svc.Subscribe(id, since)
	switch {
	case err == nil:
		return &eventSource{replay: sub.Replay, live: sub.C, close: sub.Close}, 0, nil
	case errors.Is(err, streaming.ErrAlreadySubscribed):
		return nil, http.StatusConflict, err
	case !errors.Is(err, workflow.ErrUnknownRequest):
		return nil, http.StatusInternalServerError, err
	}

	for _, a := range h.archives {
		evs, err := a.ReadSince(ctx, id, since)
		if err != nil {
			h.logger.Warn("Event archive read failed", zap.String("request_id", id), zap.Error(err))
			continue
		}
		if len(evs) > 0 {
			return &eventSource{replay: evs, close: func() {}}, 0, nil
		}
	}
	if _, err := h.svc.Snapshot(ctx, id); err != nil {
		if errors.Is(err, workflow.ErrUnknownRequest) {
			return nil, http.StatusNotFound, err
		}
		return nil, http.StatusInternalServerError, err
	}
	// Known request with nothing left to send.
	return &eventSource{close: func() {}}, 0, nil
}

// GET /v1/research/{id}/events as Server-Sent Events. The SSE id is the
// event sequence number so browsers resume with Last-Event-ID.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	src, code, err := h.openEvents(r.Context(), id, lastEventID(r))
	if err != nil {
		writeError(w, code, err.Error())
		return
	}
	defer src.close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected to request %s\n\n", id)
	for _, ev := range src.replay {
		writeSSE(w, ev)
	}
	flusher.Flush()
	if src.live == nil {
		return
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("request_id", id))
			return
		case ev, ok := <-src.live:
			if !ok {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Marshal())
}
