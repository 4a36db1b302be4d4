package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

type historyMessage struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

type startRequest struct {
	Question  string           `json:"question" validate:"required,max=4000"`
	SessionID string           `json:"session_id" validate:"omitempty,max=128"`
	RequestID string           `json:"request_id" validate:"omitempty,max=128"`
	History   []historyMessage `json:"history" validate:"omitempty,max=100,dive"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// POST /v1/research
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var body startRequest
	if err := decodeBody(w, r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	in := workflow.Input{Question: body.Question, SessionID: body.SessionID, RequestID: body.RequestID}
	for _, m := range body.History {
		in.History = append(in.History, workflow.Message{Role: m.Role, Content: m.Content})
	}

	id, err := h.svc.Start(r.Context(), in)
	switch {
	case errors.Is(err, workflow.ErrEmptyQuestion):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, workflow.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		h.logger.Warn("Failed to start research request", zap.Error(err))
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id})
}

// POST /v1/research/{id}/cancel. Unknown ids answer 200 with accepted=false.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body cancelRequest
	if err := decodeBody(w, r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	accepted, err := h.svc.Cancel(r.Context(), id, body.Reason)
	if err != nil && !errors.Is(err, workflow.ErrUnknownRequest) {
		h.logger.Warn("Cancel failed", zap.String("request_id", id), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"request_id": id,
			"accepted":   false,
			"error":      sanitizeErr(err.Error()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"request_id": id, "accepted": accepted})
}

// GET /v1/research/{id}
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	req, err := h.svc.Snapshot(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, workflow.ErrUnknownRequest):
		writeError(w, http.StatusNotFound, "unknown request")
		return
	case err != nil:
		h.logger.Error("Snapshot failed", zap.String("request_id", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// decodeBody limits and decodes a JSON body. An empty body is accepted when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dest interface{}, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) && optional {
			return nil
		}
		return errors.New("invalid json body")
	}
	return nil
}
