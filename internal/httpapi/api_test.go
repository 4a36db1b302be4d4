package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/goldfinch-research/orchestrator/internal/streaming"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

type fakeService struct {
	mu        sync.Mutex
	streams   *streaming.Manager
	requests  map[string]*workflow.Request
	started   []workflow.Input
	cancelled map[string]string
	startErr  error
	cancelErr error
}

func newFakeService(t *testing.T) *fakeService {
	return &fakeService{
		streams:   streaming.NewManager(streaming.Options{Buffer: 8, RingCapacity: 64}, nil, zaptest.NewLogger(t)),
		requests:  map[string]*workflow.Request{},
		cancelled: map[string]string{},
	}
}

func (f *fakeService) Start(_ context.Context, in workflow.Input) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	if in.RequestID == "" {
		in.RequestID = "req-generated"
	}
	f.started = append(f.started, in)
	f.requests[in.RequestID] = &workflow.Request{RequestID: in.RequestID, Question: in.Question, Status: workflow.StatusQueued}
	return in.RequestID, nil
}

func (f *fakeService) Cancel(_ context.Context, id, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return false, f.cancelErr
	}
	if _, ok := f.requests[id]; !ok {
		return false, workflow.ErrUnknownRequest
	}
	f.cancelled[id] = reason
	return true, nil
}

func (f *fakeService) Snapshot(_ context.Context, id string) (*workflow.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return nil, workflow.ErrUnknownRequest
	}
	return req.Clone(), nil
}

func (f *fakeService) Subscribe(id string, since uint64) (*streaming.Subscription, error) {
	sub, err := f.streams.Subscribe(id, since)
	if errors.Is(err, streaming.ErrUnknownRequest) {
		return nil, workflow.ErrUnknownRequest
	}
	return sub, err
}

type archiveFunc func(ctx context.Context, id string, since uint64) ([]streaming.Event, error)

func (a archiveFunc) ReadSince(ctx context.Context, id string, since uint64) ([]streaming.Event, error) {
	return a(ctx, id, since)
}

func newServer(t *testing.T, svc *fakeService, archives ...EventArchive) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(svc, Options{Heartbeat: 50 * time.Millisecond, Archives: archives}, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestStartRequest(t *testing.T) {
	svc := newFakeService(t)
	srv := newServer(t, svc)

	code, body := post(t, srv.URL+"/v1/research", `{"question":"Which marks does a toaster need?","session_id":"s1",
		"history":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "req-generated", body["request_id"])
	svc.mu.Lock()
	require.Len(t, svc.started, 1)
	assert.Equal(t, "s1", svc.started[0].SessionID)
	assert.Len(t, svc.started[0].History, 1)
	svc.mu.Unlock()

	for name, payload := range map[string]string{
		"missing question": `{"session_id":"s1"}`,
		"unknown field":    `{"question":"q","mode":"fast"}`,
		"bad role":         `{"question":"q","history":[{"role":"robot","content":"x"}]}`,
		"not json":         `question=q`,
	} {
		t.Run(name, func(t *testing.T) {
			code, body := post(t, srv.URL+"/v1/research", payload)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.NotEmpty(t, body["error"])
		})
	}

	svc.mu.Lock()
	svc.startErr = workflow.ErrShuttingDown
	svc.mu.Unlock()
	code, _ = post(t, srv.URL+"/v1/research", `{"question":"q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestCancelRequest(t *testing.T) {
	svc := newFakeService(t)
	svc.requests["r1"] = &workflow.Request{RequestID: "r1", Status: workflow.StatusSearching}
	srv := newServer(t, svc)

	code, body := post(t, srv.URL+"/v1/research/r1/cancel", `{"reason":"user pressed stop"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["accepted"])
	svc.mu.Lock()
	assert.Equal(t, "user pressed stop", svc.cancelled["r1"])
	svc.mu.Unlock()

	resp, err := http.Post(srv.URL+"/v1/research/r1/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "body is optional")

	code, body = post(t, srv.URL+"/v1/research/missing/cancel", `{}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["accepted"])

	svc.mu.Lock()
	svc.cancelErr = errors.New("relay: redis unavailable")
	svc.mu.Unlock()
	code, body = post(t, srv.URL+"/v1/research/r1/cancel", `{}`)
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, false, body["accepted"])
}

func TestStatus(t *testing.T) {
	svc := newFakeService(t)
	svc.requests["r1"] = &workflow.Request{RequestID: "r1", Status: workflow.StatusCompleted, FinalSummary: "done"}
	srv := newServer(t, svc)

	resp, err := http.Get(srv.URL + "/v1/research/r1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var req workflow.Request
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&req))
	assert.Equal(t, workflow.StatusCompleted, req.Status)
	assert.Equal(t, "done", req.FinalSummary)

	resp2, err := http.Get(srv.URL + "/v1/research/nope")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

// readSSE returns the id lines of every event until the server closes the stream.
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var ids []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	return ids
}

func publish(t *testing.T, s *streaming.Stream, seq uint64, typ streaming.EventType) {
	t.Helper()
	assert.NoError(t, s.Publish(context.Background(), streaming.Event{
		RequestID: "r1", Type: typ, Seq: seq, Timestamp: time.Now(), Payload: json.RawMessage(`{}`),
	}))
}

func TestSSEResumesFromLastEventID(t *testing.T) {
	svc := newFakeService(t)
	s, err := svc.streams.Create("r1")
	require.NoError(t, err)
	publish(t, s, 1, streaming.EventStatus)
	publish(t, s, 2, streaming.EventStatus)
	srv := newServer(t, svc)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/research/r1/events", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		time.Sleep(120 * time.Millisecond) // past at least one heartbeat
		publish(t, s, 3, streaming.EventSearchProgress)
		publish(t, s, 4, streaming.EventCompleted)
	}()
	assert.Equal(t, []string{"2", "3", "4"}, readSSE(t, resp))
}

func TestSSEFallsBackToArchive(t *testing.T) {
	svc := newFakeService(t)
	failing := archiveFunc(func(context.Context, string, uint64) ([]streaming.Event, error) {
		return nil, errors.New("redis down")
	})
	archive := archiveFunc(func(_ context.Context, id string, since uint64) ([]streaming.Event, error) {
		if id != "remote" {
			return nil, nil
		}
		var out []streaming.Event
		for seq := since + 1; seq <= 3; seq++ {
			out = append(out, streaming.Event{RequestID: id, Seq: seq, Type: streaming.EventStatus})
		}
		return out, nil
	})
	srv := newServer(t, svc, failing, archive)

	resp, err := http.Get(srv.URL + "/v1/research/remote/events?last_event_id=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, []string{"2", "3"}, readSSE(t, resp))

	resp2, err := http.Get(srv.URL + "/v1/research/unknown/events")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestSSESingleConsumer(t *testing.T) {
	svc := newFakeService(t)
	_, err := svc.streams.Create("r1")
	require.NoError(t, err)
	sub, err := svc.streams.Subscribe("r1", 0)
	require.NoError(t, err)
	defer sub.Close()
	srv := newServer(t, svc)

	resp, err := http.Get(srv.URL + "/v1/research/r1/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	svc := newFakeService(t)
	s, err := svc.streams.Create("r1")
	require.NoError(t, err)
	publish(t, s, 1, streaming.EventStatus)
	srv := newServer(t, svc)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/research/r1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		publish(t, s, 2, streaming.EventSummaryChunk)
		publish(t, s, 3, streaming.EventCancelled)
	}()

	var seqs []uint64
	for {
		var ev streaming.Event
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}
