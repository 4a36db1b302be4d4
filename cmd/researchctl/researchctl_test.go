package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(args ...string) (string, error) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/research", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "which marks for a kettle", body["question"])
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"request_id":"r1"}`)
	})
	mux.HandleFunc("POST /v1/research/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"request_id":%q,"accepted":%t}`, r.PathValue("id"), r.PathValue("id") == "r1")
	})
	mux.HandleFunc("GET /v1/research/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "r1" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"unknown request"}`)
			return
		}
		fmt.Fprint(w, `{"request_id":"r1","status":"CANCELLED","total_queries":4,"completed_queries":2,
			"skipped_queries":2,"cancel_reason":"user","final_summary":""}`)
	})
	mux.HandleFunc("GET /v1/research/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.Header.Get("Last-Event-ID"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "id: 2\nevent: status\ndata: {\"sequence_number\":2,\"type\":\"status\",\"payload\":{\"status\":\"SUMMARIZING\",\"message\":\"Summarizing...\"}}\n\n")
		fmt.Fprint(w, "id: 3\nevent: summary_chunk\ndata: {\"sequence_number\":3,\"type\":\"summary_chunk\",\"payload\":{\"chunk\":\"CE marking\"}}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "id: 4\nevent: completed\ndata: {\"sequence_number\":4,\"type\":\"completed\",\"payload\":{}}\n\n")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStartCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := executeCommand("--server", srv.URL, "start", "which", "marks", "for", "a", "kettle")
	require.NoError(t, err)
	assert.Equal(t, "r1\n", out)
}

func TestCancelCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := executeCommand("--server", srv.URL, "cancel", "r1", "--reason", "user")
	require.NoError(t, err)
	assert.Contains(t, out, "cancel accepted for r1")

	out, err = executeCommand("--server", srv.URL, "cancel", "gone")
	require.NoError(t, err)
	assert.Contains(t, out, "not running")
}

func TestStatusCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := executeCommand("--server", srv.URL, "status", "r1")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:   CANCELLED")
	assert.Contains(t, out, "Queries:  2/4 (skipped 2)")
	assert.Contains(t, out, "Reason:   user")

	_, err = executeCommand("--server", srv.URL, "status", "nope")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestWatchCommand(t *testing.T) {
	srv := fakeServer(t)
	out, err := executeCommand("--server", srv.URL, "watch", "r1", "--last-event-id", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "[2] SUMMARIZING Summarizing...")
	assert.Contains(t, out, "CE marking")
	assert.Contains(t, out, "[4] COMPLETED")
}

func TestArgsValidation(t *testing.T) {
	_, err := executeCommand("cancel")
	assert.Error(t, err)
}
