package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/goldfinch-research/orchestrator/internal/domains"
	"github.com/goldfinch-research/orchestrator/internal/search"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		Endpoint:     srv.URL,
		APIKey:       "test-key",
		RouterModel:  "router-model",
		PlannerModel: "planner-model",
		SummaryModel: "summary-model",
		MaxQueries:   2,
		HTTPTimeout:  2 * time.Second,
	}, zaptest.NewLogger(t))
}

func decodeRequest(t *testing.T, r *http.Request) chatRequest {
	t.Helper()
	var req chatRequest
	assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func writeMessage(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"choices":[{"message":%s,"finish_reason":"stop"}]}`, msg)
}

func TestRouterToolCall(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		got = decodeRequest(t, r)
		writeMessage(w, `{"role":"assistant","tool_calls":[{"id":"c1","type":"function","function":{"name":"Provide_a_List","arguments":"{\"query\":\"certifications for kettles sold in Germany\"}"}}]}`)
	})

	d, err := NewRouter(client).Route(context.Background(), "kettle germany?", []workflow.Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
		{Role: "system", Content: "ignored"},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.TypeProvideList, d.Type)
	assert.Equal(t, "certifications for kettles sold in Germany", d.Query)

	assert.Equal(t, "router-model", got.Model)
	assert.Equal(t, "auto", got.ToolChoice)
	require.Len(t, got.Tools, 2)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "kettle germany?", got.Messages[3].Content)
}

func TestRouterDirectAnswer(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, `{"role":"assistant","content":"I am a research assistant."}`)
	})
	d, err := NewRouter(client).Route(context.Background(), "who are you", nil)
	require.NoError(t, err)
	assert.Equal(t, workflow.TypeDirectResponse, d.Type)
	assert.Equal(t, "I am a research assistant.", d.DirectAnswer)
}

func TestRouterErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		})
		_, err := NewRouter(client).Route(context.Background(), "q", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "401")
	})
	t.Run("empty message", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeMessage(w, `{"role":"assistant"}`)
		})
		_, err := NewRouter(client).Route(context.Background(), "q", nil)
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
	t.Run("unknown tool passes through", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeMessage(w, `{"role":"assistant","tool_calls":[{"id":"c","type":"function","function":{"name":"Other","arguments":"{}"}}]}`)
		})
		d, err := NewRouter(client).Route(context.Background(), "q", nil)
		require.NoError(t, err)
		assert.False(t, d.Type.Valid())
	})
}

func TestPlannerGenerateQueries(t *testing.T) {
	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = decodeRequest(t, r)
		content, _ := json.Marshal("```json\n{\"queries\":[\"a\",\"b\",\"c\"]}\n```")
		writeMessage(w, fmt.Sprintf(`{"role":"assistant","content":%s}`, content))
	})
	qs, err := NewPlanner(client).GenerateQueries(context.Background(), "question", workflow.TypeProvideList)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, qs, "capped at MaxQueries")
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
	assert.Equal(t, listQueriesPrompt, got.Messages[0].Content)
}

func TestPlannerGenerateQueriesMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeMessage(w, `{"role":"assistant","content":"not json"}`)
	})
	_, err := NewPlanner(client).GenerateQueries(context.Background(), "q", workflow.TypeSearchInternet)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestPlannerMapDomains(t *testing.T) {
	catalog := []domains.Domain{{
		Name: "UL", Domain: "ul.com", Region: "Global", OrgType: "certification_body",
		IndustryTags: []string{"electrical"}, SemanticProfile: "Product safety.",
	}}
	var prompt string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		prompt = req.Messages[1].Content
		content, _ := json.Marshal(`{"mappings":[{"query":"a","websites":["ul.com"]},{"query":"b","websites":[]}]}`)
		writeMessage(w, fmt.Sprintf(`{"role":"assistant","content":%s}`, content))
	})
	p := NewPlanner(client)

	m, err := p.MapDomains(context.Background(), []string{"a", "b"}, catalog)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"ul.com"}, {}}, m)
	assert.Contains(t, prompt, "1. a")
	assert.Contains(t, prompt, "- Domain: ul.com")
	assert.Contains(t, prompt, "- Industry Focus: electrical")
	assert.Contains(t, prompt, "- Aliases: None")

	_, err = p.MapDomains(context.Background(), []string{"a"}, catalog)
	assert.ErrorIs(t, err, ErrMalformedResponse, "count mismatch")
}

func sseHandler(t *testing.T, chunks []string, hang bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		assert.True(t, req.Stream)
		assert.Contains(t, req.Messages[1].Content, "Question: q")
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			data, _ := json.Marshal(map[string]interface{}{
				"choices": []interface{}{map[string]interface{}{"delta": map[string]string{"content": c}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		if hang {
			<-r.Context().Done()
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func TestSummarizerStreams(t *testing.T) {
	client := newTestClient(t, sseHandler(t, []string{"Hello", "", " world"}, false))
	results := []search.Outcome{
		{QueryIndex: 0, Query: "a", Status: search.OutcomeSuccess, Content: "answer", Citations: []string{"https://x"}},
		{QueryIndex: 1, Query: "b", Status: search.OutcomeFailed, Error: &search.OutcomeError{Kind: search.ErrorTimeout, Message: "slow"}},
	}
	stream, err := NewSummarizer(client).Summarize(context.Background(), "q", workflow.TypeSearchInternet, results)
	require.NoError(t, err)
	defer stream.Close()

	var parts []string
	for {
		c, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		parts = append(parts, c)
	}
	assert.Equal(t, []string{"Hello", " world"}, parts)
}

func TestSummarizerCancel(t *testing.T) {
	client := newTestClient(t, sseHandler(t, []string{"partial"}, true))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := NewSummarizer(client).Summarize(ctx, "q", workflow.TypeSearchInternet, nil)
	require.NoError(t, err)
	defer stream.Close()

	c, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "partial", c)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarizerHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})
	_, err := NewSummarizer(client).Summarize(context.Background(), "q", workflow.TypeProvideList, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "503"))
}

func TestSummaryInput(t *testing.T) {
	in := summaryInput("q", []search.Outcome{
		{QueryIndex: 2, Query: "x", Status: search.OutcomeSuccess, SearchType: search.TargetDomain, Websites: []string{"ul.com"}, Content: "body"},
		{QueryIndex: 3, Query: "y", Status: search.OutcomeFailed},
	})
	assert.Contains(t, in, "### Search 3 (domain_filtered)")
	assert.Contains(t, in, "Websites: ul.com")
	assert.Contains(t, in, "Status: failed (no result)")
}
