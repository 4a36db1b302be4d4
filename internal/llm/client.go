// Package llm implements the router, planner and summarizer against an
// OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/tracing"
)

// ErrMalformedResponse is returned when the endpoint answers with something
// that cannot be decoded into the expected shape.
var ErrMalformedResponse = errors.New("llm: malformed response")

// Config configures the shared client.
type Config struct {
	Endpoint     string
	APIKey       string
	RouterModel  string
	PlannerModel string
	SummaryModel string
	MaxQueries   int
	HTTPTimeout  time.Duration
	// StreamTimeout bounds a streamed summary request; zero leaves it to the caller's context.
	StreamTimeout time.Duration
}

// Client is a thin chat completions client behind a circuit breaker.
type Client struct {
	cfg    Config
	http   *circuitbreaker.HTTPWrapper
	stream *circuitbreaker.HTTPWrapper
	logger *zap.Logger
}

// NewClient builds a client. Streaming uses a separate http.Client without an
// overall timeout so long summaries are bounded by context instead.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if cfg.MaxQueries <= 0 {
		cfg.MaxQueries = 5
	}
	return &Client{
		cfg:    cfg,
		http:   circuitbreaker.NewHTTPWrapperWithProfile(&http.Client{Timeout: cfg.HTTPTimeout}, "llm", "openai", circuitbreaker.ProfileLLM, logger),
		stream: circuitbreaker.NewHTTPWrapperWithProfile(&http.Client{Timeout: cfg.StreamTimeout}, "llm-stream", "openai", circuitbreaker.ProfileLLM, logger),
		logger: logger,
	}
}

// Breakers exposes the client's breakers for health checks.
func (c *Client) Breakers() []*circuitbreaker.HTTPWrapper {
	return []*circuitbreaker.HTTPWrapper{c.http, c.stream}
}

type message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Tools          []tool          `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) newRequest(ctx context.Context, body chatRequest) (*http.Request, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	tracing.InjectTraceparent(ctx, req)
	return req, nil
}

// complete sends a non-streaming request and returns the first choice.
func (c *Client) complete(ctx context.Context, step string, body chatRequest) (message, error) {
	start := time.Now()
	msg, err := c.doComplete(ctx, body)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordLLM(step, status, time.Since(start).Seconds())
	return msg, err
}

func (c *Client) doComplete(ctx context.Context, body chatRequest) (message, error) {
	req, err := c.newRequest(ctx, body)
	if err != nil {
		return message{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return message{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return message{}, fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return message{}, fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}
	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return message{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(decoded.Choices) == 0 {
		return message{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return decoded.Choices[0].Message, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
