package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goldfinch-research/orchestrator/internal/metrics"
	"github.com/goldfinch-research/orchestrator/internal/search"
	"github.com/goldfinch-research/orchestrator/internal/workflow"
)

const summaryPrompt = `You write the final answer of a compliance research request.
You receive the user's question and the answers of several web searches, some restricted to specific authoritative websites.
Combine them into one accurate, well structured answer in Markdown. Prefer facts backed by the domain-restricted searches, cite sources inline, and say so when the searches disagree or found nothing.
Do not invent certifications, regulations or fees.`

const listSummaryPrompt = summaryPrompt + `
The question asks for a list: answer with a table of certifications (name, what it covers, legal basis, whether it is mandatory, typical fee) followed by short notes.`

// Summarizer streams the final answer.
type Summarizer struct {
	client *Client
	model  string
}

// NewSummarizer creates a summarizer using the client's summary model.
func NewSummarizer(client *Client) *Summarizer {
	model := client.cfg.SummaryModel
	if model == "" {
		model = "gpt-4o"
	}
	return &Summarizer{client: client, model: model}
}

// Summarize implements workflow.Summarizer. The returned stream must be closed.
func (s *Summarizer) Summarize(ctx context.Context, question string, wt workflow.WorkflowType, results []search.Outcome) (workflow.SummaryStream, error) {
	prompt := summaryPrompt
	if wt == workflow.TypeProvideList {
		prompt = listSummaryPrompt
	}
	req, err := s.client.newRequest(ctx, chatRequest{
		Model: s.model,
		Messages: []message{
			{Role: "system", Content: prompt},
			{Role: "user", Content: summaryInput(question, results)},
		},
		Stream: true,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.client.stream.Do(req)
	if err != nil {
		metrics.RecordLLM("summary", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("summary request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		metrics.RecordLLM("summary", "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("summary endpoint returned %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}
	return newSSEStream(resp, start), nil
}

func summaryInput(question string, results []search.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	for _, o := range results {
		fmt.Fprintf(&b, "### Search %d (%s)\nQuery: %s\n", o.QueryIndex+1, o.SearchType, o.Query)
		if len(o.Websites) > 0 {
			fmt.Fprintf(&b, "Websites: %s\n", strings.Join(o.Websites, ", "))
		}
		if !o.Succeeded() {
			msg := "no result"
			if o.Error != nil {
				msg = o.Error.Message
			}
			fmt.Fprintf(&b, "Status: %s (%s)\n\n", o.Status, msg)
			continue
		}
		fmt.Fprintf(&b, "Answer:\n%s\n", o.Content)
		if len(o.Citations) > 0 {
			fmt.Fprintf(&b, "Sources: %s\n", strings.Join(o.Citations, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// sseStream reads "data:" lines of a chat completions event stream.
type sseStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	start   time.Time
	done    bool
	once    sync.Once
}

func newSSEStream(resp *http.Response, start time.Time) *sseStream {
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	return &sseStream{resp: resp, scanner: sc, start: start}
}

// Next returns the next non-empty content delta, or io.EOF after [DONE].
func (s *sseStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				s.record("error")
				return "", fmt.Errorf("read summary stream: %w", err)
			}
			// Some servers close without [DONE].
			s.finish()
			return "", io.EOF
		}
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.finish()
			return "", io.EOF
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			s.record("error")
			return "", fmt.Errorf("%w: stream chunk: %v", ErrMalformedResponse, err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
}

func (s *sseStream) finish() {
	s.done = true
	s.record("success")
}

func (s *sseStream) record(status string) {
	s.once.Do(func() { metrics.RecordLLM("summary", status, time.Since(s.start).Seconds()) })
}

// Close releases the connection.
func (s *sseStream) Close() error {
	s.record("aborted")
	return s.resp.Body.Close()
}
