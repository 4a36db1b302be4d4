package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type event struct {
	RequestID string          `json:"request_id"`
	Type      string          `json:"type"`
	Seq       uint64          `json:"sequence_number"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type client struct {
	base    string
	timeout time.Duration
	http    *http.Client
	stream  *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base:    strings.TrimRight(base, "/"),
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("server answered %d", e.Status)
	}
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Msg)
}

func (c *client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Msg: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) start(ctx context.Context, question, sessionID string) (string, error) {
	var out struct {
		RequestID string `json:"request_id"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/research", map[string]string{
		"question":   question,
		"session_id": sessionID,
	}, &out)
	return out.RequestID, err
}

func (c *client) cancel(ctx context.Context, id, reason string) (bool, error) {
	var out struct {
		Accepted bool `json:"accepted"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/research/"+id+"/cancel", map[string]string{"reason": reason}, &out)
	return out.Accepted, err
}

func (c *client) status(ctx context.Context, id string) (map[string]interface{}, error) {
	var out map[string]interface{}
	err := c.do(ctx, http.MethodGet, "/v1/research/"+id, nil, &out)
	return out, err
}

// watch reads the SSE stream of id and calls fn for every event until the
// server ends the stream, ctx ends or fn returns an error.
func (c *client) watch(ctx context.Context, id string, lastEventID uint64, fn func(event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/research/"+id+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(lastEventID, 10))
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &apiError{Status: resp.StatusCode, Msg: e.Error}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var data strings.Builder
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var ev event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return fmt.Errorf("bad event: %w", err)
			}
			data.Reset()
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
