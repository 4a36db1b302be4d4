package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
	"github.com/goldfinch-research/orchestrator/internal/tracing"
)

const (
	defaultGeneralPrompt = "You are a research assistant for testing, inspection and certification questions. " +
		"Answer the query with current, verifiable facts and cite your sources."
	defaultDomainPrompt = "You are a research assistant. Only use information published on the allowed websites. " +
		"Quote the relevant regulation or page and cite it."
	defaultListPrompt = "Return every certification, approval or permit required for the product and market in the query. " +
		"Answer strictly in the requested JSON schema."
)

// PerplexityConfig configures the chat-completions search provider.
type PerplexityConfig struct {
	Endpoint          string
	APIKey            string
	Model             string
	Temperature       float64
	RequestsPerSecond float64
	Burst             int
	GeneralPrompt     string
	DomainPrompt      string
	ListPrompt        string
	HTTPTimeout       time.Duration
}

// PerplexityProvider calls a Perplexity-compatible chat completions API with an
// optional search domain filter.
type PerplexityProvider struct {
	cfg     PerplexityConfig
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewPerplexityProvider builds the provider. A zero RequestsPerSecond disables rate limiting.
func NewPerplexityProvider(cfg PerplexityConfig, client *http.Client, logger *zap.Logger) *PerplexityProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = "sonar-pro"
	}
	if cfg.GeneralPrompt == "" {
		cfg.GeneralPrompt = defaultGeneralPrompt
	}
	if cfg.DomainPrompt == "" {
		cfg.DomainPrompt = defaultDomainPrompt
	}
	if cfg.ListPrompt == "" {
		cfg.ListPrompt = defaultListPrompt
	}
	if client == nil {
		timeout := cfg.HTTPTimeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &PerplexityProvider{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(client, "search-provider", "perplexity", logger),
		limiter: limiter,
		logger:  logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type searchRequest struct {
	Model              string          `json:"model"`
	Messages           []chatMessage   `json:"messages"`
	Temperature        float64         `json:"temperature"`
	SearchDomainFilter []string        `json:"search_domain_filter,omitempty"`
	ResponseFormat     *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema"`
}

type searchResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Citations []string `json:"citations"`
}

// Certification is one entry of the structured list output.
type Certification struct {
	CertificateName        string `json:"certificate_name"`
	CertificateDescription string `json:"certificate_description"`
	LegalRegulation        string `json:"legal_regulation"`
	LegalTextExcerpt       string `json:"legal_text_excerpt"`
	LegalTextMeaning       string `json:"legal_text_meaning"`
	RegistrationFee        string `json:"registration_fee"`
	IsRequired             bool   `json:"is_required"`
}

var certificationsSchema = json.RawMessage(`{"schema":{"type":"object","required":["certifications"],"properties":{"certifications":{"type":"array","items":{"type":"object","required":["certificate_name","certificate_description","legal_regulation","legal_text_excerpt","legal_text_meaning","registration_fee","is_required"],"properties":{"certificate_name":{"type":"string"},"certificate_description":{"type":"string"},"legal_regulation":{"type":"string"},"legal_text_excerpt":{"type":"string"},"legal_text_meaning":{"type":"string"},"registration_fee":{"type":"string"},"is_required":{"type":"boolean"}}}}}}}`)

// Search implements Provider.
func (p *PerplexityProvider) Search(ctx context.Context, q Query) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body := searchRequest{
		Model:       p.cfg.Model,
		Temperature: p.cfg.Temperature,
		Messages: []chatMessage{
			{Role: "system", Content: p.promptFor(q)},
			{Role: "user", Content: q.Text},
		},
	}
	if q.Target.Kind == TargetDomain && len(q.Target.Domains) > 0 {
		body.SearchDomainFilter = q.Target.Domains
	}
	if q.Structured {
		body.ResponseFormat = &responseFormat{Type: "json_schema", JSONSchema: certificationsSchema}
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search provider returned %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	var decoded searchResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	content := decoded.Choices[0].Message.Content
	if q.Structured {
		content, err = normalizeCertifications(content)
		if err != nil {
			return nil, err
		}
	}
	citations := decoded.Citations
	if citations == nil {
		citations = []string{}
	}
	return &Result{Content: content, Citations: citations}, nil
}

func (p *PerplexityProvider) promptFor(q Query) string {
	switch {
	case q.Structured:
		return p.cfg.ListPrompt
	case q.Target.Kind == TargetDomain:
		return p.cfg.DomainPrompt
	default:
		return p.cfg.GeneralPrompt
	}
}

// normalizeCertifications re-encodes the structured answer as an indented list.
func normalizeCertifications(content string) (string, error) {
	var wrapper struct {
		Certifications []Certification `json:"certifications"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &wrapper); err != nil {
		return "", fmt.Errorf("%w: structured output: %v", ErrMalformedResponse, err)
	}
	if wrapper.Certifications == nil {
		wrapper.Certifications = []Certification{}
	}
	out, err := json.MarshalIndent(wrapper.Certifications, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode certifications: %w", err)
	}
	return string(out), nil
}

// Breaker exposes the provider's circuit breaker for health checks.
func (p *PerplexityProvider) Breaker() *circuitbreaker.HTTPWrapper { return p.http }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
