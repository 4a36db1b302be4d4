package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPerplexityDomainFilteredSearch(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices":   []map[string]any{{"message": map[string]string{"role": "assistant", "content": "CE marking applies"}}},
			"citations": []string{"https://ec.europa.eu/ce"},
		})
	}))
	defer srv.Close()

	p := NewPerplexityProvider(PerplexityConfig{Endpoint: srv.URL, APIKey: "secret", Temperature: 0.1}, srv.Client(), zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), Query{Text: "toy export to EU", Target: Domains("ec.europa.eu")})
	require.NoError(t, err)

	assert.Equal(t, "CE marking applies", res.Content)
	assert.Equal(t, []string{"https://ec.europa.eu/ce"}, res.Citations)
	assert.Equal(t, []string{"ec.europa.eu"}, got.SearchDomainFilter)
	assert.Equal(t, "sonar-pro", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, defaultDomainPrompt, got.Messages[0].Content)
	assert.Equal(t, "toy export to EU", got.Messages[1].Content)
	assert.Nil(t, got.ResponseFormat)
}

func TestPerplexityStructuredListOutput(t *testing.T) {
	var got searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		content := `{"certifications":[{"certificate_name":"CE","certificate_description":"EU conformity","legal_regulation":"2009/48/EC","legal_text_excerpt":"...","legal_text_meaning":"...","registration_fee":"none","is_required":true}]}`
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": content}}},
		})
	}))
	defer srv.Close()

	p := NewPerplexityProvider(PerplexityConfig{Endpoint: srv.URL}, srv.Client(), zaptest.NewLogger(t))
	res, err := p.Search(context.Background(), Query{Text: "list certs", Target: GeneralWeb(), Structured: true})
	require.NoError(t, err)

	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_schema", got.ResponseFormat.Type)
	assert.Empty(t, got.SearchDomainFilter)

	var certs []Certification
	require.NoError(t, json.Unmarshal([]byte(res.Content), &certs))
	require.Len(t, certs, 1)
	assert.Equal(t, "CE", certs[0].CertificateName)
	assert.True(t, certs[0].IsRequired)
	assert.Equal(t, []string{}, res.Citations)
}

func TestPerplexityErrors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}))
		defer srv.Close()
		p := NewPerplexityProvider(PerplexityConfig{Endpoint: srv.URL}, srv.Client(), zaptest.NewLogger(t))
		_, err := p.Search(context.Background(), Query{Text: "q", Target: GeneralWeb()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "429")
	})

	t.Run("malformed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer srv.Close()
		p := NewPerplexityProvider(PerplexityConfig{Endpoint: srv.URL}, srv.Client(), zaptest.NewLogger(t))
		_, err := p.Search(context.Background(), Query{Text: "q", Target: GeneralWeb()})
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})

	t.Run("bad structured content", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"not json"}}]}`))
		}))
		defer srv.Close()
		p := NewPerplexityProvider(PerplexityConfig{Endpoint: srv.URL}, srv.Client(), zaptest.NewLogger(t))
		_, err := p.Search(context.Background(), Query{Text: "q", Target: GeneralWeb(), Structured: true})
		assert.ErrorIs(t, err, ErrMalformedResponse)
	})
}
