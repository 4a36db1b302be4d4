package circuitbreaker

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHTTPWrapper_ServerErrorsTripButReturnResponse(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	hw := NewHTTPWrapperWithProfile(srv.Client(), "provider-5xx", "test", ProfileLLM, zaptest.NewLogger(t))
	threshold := int(SettingsFor(ProfileLLM).FailureThreshold)
	for i := 0; i < threshold; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		resp.Body.Close()
	}
	require.True(t, hw.Breaker().IsOpen())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := hw.Do(req)
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, int32(threshold), hits.Load())
	assert.Contains(t, GlobalMetricsCollector.OpenBreakers(), "test/provider-5xx")
}

func TestHTTPWrapper_ClientErrorsDoNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	hw := NewHTTPWrapper(srv.Client(), "provider-4xx", "test", zaptest.NewLogger(t))
	for i := 0; i < 20; i++ {
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		resp, err := hw.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.False(t, hw.Breaker().IsOpen())
}
