package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/toolscout/internal/resilience"
)

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestHTTPProvider_Search(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "sales development", r.URL.Query().Get("q"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"id":"a1","company":" Acme ","title":"SDR","description":"Outreach.io"},
			{"id":"a2","company":"","title":"ghost"},
			{"id":"a3","company":"Globex","title":"AE"},
			{"id":"a4","company":"Initech","title":"BDR"}
		]}`)) //nolint:errcheck
	}))
	defer ts.Close()

	p, err := NewHTTPProvider([]PlatformConfig{{ID: "boards", BaseURL: ts.URL + "/", APIKey: "secret"}}, WithRetry(fastRetry()))
	require.NoError(t, err)

	got, err := p.Search(context.Background(), "sales development", "boards", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Acme", got[0].Company)
	assert.Equal(t, "a1", got[0].ExternalID)
	assert.Equal(t, "boards", got[0].Platform)
	assert.Equal(t, "Globex", got[1].Company, "postings without a company are dropped")
}

func TestHTTPProvider_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"results":[{"company":"Acme"}]}`)) //nolint:errcheck
	}))
	defer ts.Close()

	p, err := NewHTTPProvider([]PlatformConfig{{ID: "boards", BaseURL: ts.URL}}, WithRetry(fastRetry()))
	require.NoError(t, err)

	got, err := p.Search(context.Background(), "sdr", "boards", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`bad key`)) //nolint:errcheck
	}))
	defer ts.Close()

	p, err := NewHTTPProvider([]PlatformConfig{{ID: "boards", BaseURL: ts.URL}}, WithRetry(fastRetry()))
	require.NoError(t, err)

	_, err = p.Search(context.Background(), "sdr", "boards", 10)
	require.Error(t, err)
	var pe *resilience.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.False(t, pe.Retryable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_MalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html>`)) //nolint:errcheck
	}))
	defer ts.Close()

	p, err := NewHTTPProvider([]PlatformConfig{{ID: "boards", BaseURL: ts.URL}})
	require.NoError(t, err)

	_, err = p.Search(context.Background(), "sdr", "boards", 10)
	var perr *resilience.ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestHTTPProvider_Config(t *testing.T) {
	_, err := NewHTTPProvider([]PlatformConfig{{ID: "a"}})
	var cfgErr *resilience.ConfigurationError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = NewHTTPProvider([]PlatformConfig{{ID: "a", BaseURL: "http://x"}, {ID: "a", BaseURL: "http://y"}})
	assert.Error(t, err)

	p, err := NewHTTPProvider([]PlatformConfig{{ID: "lever", BaseURL: "http://x"}, {ID: "greenhouse", BaseURL: "http://y", RequestsPerSecond: 2}})
	require.NoError(t, err)
	assert.Equal(t, []string{"greenhouse", "lever"}, p.Platforms())

	_, err = p.Search(context.Background(), "sdr", "indeed", 5)
	assert.ErrorContains(t, err, "unknown platform")
}
