package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *HTTPBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	backend, err := NewHTTPBackend(BackendConfig{APIURL: srv.URL, APIKey: "test-key"})
	require.NoError(t, err)
	return backend
}

func TestHTTPBackend_Translate(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/translate", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req BatchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "en", req.SourceLang)
		assert.Equal(t, "es", req.TargetLang)

		out := make([]string, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = "ES:" + text
		}
		_ = json.NewEncoder(w).Encode(batchResponse{Translations: out})
	})

	got, err := backend.Translate(context.Background(), BatchRequest{
		Texts:      []string{"one", "two"},
		SourceLang: "en",
		TargetLang: "es",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"ES:one", "ES:two"}, got)
}

func TestHTTPBackend_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		backend := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := backend.Translate(context.Background(), BatchRequest{Texts: []string{"x"}})
		require.Error(t, err, "status %d", tc.status)

		var be *BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, tc.status, be.Status)
		assert.Equal(t, tc.retryable, be.Retryable, "status %d", tc.status)
		assert.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
	}
}

func TestHTTPBackend_MalformedJSONIsRetryable(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{ not json"))
	})
	_, err := backend.Translate(context.Background(), BatchRequest{Texts: []string{"x"}})

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Retryable)
}

func TestHTTPBackend_CountMismatchIsRetryable(t *testing.T) {
	backend := newTestBackend(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(batchResponse{Translations: []string{"only one"}})
	})
	_, err := backend.Translate(context.Background(), BatchRequest{Texts: []string{"a", "b"}})

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.True(t, be.Retryable)
	assert.Contains(t, be.Message, "mismatch")
}

func TestHTTPBackend_ConnectionRefusedIsRetryable(t *testing.T) {
	backend, err := NewHTTPBackend(BackendConfig{APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = backend.Translate(context.Background(), BatchRequest{Texts: []string{"x"}})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestNewHTTPBackend_RequiresURL(t *testing.T) {
	_, err := NewHTTPBackend(BackendConfig{})
	assert.Error(t, err)
}
