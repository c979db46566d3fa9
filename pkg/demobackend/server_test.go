package demobackend

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, crash func()) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(New(Options{
		Crash:      crash,
		CrashDelay: time.Millisecond,
		Logger:     logger,
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFib(t *testing.T) {
	tests := []struct {
		n    int
		want uint64
	}{
		{0, 0}, {1, 1}, {2, 1}, {10, 55}, {20, 6765}, {30, 832040},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fib(tt.n), "Fib(%d)", tt.n)
	}
}

func TestGenerateLoad(t *testing.T) {
	srv := newTestServer(t, func() {})

	resp, err := http.Get(srv.URL + "/api/generate-load?n=20")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body GenerateLoadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 20, body.N)
	assert.Equal(t, uint64(6765), body.Result)
}

func TestGenerateLoadRejectsBadN(t *testing.T) {
	srv := newTestServer(t, func() {})

	for _, q := range []string{"", "?n=", "?n=abc", "?n=0", "?n=46"} {
		resp, err := http.Get(srv.URL + "/api/generate-load" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", q)
	}
}

func TestBatch(t *testing.T) {
	srv := newTestServer(t, func() {})

	resp, err := http.Post(srv.URL+"/api/generate-load", "application/json", strings.NewReader(`{"count":3}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body BatchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 3, body.ProcessedRequests)
}

func TestBatchRejectsBadCount(t *testing.T) {
	srv := newTestServer(t, func() {})

	for _, b := range []string{`{"count":0}`, `{"count":100000}`, `not json`} {
		resp, err := http.Post(srv.URL+"/api/generate-load", "application/json", strings.NewReader(b))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", b)
	}
}

func TestCrashRespondsThenCrashes(t *testing.T) {
	crashed := make(chan struct{}, 2)
	srv := newTestServer(t, func() { crashed <- struct{}{} })

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req, err := http.NewRequest(method, srv.URL+"/api/crash-backend", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		select {
		case <-crashed:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: crash func not called", method)
		}
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, func() {})

	resp, err := http.Get(srv.URL + "/api/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIsEven(t *testing.T) {
	srv := newTestServer(t, func() {})

	tests := []struct {
		query string
		code  int
		even  bool
	}{
		{"?number=4", http.StatusOK, true},
		{"?number=7", http.StatusOK, false},
		{"?number=-2", http.StatusOK, true},
		{"", http.StatusBadRequest, false},
		{"?number=x", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + "/iseven" + tt.query)
		require.NoError(t, err)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
		require.Equal(t, tt.code, resp.StatusCode, "query %q", tt.query)
		if tt.code == http.StatusOK {
			var body IsEvenResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.even, body.IsEven, "query %q", tt.query)
		}
		resp.Body.Close()
	}
}

func TestIsEvenMethods(t *testing.T) {
	srv := newTestServer(t, func() {})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/iseven", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/iseven?number=2", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	srv := newTestServer(t, func() {})

	resp, err := http.Get(srv.URL + "/api/generate-load?n=5")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `fibbackend_http_requests_total{code="200",route="/api/generate-load"} 1`)
	assert.Contains(t, text, "fibbackend_fib_duration_seconds_count 1")
}
