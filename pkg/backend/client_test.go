package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imakube/kubeload/pkg/config"
	"github.com/imakube/kubeload/pkg/demobackend"
)

func newDemo(t *testing.T) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	crashed := make(chan struct{}, 1)
	srv := httptest.NewServer(demobackend.New(demobackend.Options{
		Crash:      func() { crashed <- struct{}{} },
		CrashDelay: time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}))
	t.Cleanup(srv.Close)
	return srv, crashed
}

func newClient(t *testing.T, baseURL string, mutate func(c *config.Config)) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.URL = baseURL
	if mutate != nil {
		mutate(cfg)
	}
	c, err := New(cfg, nil)
	require.NoError(t, err)
	return c
}

func TestGenerateLoad(t *testing.T) {
	srv, _ := newDemo(t)
	c := newClient(t, srv.URL, nil)

	r, err := c.GenerateLoad(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "55", string(r.Result))
	assert.Equal(t, "result=55", r.Summary())
}

func TestGenerateLoadBadStatus(t *testing.T) {
	srv, _ := newDemo(t)
	c := newClient(t, srv.URL, nil)

	_, err := c.GenerateLoad(context.Background(), 500)
	var se *StatusError
	require.True(t, errors.As(err, &se), "expected StatusError, got %v", err)
	assert.Equal(t, http.StatusBadRequest, se.Code)
}

func TestGenerateLoadAgainstIsEven(t *testing.T) {
	srv, _ := newDemo(t)
	c := newClient(t, srv.URL, func(cfg *config.Config) {
		cfg.Load.Endpoint = "/iseven"
		cfg.Load.Param = "number"
	})

	r, err := c.GenerateLoad(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "is_even=false", r.Summary())
}

func TestGenerateBatch(t *testing.T) {
	srv, _ := newDemo(t)
	c := newClient(t, srv.URL, nil)

	r, err := c.GenerateBatch(context.Background(), 4)
	require.NoError(t, err)
	require.NotNil(t, r.ProcessedRequests)
	assert.Equal(t, 4, *r.ProcessedRequests)
	assert.Equal(t, "processed=4", r.Summary())
}

func TestCrash(t *testing.T) {
	srv, crashed := newDemo(t)
	c := newClient(t, srv.URL, func(cfg *config.Config) { cfg.Backend.CrashMethod = "post" })

	require.NoError(t, c.Crash(context.Background()))
	select {
	case <-crashed:
	case <-time.After(2 * time.Second):
		t.Fatal("backend crash not triggered")
	}
}

func TestCrashAnyStatusIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := newClient(t, srv.URL, nil)

	assert.NoError(t, c.Crash(context.Background()))
}

func TestCrashUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c := newClient(t, url, nil)

	assert.Error(t, c.Crash(context.Background()))
}

func TestHealthz(t *testing.T) {
	srv, _ := newDemo(t)
	c := newClient(t, srv.URL, nil)
	assert.NoError(t, c.Healthz(context.Background()))

	down := newClient(t, srv.URL, func(cfg *config.Config) { cfg.Backend.HealthPath = "/nope" })
	assert.Error(t, down.Healthz(context.Background()))
}

func TestHealthzTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	c := newClient(t, srv.URL, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Healthz(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestIsEven(t *testing.T) {
	srv, _ := newDemo(t)
	c := newClient(t, srv.URL, nil)

	even, err := c.IsEven(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, even)

	even, err = c.IsEven(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, even)
}

func TestResolveKeepsBasePathAndQuery(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RequestURI()
		json.NewEncoder(w).Encode(map[string]bool{"is_even": true})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL+"/demo/", func(cfg *config.Config) {
		cfg.Backend.HealthPath = "/iseven?number=0"
	})
	require.NoError(t, c.Healthz(context.Background()))
	assert.Equal(t, "/demo/iseven?number=0", got)
}
