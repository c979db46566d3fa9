// Package backend is the HTTP client for the demo backend API.
//
// Every call is a single attempt. Failures are returned to the caller, which
// turns them into a status or log message.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/imakube/kubeload/pkg/config"
)

// Client talks to the backend under test.
type Client struct {
	base  *url.URL
	paths config.BackendConfig
	load  config.LoadConfig
	http  *http.Client
}

// New creates a client for the backend described by cfg.
// httpClient may be nil, in which case a client without a global timeout is used;
// callers bound each call with a context.
func New(cfg *config.Config, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(cfg.Backend.URL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		base:  base,
		paths: cfg.Backend,
		load:  cfg.Load,
		http:  httpClient,
	}, nil
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// LoadEndpoint returns the path the load generator hits.
func (c *Client) LoadEndpoint() string {
	return c.load.Endpoint
}

// GenerateLoad issues one load request with n as the configured parameter.
func (c *Client) GenerateLoad(ctx context.Context, n int) (Reply, error) {
	u, err := c.resolve(c.load.Endpoint, url.Values{c.load.Param: {strconv.Itoa(n)}})
	if err != nil {
		return Reply{}, err
	}
	var r Reply
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &r); err != nil {
		return Reply{}, err
	}
	return r, nil
}

// GenerateBatch asks the backend to perform count computations in one request.
func (c *Client) GenerateBatch(ctx context.Context, count int) (Reply, error) {
	u, err := c.resolve(c.paths.BatchPath, nil)
	if err != nil {
		return Reply{}, err
	}
	var r Reply
	if err := c.doJSON(ctx, http.MethodPost, u, BatchRequest{Count: count}, &r); err != nil {
		return Reply{}, err
	}
	if r.ProcessedRequests == nil {
		return Reply{}, fmt.Errorf("batch response missing processedRequests")
	}
	return r, nil
}

// Crash calls the crash endpoint. Any HTTP response counts as success since the
// backend is expected to die while (or right after) answering.
func (c *Client) Crash(ctx context.Context) error {
	u, err := c.resolve(c.paths.CrashPath, nil)
	if err != nil {
		return err
	}
	method := strings.ToUpper(c.paths.CrashMethod)
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crash request: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// Healthz checks backend health. Only a 2xx status is healthy.
func (c *Client) Healthz(ctx context.Context) error {
	u, err := c.resolve(c.paths.HealthPath, nil)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// IsEven asks the parity endpoint whether number is even.
func (c *Client) IsEven(ctx context.Context, number int) (bool, error) {
	u, err := c.resolve(c.paths.IsEvenPath, url.Values{"number": {strconv.Itoa(number)}})
	if err != nil {
		return false, err
	}
	var r Reply
	if err := c.doJSON(ctx, http.MethodGet, u, nil, &r); err != nil {
		return false, err
	}
	if r.IsEven == nil {
		return false, fmt.Errorf("iseven response missing is_even")
	}
	return *r.IsEven, nil
}

// resolve joins path (which may carry its own query) onto the base URL and
// merges extra query values.
func (c *Client) resolve(path string, extra url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parse path %q: %w", path, err)
	}
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + ref.Path
	q := ref.Query()
	for k, vs := range extra {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) doJSON(ctx context.Context, method, u string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
