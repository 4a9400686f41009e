// Package client provides the HTTP client for the upstream authorization server.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"solid-oidc-proxy/internal/config"
	"solid-oidc-proxy/internal/metrics"
	"solid-oidc-proxy/internal/model"
)

// MaxResponseBytes caps buffered upstream response bodies.
const MaxResponseBytes = 10 << 20

// ErrResponseTooLarge is returned when an upstream body exceeds MaxResponseBytes.
var ErrResponseTooLarge = errors.New("upstream response body too large")

const userAgent = "solid-oidc-proxy/1.0"

// UpstreamClient sends requests to the upstream authorization server.
// Redirects are never followed: the proxy relays them to the browser.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	hc := NewHTTPClient(cfg)
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &UpstreamClient{
		httpClient: hc,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}

// NewHTTPClient returns a pooled *http.Client configured from the upstream
// section. It follows redirects and is used for discovery and key fetching.
func NewHTTPClient(cfg *config.Config) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// Bodies are relayed with their original Content-Encoding.
		DisableCompression: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}
}

// Do sends req upstream and buffers the response. The provided context
// controls the lifetime of the upstream request: when it is canceled (e.g.
// the client disconnects), the upstream request is canceled too.
func (c *UpstreamClient) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req.URL == nil {
		return nil, errors.New("upstream request: no URL")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	hr.Header = req.Header.Clone()
	if hr.Header == nil {
		hr.Header = make(http.Header)
	}
	// Content-Length is derived from the body; a stale header would be rejected.
	hr.Header.Del("Content-Length")
	hr.ContentLength = int64(len(req.Body))
	if hr.Header.Get("User-Agent") == "" {
		hr.Header.Set("User-Agent", userAgent)
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(hr)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if len(data) > MaxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	out := model.NewResponse(resp.StatusCode, data)
	out.Header = resp.Header.Clone()
	out.Header.Del("Transfer-Encoding")
	out.Header.Set("Content-Length", strconv.Itoa(len(data)))
	return out, nil
}
