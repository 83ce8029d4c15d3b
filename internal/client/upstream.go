// Package client provides the outbound HTTP client for proxied requests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cors-proxy/internal/config"
	"cors-proxy/internal/metrics"
	"cors-proxy/internal/model"
)

// browserHeaders impersonate a desktop Chrome so origins serve their normal
// HTML instead of bot pages.
var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
	"Accept-Language": "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7",
	"Accept-Encoding": "gzip, deflate, br",
	"Cache-Control":   "no-cache",
	"Pragma":          "no-cache",
}

// ErrReadBody marks failures that happen after the response headers arrived.
var ErrReadBody = errors.New("read upstream body")

// UpstreamClient sends GET requests to arbitrary upstream origins.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Upstream.Timeout(),
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Fetch issues a single GET to target with the browser header set and reads
// the whole body, decoding any gzip, deflate or br content encoding.
//
// ctx is only used for values and deadlines the caller chooses; callers that
// want the fetch to outlive a disconnected client pass a detached context.
func (c *UpstreamClient) Fetch(ctx context.Context, target string) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	c.logger.Debug("upstream request",
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(time.Since(start), "error")
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := readBody(resp)
	c.observe(time.Since(start), strconv.Itoa(resp.StatusCode))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReadBody, err)
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// reasonPhrase strips the status code from resp.Status ("404 Not Found").
func reasonPhrase(resp *http.Response) string {
	return strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
}

func (c *UpstreamClient) observe(d time.Duration, status string) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(d.Seconds())
	c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, status).Inc()
}

// readBody reads the full response body through its content decoder.
func readBody(resp *http.Response) ([]byte, error) {
	r, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// NewUpstreamClientForTest wraps an existing http.Client, such as the one an
// httptest TLS server hands out, so tests can reach https:// targets.
func NewUpstreamClientForTest(httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		httpClient: httpClient,
		logger:     logger.With("component", "upstream_client"),
		metrics:    m,
	}
}
