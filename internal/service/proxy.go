// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"

	"golang.org/x/text/encoding/unicode"

	"cors-proxy/internal/client"
	"cors-proxy/internal/metrics"
	"cors-proxy/internal/model"
)

// Fetcher performs a single upstream GET and returns the fully read response.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*model.UpstreamResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable failure counting.
func NewProxyService(f Fetcher, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		fetcher: f,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Forward fetches the request's target URL and returns its body as text.
//
// Errors are either model.ErrMissingTarget, returned before any network
// call, or a *model.UpstreamError.
//
// The upstream call is detached from ctx cancellation: a client that
// disconnects does not abort the fetch.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResult, error) {
	if pr.Rest == "" {
		return nil, model.ErrMissingTarget
	}

	target := pr.TargetURL()
	s.logger.Debug("forwarding request",
		"target", target,
		"rest", string(pr.Rest),
		"query", pr.QueryString,
	)

	resp, err := s.fetcher.Fetch(context.WithoutCancel(ctx), target)
	if err != nil {
		return nil, s.fail(&model.UpstreamError{
			Kind:   classify(err),
			Target: target,
			Err:    err,
		})
	}

	if !resp.OK() {
		return nil, s.fail(&model.UpstreamError{
			Kind:       model.FailureStatus,
			Target:     target,
			StatusCode: resp.StatusCode,
			Reason:     resp.Reason,
		})
	}

	return &model.ProxyResult{
		Target: target,
		Body:   decodeText(resp.Body),
	}, nil
}

func (s *ProxyService) fail(err *model.UpstreamError) error {
	if s.metrics != nil {
		s.metrics.UpstreamFailures.WithLabelValues(string(err.Kind)).Inc()
	}
	return err
}

// classify maps a fetch error onto a failure kind.
func classify(err error) model.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.FailureDNS
	}

	if errors.Is(err, client.ErrReadBody) {
		return model.FailureRead
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return model.FailureConnection
	}

	return model.FailureUnknown
}

// decodeText interprets body as UTF-8: a leading BOM is dropped and invalid
// sequences become U+FFFD. Binary payloads are mangled by this, which is
// a known limitation of a text-only proxy.
func decodeText(body []byte) string {
	text, err := unicode.UTF8BOM.NewDecoder().Bytes(body)
	if err != nil {
		// The decoder replaces rather than fails; keep the raw bytes if it ever does.
		return string(body)
	}
	return string(text)
}
