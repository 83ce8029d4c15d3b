package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"cors-proxy/internal/metrics"
)

// TooManyRequestsMessage is the plain-text body sent to throttled clients.
const TooManyRequestsMessage = "Too many requests"

// countingStore records each decision of the wrapped store.
type countingStore struct {
	next    echomw.RateLimiterStore
	metrics *metrics.Metrics
}

func (s countingStore) Allow(identifier string) (bool, error) {
	ok, err := s.next.Allow(identifier)
	result := "allowed"
	if !ok {
		result = "blocked"
	}
	s.metrics.RateLimitDecisions.WithLabelValues(result).Inc()
	return ok, err
}

// RateLimit returns an Echo middleware that rejects clients, identified by
// echo.Context.RealIP, once store reports their window is exhausted.
// Rejections get 429 with TooManyRequestsMessage. The metrics parameter is
// optional.
func RateLimit(store echomw.RateLimiterStore, logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	if m != nil {
		store = countingStore{next: store, metrics: m}
	}

	// A client hammering the proxy would otherwise flood the log.
	logEvery := &rate.Sometimes{Interval: time.Minute}

	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			logEvery.Do(func() {
				logger.Warn("rate limit exceeded",
					"remote_ip", identifier,
					"path", c.Request().URL.Path,
					"err", err,
				)
			})
			return c.String(http.StatusTooManyRequests, TooManyRequestsMessage)
		},
	})
}
