package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cors-proxy/internal/config"
	"cors-proxy/internal/metrics"
)

// ProxyLimiter is the middleware guarding the proxy route. A nil value
// leaves the route unlimited.
type ProxyLimiter echo.MiddlewareFunc

// RegisterRoutes sets up all HTTP routes on the Echo instance.
func RegisterRoutes(e *echo.Echo, site *SiteHandler, proxy *ProxyHandler, health *HealthHandler, limiter ProxyLimiter) {
	if site.Mounted() {
		e.Use(site.Static())
	}
	e.GET("/", site.Root)

	var proxyMW []echo.MiddlewareFunc
	if limiter != nil {
		proxyMW = append(proxyMW, echo.MiddlewareFunc(limiter))
	}
	e.GET("/proxy/*", proxy.Handle, proxyMW...)

	e.GET("/health", health.Health)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
// Compression is left to the global gzip middleware.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{DisableCompression: true})
	e.GET(cfg.Metrics.Path, echo.WrapHandler(h))
}
