package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"cors-proxy/internal/client"
	"cors-proxy/internal/config"
	"cors-proxy/internal/middleware"
	"cors-proxy/internal/ratelimit"
	"cors-proxy/internal/service"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	e        *echo.Echo
	upstream *httptest.Server
	proxy    *ProxyHandler
}

// newTestEnv wires the real routes against a TLS upstream. siteDir may name
// a directory that does not exist.
func newTestEnv(t *testing.T, upstream http.HandlerFunc, siteDir string) *testEnv {
	t.Helper()
	logger := testLogger()

	srv := httptest.NewTLSServer(upstream)
	t.Cleanup(srv.Close)

	fetcher := client.NewUpstreamClientForTest(srv.Client(), logger, nil)
	proxy := NewProxyHandler(service.NewProxyService(fetcher, logger, nil), logger)

	cfg := &config.Config{Site: config.SiteConfig{Path: siteDir}}
	site := NewSiteHandler(cfg, logger)

	limiter := middleware.RateLimit(ratelimit.NewMemoryStore(100, 15*time.Minute), logger, nil)

	e := echo.New()
	e.IPExtractor = echo.ExtractIPDirect()
	RegisterRoutes(e, site, proxy, NewHealthHandler(), ProxyLimiter(limiter))

	return &testEnv{e: e, upstream: srv, proxy: proxy}
}

// proxyPath returns the /proxy/ path reaching the test upstream.
func (env *testEnv) proxyPath(rest string) string {
	return "/proxy/" + strings.TrimPrefix(env.upstream.URL, "https://") + rest
}

func (env *testEnv) get(path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.RemoteAddr = "192.0.2.1:1234"
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func writeSite(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func missingDir(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent")
}
