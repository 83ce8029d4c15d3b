// Package handler implements the HTTP endpoints.
package handler

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"cors-proxy/internal/model"
	"cors-proxy/internal/service"
)

const (
	proxyPrefix = "/proxy/"

	// Upstream content types are discarded; every proxied body is served as HTML.
	proxyContentType  = "text/html; charset=utf-8"
	proxyCacheControl = "no-cache, no-store, must-revalidate"

	unknownErrorMessage = "Unknown error"
)

// errorResponse is the JSON body of a failed proxy request.
type errorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp,omitempty"`
}

// ProxyHandler re-serves upstream pages with permissive CORS headers.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	now     func() time.Time
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		now:     time.Now,
	}
}

// Handle serves GET /proxy/<rest>[?query] by fetching https://<rest>[?query].
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	rest, err := model.ParseRestSegment(restSegment(req))
	if err != nil {
		return h.mapError(c, err)
	}

	pr := &model.ProxyRequest{
		Rest:        rest,
		QueryString: queryString(req),
	}

	res, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, err)
	}

	h.logger.Debug("proxied", "target", res.Target, "bytes", len(res.Body))

	body := []byte(res.Body)
	etag := strongETag(body)

	header := c.Response().Header()
	header.Set(echo.HeaderAccessControlAllowOrigin, "*")
	header.Set(echo.HeaderCacheControl, proxyCacheControl)
	header.Set("ETag", etag)

	if isFresh(req, etag) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.Blob(http.StatusOK, proxyContentType, body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	if errors.Is(err, model.ErrMissingTarget) {
		h.logger.Warn("proxy request without target", "path", c.Request().URL.Path)
		return c.JSON(http.StatusBadRequest, errorResponse{Error: model.ErrMissingTarget.Error()})
	}

	attrs := []any{"err", err, "path", c.Request().URL.Path}
	var upErr *model.UpstreamError
	if errors.As(err, &upErr) {
		attrs = append(attrs, "kind", string(upErr.Kind), "target", upErr.Target)
		if upErr.StatusCode != 0 {
			attrs = append(attrs, "upstream_status", upErr.StatusCode)
		}
	}
	h.logger.Error("proxy error", attrs...)

	msg := err.Error()
	if msg == "" {
		msg = unknownErrorMessage
	}
	return c.JSON(http.StatusInternalServerError, errorResponse{
		Error:     msg,
		Timestamp: formatTimestamp(h.now()),
	})
}

// restSegment returns the still-escaped path after /proxy/, or "" when the
// request path does not continue past the prefix.
func restSegment(r *http.Request) string {
	rest, ok := strings.CutPrefix(r.URL.EscapedPath(), proxyPrefix)
	if !ok {
		return ""
	}
	return rest
}

// queryString returns the request URI from its first '?' onward, so a bare
// trailing '?' survives.
func queryString(r *http.Request) string {
	if i := strings.IndexByte(r.RequestURI, '?'); i >= 0 {
		return r.RequestURI[i:]
	}
	if r.URL.RawQuery != "" || r.URL.ForceQuery {
		return "?" + r.URL.RawQuery
	}
	return ""
}

// strongETag builds the same tag Express does for a response body: byte
// length in hex, then the first 27 characters of the base64 SHA-1.
func strongETag(body []byte) string {
	sum := sha1.Sum(body)
	return `"` + strconv.FormatInt(int64(len(body)), 16) + "-" + base64.RawStdEncoding.EncodeToString(sum[:]) + `"`
}

// isFresh reports whether the client's cached copy matches etag.
func isFresh(r *http.Request, etag string) bool {
	inm := r.Header.Get("If-None-Match")
	if inm == "" {
		return false
	}
	if strings.Contains(r.Header.Get(echo.HeaderCacheControl), "no-cache") {
		return false
	}
	if strings.TrimSpace(inm) == "*" {
		return true
	}
	for _, tag := range strings.Split(inm, ",") {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "W/")
		if tag == etag {
			return true
		}
	}
	return false
}

// formatTimestamp renders t as ISO-8601 UTC with millisecond precision.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
