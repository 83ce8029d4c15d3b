package handler

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"cors-proxy/internal/config"
)

const (
	siteIndex = "index.html"

	notMountedMessage = "CORS Proxy running. Site not mounted."
	noHTMLMessage     = "No HTML files found"
)

// SiteHandler serves the optional static site directory.
type SiteHandler struct {
	dir     string
	mounted bool
	logger  *slog.Logger
}

// NewSiteHandler checks the site directory once and logs what it found.
// A missing directory is not an error; the root page then says so.
func NewSiteHandler(cfg *config.Config, logger *slog.Logger) *SiteHandler {
	h := &SiteHandler{
		dir:    cfg.Site.Path,
		logger: logger.With("component", "site"),
	}

	info, err := os.Stat(h.dir)
	h.mounted = err == nil && info.IsDir()

	cwd, _ := os.Getwd()
	attrs := []any{"cwd", cwd, "path", h.dir, "exists", h.mounted}
	if h.mounted {
		attrs = append(attrs, "files", h.listFiles())
	}
	h.logger.Info("site directory", attrs...)

	return h
}

// Mounted reports whether the site directory existed at startup.
func (h *SiteHandler) Mounted() bool {
	return h.mounted
}

// Static returns middleware serving files from the site directory.
func (h *SiteHandler) Static() echo.MiddlewareFunc {
	return echomw.StaticWithConfig(echomw.StaticConfig{
		Root:    h.dir,
		Index:   siteIndex,
		Browse:  false,
		Skipper: skipStatic,
	})
}

// Root handles GET / when the static layer did not answer it.
func (h *SiteHandler) Root(c echo.Context) error {
	if !h.mounted {
		return c.String(http.StatusOK, notMountedMessage)
	}
	name, ok := h.rootPage()
	if !ok {
		return c.String(http.StatusOK, noHTMLMessage)
	}
	return c.File(filepath.Join(h.dir, name))
}

// rootPage picks index.html, or else the first .html file in name order.
// The directory is read on every call so edits show up without a restart.
func (h *SiteHandler) rootPage() (string, bool) {
	if info, err := os.Stat(filepath.Join(h.dir, siteIndex)); err == nil && info.Mode().IsRegular() {
		return siteIndex, true
	}

	entries, err := os.ReadDir(h.dir)
	if err != nil {
		h.logger.Warn("read site directory", "path", h.dir, "err", err)
		return "", false
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".html") {
			return e.Name(), true
		}
	}
	return "", false
}

func (h *SiteHandler) listFiles() []string {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// skipStatic leaves proxy paths and dot-prefixed segments to the router. The
// static layer would otherwise resolve proxy paths against the route
// wildcard, and dotfiles answer 404.
func skipStatic(c echo.Context) bool {
	p := c.Request().URL.Path
	if strings.HasPrefix(p, proxyPrefix) {
		return true
	}
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
