package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"cors-proxy/internal/client"
	"cors-proxy/internal/config"
	"cors-proxy/internal/handler"
	"cors-proxy/internal/metrics"
	"cors-proxy/internal/middleware"
	"cors-proxy/internal/ratelimit"
	"cors-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("cors-proxy"),
		kong.Description("CORS proxy and static site server."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(options(&cli)).Run()
}

// options is the application graph for the given command line.
func options(cli *config.CLI) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.CLI { return cli },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			fx.Annotate(client.NewUpstreamClient, fx.As(new(service.Fetcher))),
			service.NewProxyService,
			newProxyLimiter,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewSiteHandler,
		),
		fx.Invoke(handler.RegisterRoutes, handler.RegisterMetrics, warnConfigPermissions, startServer),
	)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if cfg.Server.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Server.ReadTimeout = 30 * time.Second
	// Upstream fetches have no default deadline, so neither do writes.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.RecoverWithConfig(echomw.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered", "err", err, "path", c.Request().URL.Path, "stack", string(stack))
			return err
		},
	}))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders(cfg.Security.ContentSecurityPolicy))
	e.Use(echomw.Gzip())

	return e
}

// newProxyLimiter builds the /proxy/* limiter on Redis when an address is
// configured and in memory otherwise.
func newProxyLimiter(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) handler.ProxyLimiter {
	rl := cfg.RateLimit
	if !rl.IsEnabled() {
		logger.Info("rate limiter disabled")
		return nil
	}

	var store ratelimit.Store
	if rl.RedisAddr != "" {
		rs := ratelimit.NewRedisStore(
			redis.NewClient(&redis.Options{Addr: rl.RedisAddr}),
			rl.RedisKeyPrefix, rl.MaxRequests, rl.Window(), logger,
		)
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := rs.Ping(ctx); err != nil {
					logger.Warn("redis unreachable; limiter will allow requests until it recovers",
						"addr", rl.RedisAddr, "err", err)
				}
				return nil
			},
			OnStop: func(_ context.Context) error {
				return rs.Close()
			},
		})
		store = rs
		logger.Info("rate limiter enabled", "store", "redis", "addr", rl.RedisAddr,
			"max_requests", rl.MaxRequests, "window", rl.Window())
	} else {
		store = ratelimit.NewMemoryStore(rl.MaxRequests, rl.Window())
		logger.Info("rate limiter enabled", "store", "memory",
			"max_requests", rl.MaxRequests, "window", rl.Window())
	}

	return handler.ProxyLimiter(middleware.RateLimit(store, logger, m))
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
