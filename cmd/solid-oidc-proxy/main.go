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
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"solid-oidc-proxy/internal/client"
	"solid-oidc-proxy/internal/config"
	"solid-oidc-proxy/internal/dpop"
	"solid-oidc-proxy/internal/handler"
	"solid-oidc-proxy/internal/identity"
	"solid-oidc-proxy/internal/metrics"
	"solid-oidc-proxy/internal/middleware"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/service"
	"solid-oidc-proxy/internal/store"
	"solid-oidc-proxy/internal/token"
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
		kong.Name("solid-oidc-proxy"),
		kong.Description("Solid-OIDC identity proxy in front of an OAuth2/OIDC authorization server."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			newRedisClient,
			newChallengeStore,
			newRedirectStore,
			newReplayCache,
			newValidator,
			newSigner,
			newDecoder,
			client.NewUpstreamClient,
			newPassthrough,
			newFlows,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewDiscoveryHandler,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServer),
	).Run()
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

func newMetrics(cfg *config.Config) *metrics.Metrics {
	p := cfg.Proxy.Paths
	return metrics.New(p.Auth, p.Token, p.Registration, p.Passwordless, p.Redirect, p.JWKS, p.OpenIDConfiguration)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. Responses are
	// buffered, so the write timeout only has to cover one upstream call.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds+30) * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newRedisClient connects only when a component is configured to use Redis.
func newRedisClient(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (redis.UniversalClient, error) {
	if cfg.Store.Backend != "redis" && cfg.DPoP.ReplayCheck != "redis" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), store.DefaultDialTimeout)
	defer cancel()

	rdb, err := store.NewRedisClient(ctx, store.RedisConfig{
		Addr:     cfg.Store.Redis.Addr,
		Username: cfg.Store.Redis.Username,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to redis", "addr", cfg.Store.Redis.Addr, "db", cfg.Store.Redis.DB)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	return rdb, nil
}

func newChallengeStore(lc fx.Lifecycle, cfg *config.Config, rdb redis.UniversalClient) store.Store[model.ChallengeAndMethod] {
	return newStore[model.ChallengeAndMethod](lc, cfg, rdb, "challenge:")
}

func newRedirectStore(lc fx.Lifecycle, cfg *config.Config, rdb redis.UniversalClient) store.Store[string] {
	return newStore[string](lc, cfg, rdb, "redirect:")
}

func newStore[V any](lc fx.Lifecycle, cfg *config.Config, rdb redis.UniversalClient, namespace string) store.Store[V] {
	ttl := time.Duration(cfg.Store.TTLSeconds) * time.Second
	if cfg.Store.Backend == "redis" {
		return store.NewRedisStore[V](rdb, cfg.Store.Redis.Prefix+namespace, ttl)
	}

	s := store.NewMemoryStore[V](store.WithTTL(ttl))
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return s.Close() },
	})
	return s
}

func newReplayCache(lc fx.Lifecycle, cfg *config.Config, rdb redis.UniversalClient) dpop.ReplayCache {
	switch cfg.DPoP.ReplayCheck {
	case "off":
		return nil
	case "redis":
		return dpop.NewRedisReplayCache(rdb, cfg.Store.Redis.Prefix+"jti:")
	default:
		c := dpop.NewMemoryReplayCache(time.Minute)
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return c.Close() },
		})
		return c
	}
}

func newValidator(cfg *config.Config, rc dpop.ReplayCache) *dpop.Validator {
	opts := []dpop.Option{dpop.WithMaxAge(time.Duration(cfg.DPoP.MaxAgeSeconds) * time.Second)}
	if rc != nil {
		opts = append(opts, dpop.WithReplayCache(rc))
	}
	return dpop.NewValidator(opts...)
}

func newSigner(cfg *config.Config) (*token.Signer, error) {
	return token.LoadSigner(cfg.Keys.JWKSFile)
}

func newDecoder(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (token.Decoder, error) {
	if !cfg.Upstream.VerifyTokens {
		return token.LocalDecoder{}, nil
	}

	v, err := token.NewUpstreamVerifier(cfg.Upstream.URI, client.NewHTTPClient(cfg))
	if err != nil {
		return nil, err
	}
	logger.Info("verifying upstream token signatures", "issuer", cfg.Upstream.URI)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return v.Close() },
	})
	return v, nil
}

func newPassthrough(uc *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*service.Passthrough, error) {
	return service.NewPassthrough(uc, cfg.Proxy.URI, cfg.Upstream.URI, logger)
}

type flowParams struct {
	fx.In

	Config      *config.Config
	Passthrough *service.Passthrough
	Validator   *dpop.Validator
	Decoder     token.Decoder
	Signer      *token.Signer
	Challenges  store.Store[model.ChallengeAndMethod]
	Redirects   store.Store[string]
}

func newFlows(p flowParams) (*identity.Flows, error) {
	cfg := p.Config
	return identity.NewFlows(identity.FlowDeps{
		Passthrough:      p.Passthrough,
		Validator:        p.Validator,
		Decoder:          p.Decoder,
		Signer:           p.Signer,
		Challenges:       p.Challenges,
		Redirects:        p.Redirects,
		Client:           identity.StaticClient{ID: cfg.Client.ID, Secret: cfg.Client.Secret},
		Issuer:           cfg.Issuer(),
		ProxyTokenURL:    cfg.ProxyURL(cfg.Proxy.Paths.Token),
		UpstreamTokenURL: cfg.UpstreamURL(cfg.Upstream.TokenPath),
		RedirectURL:      cfg.ProxyURL(cfg.Proxy.Paths.Redirect),
		WebIDPattern:     cfg.WebID.Pattern,
		Upstream: identity.UpstreamPaths{
			Auth:              cfg.Upstream.AuthPath,
			Token:             cfg.Upstream.TokenPath,
			ClientCredentials: cfg.Upstream.ClientCredentialsPath,
			Registration:      cfg.Upstream.RegistrationPath,
			Passwordless:      cfg.Upstream.PasswordlessPath,
		},
	})
}

type routeParams struct {
	fx.In

	Echo      *echo.Echo
	Config    *config.Config
	Proxy     *handler.ProxyHandler
	Health    *handler.HealthHandler
	Discovery *handler.DiscoveryHandler
	Metrics   *metrics.Metrics
}

func registerRoutes(p routeParams) {
	handler.RegisterRoutes(p.Echo, handler.RouteParams{
		Config:    p.Config,
		Proxy:     p.Proxy,
		Health:    p.Health,
		Discovery: p.Discovery,
		Metrics:   p.Metrics,
	})
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
			logger.Info("starting server",
				"addr", addr,
				"proxy_uri", cfg.Proxy.URI,
				"upstream_uri", cfg.Upstream.URI,
			)
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
