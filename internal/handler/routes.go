package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"solid-oidc-proxy/internal/config"
	"solid-oidc-proxy/internal/metrics"
	"solid-oidc-proxy/internal/middleware"
)

// RouteParams groups the handlers RegisterRoutes wires. Metrics is optional.
type RouteParams struct {
	Config    *config.Config
	Proxy     *ProxyHandler
	Health    *HealthHandler
	Discovery *DiscoveryHandler
	Metrics   *metrics.Metrics
}

// RegisterRoutes wires all route handlers onto the Echo instance. Paths the
// proxy does not own are relayed upstream.
func RegisterRoutes(e *echo.Echo, p RouteParams) {
	paths := p.Config.Proxy.Paths
	noStore := middleware.NoStore()

	e.GET("/healthz", p.Health.Healthz)
	e.GET("/proxy/status", p.Health.Status)
	if p.Config.Metrics.Enabled && p.Metrics != nil {
		e.GET(p.Config.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(p.Metrics.Registry, promhttp.HandlerOpts{}),
		))
	}

	e.GET(paths.OpenIDConfiguration, p.Discovery.OpenIDConfiguration)
	e.GET(paths.JWKS, p.Discovery.JWKS)

	e.GET(paths.Auth, p.Proxy.Auth)
	e.Match([]string{http.MethodPost, http.MethodOptions}, paths.Token, p.Proxy.Token, noStore)
	e.Match([]string{http.MethodPost, http.MethodOptions}, paths.Registration, p.Proxy.Registration)
	e.POST(paths.Passwordless, p.Proxy.Passwordless)
	e.GET(paths.Redirect, p.Proxy.Redirect, noStore)

	e.Any("/*", p.Proxy.Passthrough)
}
