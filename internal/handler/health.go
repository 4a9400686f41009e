package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"solid-oidc-proxy/internal/config"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/store"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg        *config.Config
	version    Version
	challenges store.Store[model.ChallengeAndMethod]
	logger     *slog.Logger
}

// NewHealthHandler creates a HealthHandler. challenges is optional and only
// used to report the number of pending authorizations.
func NewHealthHandler(cfg *config.Config, v Version, challenges store.Store[model.ChallengeAndMethod], logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		cfg:        cfg,
		version:    v,
		challenges: challenges,
		logger:     logger.With("component", "health"),
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]any{
		"status":        "ok",
		"version":       string(h.version),
		"proxy_uri":     h.cfg.Proxy.URI,
		"upstream_uri":  h.cfg.Upstream.URI,
		"store_backend": h.cfg.Store.Backend,
	}

	if h.challenges != nil {
		pending := 0
		err := h.challenges.Range(c.Request().Context(), func(string, model.ChallengeAndMethod) bool {
			pending++
			return true
		})
		if err != nil {
			h.logger.Error("challenge store unavailable", "err", err)
			body["status"] = "degraded"
			body["store_error"] = "challenge store unavailable"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["pending_challenges"] = pending
	}

	return c.JSON(http.StatusOK, body)
}
