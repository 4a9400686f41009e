package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"

	"solid-oidc-proxy/internal/config"
	"solid-oidc-proxy/internal/token"
)

// DiscoveryHandler serves the static OpenID configuration document and the
// public half of the proxy's signing keys.
type DiscoveryHandler struct {
	openIDConfiguration []byte
	jwks                []byte
}

// NewDiscoveryHandler reads the OpenID configuration file once at startup.
func NewDiscoveryHandler(cfg *config.Config, signer *token.Signer) (*DiscoveryHandler, error) {
	if signer == nil {
		return nil, errors.New("discovery handler: missing signer")
	}

	doc, err := os.ReadFile(cfg.Keys.OpenIDConfigurationFile) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read openid configuration: %w", err)
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("openid configuration %s is not valid JSON", cfg.Keys.OpenIDConfigurationFile)
	}

	jwks, err := json.Marshal(signer.PublicJWKS())
	if err != nil {
		return nil, fmt.Errorf("marshal public jwks: %w", err)
	}

	return &DiscoveryHandler{openIDConfiguration: doc, jwks: jwks}, nil
}

// OpenIDConfiguration serves the discovery document.
func (h *DiscoveryHandler) OpenIDConfiguration(c echo.Context) error {
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	return c.JSONBlob(http.StatusOK, h.openIDConfiguration)
}

// JWKS serves the public signing keys.
func (h *DiscoveryHandler) JWKS(c echo.Context) error {
	c.Response().Header().Set("Access-Control-Allow-Origin", "*")
	return c.Blob(http.StatusOK, "application/jwk-set+json", h.jwks)
}
