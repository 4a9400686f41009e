package handler

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/labstack/echo/v4"

	"solid-oidc-proxy/internal/client"
	"solid-oidc-proxy/internal/config"
	"solid-oidc-proxy/internal/dpop"
	"solid-oidc-proxy/internal/identity"
	"solid-oidc-proxy/internal/metrics"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/service"
	"solid-oidc-proxy/internal/store"
	"solid-oidc-proxy/internal/token"
)

const testProxyURI = "https://proxy.example"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, upstreamURI string) *config.Config {
	t.Helper()
	oidc := filepath.Join(t.TempDir(), "openid-configuration.json")
	if err := os.WriteFile(oidc, []byte(`{"issuer":"`+testProxyURI+`"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Proxy: config.ProxyConfig{
			URI: testProxyURI,
			Paths: config.ProxyPaths{
				Auth:                "/auth",
				Token:               "/token",
				Registration:        "/reg",
				Passwordless:        "/passwordless/start",
				Redirect:            "/redirect",
				JWKS:                "/jwks",
				OpenIDConfiguration: "/.well-known/openid-configuration",
			},
		},
		Upstream: config.UpstreamConfig{
			URI:                   upstreamURI,
			AuthPath:              "/authorize",
			TokenPath:             "/oauth/token",
			RegistrationPath:      "/oidc/register",
			PasswordlessPath:      "/passwordless/start",
			ClientCredentialsPath: "/oauth/token",
			TimeoutSeconds:        10,
			IdleConnections:       10,
		},
		Keys:    config.KeysConfig{OpenIDConfigurationFile: oidc},
		Store:   config.StoreConfig{Backend: "memory"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func newTestSigner(t *testing.T) *token.Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := token.NewSigner(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: key, KeyID: "proxy-key", Use: "sig"}}})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

type testServer struct {
	cfg        *config.Config
	echo       *echo.Echo
	metrics    *metrics.Metrics
	challenges *store.MemoryStore[model.ChallengeAndMethod]
}

// newTestServer wires the real chains against the upstream at upstreamURI.
func newTestServer(t *testing.T, upstreamURI string) *testServer {
	t.Helper()
	cfg := testConfig(t, upstreamURI)
	logger := discardLogger()
	m := metrics.New("/auth", "/token", "/reg", "/redirect")

	passthrough, err := service.NewPassthrough(client.NewUpstreamClient(cfg, logger, m), cfg.Proxy.URI, cfg.Upstream.URI, logger)
	if err != nil {
		t.Fatal(err)
	}

	challenges := store.NewMemoryStore[model.ChallengeAndMethod]()
	redirects := store.NewMemoryStore[string]()
	t.Cleanup(func() {
		_ = challenges.Close()
		_ = redirects.Close()
	})
	signer := newTestSigner(t)

	flows, err := identity.NewFlows(identity.FlowDeps{
		Passthrough:      passthrough,
		Validator:        dpop.NewValidator(),
		Decoder:          token.LocalDecoder{},
		Signer:           signer,
		Challenges:       challenges,
		Redirects:        redirects,
		Issuer:           cfg.Issuer(),
		ProxyTokenURL:    cfg.ProxyURL(cfg.Proxy.Paths.Token),
		UpstreamTokenURL: cfg.UpstreamURL(cfg.Upstream.TokenPath),
		RedirectURL:      cfg.ProxyURL(cfg.Proxy.Paths.Redirect),
		Upstream: identity.UpstreamPaths{
			Auth:              cfg.Upstream.AuthPath,
			Token:             cfg.Upstream.TokenPath,
			ClientCredentials: cfg.Upstream.ClientCredentialsPath,
			Registration:      cfg.Upstream.RegistrationPath,
			Passwordless:      cfg.Upstream.PasswordlessPath,
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	proxy, err := NewProxyHandler(flows, cfg, logger, m)
	if err != nil {
		t.Fatal(err)
	}
	discovery, err := NewDiscoveryHandler(cfg, signer)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	RegisterRoutes(e, RouteParams{
		Config:    cfg,
		Proxy:     proxy,
		Health:    NewHealthHandler(cfg, "test", challenges, logger),
		Discovery: discovery,
		Metrics:   m,
	})
	return &testServer{cfg: cfg, echo: e, metrics: m, challenges: challenges}
}

// counterValue returns the value of the counter name whose labels include
// every pair in labels.
func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			matched := 0
			for _, lp := range metric.GetLabel() {
				if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
