package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"

	"solid-oidc-proxy/internal/config"
	"solid-oidc-proxy/internal/identity"
	"solid-oidc-proxy/internal/metrics"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
	"solid-oidc-proxy/internal/pipeline"
)

// Flow names used in logs and metric labels.
const (
	FlowAuth         = "auth"
	FlowToken        = "token"
	FlowRegistration = "registration"
	FlowPasswordless = "passwordless"
	FlowRedirect     = "redirect"
	FlowPassthrough  = "passthrough"
)

// ProxyHandler binds the identity request chains to Echo routes. It turns
// the inbound request into a model.Request addressed at the proxy's public
// URI, runs the chain and writes the buffered result.
type ProxyHandler struct {
	flows   *identity.Flows
	base    *url.URL
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(flows *identity.Flows, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyHandler, error) {
	if flows == nil {
		return nil, errors.New("proxy handler: missing flows")
	}
	base, err := url.Parse(cfg.Proxy.URI)
	if err != nil {
		return nil, fmt.Errorf("proxy handler: parse proxy uri: %w", err)
	}
	return &ProxyHandler{
		flows:   flows,
		base:    base,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}, nil
}

// Auth serves the authorization endpoint.
func (h *ProxyHandler) Auth(c echo.Context) error { return h.serve(c, FlowAuth, h.flows.Auth) }

// Token serves the token endpoint.
func (h *ProxyHandler) Token(c echo.Context) error { return h.serve(c, FlowToken, h.flows.Token) }

// Registration serves dynamic client registration.
func (h *ProxyHandler) Registration(c echo.Context) error {
	return h.serve(c, FlowRegistration, h.flows.Registration)
}

// Passwordless serves the passwordless start endpoint.
func (h *ProxyHandler) Passwordless(c echo.Context) error {
	return h.serve(c, FlowPasswordless, h.flows.Passwordless)
}

// Redirect serves the proxy's redirect endpoint.
func (h *ProxyHandler) Redirect(c echo.Context) error {
	return h.serve(c, FlowRedirect, h.flows.Redirect)
}

// Passthrough relays every other request, such as upstream login pages.
func (h *ProxyHandler) Passthrough(c echo.Context) error {
	return h.serve(c, FlowPassthrough, h.flows.Fallback)
}

func (h *ProxyHandler) serve(c echo.Context, flow string, chain pipeline.RequestHandler) error {
	req, err := h.newRequest(c.Request())
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var resp *model.Response
	if chain.CanHandle(ctx, req) {
		resp, err = pipeline.Resolve(chain.Handle(ctx, req))
	} else {
		resp = oauth.InvalidRequest("The request cannot be handled by this endpoint.").Response()
	}
	if err == nil {
		err = resp.Finalize()
	}
	if err != nil {
		return h.mapError(c, flow, err)
	}

	if h.metrics != nil {
		h.metrics.FlowResponses.WithLabelValues(flow, strconv.Itoa(resp.Status)).Inc()
	}
	if resp.Status >= http.StatusBadRequest {
		h.logger.Debug("flow returned error response",
			"flow", flow,
			"status", resp.Status,
			"path", req.URL.Path,
		)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.Status)
	if len(resp.Body) == 0 || c.Request().Method == http.MethodHead {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"flow", flow,
			"path", req.URL.Path,
		)
	}
	return nil
}

// newRequest buffers the inbound body and addresses the request at the
// proxy's public scheme and host. Echo sees the internal listen address.
func (h *ProxyHandler) newRequest(r *http.Request) (*model.Request, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}

	u := *r.URL
	u.Scheme = h.base.Scheme
	u.Host = h.base.Host
	u.User = nil
	u.Fragment = ""

	return &model.Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		Body:   body,
	}, nil
}

func (h *ProxyHandler) mapError(c echo.Context, flow string, err error) error {
	h.logger.Error("flow fault",
		"err", err,
		"flow", flow,
		"path", c.Request().URL.Path,
	)
	if h.metrics != nil {
		h.metrics.FlowFaults.WithLabelValues(flow).Inc()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, faultBody("upstream request timed out"))
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, faultBody("client disconnected"))
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, faultBody("upstream host unreachable"))
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, faultBody("upstream connection failed"))
	}

	return c.JSON(http.StatusInternalServerError, faultBody("internal error"))
}

func faultBody(description string) map[string]string {
	return map[string]string{
		"error":             oauth.CodeServerError,
		"error_description": description,
	}
}
