package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"solid-oidc-proxy/internal/dpop"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/pipeline"
	"solid-oidc-proxy/internal/token"
)

// ErrNoAccessToken is returned when a response stage expects a decoded
// access token that an earlier stage should have produced.
var ErrNoAccessToken = errors.New("response has no decoded access_token")

// DPoPTokenRequestHandler validates the client's proof for the proxy token
// endpoint and forwards a fresh proof addressed to the upstream one.
type DPoPTokenRequestHandler struct {
	validator     *dpop.Validator
	proxyTokenURL string
	upstreamURL   string
	next          pipeline.RequestHandler
}

// NewDPoPTokenRequestHandler creates a DPoPTokenRequestHandler.
func NewDPoPTokenRequestHandler(v *dpop.Validator, proxyTokenURL, upstreamTokenURL string, next pipeline.RequestHandler) (*DPoPTokenRequestHandler, error) {
	if v == nil {
		return nil, fmt.Errorf("dpop token request: %w: validator", ErrMissingDependency)
	}
	if err := requireNext("dpop token request", next); err != nil {
		return nil, err
	}
	return &DPoPTokenRequestHandler{
		validator:     v,
		proxyTokenURL: proxyTokenURL,
		upstreamURL:   upstreamTokenURL,
		next:          next,
	}, nil
}

// CanHandle implements pipeline.Handler.
func (h *DPoPTokenRequestHandler) CanHandle(ctx context.Context, req *model.Request) bool {
	return req.Header != nil && h.next.CanHandle(ctx, req)
}

// Handle implements pipeline.Handler.
func (h *DPoPTokenRequestHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	proof, err := h.validator.Validate(ctx, req.Header.Get(dpop.HeaderName), req.Method, h.proxyTokenURL)
	if err != nil {
		return nil, err
	}

	rebound, err := dpop.Rebind(proof, h.upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("rebind dpop proof: %w", err)
	}
	return h.next.Handle(ctx, req.WithHeader(dpop.HeaderName, rebound))
}

// DPoPTokenResponseHandler binds a successfully issued access token to the
// client's proof key by adding cnf.jkt, and reports token_type DPoP.
type DPoPTokenResponseHandler struct{}

// NewDPoPTokenResponseHandler creates a DPoPTokenResponseHandler.
func NewDPoPTokenResponseHandler() *DPoPTokenResponseHandler {
	return &DPoPTokenResponseHandler{}
}

// CanHandle implements pipeline.Handler.
func (h *DPoPTokenResponseHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil && ex.Request != nil && ex.Request.Header.Get(dpop.HeaderName) != ""
}

// Handle implements pipeline.Handler.
func (h *DPoPTokenResponseHandler) Handle(_ context.Context, ex *model.Exchange) (*model.Response, error) {
	if ex.Response.Status != http.StatusOK {
		return ex.Response, nil
	}

	resp := ex.Response.Clone()
	at, ok := token.FromValue(resp.Document["access_token"])
	if !ok {
		return nil, ErrNoAccessToken
	}

	jkt, err := proofThumbprint(ex.Request.Header.Get(dpop.HeaderName))
	if err != nil {
		return nil, err
	}

	payload := cloneClaims(at.Payload)
	payload["cnf"] = map[string]any{"jkt": jkt}
	resp.Document["access_token"] = &token.Decoded{Header: at.Header, Payload: payload}
	resp.Document["token_type"] = "DPoP"
	return resp, nil
}

// proofThumbprint returns the thumbprint of the key embedded in a proof
// that was validated by the request chain.
func proofThumbprint(proof string) (string, error) {
	jws, err := jose.ParseSigned(proof, dpop.SignatureAlgorithms)
	if err != nil {
		return "", fmt.Errorf("parse dpop proof: %w", err)
	}
	if len(jws.Signatures) == 0 || jws.Signatures[0].Header.JSONWebKey == nil {
		return "", errors.New("dpop proof has no embedded jwk")
	}
	return dpop.Thumbprint(*jws.Signatures[0].Header.JSONWebKey)
}
