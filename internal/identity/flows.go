package identity

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"strings"

	"solid-oidc-proxy/internal/dpop"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
	"solid-oidc-proxy/internal/pipeline"
	"solid-oidc-proxy/internal/store"
	"solid-oidc-proxy/internal/token"
)

// UpstreamPaths are the upstream endpoints the flows forward to.
type UpstreamPaths struct {
	Auth              string
	Token             string
	ClientCredentials string
	Registration      string
	Passwordless      string
}

// FlowDeps holds everything needed to assemble the proxy's request chains.
type FlowDeps struct {
	// Passthrough is the terminal stage forwarding to the upstream server.
	Passthrough pipeline.RequestHandler
	Validator   *dpop.Validator
	Decoder     token.Decoder
	Signer      *token.Signer
	Challenges  store.Store[model.ChallengeAndMethod]
	Redirects   store.Store[string]
	Client      StaticClient

	// Issuer is claimed in every token the proxy signs.
	Issuer string
	// ProxyTokenURL is the htu clients address their proofs to.
	ProxyTokenURL    string
	UpstreamTokenURL string
	// RedirectURL is the proxy's redirect endpoint.
	RedirectURL string
	// WebIDPattern mints webid claims; empty disables minting.
	WebIDPattern string
	Upstream     UpstreamPaths
}

// Flows are the assembled request chains, one per proxy route.
type Flows struct {
	Auth         pipeline.RequestHandler
	Token        pipeline.RequestHandler
	Registration pipeline.RequestHandler
	Passwordless pipeline.RequestHandler
	Redirect     pipeline.RequestHandler
	// Fallback relays everything else, such as login pages, and still
	// correlates code redirects that follow them. The upstream's protocol
	// endpoints are refused so they are only reached through the chains
	// above.
	Fallback pipeline.RequestHandler
}

// NewFlows assembles the request chains.
func NewFlows(d FlowDeps) (*Flows, error) {
	if d.Passthrough == nil {
		return nil, fmt.Errorf("flows: %w: passthrough", ErrMissingDependency)
	}

	codeResponse, err := NewPKCECodeResponseHandler(d.Challenges, d.RedirectURL)
	if err != nil {
		return nil, err
	}
	cors := NewCORSHandler()
	compression := NewCompressionHandler()

	auth, err := buildAuth(d, codeResponse)
	if err != nil {
		return nil, err
	}
	tok, err := buildToken(d, cors, compression)
	if err != nil {
		return nil, err
	}

	regForward, err := NewPathRewriteHandler(d.Upstream.Registration, d.Passthrough)
	if err != nil {
		return nil, err
	}
	registration := pipeline.NewWaterfall[*model.Request, *model.Response](
		NewPreflightHandler(http.MethodPost),
		pipeline.Respond(regForward, cors),
	)

	pwForward, err := NewPathRewriteHandler(d.Upstream.Passwordless, d.Passthrough)
	if err != nil {
		return nil, err
	}
	pwStart, err := NewPasswordlessStartHandler(d.Client, d.RedirectURL, d.Redirects, d.Challenges, pwForward)
	if err != nil {
		return nil, err
	}

	redirect, err := NewRedirectHandler(d.Redirects, d.Challenges)
	if err != nil {
		return nil, err
	}

	fallback := pipeline.NewBranch[*model.Request, *model.Response](
		newReservedPaths(d.Upstream),
		refuseReserved,
		pipeline.Respond(d.Passthrough, codeResponse),
	)

	return &Flows{
		Auth:         auth,
		Token:        tok,
		Registration: registration,
		Passwordless: pipeline.Respond(pwStart, cors),
		Redirect:     redirect,
		Fallback:     fallback,
	}, nil
}

// reservedPaths matches requests addressed to an upstream protocol endpoint.
type reservedPaths []string

func newReservedPaths(p UpstreamPaths) reservedPaths {
	var out reservedPaths
	for _, raw := range []string{p.Auth, p.Token, p.ClientCredentials, p.Registration, p.Passwordless} {
		if raw == "" {
			continue
		}
		out = append(out, path.Clean("/"+raw))
	}
	return out
}

// CanHandle implements pipeline.Matcher.
func (r reservedPaths) CanHandle(_ context.Context, req *model.Request) bool {
	if req.URL == nil {
		return false
	}
	requested := path.Clean("/" + req.URL.Path)
	for _, reserved := range r {
		if strings.EqualFold(requested, reserved) {
			return true
		}
	}
	return false
}

var refuseReserved = pipeline.HandlerFunc[*model.Request, *model.Response](
	func(context.Context, *model.Request) (*model.Response, error) {
		return nil, oauth.NewError(http.StatusNotFound, "invalid_request",
			"This endpoint is only available through the proxy's own routes.")
	},
)

func buildAuth(d FlowDeps, codeResponse pipeline.ResponseHandler) (pipeline.RequestHandler, error) {
	forward, err := NewPathRewriteHandler(d.Upstream.Auth, d.Passthrough)
	if err != nil {
		return nil, err
	}
	clientID, err := NewClientIDAuthRequestHandler(d.Client, d.RedirectURL, d.Redirects, forward)
	if err != nil {
		return nil, err
	}
	pkceAuth, err := NewPKCEAuthRequestHandler(d.Challenges, clientID)
	if err != nil {
		return nil, err
	}
	return pipeline.Respond(pkceAuth, codeResponse), nil
}

// buildToken assembles the token endpoint. Client credentials grants skip
// DPoP, PKCE and token re-signing and go to their own upstream path.
func buildToken(d FlowDeps, cors, compression pipeline.ResponseHandler) (pipeline.RequestHandler, error) {
	ccForward, err := NewPathRewriteHandler(d.Upstream.ClientCredentials, d.Passthrough)
	if err != nil {
		return nil, err
	}

	forward, err := NewPathRewriteHandler(d.Upstream.Token, d.Passthrough)
	if err != nil {
		return nil, err
	}
	clientID, err := NewClientIDTokenRequestHandler(d.Client, d.RedirectURL, d.Redirects, forward)
	if err != nil {
		return nil, err
	}
	pkceToken, err := NewPKCETokenRequestHandler(d.Challenges, clientID)
	if err != nil {
		return nil, err
	}
	dpopToken, err := NewDPoPTokenRequestHandler(d.Validator, d.ProxyTokenURL, d.UpstreamTokenURL, pkceToken)
	if err != nil {
		return nil, err
	}

	decode, err := NewJWTDecodeHandler(TokenFields, d.Decoder)
	if err != nil {
		return nil, err
	}
	encode, err := NewJWTEncodeHandler(TokenFields, d.Signer, d.Issuer)
	if err != nil {
		return nil, err
	}

	stages := []pipeline.ResponseHandler{decode, NewSolidAudienceHandler()}
	if d.WebIDPattern != "" {
		webID, err := NewWebIDHandler(TokenFields, d.WebIDPattern)
		if err != nil {
			return nil, err
		}
		stages = append(stages, webID)
	}
	stages = append(stages, NewDPoPTokenResponseHandler(), encode, cors, compression)

	exchange := pipeline.NewBranch[*model.Request, *model.Response](
		GrantType("client_credentials"),
		pipeline.Respond(ccForward, cors),
		pipeline.Respond(dpopToken, stages...),
	)

	return pipeline.NewWaterfall[*model.Request, *model.Response](
		NewPreflightHandler(http.MethodPost),
		exchange,
	), nil
}
