package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"solid-oidc-proxy/internal/httpx"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
	"solid-oidc-proxy/internal/pipeline"
	"solid-oidc-proxy/internal/pkce"
	"solid-oidc-proxy/internal/store"
)

// ErrNoChallenge is returned when a token request names a code the proxy
// never recorded a challenge for. Codes only reach clients through the
// proxy, so this is a server-side inconsistency.
var ErrNoChallenge = errors.New("no stored challenge for authorization code")

// PKCEAuthRequestHandler records the client's code challenge under the
// state of an authorization request and strips it before forwarding, since
// the upstream server does not take part in PKCE.
type PKCEAuthRequestHandler struct {
	challenges store.Store[model.ChallengeAndMethod]
	next       pipeline.RequestHandler
}

// NewPKCEAuthRequestHandler creates a PKCEAuthRequestHandler.
func NewPKCEAuthRequestHandler(challenges store.Store[model.ChallengeAndMethod], next pipeline.RequestHandler) (*PKCEAuthRequestHandler, error) {
	if challenges == nil {
		return nil, fmt.Errorf("pkce auth request: %w: store", ErrMissingDependency)
	}
	if err := requireNext("pkce auth request", next); err != nil {
		return nil, err
	}
	return &PKCEAuthRequestHandler{challenges: challenges, next: next}, nil
}

// CanHandle implements pipeline.Handler.
func (h *PKCEAuthRequestHandler) CanHandle(ctx context.Context, req *model.Request) bool {
	return req.URL != nil && h.next.CanHandle(ctx, req)
}

// Handle implements pipeline.Handler.
func (h *PKCEAuthRequestHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	query := req.URL.Query()

	challenge := query.Get("code_challenge")
	if challenge == "" {
		return nil, oauth.InvalidRequest("A code challenge must be provided.")
	}
	method := query.Get("code_challenge_method")
	if method == "" {
		method = model.MethodPlain
	}
	if !pkce.SupportedMethod(method) {
		return nil, oauth.InvalidRequest("Transformation algorithm not supported.")
	}

	state := query.Get("state")
	initial := state != ""
	if !initial {
		state = uuid.NewString()
	}

	err := h.challenges.Set(ctx, state, model.ChallengeAndMethod{
		Challenge:    challenge,
		Method:       method,
		InitialState: initial,
	})
	if err != nil {
		return nil, fmt.Errorf("store code challenge: %w", err)
	}

	query.Del("code_challenge")
	query.Del("code_challenge_method")
	query.Set("state", state)

	u := *req.URL
	u.RawQuery = query.Encode()
	return h.next.Handle(ctx, req.WithURL(&u))
}

// PKCETokenRequestHandler checks the code_verifier of an authorization code
// exchange against the challenge recorded for the code, and strips it
// before forwarding. Refresh requests pass through untouched.
type PKCETokenRequestHandler struct {
	challenges store.Store[model.ChallengeAndMethod]
	next       pipeline.RequestHandler
}

// NewPKCETokenRequestHandler creates a PKCETokenRequestHandler.
func NewPKCETokenRequestHandler(challenges store.Store[model.ChallengeAndMethod], next pipeline.RequestHandler) (*PKCETokenRequestHandler, error) {
	if challenges == nil {
		return nil, fmt.Errorf("pkce token request: %w: store", ErrMissingDependency)
	}
	if err := requireNext("pkce token request", next); err != nil {
		return nil, err
	}
	return &PKCETokenRequestHandler{challenges: challenges, next: next}, nil
}

// CanHandle implements pipeline.Handler.
func (h *PKCETokenRequestHandler) CanHandle(ctx context.Context, req *model.Request) bool {
	return peekForm(req).Has("grant_type") && h.next.CanHandle(ctx, req)
}

// Handle implements pipeline.Handler.
func (h *PKCETokenRequestHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	form, text, err := parseForm(req)
	if err != nil {
		return nil, err
	}
	if form.Get("grant_type") == "refresh_token" {
		return h.next.Handle(ctx, req)
	}

	verifier := form.Get("code_verifier")
	if verifier == "" {
		return nil, oauth.InvalidRequest("Request body must contain a code_verifier.")
	}
	code := form.Get("code")
	if code == "" {
		return nil, oauth.InvalidRequest("Request body must contain a code.")
	}
	if !pkce.ValidVerifierLength(verifier) {
		return nil, oauth.InvalidRequest(fmt.Sprintf(
			"Code verifier must be between %d and %d characters.", pkce.MinVerifierLength, pkce.MaxVerifierLength))
	}

	forwarded, err := withFormBody(req, httpx.RemoveFormField(text, "code_verifier"))
	if err != nil {
		return nil, err
	}

	stored, ok, err := h.challenges.Get(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("load code challenge: %w", err)
	}
	if !ok {
		return nil, ErrNoChallenge
	}

	challenge, err := pkce.GenerateChallenge(verifier, stored.Method)
	if errors.Is(err, pkce.ErrUnsupportedMethod) {
		return nil, oauth.InvalidRequest("Transformation algorithm not supported.")
	}
	if err != nil {
		return nil, err
	}
	if challenge != stored.Challenge {
		return nil, oauth.InvalidGrant("Code challenges do not match.")
	}

	return h.next.Handle(ctx, forwarded)
}

// PKCECodeResponseHandler correlates the authorization code in an upstream
// redirect with the challenge stored under its state, rekeying the entry
// from state to code.
type PKCECodeResponseHandler struct {
	challenges  store.Store[model.ChallengeAndMethod]
	redirectURL *url.URL
}

// NewPKCECodeResponseHandler creates a PKCECodeResponseHandler. Redirects
// to redirectURL, the proxy's own redirect endpoint, keep their state so
// the endpoint can correlate them.
func NewPKCECodeResponseHandler(challenges store.Store[model.ChallengeAndMethod], redirectURL string) (*PKCECodeResponseHandler, error) {
	if challenges == nil {
		return nil, fmt.Errorf("pkce code response: %w: store", ErrMissingDependency)
	}
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("pkce code response: parse redirect url: %w", err)
	}
	return &PKCECodeResponseHandler{challenges: challenges, redirectURL: u}, nil
}

// CanHandle implements pipeline.Handler.
func (h *PKCECodeResponseHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil && ex.Response.Header.Get("Location") != ""
}

// Handle implements pipeline.Handler.
func (h *PKCECodeResponseHandler) Handle(ctx context.Context, ex *model.Exchange) (*model.Response, error) {
	location, err := url.Parse(ex.Response.Header.Get("Location"))
	if err != nil || !location.IsAbs() {
		return ex.Response, nil
	}

	query := location.Query()
	code := query.Get("code")
	if code == "" {
		return ex.Response, nil
	}
	state := query.Get("state")
	if state == "" {
		return nil, oauth.InvalidRequest("No state was included in the authorization response.")
	}

	stored, ok, err := store.Move(ctx, h.challenges, state, code)
	if err != nil {
		return nil, fmt.Errorf("rekey code challenge: %w", err)
	}
	if !ok {
		return nil, oauth.InvalidRequest("No stored challenge and method found for the given state.")
	}

	if stored.InitialState || sameEndpoint(location, h.redirectURL) {
		return ex.Response, nil
	}

	resp := ex.Response.Clone()
	resp.Header.Set("Location", withoutState(location))
	return resp, nil
}

// withoutState removes the state parameter from a redirect location. The
// order of the remaining parameters is kept.
func withoutState(u *url.URL) string {
	out := *u
	out.RawQuery = httpx.RemoveFormField(u.RawQuery, "state")
	return out.String()
}
