package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"solid-oidc-proxy/internal/httpx"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
	"solid-oidc-proxy/internal/pipeline"
	"solid-oidc-proxy/internal/pkce"
	"solid-oidc-proxy/internal/store"
)

// StaticClient is the client registered at the upstream server on behalf of
// Solid clients that identify themselves with a client identifier document.
type StaticClient struct {
	ID     string
	Secret string
}

// ClientIDAuthRequestHandler substitutes the static client into
// authorization requests from Solid clients. The client's redirect_uri is
// stored under the state and replaced with the proxy's redirect endpoint.
type ClientIDAuthRequestHandler struct {
	client      StaticClient
	redirectURL string
	redirects   store.Store[string]
	next        pipeline.RequestHandler
}

// NewClientIDAuthRequestHandler creates a ClientIDAuthRequestHandler.
func NewClientIDAuthRequestHandler(client StaticClient, redirectURL string, redirects store.Store[string], next pipeline.RequestHandler) (*ClientIDAuthRequestHandler, error) {
	if redirects == nil {
		return nil, fmt.Errorf("client id auth request: %w: store", ErrMissingDependency)
	}
	if err := requireNext("client id auth request", next); err != nil {
		return nil, err
	}
	return &ClientIDAuthRequestHandler{client: client, redirectURL: redirectURL, redirects: redirects, next: next}, nil
}

// CanHandle implements pipeline.Handler.
func (h *ClientIDAuthRequestHandler) CanHandle(ctx context.Context, req *model.Request) bool {
	return req.URL != nil && h.next.CanHandle(ctx, req)
}

// Handle implements pipeline.Handler.
func (h *ClientIDAuthRequestHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	query := req.URL.Query()
	if !isWebURL(query.Get("client_id")) {
		return h.next.Handle(ctx, req)
	}

	redirect := query.Get("redirect_uri")
	if redirect == "" {
		return nil, oauth.InvalidRequest("No redirect_uri was included in the request.")
	}
	state := query.Get("state")
	if state == "" {
		return nil, oauth.InvalidRequest("No state was included in the request.")
	}

	if err := h.redirects.Set(ctx, state, redirect); err != nil {
		return nil, fmt.Errorf("store redirect uri: %w", err)
	}

	query.Set("client_id", h.client.ID)
	query.Set("redirect_uri", h.redirectURL)

	u := *req.URL
	u.RawQuery = query.Encode()
	return h.next.Handle(ctx, req.WithURL(&u))
}

// ClientIDTokenRequestHandler substitutes the static client credentials into
// token requests from Solid clients, after checking the redirect_uri
// against the one recorded for the code.
type ClientIDTokenRequestHandler struct {
	client      StaticClient
	redirectURL string
	redirects   store.Store[string]
	next        pipeline.RequestHandler
}

// NewClientIDTokenRequestHandler creates a ClientIDTokenRequestHandler.
func NewClientIDTokenRequestHandler(client StaticClient, redirectURL string, redirects store.Store[string], next pipeline.RequestHandler) (*ClientIDTokenRequestHandler, error) {
	if redirects == nil {
		return nil, fmt.Errorf("client id token request: %w: store", ErrMissingDependency)
	}
	if err := requireNext("client id token request", next); err != nil {
		return nil, err
	}
	return &ClientIDTokenRequestHandler{client: client, redirectURL: redirectURL, redirects: redirects, next: next}, nil
}

// CanHandle implements pipeline.Handler.
func (h *ClientIDTokenRequestHandler) CanHandle(ctx context.Context, req *model.Request) bool {
	return h.next.CanHandle(ctx, req)
}

// Handle implements pipeline.Handler.
func (h *ClientIDTokenRequestHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	form, body, err := parseForm(req)
	if err != nil {
		return nil, err
	}
	if !isWebURL(form.Get("client_id")) {
		return h.next.Handle(ctx, req)
	}

	if form.Get("grant_type") == "authorization_code" {
		code := form.Get("code")
		stored, ok, err := store.Take(ctx, h.redirects, code)
		if err != nil {
			return nil, fmt.Errorf("load redirect uri: %w", err)
		}
		if !ok {
			return nil, oauth.InvalidGrant("No redirect_uri was recorded for the given code.")
		}
		if stored != form.Get("redirect_uri") {
			return nil, oauth.InvalidGrant("redirect_uri does not match the authorization request.")
		}
		body = httpx.SetFormField(body, "redirect_uri", h.redirectURL)
	}

	body = httpx.SetFormField(body, "client_id", h.client.ID)
	body = httpx.SetFormField(body, "client_secret", h.client.Secret)

	forwarded, err := withFormBody(req, body)
	if err != nil {
		return nil, err
	}
	return h.next.Handle(ctx, forwarded)
}

// RedirectHandler serves the proxy's redirect endpoint. It sends the browser
// on to the redirect_uri the client originally asked for, rekeying the
// stored redirect and challenge from state to code.
type RedirectHandler struct {
	redirects  store.Store[string]
	challenges store.Store[model.ChallengeAndMethod]
}

// NewRedirectHandler creates a RedirectHandler.
func NewRedirectHandler(redirects store.Store[string], challenges store.Store[model.ChallengeAndMethod]) (*RedirectHandler, error) {
	if redirects == nil || challenges == nil {
		return nil, fmt.Errorf("redirect: %w: store", ErrMissingDependency)
	}
	return &RedirectHandler{redirects: redirects, challenges: challenges}, nil
}

// CanHandle implements pipeline.Handler.
func (h *RedirectHandler) CanHandle(_ context.Context, req *model.Request) bool {
	return req.URL != nil && req.Method == http.MethodGet
}

// Handle implements pipeline.Handler.
func (h *RedirectHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	query := req.URL.Query()
	state := query.Get("state")
	if state == "" {
		return nil, oauth.InvalidRequest("No state was included in the request.")
	}
	code := query.Get("code")

	var (
		original string
		ok       bool
		err      error
	)
	if code != "" {
		original, ok, err = store.Move(ctx, h.redirects, state, code)
	} else {
		original, ok, err = store.Take(ctx, h.redirects, state)
	}
	if err != nil {
		return nil, fmt.Errorf("load redirect uri: %w", err)
	}
	if !ok {
		return nil, oauth.InvalidRequest("No redirect_uri was recorded for the given state.")
	}

	keepState, err := h.correlateChallenge(ctx, state, code)
	if err != nil {
		return nil, err
	}

	target, err := url.Parse(original)
	if err != nil {
		return nil, oauth.InvalidRequest("The recorded redirect_uri is not a valid URL.")
	}
	params := target.Query()
	for k, vs := range query {
		if k == "state" && !keepState {
			continue
		}
		params[k] = vs
	}
	target.RawQuery = params.Encode()

	resp := model.NewResponse(http.StatusFound, nil)
	resp.Header.Set("Location", target.String())
	resp.Header.Set("Content-Length", "0")
	return resp, nil
}

// correlateChallenge moves a challenge still stored under state to code and
// reports whether the client supplied the state itself.
func (h *RedirectHandler) correlateChallenge(ctx context.Context, state, code string) (bool, error) {
	if code == "" {
		stored, ok, err := store.Take(ctx, h.challenges, state)
		if err != nil {
			return false, fmt.Errorf("drop code challenge: %w", err)
		}
		return !ok || stored.InitialState, nil
	}

	stored, ok, err := store.Move(ctx, h.challenges, state, code)
	if err != nil {
		return false, fmt.Errorf("rekey code challenge: %w", err)
	}
	if !ok {
		stored, ok, err = h.challenges.Get(ctx, code)
		if err != nil {
			return false, fmt.Errorf("load code challenge: %w", err)
		}
	}
	return !ok || stored.InitialState, nil
}

// PasswordlessStartHandler rewrites passwordless login requests so the
// emailed link returns through the proxy's redirect endpoint.
type PasswordlessStartHandler struct {
	client      StaticClient
	redirectURL string
	redirects   store.Store[string]
	challenges  store.Store[model.ChallengeAndMethod]
	next        pipeline.RequestHandler
}

// NewPasswordlessStartHandler creates a PasswordlessStartHandler.
func NewPasswordlessStartHandler(client StaticClient, redirectURL string, redirects store.Store[string], challenges store.Store[model.ChallengeAndMethod], next pipeline.RequestHandler) (*PasswordlessStartHandler, error) {
	if redirects == nil || challenges == nil {
		return nil, fmt.Errorf("passwordless start: %w: store", ErrMissingDependency)
	}
	if err := requireNext("passwordless start", next); err != nil {
		return nil, err
	}
	return &PasswordlessStartHandler{
		client:      client,
		redirectURL: redirectURL,
		redirects:   redirects,
		challenges:  challenges,
		next:        next,
	}, nil
}

// CanHandle implements pipeline.Handler.
func (h *PasswordlessStartHandler) CanHandle(ctx context.Context, req *model.Request) bool {
	return h.next.CanHandle(ctx, req)
}

// Handle implements pipeline.Handler.
func (h *PasswordlessStartHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	text, err := bodyText(req)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, oauth.InvalidRequest("Request body must be a JSON object.")
	}

	if cid, _ := body["client_id"].(string); isWebURL(cid) {
		body["client_id"] = h.client.ID
	}

	if params, ok := body["authParams"].(map[string]any); ok {
		if err := h.rewriteAuthParams(ctx, params); err != nil {
			return nil, err
		}
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal passwordless body: %w", err)
	}
	forwarded, err := withFormBody(req, string(out))
	if err != nil {
		return nil, err
	}
	return h.next.Handle(ctx, forwarded)
}

func (h *PasswordlessStartHandler) rewriteAuthParams(ctx context.Context, params map[string]any) error {
	redirect, _ := params["redirect_uri"].(string)
	if redirect == "" {
		return nil
	}
	state, _ := params["state"].(string)
	if state == "" {
		return oauth.InvalidRequest("authParams.state must be provided with authParams.redirect_uri.")
	}

	if challenge, _ := params["code_challenge"].(string); challenge != "" {
		method, _ := params["code_challenge_method"].(string)
		if method == "" {
			method = model.MethodPlain
		}
		if !pkce.SupportedMethod(method) {
			return oauth.InvalidRequest("Transformation algorithm not supported.")
		}
		err := h.challenges.Set(ctx, state, model.ChallengeAndMethod{
			Challenge:    challenge,
			Method:       method,
			InitialState: true,
		})
		if err != nil {
			return fmt.Errorf("store code challenge: %w", err)
		}
		delete(params, "code_challenge")
		delete(params, "code_challenge_method")
	}

	if err := h.redirects.Set(ctx, state, redirect); err != nil {
		return fmt.Errorf("store redirect uri: %w", err)
	}
	params["redirect_uri"] = h.redirectURL
	return nil
}
