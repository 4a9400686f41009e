// Package identity implements the Solid-OIDC request and response handlers
// that sit between a client and the upstream authorization server.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"solid-oidc-proxy/internal/httpx"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
	"solid-oidc-proxy/internal/pipeline"
)

// ErrMissingDependency is returned by constructors given a nil collaborator.
var ErrMissingDependency = errors.New("missing required dependency")

func requireNext(name string, next pipeline.RequestHandler) error {
	if next == nil {
		return fmt.Errorf("%s: %w: next handler", name, ErrMissingDependency)
	}
	return nil
}

// PathRewriteHandler replaces the request path before delegating.
type PathRewriteHandler struct {
	path string
	next pipeline.RequestHandler
}

// NewPathRewriteHandler creates a PathRewriteHandler.
func NewPathRewriteHandler(path string, next pipeline.RequestHandler) (*PathRewriteHandler, error) {
	if err := requireNext("path rewrite", next); err != nil {
		return nil, err
	}
	return &PathRewriteHandler{path: path, next: next}, nil
}

// CanHandle implements pipeline.Handler.
func (h *PathRewriteHandler) CanHandle(ctx context.Context, req *model.Request) bool {
	return req.URL != nil && h.next.CanHandle(ctx, req)
}

// Handle implements pipeline.Handler.
func (h *PathRewriteHandler) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	u := *req.URL
	u.Path = h.path
	u.RawPath = ""
	return h.next.Handle(ctx, req.WithURL(&u))
}

// GrantType matches token requests by their grant_type form field.
type GrantType string

// CanHandle implements pipeline.Matcher.
func (g GrantType) CanHandle(_ context.Context, req *model.Request) bool {
	return peekForm(req).Get("grant_type") == string(g)
}

// bodyText decodes the request body from its declared charset. An
// unsupported charset is a fault.
func bodyText(req *model.Request) (string, error) {
	text, err := httpx.DecodeBody(req.Body, req.Header.Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("decode request body: %w", err)
	}
	return text, nil
}

// peekForm parses the body for routing decisions only. A body in an
// unsupported charset is read as-is so the handler that owns the request
// reports the fault.
func peekForm(req *model.Request) url.Values {
	text, err := httpx.DecodeBody(req.Body, req.Header.Get("Content-Type"))
	if err != nil {
		text = string(req.Body)
	}
	form, err := url.ParseQuery(text)
	if err != nil {
		return nil
	}
	return form
}

// parseForm returns the decoded form together with its text, which handlers
// edit and hand back to withFormBody.
func parseForm(req *model.Request) (url.Values, string, error) {
	text, err := bodyText(req)
	if err != nil {
		return nil, "", err
	}
	form, err := httpx.ParseForm([]byte(text))
	if err != nil {
		return nil, "", oauth.InvalidRequest("Request body must be application/x-www-form-urlencoded.")
	}
	return form, text, nil
}

// withFormBody returns a copy of req carrying body encoded in the declared
// charset, with Content-Length set to its byte length. An unsupported
// charset is a fault.
func withFormBody(req *model.Request, body string) (*model.Request, error) {
	encoded, err := httpx.EncodeBody(body, req.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("re-encode request body: %w", err)
	}
	return req.WithBody(encoded), nil
}

// isWebURL reports whether s is an absolute http(s) URL. Solid clients use
// such URLs as client_id, pointing at their client identifier document.
func isWebURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// sameEndpoint compares two URLs ignoring query and fragment.
func sameEndpoint(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && a.Host == b.Host && a.Path == b.Path
}
