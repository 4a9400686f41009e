package identity

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/token"
)

// SolidAudience is the audience every Solid-OIDC access token must carry.
const SolidAudience = "solid"

func cloneClaims(c map[string]any) map[string]any {
	out := maps.Clone(c)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}

// SolidAudienceHandler ensures the decoded access token's aud includes
// "solid". Applying it twice is the same as applying it once.
type SolidAudienceHandler struct{}

// NewSolidAudienceHandler creates a SolidAudienceHandler.
func NewSolidAudienceHandler() *SolidAudienceHandler {
	return &SolidAudienceHandler{}
}

// CanHandle implements pipeline.Handler.
func (h *SolidAudienceHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil
}

// Handle implements pipeline.Handler.
func (h *SolidAudienceHandler) Handle(_ context.Context, ex *model.Exchange) (*model.Response, error) {
	if ex.Response.Status != http.StatusOK {
		return ex.Response, nil
	}

	resp := ex.Response.Clone()
	at, ok := token.FromValue(resp.Document["access_token"])
	if !ok {
		return nil, ErrNoAccessToken
	}

	payload := cloneClaims(at.Payload)
	payload["aud"] = withSolidAudience(payload["aud"])
	resp.Document["access_token"] = &token.Decoded{Header: at.Header, Payload: payload}
	return resp, nil
}

func withSolidAudience(aud any) any {
	switch v := aud.(type) {
	case nil:
		return SolidAudience
	case string:
		if v == SolidAudience {
			return v
		}
		return []any{v, SolidAudience}
	case []any:
		for _, a := range v {
			if a == SolidAudience {
				return v
			}
		}
		return append(append(make([]any, 0, len(v)+1), v...), SolidAudience)
	case []string:
		out := make([]any, 0, len(v)+1)
		for _, a := range v {
			out = append(out, a)
		}
		return withSolidAudience(out)
	}
	return []any{aud, SolidAudience}
}

// WebIDHandler mints a webid claim on decoded tokens that lack one, by
// substituting the subject into a URL pattern containing ":sub".
type WebIDHandler struct {
	fields  []string
	pattern string
}

// ErrInvalidWebIDPattern is returned for patterns without a :sub placeholder.
var ErrInvalidWebIDPattern = errors.New("webid pattern must contain :sub")

// NewWebIDHandler creates a WebIDHandler.
func NewWebIDHandler(fields []string, pattern string) (*WebIDHandler, error) {
	if !strings.Contains(pattern, ":sub") {
		return nil, ErrInvalidWebIDPattern
	}
	return &WebIDHandler{fields: fields, pattern: pattern}, nil
}

// CanHandle implements pipeline.Handler.
func (h *WebIDHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil
}

// Handle implements pipeline.Handler. Fields that are absent are skipped.
func (h *WebIDHandler) Handle(_ context.Context, ex *model.Exchange) (*model.Response, error) {
	if ex.Response.Status != http.StatusOK || ex.Response.Document == nil {
		return ex.Response, nil
	}

	resp := ex.Response.Clone()
	for _, field := range h.fields {
		decoded, ok := token.FromValue(resp.Document[field])
		if !ok {
			continue
		}
		if _, has := decoded.Payload["webid"]; has {
			continue
		}
		sub, ok := decoded.Payload["sub"].(string)
		if !ok || sub == "" {
			continue
		}

		payload := cloneClaims(decoded.Payload)
		payload["webid"] = h.WebID(sub)
		resp.Document[field] = &token.Decoded{Header: decoded.Header, Payload: payload}
	}
	return resp, nil
}

// WebID returns the WebID minted for sub.
func (h *WebIDHandler) WebID(sub string) string {
	return strings.ReplaceAll(h.pattern, ":sub", url.PathEscape(sub))
}
