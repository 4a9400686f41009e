package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
	"solid-oidc-proxy/internal/token"
)

// TokenFields are the token response fields holding compact JWTs.
var TokenFields = []string{"access_token", "id_token"}

// JWTDecodeHandler parses a token response and replaces each configured
// field with its decoded header and payload.
type JWTDecodeHandler struct {
	fields  []string
	decoder token.Decoder
}

// NewJWTDecodeHandler creates a JWTDecodeHandler.
func NewJWTDecodeHandler(fields []string, decoder token.Decoder) (*JWTDecodeHandler, error) {
	if decoder == nil {
		return nil, fmt.Errorf("jwt decode: %w: decoder", ErrMissingDependency)
	}
	if len(fields) == 0 {
		return nil, errors.New("jwt decode: no fields to decode")
	}
	return &JWTDecodeHandler{fields: fields, decoder: decoder}, nil
}

// CanHandle implements pipeline.Handler.
func (h *JWTDecodeHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil
}

// Handle implements pipeline.Handler. Upstream errors pass through with
// their status normalized to 400.
func (h *JWTDecodeHandler) Handle(ctx context.Context, ex *model.Exchange) (*model.Response, error) {
	if ex.Response.Status != http.StatusOK {
		resp := ex.Response.Clone()
		resp.Status = http.StatusBadRequest
		return resp, nil
	}

	resp := ex.Response.Clone()
	if resp.Document == nil {
		doc, err := decodeDocument(resp.Body)
		if err != nil {
			return nil, oauth.InvalidRequest("Upstream response body is not a JSON object.")
		}
		resp.Document = doc
	}

	for _, field := range h.fields {
		raw, ok := resp.Document[field].(string)
		if !ok {
			return nil, oauth.InvalidRequest(fmt.Sprintf("Response body does not contain a %s.", field))
		}
		if !token.IsCompact(raw) {
			return nil, oauth.InvalidRequest(fmt.Sprintf("The %s is not a valid JWT.", field))
		}

		decoded, err := h.decoder.Decode(ctx, raw)
		if errors.Is(err, token.ErrMalformed) {
			return nil, oauth.InvalidRequest(fmt.Sprintf("The %s is not a valid JWT.", field))
		}
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", field, err)
		}
		resp.Document[field] = decoded
	}
	return resp, nil
}

// JWTEncodeHandler signs each decoded field with the proxy's key, claiming
// the proxy as issuer and assigning a fresh jti, and serializes the body.
type JWTEncodeHandler struct {
	fields []string
	signer *token.Signer
	issuer string
}

// NewJWTEncodeHandler creates a JWTEncodeHandler issuing tokens as issuer.
func NewJWTEncodeHandler(fields []string, signer *token.Signer, issuer string) (*JWTEncodeHandler, error) {
	if signer == nil {
		return nil, fmt.Errorf("jwt encode: %w: signer", ErrMissingDependency)
	}
	if len(fields) == 0 {
		return nil, errors.New("jwt encode: no fields to encode")
	}
	return &JWTEncodeHandler{fields: fields, signer: signer, issuer: issuer}, nil
}

// CanHandle implements pipeline.Handler.
func (h *JWTEncodeHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil
}

// Handle implements pipeline.Handler.
func (h *JWTEncodeHandler) Handle(_ context.Context, ex *model.Exchange) (*model.Response, error) {
	if ex.Response.Status != http.StatusOK {
		return ex.Response, nil
	}

	resp := ex.Response.Clone()
	if resp.Document == nil {
		return nil, oauth.InvalidRequest("Response body holds no decoded tokens.")
	}

	for _, field := range h.fields {
		v, present := resp.Document[field]
		if !present {
			return nil, oauth.InvalidRequest(fmt.Sprintf("Response body does not contain a %s.", field))
		}
		decoded, ok := token.FromValue(v)
		if !ok {
			return nil, oauth.InvalidRequest(fmt.Sprintf("The %s has no header or payload.", field))
		}

		payload := cloneClaims(decoded.Payload)
		payload["iss"] = h.issuer
		payload["jti"] = uuid.NewString()

		signed, err := h.signer.Sign(decoded.Header, payload)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", field, err)
		}
		resp.Document[field] = signed
	}

	if err := resp.Finalize(); err != nil {
		return nil, err
	}
	return resp, nil
}

func decodeDocument(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.New("null document")
	}
	return doc, nil
}
