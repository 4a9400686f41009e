package identity

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"solid-oidc-proxy/internal/codec"
	"solid-oidc-proxy/internal/model"
)

// CORSHandler echoes the request Origin into Access-Control-Allow-Origin.
type CORSHandler struct{}

// NewCORSHandler creates a CORSHandler.
func NewCORSHandler() *CORSHandler { return &CORSHandler{} }

// CanHandle implements pipeline.Handler.
func (h *CORSHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil && ex.Request != nil && ex.Request.Header.Get("Origin") != ""
}

// Handle implements pipeline.Handler.
func (h *CORSHandler) Handle(_ context.Context, ex *model.Exchange) (*model.Response, error) {
	resp := ex.Response.Clone()
	setCORS(resp.Header, ex.Request.Header.Get("Origin"))
	return resp, nil
}

func setCORS(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	addVary(h, "Origin")
}

// addVary appends name to Vary unless an upstream already listed it.
func addVary(h http.Header, name string) {
	for _, v := range h.Values("Vary") {
		for _, field := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(field), name) {
				return
			}
		}
	}
	h.Add("Vary", name)
}

// PreflightHandler answers CORS preflight requests without contacting the
// upstream server.
type PreflightHandler struct {
	methods string
	headers string
}

// NewPreflightHandler creates a PreflightHandler allowing methods.
func NewPreflightHandler(methods ...string) *PreflightHandler {
	return &PreflightHandler{
		methods: strings.Join(append(methods, http.MethodOptions), ", "),
		headers: "Authorization, Content-Type, DPoP",
	}
}

// CanHandle implements pipeline.Handler.
func (h *PreflightHandler) CanHandle(_ context.Context, req *model.Request) bool {
	return req.Method == http.MethodOptions
}

// Handle implements pipeline.Handler.
func (h *PreflightHandler) Handle(_ context.Context, req *model.Request) (*model.Response, error) {
	resp := model.NewResponse(http.StatusNoContent, nil)
	if origin := req.Header.Get("Origin"); origin != "" {
		setCORS(resp.Header, origin)
	}
	resp.Header.Set("Access-Control-Allow-Methods", h.methods)
	if requested := req.Header.Get("Access-Control-Request-Headers"); requested != "" {
		resp.Header.Set("Access-Control-Allow-Headers", requested)
	} else {
		resp.Header.Set("Access-Control-Allow-Headers", h.headers)
	}
	resp.Header.Set("Access-Control-Max-Age", "600")
	return resp, nil
}

// CompressionHandler encodes the response body with the first coding the
// client accepts. It must run after every stage that reads the body.
type CompressionHandler struct{}

// NewCompressionHandler creates a CompressionHandler.
func NewCompressionHandler() *CompressionHandler { return &CompressionHandler{} }

// CanHandle implements pipeline.Handler. Requests without Accept-Encoding
// are left alone.
func (h *CompressionHandler) CanHandle(_ context.Context, ex *model.Exchange) bool {
	return ex.Response != nil && ex.Request != nil && len(ex.Request.Header.Values("Accept-Encoding")) > 0
}

// Handle implements pipeline.Handler.
func (h *CompressionHandler) Handle(_ context.Context, ex *model.Exchange) (*model.Response, error) {
	resp := ex.Response.Clone()
	if err := resp.Finalize(); err != nil {
		return nil, err
	}

	plain, err := codec.Decode(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}

	addVary(resp.Header, "Accept-Encoding")
	coding := codec.Negotiate(strings.Join(ex.Request.Header.Values("Accept-Encoding"), ","))
	if coding == "" || len(plain) == 0 {
		resp.Header.Del("Content-Encoding")
		resp.Body = plain
		resp.Header.Set("Content-Length", strconv.Itoa(len(plain)))
		return resp, nil
	}

	encoded, err := codec.Encode(coding, plain)
	if err != nil {
		return nil, fmt.Errorf("encode response body: %w", err)
	}
	resp.Body = encoded
	resp.Header.Set("Content-Encoding", coding)
	resp.Header.Set("Content-Length", strconv.Itoa(len(encoded)))
	return resp, nil
}
