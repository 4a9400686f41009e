// Package oauth defines the protocol errors produced by pipeline stages.
//
// A protocol error is a value: it describes a well-formed error response
// that should be returned to the client. Any other error travelling through
// the pipeline is a fault and aborts the request.
package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"solid-oidc-proxy/internal/model"
)

// Error codes used by the proxy.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidGrant     = "invalid_grant"
	CodeInvalidClient    = "invalid_client"
	CodeInvalidDPoPProof = "invalid_dpop_proof"
	CodeServerError      = "server_error"
)

// Error is an OAuth2 protocol error response.
type Error struct {
	Status      int
	Code        string
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Response renders the error as a JSON response.
func (e *Error) Response() *model.Response {
	resp, err := model.NewJSONResponse(e.Status, map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
	if err != nil {
		// A map of strings always marshals.
		panic(err)
	}
	return resp
}

// NewError creates a protocol error with the given status.
func NewError(status int, code, description string) *Error {
	return &Error{Status: status, Code: code, Description: description}
}

// InvalidRequest creates a 400 invalid_request error.
func InvalidRequest(description string) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidRequest, description)
}

// InvalidGrant creates a 400 invalid_grant error.
func InvalidGrant(description string) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidGrant, description)
}

// InvalidDPoPProof creates a 400 invalid_dpop_proof error.
func InvalidDPoPProof(description string) *Error {
	return NewError(http.StatusBadRequest, CodeInvalidDPoPProof, description)
}

// AsError reports whether err is a protocol error and returns it.
func AsError(err error) (*Error, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
