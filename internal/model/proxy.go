// Package model defines the request and response types that flow through the
// proxy pipeline.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strconv"
)

// Request is an inbound or outbound HTTP request as seen by pipeline stages.
// Stages treat it as immutable and derive modified copies with Clone or the
// With* helpers.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := &Request{
		Method: r.Method,
		Header: r.Header.Clone(),
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	return c
}

// WithURL returns a copy of the request targeting u.
func (r *Request) WithURL(u *url.URL) *Request {
	c := r.Clone()
	nu := *u
	c.URL = &nu
	return c
}

// WithHeader returns a copy of the request with the header key set to value.
func (r *Request) WithHeader(key, value string) *Request {
	c := r.Clone()
	c.Header.Set(key, value)
	return c
}

// WithBody returns a copy of the request carrying body, with Content-Length
// recalculated from its byte length.
func (r *Request) WithBody(body []byte) *Request {
	c := r.Clone()
	c.Body = body
	c.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return c
}

// Response is the result of a pipeline stage.
//
// Early stages carry raw bytes in Body. Stages that work on a JSON object
// parse it into Document; while Document is non-nil it is authoritative and
// Body is stale until Finalize is called.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Document map[string]any
}

// NewResponse creates a response with an empty header map.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// NewJSONResponse marshals v into a response body with a JSON content type.
func NewJSONResponse(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal response body: %w", err)
	}
	resp := NewResponse(status, body)
	resp.Header.Set("Content-Type", "application/json")
	resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return resp, nil
}

// Clone returns a copy of the response. The top level of Document is copied;
// nested values are shared.
func (r *Response) Clone() *Response {
	c := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if r.Body != nil {
		c.Body = bytes.Clone(r.Body)
	}
	if r.Document != nil {
		c.Document = maps.Clone(r.Document)
	}
	return c
}

// Bytes returns the serialized body, marshalling Document when set.
func (r *Response) Bytes() ([]byte, error) {
	if r.Document == nil {
		return r.Body, nil
	}
	body, err := json.Marshal(r.Document)
	if err != nil {
		return nil, fmt.Errorf("marshal response document: %w", err)
	}
	return body, nil
}

// Finalize serializes Document into Body and recalculates Content-Length.
func (r *Response) Finalize() error {
	if r.Document != nil {
		body, err := r.Bytes()
		if err != nil {
			return err
		}
		r.Body = body
		r.Document = nil
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	return nil
}

// Exchange pairs the inbound request with the response produced so far.
// Response-side stages receive it so they can consult request headers such as
// DPoP, Origin and Accept-Encoding.
type Exchange struct {
	Request  *Request
	Response *Response
}

// PKCE challenge methods.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ChallengeAndMethod is the PKCE challenge captured at authorization time.
// It is stored under the client state and rekeyed to the authorization code
// once the upstream issues one.
type ChallengeAndMethod struct {
	Challenge string `json:"challenge"`
	Method    string `json:"method"`
	// InitialState records whether the client supplied its own state.
	InitialState bool `json:"initialState,omitempty"`
}
