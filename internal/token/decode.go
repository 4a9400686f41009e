// Package token decodes, verifies and re-signs the compact JWTs carried in
// token endpoint responses.
package token

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned for values that are not compact JWTs.
var ErrMalformed = errors.New("malformed jwt")

// Decoded is a JWT split into its header and payload objects. Numbers are
// kept as json.Number so claims survive a decode and encode unchanged.
type Decoded struct {
	Header  map[string]any `json:"header"`
	Payload map[string]any `json:"payload"`
}

// Decoder turns a compact JWT into a Decoded value.
type Decoder interface {
	Decode(ctx context.Context, token string) (*Decoded, error)
}

// LocalDecoder decodes tokens without checking their signature.
type LocalDecoder struct{}

// Decode implements Decoder.
func (LocalDecoder) Decode(_ context.Context, token string) (*Decoded, error) {
	return DecodeUnverified(token)
}

// IsCompact reports whether s has the structure of a compact JWT: at least
// three dot-separated segments.
func IsCompact(s string) bool {
	return len(strings.Split(s, ".")) >= 3
}

// DecodeUnverified decodes the header and payload of a compact JWT.
func DecodeUnverified(token string) (*Decoded, error) {
	parts := strings.Split(token, ".")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: expected at least 3 segments, got %d", ErrMalformed, len(parts))
	}

	header, err := decodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	return &Decoded{Header: header, Payload: payload}, nil
}

func decodeSegment(seg string) (map[string]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(seg, "="))
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not a JSON object")
	}
	return obj, nil
}

// FromValue extracts a Decoded value from a response document field. It
// accepts either a *Decoded or its JSON object form.
func FromValue(v any) (*Decoded, bool) {
	switch d := v.(type) {
	case *Decoded:
		if d == nil || d.Header == nil || d.Payload == nil {
			return nil, false
		}
		return d, true
	case map[string]any:
		header, hok := d["header"].(map[string]any)
		payload, pok := d["payload"].(map[string]any)
		if !hok || !pok {
			return nil, false
		}
		return &Decoded{Header: header, Payload: payload}, true
	}
	return nil, false
}
