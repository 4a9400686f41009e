// Package pkce implements the code challenge derivation of RFC 7636.
package pkce

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"

	"solid-oidc-proxy/internal/model"
)

// Verifier length bounds from RFC 7636 Section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// ErrUnsupportedMethod is returned for challenge methods other than S256 and plain.
var ErrUnsupportedMethod = errors.New("unsupported code challenge method")

// GenerateChallenge derives the code challenge for verifier.
// S256 is BASE64URL(SHA256(verifier)) without padding; plain is the verifier itself.
func GenerateChallenge(verifier, method string) (string, error) {
	switch method {
	case model.MethodS256:
		return oauth2.S256ChallengeFromVerifier(verifier), nil
	case model.MethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// ValidVerifierLength reports whether verifier has an acceptable length.
func ValidVerifierLength(verifier string) bool {
	return len(verifier) >= MinVerifierLength && len(verifier) <= MaxVerifierLength
}

// SupportedMethod reports whether method is a supported challenge method.
func SupportedMethod(method string) bool {
	return method == model.MethodS256 || method == model.MethodPlain
}
