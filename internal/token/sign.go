package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// ErrNoSigningKey is returned when a key set holds no usable private key.
var ErrNoSigningKey = errors.New("jwks contains no private signing key")

// Signer re-signs decoded tokens with the proxy's own key.
type Signer struct {
	key    jose.JSONWebKey
	alg    jose.SignatureAlgorithm
	public jose.JSONWebKeySet
}

// LoadSigner reads a JWKS file ({"keys": [...]}) and creates a Signer.
func LoadSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from configuration
	if err != nil {
		return nil, fmt.Errorf("read jwks file: %w", err)
	}

	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse jwks file %s: %w", path, err)
	}
	return NewSigner(set)
}

// NewSigner creates a Signer using the first private signing key in set.
// Missing kid and alg values are derived from the key.
func NewSigner(set jose.JSONWebKeySet) (*Signer, error) {
	s := &Signer{}
	found := false

	for _, k := range set.Keys {
		if !k.Valid() {
			continue
		}
		if pub := k.Public(); pub.Valid() {
			s.public.Keys = append(s.public.Keys, pub)
		}
		if found || k.IsPublic() || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if _, ok := k.Key.(crypto.Signer); !ok {
			continue
		}

		alg := jose.SignatureAlgorithm(k.Algorithm)
		if alg == "" {
			derived, err := deriveAlgorithm(k.Key)
			if err != nil {
				continue
			}
			alg = derived
		}
		if k.KeyID == "" {
			kid, err := deriveKeyID(k)
			if err != nil {
				return nil, err
			}
			k.KeyID = kid
			s.public.Keys[len(s.public.Keys)-1].KeyID = kid
		}

		s.key, s.alg, found = k, alg, true
	}

	if !found {
		return nil, ErrNoSigningKey
	}
	return s, nil
}

// KeyID returns the kid of the signing key.
func (s *Signer) KeyID() string { return s.key.KeyID }

// Algorithm returns the signing algorithm.
func (s *Signer) Algorithm() jose.SignatureAlgorithm { return s.alg }

// PublicJWKS returns the public half of every key in the loaded set.
func (s *Signer) PublicJWKS() jose.JSONWebKeySet { return s.public }

// Sign serializes payload as a compact JWT. The alg and kid headers are set
// from the signing key; typ is kept from header, defaulting to JWT.
func (s *Signer) Sign(header, payload map[string]any) (string, error) {
	typ := "JWT"
	if t, ok := header["typ"].(string); ok && t != "" {
		typ = t
	}

	opts := (&jose.SignerOptions{}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: s.alg, Key: s.key}, opts)
	if err != nil {
		return "", fmt.Errorf("create token signer: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}
	jws, err := signer.Sign(body)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return jws.CompactSerialize()
}

func deriveKeyID(k jose.JSONWebKey) (string, error) {
	sum, err := k.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("derive key id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

func deriveAlgorithm(key any) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
		return "", fmt.Errorf("unsupported EC curve: %s", k.Curve.Params().Name)
	case ed25519.PrivateKey:
		return jose.EdDSA, nil
	}
	return "", fmt.Errorf("unsupported key type: %T", key)
}
