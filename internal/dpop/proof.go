// Package dpop validates DPoP proofs (RFC 9449) presented to the proxy and
// mints replacement proofs addressed to the upstream token endpoint.
package dpop

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"solid-oidc-proxy/internal/oauth"
)

// HeaderName is the request header carrying a proof.
const HeaderName = "DPoP"

// ProofType is the required typ header of a proof.
const ProofType = "dpop+jwt"

const (
	// DefaultMaxAge bounds how far in the past a proof iat may be.
	DefaultMaxAge = 2 * time.Minute

	// DefaultClockSkew bounds how far in the future a proof iat may be.
	DefaultClockSkew = 30 * time.Second
)

// SignatureAlgorithms are the asymmetric algorithms accepted on proofs.
var SignatureAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Proof is a validated DPoP proof.
type Proof struct {
	Raw string
	// Key is the public key embedded in the proof header.
	Key jose.JSONWebKey
	// Claims holds every payload claim, numbers decoded as json.Number.
	Claims   map[string]any
	JTI      string
	HTM      string
	HTU      string
	IssuedAt time.Time
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of the proof key,
// base64url encoded without padding.
func (p *Proof) Thumbprint() (string, error) {
	return Thumbprint(p.Key)
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of key.
func Thumbprint(key jose.JSONWebKey) (string, error) {
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// Validator checks proofs sent to one endpoint.
type Validator struct {
	maxAge time.Duration
	skew   time.Duration
	replay ReplayCache
	now    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithMaxAge sets the maximum accepted proof age.
func WithMaxAge(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.maxAge = d
		}
	}
}

// WithReplayCache enables jti replay detection.
func WithReplayCache(c ReplayCache) Option {
	return func(v *Validator) {
		v.replay = c
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// NewValidator creates a Validator. Without WithReplayCache, jti values are
// required but not checked for reuse.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		maxAge: DefaultMaxAge,
		skew:   DefaultClockSkew,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies proof with its embedded key and checks it was minted for
// method and targetURI. Failures are returned as invalid_dpop_proof protocol
// errors; only replay cache failures are returned as plain errors.
func (v *Validator) Validate(ctx context.Context, proof, method, targetURI string) (*Proof, error) {
	if proof == "" {
		return nil, oauth.InvalidDPoPProof("DPoP header missing on the request.")
	}

	jws, err := jose.ParseSigned(proof, SignatureAlgorithms)
	if err != nil {
		return nil, oauth.InvalidDPoPProof("DPoP proof is not a valid JWS")
	}
	if len(jws.Signatures) != 1 {
		return nil, oauth.InvalidDPoPProof("DPoP proof must carry exactly one signature")
	}
	header := jws.Signatures[0].Header

	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != ProofType {
		return nil, oauth.InvalidDPoPProof("typ is not " + ProofType)
	}

	jwk := header.JSONWebKey
	if jwk == nil {
		return nil, oauth.InvalidDPoPProof("jwk header missing")
	}
	if !jwk.IsPublic() {
		return nil, oauth.InvalidDPoPProof("jwk must be a public key")
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, oauth.InvalidDPoPProof("signature verification failed")
	}

	claims, err := decodeClaims(payload)
	if err != nil {
		return nil, oauth.InvalidDPoPProof("payload is not a JSON object")
	}

	p := &Proof{Raw: proof, Key: *jwk, Claims: claims}
	p.HTM, _ = claims["htm"].(string)
	p.HTU, _ = claims["htu"].(string)
	p.JTI, _ = claims["jti"].(string)

	if p.HTM != method {
		return nil, oauth.InvalidDPoPProof("htm does not match")
	}
	if !sameURI(p.HTU, targetURI) {
		return nil, oauth.InvalidDPoPProof("htu does not match")
	}
	if p.JTI == "" {
		return nil, oauth.InvalidDPoPProof("jti is missing")
	}

	iat, ok := numericDate(claims["iat"])
	if !ok {
		return nil, oauth.InvalidDPoPProof("iat is missing")
	}
	p.IssuedAt = iat
	now := v.now()
	if now.Sub(iat) > v.maxAge || iat.Sub(now) > v.skew {
		return nil, oauth.InvalidDPoPProof("iat is outside the acceptable window")
	}

	if v.replay != nil {
		replayed, err := v.replay.Record(ctx, p.JTI, v.maxAge+v.skew)
		if err != nil {
			return nil, fmt.Errorf("record dpop jti: %w", err)
		}
		if replayed {
			return nil, oauth.InvalidDPoPProof("jti has already been used")
		}
	}
	return p, nil
}

// Rebind mints a proof with the same claims as p except htu, signed by a
// freshly generated ES256 key that is embedded in the header.
func Rebind(p *Proof, htu string) (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate proof key: %w", err)
	}

	claims := maps.Clone(p.Claims)
	claims["htu"] = htu
	return Sign(priv, jose.ES256, claims)
}

// Sign creates a proof over claims, embedding the public half of key.
func Sign(key crypto.Signer, alg jose.SignatureAlgorithm, claims map[string]any) (string, error) {
	opts := (&jose.SignerOptions{}).WithType(ProofType)
	opts = opts.WithHeader("jwk", jose.JSONWebKey{
		Key:       key.Public(),
		Algorithm: string(alg),
		Use:       "sig",
	})

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("create proof signer: %w", err)
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal proof claims: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign proof: %w", err)
	}
	return jws.CompactSerialize()
}

// NormalizeURI normalizes a URI for htu comparison: lower-case scheme and
// host, default ports removed, query and fragment dropped.
func NormalizeURI(rawURI string) (string, error) {
	if rawURI == "" {
		return "", errors.New("uri is empty")
	}
	parsed, err := url.Parse(rawURI)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("uri must have scheme and host")
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	if port := parsed.Port(); port != "" {
		if !(scheme == "https" && port == "443") && !(scheme == "http" && port == "80") {
			host = host + ":" + port
		}
	}

	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path, nil
}

func sameURI(a, b string) bool {
	na, err := NormalizeURI(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeURI(b)
	if err != nil {
		return false
	}
	return na == nb
}

func decodeClaims(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, err
	}
	if claims == nil {
		return nil, errors.New("null payload")
	}
	return claims, nil
}

func numericDate(v any) (time.Time, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return time.Time{}, false
	}
	secs, err := n.Float64()
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(secs), 0), true
}
