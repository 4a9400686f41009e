package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// DiscoveryPath is where an OpenID provider publishes its configuration.
const DiscoveryPath = "/.well-known/openid-configuration"

var (
	// ErrDiscovery is returned when the upstream discovery document cannot
	// be fetched or lacks a jwks_uri.
	ErrDiscovery = errors.New("failed to discover upstream jwks_uri")

	// ErrVerification is returned when a token signature does not verify
	// against the upstream key set.
	ErrVerification = errors.New("token signature verification failed")
)

// UpstreamVerifier decodes tokens after verifying their signature with the
// key published by the upstream server under the token's kid.
//
// Only the signature is checked. Expiry, issuer and audience are left to the
// client, as the proxy forwards tokens it has just received from the issuer.
type UpstreamVerifier struct {
	discoveryURL string
	client       *http.Client
	cache        *jwk.Cache
	cancel       context.CancelFunc

	mu      sync.Mutex
	jwksURL string
}

// NewUpstreamVerifier creates a verifier for the provider at issuerURL.
// The key set location is discovered lazily on first use.
func NewUpstreamVerifier(issuerURL string, client *http.Client) (*UpstreamVerifier, error) {
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create jwks cache: %w", err)
	}

	return &UpstreamVerifier{
		discoveryURL: strings.TrimRight(issuerURL, "/") + DiscoveryPath,
		client:       client,
		cache:        cache,
		cancel:       cancel,
	}, nil
}

// Close stops the background key set refresh.
func (v *UpstreamVerifier) Close() error {
	v.cancel()
	return nil
}

// Decode implements Decoder.
func (v *UpstreamVerifier) Decode(ctx context.Context, token string) (*Decoded, error) {
	if !IsCompact(token) {
		return nil, fmt.Errorf("%w: expected at least 3 segments", ErrMalformed)
	}

	jwksURL, err := v.keySetURL(ctx)
	if err != nil {
		return nil, err
	}

	_, err = jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return v.lookupKey(ctx, jwksURL, t)
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrVerification, err)
	}

	return DecodeUnverified(token)
}

func (v *UpstreamVerifier) lookupKey(ctx context.Context, jwksURL string, t *jwt.Token) (any, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.cache.Lookup(ctx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("lookup jwks: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in upstream jwks", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("export jwk: %w", err)
	}
	return raw, nil
}

// keySetURL resolves and registers the upstream jwks_uri once.
func (v *UpstreamVerifier) keySetURL(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.jwksURL != "" {
		return v.jwksURL, nil
	}

	jwksURL, err := v.discover(ctx)
	if err != nil {
		return "", err
	}
	if err := v.cache.Register(ctx, jwksURL); err != nil {
		return "", fmt.Errorf("register jwks url: %w", err)
	}
	v.jwksURL = jwksURL
	return jwksURL, nil
}

func (v *UpstreamVerifier) discover(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrDiscovery, resp.StatusCode)
	}

	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDiscovery, err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("%w: jwks_uri missing", ErrDiscovery)
	}
	return doc.JWKSURI, nil
}
