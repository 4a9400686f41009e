package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"solid-oidc-proxy/internal/dpop"
	"solid-oidc-proxy/internal/model"
	"solid-oidc-proxy/internal/oauth"
	"solid-oidc-proxy/internal/store"
	"solid-oidc-proxy/internal/token"
)

const (
	testProxyTokenURL    = "https://proxy.example/token"
	testUpstreamTokenURL = "https://idp.example/oauth/token"
	testRedirectURL      = "https://proxy.example/redirect"
	testIssuer           = "https://proxy.example"
)

// upstreamStub stands in for the passthrough stage. It records every
// request it receives and answers with respond.
type upstreamStub struct {
	mu       sync.Mutex
	requests []*model.Request
	respond  func(req *model.Request) *model.Response
}

func (u *upstreamStub) CanHandle(context.Context, *model.Request) bool { return true }

func (u *upstreamStub) Handle(_ context.Context, req *model.Request) (*model.Response, error) {
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()
	if u.respond == nil {
		return model.NewResponse(http.StatusOK, nil), nil
	}
	return u.respond(req), nil
}

func (u *upstreamStub) calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

func (u *upstreamStub) last(t *testing.T) *model.Request {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.requests) == 0 {
		t.Fatal("upstream was never called")
	}
	return u.requests[len(u.requests)-1]
}

func newChallengeStore(t *testing.T) *store.MemoryStore[model.ChallengeAndMethod] {
	t.Helper()
	s := store.NewMemoryStore[model.ChallengeAndMethod]()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedirectStore(t *testing.T) *store.MemoryStore[string] {
	t.Helper()
	s := store.NewMemoryStore[string]()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func newTestSigner(t *testing.T) (*token.Signer, *ecdsa.PrivateKey) {
	t.Helper()
	key := newECKey(t)
	s, err := token.NewSigner(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: key, KeyID: "proxy-key", Use: "sig"},
	}})
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return s, key
}

// compactJWT signs payload with key the way an upstream server would.
func compactJWT(t *testing.T, key *ecdsa.PrivateKey, payload map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: jose.JSONWebKey{Key: key, KeyID: "upstream-key"}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	jws, err := signer.Sign(body)
	if err != nil {
		t.Fatal(err)
	}
	out, err := jws.CompactSerialize()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func newProof(t *testing.T, key *ecdsa.PrivateKey, method, htu string) string {
	t.Helper()
	proof, err := dpop.Sign(key, jose.ES256, map[string]any{
		"jti": "proof-" + time.Now().Format(time.RFC3339Nano),
		"htm": method,
		"htu": htu,
		"iat": time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("dpop.Sign() error = %v", err)
	}
	return proof
}

func formRequest(t *testing.T, target, body string) *model.Request {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	req := &model.Request{Method: http.MethodPost, URL: u, Header: make(http.Header)}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req.WithBody([]byte(body))
}

func getRequest(t *testing.T, target string) *model.Request {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatal(err)
	}
	return &model.Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
}

func wantProtocolError(t *testing.T, err error, status int, code, description string) {
	t.Helper()
	oe, ok := oauth.AsError(err)
	if !ok {
		t.Fatalf("error = %v, want protocol error", err)
	}
	if oe.Status != status || oe.Code != code || oe.Description != description {
		t.Errorf("error = %d %s %q, want %d %s %q", oe.Status, oe.Code, oe.Description, status, code, description)
	}
}

func decodeBody(t *testing.T, resp *model.Response) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("response body %q is not JSON: %v", resp.Body, err)
	}
	return body
}

func redirectResponse(location string) *model.Response {
	resp := model.NewResponse(http.StatusFound, nil)
	resp.Header.Set("Location", location)
	return resp
}
