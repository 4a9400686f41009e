// Package service implements the terminal forwarding stage of every request
// chain: it relays requests to the upstream authorization server and adapts
// the responses so browsers stay on the proxy.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"solid-oidc-proxy/internal/codec"
	"solid-oidc-proxy/internal/httpx"
	"solid-oidc-proxy/internal/model"
)

// Doer sends a request upstream and returns the buffered response.
type Doer interface {
	Do(ctx context.Context, req *model.Request) (*model.Response, error)
}

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Passthrough forwards requests to the upstream server. HTML bodies have
// upstream URLs in action, src and href attributes replaced by the proxy
// URL, JSON bodies are delivered uncompressed, and redirects pointing at the
// upstream host are sent back to the proxy.
type Passthrough struct {
	client   Doer
	upstream *url.URL
	proxy    *url.URL
	attrs    *regexp.Regexp
	logger   *slog.Logger
}

// NewPassthrough creates a Passthrough relaying between proxyURI and upstreamURI.
func NewPassthrough(c Doer, proxyURI, upstreamURI string, logger *slog.Logger) (*Passthrough, error) {
	if c == nil {
		return nil, errors.New("passthrough: missing upstream client")
	}
	up, err := parseBase("upstream", upstreamURI)
	if err != nil {
		return nil, err
	}
	px, err := parseBase("proxy", proxyURI)
	if err != nil {
		return nil, err
	}

	attrs := regexp.MustCompile(`(?i)(\b(?:action|src|href)\s*=\s*["']?)` + regexp.QuoteMeta(baseString(up)))

	return &Passthrough{
		client:   c,
		upstream: up,
		proxy:    px,
		attrs:    attrs,
		logger:   logger.With("component", "passthrough"),
	}, nil
}

func parseBase(name, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s uri: %w", name, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%s uri %q is not absolute", name, raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func baseString(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

// CanHandle implements pipeline.Handler.
func (p *Passthrough) CanHandle(_ context.Context, req *model.Request) bool {
	return req.URL != nil
}

// Handle implements pipeline.Handler. Transport failures are faults.
func (p *Passthrough) Handle(ctx context.Context, req *model.Request) (*model.Response, error) {
	out := req.WithURL(p.upstreamURL(req.URL))
	out.Header = p.filterRequestHeaders(req)

	p.logger.Debug("forwarding request",
		"method", out.Method,
		"path", out.URL.Path,
	)

	resp, err := p.client.Do(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	for _, h := range hopByHopHeaders {
		resp.Header.Del(h)
	}
	p.rewriteLocation(resp)

	if err := p.rewriteBody(resp); err != nil {
		return nil, err
	}
	resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	return resp, nil
}

// upstreamURL maps u onto the upstream base, keeping path and query.
func (p *Passthrough) upstreamURL(u *url.URL) *url.URL {
	target := *u
	target.Scheme = p.upstream.Scheme
	target.Host = p.upstream.Host
	target.User = nil
	target.Path = p.upstream.Path + u.Path
	target.RawPath = ""
	target.Fragment = ""
	return &target
}

func (p *Passthrough) filterRequestHeaders(req *model.Request) http.Header {
	dst := req.Header.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
	dst.Del("Content-Length")
	if req.URL != nil && req.URL.Host != "" {
		dst.Set("X-Forwarded-Host", req.URL.Host)
		dst.Set("X-Forwarded-Proto", req.URL.Scheme)
	}
	return dst
}

// rewriteLocation points redirects aimed at the upstream host back at the proxy.
func (p *Passthrough) rewriteLocation(resp *model.Response) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return
	}
	u, err := url.Parse(loc)
	if err != nil || !strings.EqualFold(u.Host, p.upstream.Host) {
		return
	}
	u.Scheme = p.proxy.Scheme
	u.Host = p.proxy.Host
	if p.upstream.Path != "" {
		u.Path = strings.TrimPrefix(u.Path, p.upstream.Path)
	}
	u.Path = p.proxy.Path + u.Path
	u.RawPath = ""
	resp.Header.Set("Location", u.String())
}

func (p *Passthrough) rewriteBody(resp *model.Response) error {
	coding := resp.Header.Get("Content-Encoding")

	switch httpx.MediaType(resp.Header.Get("Content-Type")) {
	case "text/html":
		plain, err := codec.Decode(coding, resp.Body)
		if errors.Is(err, codec.ErrUnsupportedEncoding) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode upstream html: %w", err)
		}
		rewritten := p.RewriteHTML(plain)
		encoded, err := codec.Encode(coding, rewritten)
		if err != nil {
			return fmt.Errorf("encode upstream html: %w", err)
		}
		resp.Body = encoded

	case "application/json":
		plain, err := codec.Decode(coding, resp.Body)
		if errors.Is(err, codec.ErrUnsupportedEncoding) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode upstream json: %w", err)
		}
		resp.Body = plain
		resp.Header.Del("Content-Encoding")
	}
	return nil
}

// RewriteHTML replaces the upstream base URL with the proxy base URL inside
// action, src and href attribute values.
func (p *Passthrough) RewriteHTML(body []byte) []byte {
	replacement := "${1}" + strings.ReplaceAll(baseString(p.proxy), "$", "$$")
	return p.attrs.ReplaceAll(body, []byte(replacement))
}
