// Package codec implements HTTP content-coding negotiation and the br, gzip
// and deflate codings.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Content codings.
const (
	Brotli   = "br"
	Gzip     = "gzip"
	Deflate  = "deflate"
	Identity = "identity"
	compress = "compress"
)

// ErrUnsupportedEncoding is returned for codings this package cannot handle.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// Supported reports whether coding can be encoded and decoded.
func Supported(coding string) bool {
	switch coding {
	case Brotli, Gzip, Deflate:
		return true
	}
	return false
}

// ParseAcceptEncoding splits an Accept-Encoding value into codings in the
// order the client listed them. Weights are dropped, except that codings
// with q=0 are omitted as the client refuses them. "compress" is never
// returned.
func ParseAcceptEncoding(header string) []string {
	var codings []string
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		coding := strings.ToLower(strings.TrimSpace(fields[0]))
		if coding == "" || coding == compress || refused(fields[1:]) {
			continue
		}
		codings = append(codings, coding)
	}
	return codings
}

func refused(params []string) bool {
	for _, p := range params {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.TrimSpace(k) != "q" {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return err == nil && q == 0
	}
	return false
}

// Negotiate picks the coding to apply for an Accept-Encoding value. It
// returns the empty string when the body should be sent unencoded: no
// acceptable coding remains or identity is preferred first.
func Negotiate(acceptEncoding string) string {
	codings := ParseAcceptEncoding(acceptEncoding)
	if len(codings) == 0 || codings[0] == Identity {
		return ""
	}
	for _, c := range codings {
		if Supported(c) {
			return c
		}
	}
	return ""
}

// Encode compresses data with coding.
func Encode(coding string, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch coding {
	case Brotli:
		w = brotli.NewWriter(&buf)
	case Gzip:
		w = gzip.NewWriter(&buf)
	case Deflate:
		w = zlib.NewWriter(&buf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("%s encode: %w", coding, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s encode: %w", coding, err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses data encoded with coding. The empty coding and
// identity return data unchanged.
func Decode(coding string, data []byte) ([]byte, error) {
	var r io.Reader
	src := bytes.NewReader(data)

	switch strings.ToLower(strings.TrimSpace(coding)) {
	case "", Identity:
		return data, nil
	case Brotli:
		r = brotli.NewReader(src)
	case Gzip:
		gr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer func() { _ = gr.Close() }()
		r = gr
	case Deflate:
		zr, err := zlib.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("deflate decode: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s decode: %w", coding, err)
	}
	return out, nil
}
