// Package httpx holds HTTP helpers shared by pipeline stages: charset-aware
// body encoding and form and content-type parsing.
package httpx

import (
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultCharset applies when a content type declares none.
const DefaultCharset = "utf-8"

// ErrUnsupportedCharset is returned for charsets with no known encoding.
var ErrUnsupportedCharset = errors.New("unsupported charset")

// MediaType returns the lower-cased media type of a Content-Type value, or
// the empty string when it cannot be parsed.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mt
}

// Charset returns the charset parameter of a Content-Type value, defaulting
// to utf-8.
func Charset(contentType string) string {
	if contentType == "" {
		return DefaultCharset
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["charset"] == "" {
		return DefaultCharset
	}
	return strings.ToLower(params["charset"])
}

// bodyEncoding resolves the charset declared by contentType. A nil encoding
// means the body is utf-8 and needs no transcoding.
func bodyEncoding(contentType string) (encoding.Encoding, error) {
	charset := Charset(contentType)

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCharset, charset)
	}
	if name, _ := htmlindex.Name(enc); name == DefaultCharset {
		return nil, nil
	}
	return enc, nil
}

// DecodeBody returns b as text, decoded from the charset declared by
// contentType.
func DecodeBody(b []byte, contentType string) (string, error) {
	enc, err := bodyEncoding(contentType)
	if err != nil {
		return "", err
	}
	if enc == nil {
		return string(b), nil
	}

	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode body as %s: %w", Charset(contentType), err)
	}
	return string(out), nil
}

// EncodeBody encodes s using the charset declared by contentType. The length
// of the result is the byte length to advertise in Content-Length.
func EncodeBody(s, contentType string) ([]byte, error) {
	enc, err := bodyEncoding(contentType)
	if err != nil {
		return nil, err
	}
	if enc == nil {
		return []byte(s), nil
	}

	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).String(s)
	if err != nil {
		return nil, fmt.Errorf("encode body as %s: %w", Charset(contentType), err)
	}
	return []byte(out), nil
}

// ContentLength returns the byte length of s in the charset declared by
// contentType.
func ContentLength(s, contentType string) (int, error) {
	b, err := EncodeBody(s, contentType)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ParseForm parses an application/x-www-form-urlencoded body.
func ParseForm(body []byte) (url.Values, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("parse form body: %w", err)
	}
	return values, nil
}
