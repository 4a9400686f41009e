package httpx

import (
	"net/url"
	"strings"
)

// RemoveFormField drops every pair named name from an urlencoded body,
// keeping the other pairs byte for byte and in order.
func RemoveFormField(body, name string) string {
	pairs := strings.Split(body, "&")
	kept := pairs[:0]
	for _, p := range pairs {
		if p == "" || formKey(p) == name {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

// SetFormField replaces the value of the first pair named name and drops
// any later duplicates. The pair is appended when absent.
func SetFormField(body, name, value string) string {
	pair := url.QueryEscape(name) + "=" + url.QueryEscape(value)

	pairs := strings.Split(body, "&")
	out := make([]string, 0, len(pairs)+1)
	replaced := false
	for _, p := range pairs {
		if p == "" {
			continue
		}
		if formKey(p) != name {
			out = append(out, p)
			continue
		}
		if !replaced {
			out = append(out, pair)
			replaced = true
		}
	}
	if !replaced {
		out = append(out, pair)
	}
	return strings.Join(out, "&")
}

func formKey(pair string) string {
	k, _, _ := strings.Cut(pair, "=")
	if uk, err := url.QueryUnescape(k); err == nil {
		return uk
	}
	return k
}
