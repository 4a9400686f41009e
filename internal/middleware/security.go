package middleware

import (
	"github.com/labstack/echo/v4"
)

// Connection-scoped headers a proxy must not relay.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders drops hop-by-hop request headers before they reach the
// upstream relay and sets baseline response headers. Frame options are left
// to the upstream, whose login pages are relayed as-is.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			in := c.Request().Header
			for _, name := range hopByHopHeaders {
				in.Del(name)
			}

			// Handlers commit the response while writing it.
			out := c.Response().Header()
			out.Set(echo.HeaderXContentTypeOptions, "nosniff")
			out.Set(echo.HeaderReferrerPolicy, "no-referrer")
			return next(c)
		}
	}
}

// NoStore marks responses as uncacheable. Token and redirect responses carry
// credentials and must not be stored by intermediaries.
func NoStore() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			out := c.Response().Header()
			out.Set("Cache-Control", "no-store")
			out.Set("Pragma", "no-cache")
			return next(c)
		}
	}
}
