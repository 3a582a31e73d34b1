package api

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/casey/pkg/config"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// bearerAuth returns middleware requiring the bearer token named by the
// server config. A missing config or unset token disables authentication.
// WebSocket dials from browsers cannot set headers, so an access_token query
// parameter is accepted as an alternative.
func bearerAuth(cfg *config.ServerConfig) echo.MiddlewareFunc {
	var token string
	if cfg != nil && cfg.AuthTokenEnv != "" {
		token = os.Getenv(cfg.AuthTokenEnv)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if token == "" {
				return next(c)
			}
			if presented, ok := strings.CutPrefix(c.Request().Header.Get("Authorization"), "Bearer "); ok {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
					return next(c)
				}
			}
			if subtle.ConstantTimeCompare([]byte(c.QueryParam("access_token")), []byte(token)) == 1 {
				return next(c)
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
		}
	}
}
