package api

import (
	echo "github.com/labstack/echo/v5"
)

// requestAuthor resolves who asked for an operation. The bearer token is
// shared and carries no identity, so attribution comes from the identity
// headers an auth proxy sets, with X-Casey-Author as an opt-in for direct
// API clients. Unattributed requests record as "api-client".
func requestAuthor(c *echo.Context) string {
	for _, h := range []string{"X-Forwarded-User", "X-Forwarded-Email", "X-Casey-Author"} {
		if v := c.Request().Header.Get(h); v != "" {
			return v
		}
	}
	return "api-client"
}
