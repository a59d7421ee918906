package httpserver

import (
	echo "github.com/labstack/echo/v5"
)

// corsMiddleware reflects the request's Origin with credentials, exposes
// mcp-session-id to the client, and allows the skill auth headers (spec
// §4.8: "reflects origin with credentials; exposes mcp-session-id; allows
// the auth headers"). Reflecting rather than wildcarding is required
// because credentialed requests (`Access-Control-Allow-Credentials: true`)
// cannot use `Access-Control-Allow-Origin: *` per the Fetch spec.
func corsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		origin := c.Request().Header.Get("Origin")
		h := c.Response().Header()
		if origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", sessionIDHeader)
		h.Set("Access-Control-Allow-Headers", "Content-Type, workspace_key, skill_key, skill_name, mcp-session-id, mcp-protocol-version")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")

		if c.Request().Method == "OPTIONS" {
			return c.NoContent(204)
		}
		return next(c)
	}
}
