package api

import (
	echo "github.com/labstack/echo/v5"
)

// extractAuthor identifies the operator behind a request from oauth2-proxy
// headers, the same priority order the teacher uses for alert/session
// authorship: X-Forwarded-User, then X-Forwarded-Email, then a generic
// fallback for direct API clients that bypass the proxy.
func extractAuthor(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	return "api-client"
}
