package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/hubd/hubd/pkg/hub"
)

// acceptOptions allows hubd.yaml's configured origins to gate the upgrade.
// An empty allowlist accepts every origin, matching the teacher's
// InsecureSkipVerify default for local/dev deployments.
func acceptOptions(allowedOrigins []string) *websocket.AcceptOptions {
	if len(allowedOrigins) == 0 {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	return &websocket.AcceptOptions{OriginPatterns: allowedOrigins}
}

// wsAgentHandler upgrades to a WebSocket and hands it to hub.ServeAgent,
// which verifies the ticket presented as the "ticket" query parameter.
func (s *Server) wsAgentHandler(c *echo.Context) error {
	ticket := c.QueryParam("ticket")
	if ticket == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing ticket")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), acceptOptions(s.allowedWSOrigins))
	if err != nil {
		return err
	}
	hub.ServeAgent(c.Request().Context(), conn, ticket, c.RealIP(), s.svc)
	return nil
}

// wsOperatorHandler upgrades to a WebSocket and hands it to hub.ServeOperator.
func (s *Server) wsOperatorHandler(c *echo.Context) error {
	ticket := c.QueryParam("ticket")
	if ticket == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing ticket")
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), acceptOptions(s.allowedWSOrigins))
	if err != nil {
		return err
	}
	hub.ServeOperator(c.Request().Context(), conn, ticket, s.svc)
	return nil
}
