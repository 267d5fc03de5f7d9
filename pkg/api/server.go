// Package api provides the REST and WebSocket-upgrade surface the fleet's
// operator tooling and CI/CD drives hubd through.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/hubd/hubd/pkg/application"
	"github.com/hubd/hubd/pkg/hub"
	"github.com/hubd/hubd/pkg/sequence"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/task"
	"github.com/hubd/hubd/pkg/ticket"
)

// Server is the HTTP API server fronting application/task/sequence
// management, ticket issuance, and the WebSocket upgrade hubd's agents and
// operators connect through.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	store        *store.Store
	svc          *hub.Services
	applications *application.Service
	tasks        *task.Service
	sequences    *sequence.Service
	tickets      *ticket.Registry

	allowedWSOrigins []string
}

// NewServer wires an Echo v5 router over svc, registering every route
// before returning — matching the teacher's "routes registered in
// NewServer, static serving (if any) added after" ordering.
// allowedWSOrigins comes from Config.Server.AllowedWSOrigins; an empty
// slice accepts any origin.
func NewServer(st *store.Store, svc *hub.Services, applications *application.Service, tasks *task.Service, sequences *sequence.Service, tickets *ticket.Registry, allowedWSOrigins []string) *Server {
	e := echo.New()
	e.Use(middleware.BodyLimit(2 * 1024 * 1024))
	e.Use(middleware.Recover())

	s := &Server{
		echo:             e,
		store:            st,
		svc:              svc,
		applications:     applications,
		tasks:            tasks,
		sequences:        sequences,
		tickets:          tickets,
		allowedWSOrigins: allowedWSOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.healthHandler)
	s.echo.GET("/ws/agent", s.wsAgentHandler)
	s.echo.GET("/ws/operator", s.wsOperatorHandler)

	v1 := s.echo.Group("/api/v1")

	v1.POST("/applications", s.createApplicationHandler)
	v1.GET("/applications", s.listApplicationsHandler)
	v1.GET("/applications/:id", s.getApplicationHandler)
	v1.PATCH("/applications/:id", s.updateApplicationHandler)
	v1.DELETE("/applications/:id", s.deleteApplicationHandler)
	v1.POST("/applications/:id/wipe", s.wipeApplicationHandler)
	v1.POST("/applications/:id/tickets", s.issueApplicationTicketHandler)

	v1.POST("/applications/registrations/codes", s.issueRegistrationCodeHandler)
	v1.POST("/applications/registrations/codes/:code/confirm", s.confirmRegistrationCodeHandler)
	v1.POST("/applications/registrations/redeem", s.redeemRegistrationHandler)

	v1.POST("/tickets/user", s.issueUserTicketHandler)

	v1.POST("/applications/:app_id/tasks", s.createTaskHandler)
	v1.GET("/applications/:app_id/tasks", s.listTasksHandler)
	v1.PATCH("/tasks/:id", s.updateTaskHandler)
	v1.DELETE("/tasks/:id", s.deactivateTaskHandler)

	v1.POST("/sequences", s.createSequenceHandler)
	v1.GET("/sequences/:id", s.getSequenceHandler)
	v1.POST("/sequences/:id/finish", s.finishSequenceHandler)
	v1.PATCH("/sequences/:id/meta", s.updateSequenceMetaHandler)

	v1.GET("/counters/:subject/:period", s.getCounterHandler)
}

// Start serves on addr until the process is asked to stop (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener, used by tests to bind
// a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Database  string `json:"database"`
	Backplane string `json:"backplane"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := &HealthResponse{Status: "ok", Database: "ok", Backplane: "ok"}
	healthy := true

	if err := s.store.Ping(ctx); err != nil {
		resp.Database = err.Error()
		healthy = false
	}
	if err := s.svc.Layer.Ping(ctx); err != nil {
		resp.Backplane = err.Error()
		healthy = false
	}

	if !healthy {
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}
