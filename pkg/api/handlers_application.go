package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hubd/hubd/pkg/application"
	"github.com/hubd/hubd/pkg/store"
)

type createApplicationRequest struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Tags        []string `json:"tags"`
	Disabled    bool     `json:"disabled"`
}

func (s *Server) createApplicationHandler(c *echo.Context) error {
	var req createApplicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	app, err := s.applications.Create(c.Request().Context(), application.Descriptor{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Tags:        req.Tags,
		Disabled:    req.Disabled,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, app)
}

func (s *Server) listApplicationsHandler(c *echo.Context) error {
	apps, err := s.store.ListApplications(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, apps)
}

func (s *Server) getApplicationHandler(c *echo.Context) error {
	app, err := s.store.GetApplication(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "application not found")
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, app)
}

type updateApplicationRequest struct {
	DisplayName *string   `json:"display_name"`
	Tags        *[]string `json:"tags"`
	Disabled    *bool     `json:"disabled"`
}

func (s *Server) updateApplicationHandler(c *echo.Context) error {
	var req updateApplicationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	app, err := s.applications.Update(c.Request().Context(), c.Param("id"), application.Update{
		DisplayName: req.DisplayName,
		Tags:        req.Tags,
		Disabled:    req.Disabled,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, app)
}

func (s *Server) deleteApplicationHandler(c *echo.Context) error {
	if err := s.applications.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) wipeApplicationHandler(c *echo.Context) error {
	if err := s.applications.Wipe(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) issueApplicationTicketHandler(c *echo.Context) error {
	app, err := s.store.GetApplication(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "application not found")
		}
		return mapServiceError(err)
	}
	if app.Disabled {
		return echo.NewHTTPError(http.StatusForbidden, "application is disabled")
	}
	raw, err := s.tickets.IssueApplication(app.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"ticket": raw})
}

func (s *Server) issueUserTicketHandler(c *echo.Context) error {
	userID := extractAuthor(c)
	raw, err := s.tickets.IssueUser(userID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"ticket": raw})
}

func (s *Server) issueRegistrationCodeHandler(c *echo.Context) error {
	code, err := s.applications.IssueRegistrationCode(c.Request().Context(), c.RealIP())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"code": code.Code})
}

func (s *Server) confirmRegistrationCodeHandler(c *echo.Context) error {
	confirmed, err := s.applications.ConfirmRegistrationCode(c.Request().Context(), c.Param("code"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, confirmed)
}

type redeemRegistrationRequest struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

func (s *Server) redeemRegistrationHandler(c *echo.Context) error {
	var req redeemRegistrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	app, err := s.applications.Redeem(c.Request().Context(), application.RedeemDescriptor{
		Code:        req.Code,
		Name:        req.Name,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, app)
}
