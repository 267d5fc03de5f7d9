package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/task"
)

type createTaskRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Tags        []string            `json:"tags"`
	Body        store.TaskBody      `json:"body"`
	Env         map[string]string   `json:"env"`
	Triggers    []store.TaskTrigger `json:"triggers"`
}

func (s *Server) createTaskHandler(c *echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}
	app, err := s.store.GetApplication(c.Request().Context(), c.Param("app_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "application not found")
		}
		return mapServiceError(err)
	}
	t, err := s.tasks.Define(c.Request().Context(), app, task.Descriptor{
		Name:        req.Name,
		Description: req.Description,
		Tags:        req.Tags,
		Body:        req.Body,
		Env:         req.Env,
		Triggers:    req.Triggers,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) listTasksHandler(c *echo.Context) error {
	tasks, err := s.tasks.ListByApp(c.Request().Context(), c.Param("app_id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

type updateTaskRequest struct {
	Description *string              `json:"description"`
	Tags        *[]string            `json:"tags"`
	Body        *store.TaskBody      `json:"body"`
	Env         *map[string]string   `json:"env"`
	Triggers    *[]store.TaskTrigger `json:"triggers"`
}

func (s *Server) updateTaskHandler(c *echo.Context) error {
	var req updateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := s.tasks.Update(c.Request().Context(), c.Param("id"), task.Update{
		Description: req.Description,
		Tags:        req.Tags,
		Body:        req.Body,
		Env:         req.Env,
		Triggers:    req.Triggers,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) deactivateTaskHandler(c *echo.Context) error {
	if err := s.tasks.Deactivate(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
