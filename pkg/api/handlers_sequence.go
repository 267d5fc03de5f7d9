package api

import (
	"errors"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/hubd/hubd/pkg/sequence"
	"github.com/hubd/hubd/pkg/store"
)

type createSequenceRequest struct {
	AppID        string `json:"app_id"`
	TaskID       string `json:"task_id"`
	CustomName   string `json:"name"`
	ConnectionID string `json:"connection_id"`
}

func (s *Server) createSequenceHandler(c *echo.Context) error {
	var req createSequenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	app, err := s.store.GetApplication(c.Request().Context(), req.AppID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "application not found")
		}
		return mapServiceError(err)
	}
	seq, err := s.sequences.CreateAndStart(c.Request().Context(), app, sequence.Descriptor{
		TaskID:       req.TaskID,
		CustomName:   req.CustomName,
		ConnectionID: req.ConnectionID,
	}, c.RealIP())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, seq)
}

func (s *Server) getSequenceHandler(c *echo.Context) error {
	seq, err := s.store.GetSequence(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "sequence not found")
		}
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, seq)
}

// revisionFromHeader implements the If-Match-style optimistic concurrency
// contract every mutating sequence endpoint shares: the caller must supply
// the revision it last observed.
func revisionFromHeader(c *echo.Context) (int64, error) {
	raw := c.Request().Header.Get("If-Match")
	if raw == "" {
		return 0, errors.New("If-Match header (expected revision) is required")
	}
	return strconv.ParseInt(raw, 10, 64)
}

type finishSequenceRequest struct {
	Failed bool   `json:"failed"`
	Error  string `json:"error"`
}

func (s *Server) finishSequenceHandler(c *echo.Context) error {
	rev, err := revisionFromHeader(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req finishSequenceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	seq, err := s.sequences.Finish(c.Request().Context(), c.Param("id"), rev, req.Failed, req.Error, c.RealIP())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, seq)
}

func (s *Server) updateSequenceMetaHandler(c *echo.Context) error {
	rev, err := revisionFromHeader(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var meta map[string]any
	if err := c.Bind(&meta); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	seq, err := s.sequences.UpdateMeta(c.Request().Context(), c.Param("id"), rev, meta)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, seq)
}

func (s *Server) getCounterHandler(c *echo.Context) error {
	count, err := s.store.GetCounter(c.Request().Context(), c.Param("subject"), c.Param("period"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]int64{"count": count})
}
