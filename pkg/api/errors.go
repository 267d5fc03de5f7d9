package api

import (
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hubd/hubd/pkg/apperr"
)

// mapServiceError maps a service-layer *apperr.Error to an HTTP error
// response by Kind, the way mapServiceError mapped services.ValidationError/
// ErrNotFound/ErrAlreadyExists — parameterized by apperr.Kind instead of an
// errors.As/errors.Is chain per one kind.
func mapServiceError(err error) *echo.HTTPError {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case apperr.KindAuthentication:
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case apperr.KindAuthorization:
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case apperr.KindNotFound:
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case apperr.KindConflict:
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		slog.Error("api: unexpected service error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}
