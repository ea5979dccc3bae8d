package server

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"

	apperrors "github.com/sroej/mini/internal/errors"
)

// ErrorHandlingMiddleware converts structured errors returned by handlers
// into JSON responses with the status their type maps to. Echo's own
// HTTP errors pass through untouched.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				return err
			}

			logError(c, err)

			response := map[string]string{
				"status":  "error",
				"type":    string(apperrors.GetType(err)),
				"message": errorMessage(err),
			}
			if err := c.JSON(apperrors.HTTPStatus(err), response); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func errorMessage(err error) string {
	var e *apperrors.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

func logError(c echo.Context, err error) {
	attrs := []any{
		"error_type", apperrors.GetType(err),
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", apperrors.HTTPStatus(err),
		"error", err,
	}

	switch apperrors.GetType(err) {
	case apperrors.TypeInvalidInput:
		slog.Info("Rejected request", attrs...)
	case apperrors.TypeTimeout:
		slog.Warn("Request timed out", attrs...)
	default:
		slog.Error("Request failed", attrs...)
	}
}
