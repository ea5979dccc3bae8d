package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/sroej/mini/internal/domain"
	apperrors "github.com/sroej/mini/internal/errors"
	"github.com/sroej/mini/internal/lifecycle"
	"github.com/sroej/mini/internal/settings"
)

// handleTrigger starts a connection attempt for the requested number and
// relays the manager's single outward outcome as the HTTP response.
func (s *Server) handleTrigger(c echo.Context) error {
	number := domain.SanitizeNumber(c.QueryParam("number"))
	if !domain.ValidTenantID(number) {
		return apperrors.InvalidInput(fmt.Sprintf("number must contain at least %d digits", domain.MinTenantDigits))
	}

	if s.sessions.IsLive(number) {
		if err := c.JSON(http.StatusOK, map[string]string{
			"status": "already_connected",
			"number": number,
		}); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	// Buffered so the manager never blocks on a caller that went away.
	outcomes := make(chan lifecycle.Outcome, 1)
	err := s.sessions.StartSession(c.Request().Context(), number, func(o lifecycle.Outcome) {
		outcomes <- o
	})
	if err != nil {
		return err
	}

	// The manager's connect-timeout watcher guarantees a terminal
	// outcome, so this select is bounded.
	select {
	case out := <-outcomes:
		return s.respondOutcome(c, number, out)
	case <-c.Request().Context().Done():
		return nil
	}
}

func (s *Server) respondOutcome(c echo.Context, number string, out lifecycle.Outcome) error {
	var status int
	body := map[string]string{
		"status": string(out.Kind),
		"number": number,
	}

	switch out.Kind {
	case lifecycle.OutcomePairingCode:
		status = http.StatusOK
		body["code"] = out.Code
	case lifecycle.OutcomeConnected:
		status = http.StatusOK
	case lifecycle.OutcomeTimeout:
		status = http.StatusRequestTimeout
		body["message"] = out.Message
	default:
		status = http.StatusInternalServerError
		body["message"] = out.Message
	}

	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleSessions(c echo.Context) error {
	type sessionView struct {
		Number    string    `json:"number"`
		State     string    `json:"state"`
		CreatedAt time.Time `json:"created_at"`
		UptimeSec float64   `json:"uptime_seconds"`
	}

	live := s.sessions.Sessions()
	views := make([]sessionView, 0, len(live))
	for _, sess := range live {
		views = append(views, sessionView{
			Number:    sess.TenantID,
			State:     string(sess.State),
			CreatedAt: sess.CreatedAt,
			UptimeSec: time.Since(sess.CreatedAt).Seconds(),
		})
	}

	if err := c.JSON(http.StatusOK, map[string]any{
		"count":    len(views),
		"sessions": views,
	}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetSettings(c echo.Context) error {
	number := domain.SanitizeNumber(c.Param("number"))
	if !domain.ValidTenantID(number) {
		return apperrors.InvalidInput(fmt.Sprintf("number must contain at least %d digits", domain.MinTenantDigits))
	}

	if err := c.JSON(http.StatusOK, s.settings.Get(number)); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUpdateSettings(c echo.Context) error {
	number := domain.SanitizeNumber(c.Param("number"))
	if !domain.ValidTenantID(number) {
		return apperrors.InvalidInput(fmt.Sprintf("number must contain at least %d digits", domain.MinTenantDigits))
	}

	var partial settings.Record
	if err := c.Bind(&partial); err != nil {
		return apperrors.InvalidInput("request body must be a JSON object")
	}

	updated, err := s.settings.Update(number, partial)
	if err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, updated); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}
