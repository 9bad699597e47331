package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/relayhub/internal/platform/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Get(),
	})
}

// handleReadiness verifies the hub loop is still answering commands.
// Count returns -1 when the command times out, which means the hub is
// wedged or stopped.
func (s *Server) handleReadiness(c echo.Context) error {
	if s.hub.Count() < 0 {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "hub",
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}
