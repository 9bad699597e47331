package server

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/relayhub/internal/metrics"
)

// handleWebSocket upgrades the request and hands the connection to the hub.
// Limits are checked before the upgrade so rejected clients cost no
// WebSocket resources.
func (s *Server) handleWebSocket(c echo.Context) error {
	ip := c.RealIP()

	if !s.limits.AllowUpgrade(ip) {
		metrics.UpgradesRejectedTotal.WithLabelValues("rate").Inc()
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "too many connection attempts"})
	}

	if err := s.limits.Acquire(ip); err != nil {
		metrics.UpgradesRejectedTotal.WithLabelValues(err.Reason).Inc()
		slog.Warn("Connection rejected", "reason", err.Reason, "remote_ip", ip)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.limits.Release(ip)
		metrics.UpgradesRejectedTotal.WithLabelValues("upgrade").Inc()
		slog.Warn("WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return nil // Upgrade already wrote the HTTP error response
	}

	agent := s.hub.NewAgent(conn, ip)
	if err := s.hub.Register(agent); err != nil {
		s.limits.Release(ip)
		slog.Warn("Agent registration failed", "remote_ip", ip, "error", err)
		return nil
	}

	slog.Debug("Connection established", "agent_id", agent.ID().String(), "remote_ip", ip)
	return nil
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"agents": s.hub.Count(),
		"connections": map[string]any{
			"current":      s.limits.Current(),
			"max":          s.limits.Max(),
			"capacity_pct": s.limits.CapacityPct(),
		},
	})
}
