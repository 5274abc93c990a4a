package http

import (
	"net/http"

	"github.com/jmehdipour/im-gateway/internal/session"
	"github.com/labstack/echo/v4"
)

// GET /v1/outbox/stats
func outboxStatsHandler(ob Outbox) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, ob.Stats())
	}
}

type sessionStats struct {
	OnlineUsers int `json:"online_users"`
	Connections int `json:"connections"`
}

// GET /v1/sessions/stats
func sessionStatsHandler(reg *session.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, sessionStats{
			OnlineUsers: reg.OnlineUserCount(),
			Connections: reg.TotalConnectionCount(),
		})
	}
}
