package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/labstack/echo/v4"
)

// listEventsHandler lists the outbox audit trail.
// GET /v1/outbox/events?message_id=&status=&limit=&offset=
func listEventsHandler(events EventLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		var status model.OutboxStatus
		if s := c.QueryParam("status"); s != "" {
			st, ok := model.ParseOutboxStatus(s)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			status = st
		}
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		offset, _ := strconv.Atoi(c.QueryParam("offset"))

		rows, err := events.List(c.Request().Context(), strings.TrimSpace(c.QueryParam("message_id")), status, limit, offset)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		if rows == nil {
			rows = []model.OutboxEvent{}
		}
		return c.JSON(http.StatusOK, map[string]any{"items": rows})
	}
}

// presenceHandler reports where a user's devices are connected across nodes.
// GET /v1/presence/:user_id
func presenceHandler(p PresenceReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		uid := strings.TrimSpace(c.Param("user_id"))
		if uid == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		}
		devices, err := p.Devices(c.Request().Context(), uid)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "presence lookup failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{"user_id": uid, "devices": devices})
	}
}
