package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jmehdipour/im-gateway/internal/session"
	"github.com/labstack/echo/v4"
)

type pushRequest struct {
	ToUserID   string          `json:"to_user_id"`
	DeviceType string          `json:"device_type"`
	Body       json.RawMessage `json:"body"`
}

// pushHandler writes directly to the user's connections on this node, with no
// durability. Typing indicators and similar ephemeral signals use it.
// POST /v1/push
func pushHandler(reg *session.Registry) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req pushRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid json"})
		}
		req.ToUserID = strings.TrimSpace(req.ToUserID)
		if req.ToUserID == "" || len(req.Body) == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "to_user_id and body are required"})
		}
		n := reg.SendToUser(req.ToUserID, req.DeviceType, req.Body)
		return c.JSON(http.StatusOK, map[string]int{"delivered": n})
	}
}
