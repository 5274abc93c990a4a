package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/jmehdipour/im-gateway/internal/outbox"
	"github.com/jmehdipour/im-gateway/internal/util"
	"github.com/labstack/echo/v4"
)

type sendMessageRequest struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	ToUserID       string          `json:"to_user_id"`
	DeviceType     string          `json:"device_type"`
	Body           json.RawMessage `json:"body"`
	Topic          string          `json:"topic"` // optional, defaults to the push topic
}

type sendMessageResponse struct {
	MessageID string `json:"message_id"`
	Published bool   `json:"published"` // false: accepted but queued for retry
}

// sendMessageHandler accepts a message for reliable delivery.
// POST /v1/messages
func sendMessageHandler(ob Outbox, defaultTopic string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req sendMessageRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid json"})
		}
		req.ToUserID = strings.TrimSpace(req.ToUserID)
		if req.ToUserID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "to_user_id is required"})
		}
		if len(req.Body) == 0 || !json.Valid(req.Body) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "body must be valid json"})
		}
		if len(req.MessageID) > model.MaxMessageIDLen {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "message_id too long"})
		}
		if req.MessageID == "" {
			req.MessageID = util.NewMessageID()
		}
		topic := strings.TrimSpace(req.Topic)
		if topic == "" {
			topic = defaultTopic
		}

		env := model.Envelope{
			MessageID:      req.MessageID,
			ConversationID: req.ConversationID,
			Seq:            req.Seq,
			ToUserID:       req.ToUserID,
			DeviceType:     req.DeviceType,
			Body:           req.Body,
			SentAt:         time.Now().UTC(),
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "encode envelope"})
		}

		published, err := ob.Send(topic, env.ToUserID, payload, env.MessageID)
		switch {
		case errors.Is(err, outbox.ErrDuplicate):
			return c.JSON(http.StatusConflict, map[string]string{"error": "message already in flight", "message_id": env.MessageID})
		case errors.Is(err, outbox.ErrClosed):
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "shutting down"})
		case errors.Is(err, outbox.ErrInvalidRecord):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case err != nil:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "send failed"})
		}

		return c.JSON(http.StatusAccepted, sendMessageResponse{MessageID: env.MessageID, Published: published})
	}
}
