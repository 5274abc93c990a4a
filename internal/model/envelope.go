package model

import (
	"encoding/json"
	"time"
)

// Envelope is the payload published to Kafka for delivery to a user's devices.
type Envelope struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Seq            int64           `json:"seq,omitempty"` // per-conversation sequence, assigned upstream
	ToUserID       string          `json:"to_user_id"`
	DeviceType     string          `json:"device_type,omitempty"` // empty = all devices
	Body           json.RawMessage `json:"body"`
	SentAt         time.Time       `json:"sent_at"`
}
