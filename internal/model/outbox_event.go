package model

import "time"

// OutboxEvent is one persisted status transition, appended to the audit trail.
type OutboxEvent struct {
	MessageID  string    `db:"message_id" json:"message_id"`
	Exchange   string    `db:"exchange" json:"exchange"`
	RoutingKey string    `db:"routing_key" json:"routing_key"`
	Status     string    `db:"status" json:"status"`
	Attempts   uint32    `db:"attempts" json:"attempts"`
	LastError  string    `db:"last_error" json:"last_error,omitempty"`
	EventTime  time.Time `db:"event_time" json:"event_time"`
}
