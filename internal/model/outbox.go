package model

import (
	"strings"
	"time"
)

type OutboxStatus string

// Column widths of the durable outbox table.
const (
	MaxMessageIDLen  = 64
	MaxExchangeLen   = 255
	MaxRoutingKeyLen = 255
)

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxConfirmed OutboxStatus = "CONFIRMED"
	OutboxFailed    OutboxStatus = "FAILED"
	OutboxRetry     OutboxStatus = "RETRY"
	OutboxReturned  OutboxStatus = "RETURNED"
	OutboxDead      OutboxStatus = "DEAD"
)

func (s OutboxStatus) String() string { return string(s) }

func (s OutboxStatus) Valid() bool {
	switch s {
	case OutboxPending, OutboxConfirmed, OutboxFailed, OutboxRetry, OutboxReturned, OutboxDead:
		return true
	}
	return false
}

// Terminal reports whether no further delivery attempt can follow this status.
func (s OutboxStatus) Terminal() bool {
	return s == OutboxConfirmed || s == OutboxReturned || s == OutboxDead
}

// ParseOutboxStatus is case-insensitive; the bool is false for unknown input.
func ParseOutboxStatus(s string) (OutboxStatus, bool) {
	st := OutboxStatus(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// OutboxRecord is one outbound message tracked until the broker confirms it
// or it reaches a terminal failure state.
type OutboxRecord struct {
	MessageID  string       `db:"message_id"`
	Exchange   string       `db:"exchange"`
	RoutingKey string       `db:"routing_key"`
	Payload    []byte       `db:"payload"`
	Status     OutboxStatus `db:"status"`
	Attempts   int          `db:"attempts"`
	LastError  string       `db:"last_error"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}
