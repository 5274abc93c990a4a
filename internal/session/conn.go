package session

import "time"

// Conn is a live transport connection owned by the network layer.
type Conn interface {
	ID() string
	Alive() bool
	CreatedAt() time.Time
	Write(payload []byte) error
	// Close must be safe to call more than once.
	Close() error
	// OnClose registers fn to run once when the connection ends. If the
	// connection is already closed fn runs immediately.
	OnClose(fn func())
}

// Key identifies one session slot.
type Key struct {
	UserID     string
	DeviceType string
}

// Observer is told about every installed and removed session.
// Calls happen outside the registry's critical sections.
type Observer interface {
	Online(key Key, conn Conn)
	Offline(key Key, conn Conn)
}
