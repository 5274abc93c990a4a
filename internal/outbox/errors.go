package outbox

import "errors"

var (
	// ErrTransientBroker covers synchronous publish failures and negative acks.
	ErrTransientBroker = errors.New("transient broker error")
	// ErrConfirmTimeout means no broker signal arrived in time; retried like a nack.
	ErrConfirmTimeout = errors.New("confirm timeout")
	// ErrUnroutable is a broker return. Terminal.
	ErrUnroutable = errors.New("unroutable")
	// ErrMaxRetriesExceeded marks a dead-lettered record. Terminal.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrPersistence is logged only; delivery continues without the durable row.
	ErrPersistence = errors.New("persistence error")

	ErrClosed        = errors.New("outbox closed")
	ErrDuplicate     = errors.New("message id already tracked")
	ErrInvalidRecord = errors.New("invalid outbox record")
)

// IsRetryable reports whether err should lead to another delivery attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientBroker) || errors.Is(err, ErrConfirmTimeout)
}
