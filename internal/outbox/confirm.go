package outbox

import (
	"fmt"

	"github.com/jmehdipour/im-gateway/internal/model"
	"go.uber.org/zap"
)

type SignalKind int

const (
	SignalConfirm SignalKind = iota
	SignalReturn
)

func (k SignalKind) String() string {
	if k == SignalReturn {
		return "return"
	}
	return "confirm"
}

// Signal is one asynchronous broker outcome for a published message.
// Cause carries the nack reason or the return reply text.
type Signal struct {
	Kind      SignalKind
	MessageID string
	Ack       bool
	Cause     string
}

// SignalSink is what a broker client reports outcomes to.
type SignalSink interface {
	Notify(s Signal)
}

var _ SignalSink = (*Outbox)(nil)

// Notify hands a broker outcome to the signal dispatcher. Safe to call from
// the broker client's own goroutines. Before Start the signal is handled inline;
// after Close it is dropped.
func (o *Outbox) Notify(s Signal) {
	if !o.started.Load() {
		o.handle(s)
		return
	}
	select {
	case o.signals <- s:
	case <-o.sigDone:
		o.log.Debug("signal after close dropped",
			zap.String("message_id", s.MessageID),
			zap.Stringer("kind", s.Kind))
	}
}

func (o *Outbox) runSignals() {
	defer close(o.sigDone)
	for {
		select {
		case s := <-o.signals:
			o.handle(s)
		case <-o.sigStop:
			for {
				select {
				case s := <-o.signals:
					o.handle(s)
				default:
					return
				}
			}
		}
	}
}

func (o *Outbox) handle(s Signal) {
	switch s.Kind {
	case SignalReturn:
		o.HandleReturn(s.MessageID, s.Cause)
	default:
		o.HandleConfirm(s.MessageID, s.Ack, s.Cause)
	}
}

// HandleConfirm resolves a publish. A message that is no longer pending was
// already resolved elsewhere (usually a timeout retry) and is ignored.
func (o *Outbox) HandleConfirm(messageID string, ack bool, cause string) {
	inf, ok := o.pending.LoadAndDelete(messageID)
	if !ok {
		o.log.Debug("confirm for unknown message", zap.String("message_id", messageID), zap.Bool("ack", ack))
		return
	}
	o.updateGauges()
	rec := inf.rec
	rec.UpdatedAt = o.now()

	if ack {
		rec.Status = model.OutboxConfirmed
		rec.LastError = ""
		o.stats.inc(stageConfirmed)
		o.finish(rec)
		return
	}

	if cause == "" {
		cause = "nack"
	}
	rec.Status = model.OutboxFailed
	o.stats.inc(stageFailed)
	o.log.Warn("broker nack", zap.String("message_id", messageID), zap.String("cause", cause))
	o.scheduleRetry(rec, fmt.Errorf("%w: %s", ErrTransientBroker, cause))
}

// HandleReturn marks an unroutable message RETURNED. It is never retried.
func (o *Outbox) HandleReturn(messageID, replyText string) {
	inf, ok := o.pending.LoadAndDelete(messageID)
	if !ok {
		o.log.Debug("return for unknown message", zap.String("message_id", messageID))
		return
	}
	o.updateGauges()
	rec := inf.rec
	rec.UpdatedAt = o.now()
	rec.Status = model.OutboxReturned
	rec.LastError = fmt.Sprintf("%v: %s", ErrUnroutable, replyText)
	o.stats.inc(stageReturned)
	o.log.Error("message returned",
		zap.String("message_id", messageID),
		zap.String("exchange", rec.Exchange),
		zap.String("routing_key", rec.RoutingKey),
		zap.String("reply", replyText))
	o.finish(rec)
}
