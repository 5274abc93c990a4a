package outbox

import (
	"context"
	"errors"
	"sync"

	"github.com/jmehdipour/im-gateway/internal/metrics"
	"github.com/jmehdipour/im-gateway/internal/model"
	"go.uber.org/zap"
)

type persistOp struct {
	insert bool
	// release drops the id from the tracked set once the write lands, so a
	// rescan cannot pick up the stale durable row in the meantime.
	release bool
	rec     model.OutboxRecord // snapshot taken by the record's owner
}

// persistQueue is an unbounded FIFO with a single consumer.
type persistQueue struct {
	mu     sync.Mutex
	ops    []persistOp
	signal chan struct{}
}

func newPersistQueue() *persistQueue {
	return &persistQueue{signal: make(chan struct{}, 1)}
}

func (q *persistQueue) push(op persistOp) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// take removes up to limit ops from the head (all of them when limit <= 0).
func (q *persistQueue) take(limit int) []persistOp {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.ops)
	if n == 0 {
		return nil
	}
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]persistOp, n)
	copy(out, q.ops[:n])
	rest := copy(q.ops, q.ops[n:])
	for i := rest; i < len(q.ops); i++ {
		q.ops[i] = persistOp{}
	}
	q.ops = q.ops[:rest]
	return out
}

func (q *persistQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (o *Outbox) enqueueInsert(rec *model.OutboxRecord) {
	o.persist.push(persistOp{insert: true, rec: *rec})
}

func (o *Outbox) enqueueTerminal(rec *model.OutboxRecord) {
	o.persist.push(persistOp{release: true, rec: *rec})
}

// runPersister is the only writer to the durable store.
func (o *Outbox) runPersister(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.persist.signal:
			for {
				batch := o.persist.take(o.cfg.PersistBatchSize)
				if len(batch) == 0 {
					break
				}
				o.flush(batch)
			}
		}
	}
}

// drainPersistence writes everything still queued. Called after runPersister exited.
func (o *Outbox) drainPersistence() int {
	total := 0
	for {
		batch := o.persist.take(o.cfg.PersistBatchSize)
		if len(batch) == 0 {
			return total
		}
		total += len(batch)
		o.flush(batch)
	}
}

// flush applies the batch in order; failures are logged and do not stop the batch.
func (o *Outbox) flush(batch []persistOp) {
	events := make([]model.OutboxEvent, 0, len(batch))
	for _, op := range batch {
		if err := o.apply(op); err != nil {
			metrics.PersistFailures.Inc()
			o.log.Error("persist failed",
				zap.String("message_id", op.rec.MessageID),
				zap.String("status", op.rec.Status.String()),
				zap.Error(errors.Join(ErrPersistence, err)))
			if op.release {
				// the durable row is stale; keep the id so this process does not redeliver it
				o.log.Warn("terminal status not persisted, id stays tracked",
					zap.String("message_id", op.rec.MessageID))
			}
			continue
		}
		if op.release {
			o.tracked.Delete(op.rec.MessageID)
		}
		events = append(events, model.OutboxEvent{
			MessageID:  op.rec.MessageID,
			Exchange:   op.rec.Exchange,
			RoutingKey: op.rec.RoutingKey,
			Status:     op.rec.Status.String(),
			Attempts:   uint32(max(op.rec.Attempts, 0)),
			LastError:  op.rec.LastError,
			EventTime:  op.rec.UpdatedAt,
		})
	}

	if o.auditor == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.auditor.Record(ctx, events); err != nil {
		o.log.Warn("audit append failed", zap.Int("events", len(events)), zap.Error(err))
	}
}

func (o *Outbox) apply(op persistOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	if op.insert {
		return o.store.Insert(ctx, op.rec)
	}
	return o.store.UpdateStatus(ctx, op.rec.MessageID, op.rec.Status, op.rec.Attempts, op.rec.LastError)
}
