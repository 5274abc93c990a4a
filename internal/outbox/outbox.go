package outbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Store is the durable record store.
type Store interface {
	// Insert is an idempotent upsert by message id.
	Insert(ctx context.Context, rec model.OutboxRecord) error
	UpdateStatus(ctx context.Context, messageID string, status model.OutboxStatus, attempts int, lastError string) error
	QueryByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxRecord, error)
}

// Broker publishes a message. A returned error is a synchronous transport
// failure; otherwise the outcome arrives later as exactly one Signal.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, payload []byte, correlationID string) error
}

// Auditor receives every persisted status transition.
type Auditor interface {
	Record(ctx context.Context, events []model.OutboxEvent) error
}

type Config struct {
	MaxRetry               int
	BaseRetryDelay         time.Duration
	ConfirmTimeout         time.Duration
	TimeoutScanInterval    time.Duration
	RecoveryRescanInterval time.Duration
	RescanLimit            int
	PublishTimeout         time.Duration
	PersistTimeout         time.Duration
	PersistBatchSize       int
	SignalBuffer           int
}

func DefaultConfig() Config {
	return Config{
		MaxRetry:               3,
		BaseRetryDelay:         5 * time.Second,
		ConfirmTimeout:         10 * time.Second,
		TimeoutScanInterval:    30 * time.Second,
		RecoveryRescanInterval: 60 * time.Second,
		RescanLimit:            500,
		PublishTimeout:         5 * time.Second,
		PersistTimeout:         5 * time.Second,
		PersistBatchSize:       200,
		SignalBuffer:           4096,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.MaxRetry < 0 {
		c.MaxRetry = d.MaxRetry
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = d.BaseRetryDelay
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.TimeoutScanInterval <= 0 {
		c.TimeoutScanInterval = d.TimeoutScanInterval
	}
	if c.RecoveryRescanInterval <= 0 {
		c.RecoveryRescanInterval = d.RecoveryRescanInterval
	}
	if c.RescanLimit <= 0 {
		c.RescanLimit = d.RescanLimit
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.PersistBatchSize <= 0 {
		c.PersistBatchSize = d.PersistBatchSize
	}
	if c.SignalBuffer <= 0 {
		c.SignalBuffer = d.SignalBuffer
	}
}

// inflight is one dispatched attempt. A new value is stored for every
// attempt so removal can compare pointers.
type inflight struct {
	rec *model.OutboxRecord
	at  time.Time
}

// Outbox sends records to the broker and drives them to a terminal state.
//
// Ownership: a record is mutated only by whoever removed it from the pending
// table (or, before dispatch, by Send/Rescan). Snapshots go to the persister.
type Outbox struct {
	cfg     Config
	broker  Broker
	store   Store
	auditor Auditor
	log     *zap.Logger
	now     func() time.Time

	pending *xsync.MapOf[string, *inflight]
	tracked *xsync.MapOf[string, struct{}] // ids in memory, terminal ones until their status is stored
	retries *Scheduler
	persist *persistQueue
	signals chan Signal
	stats   counters

	gate    sync.RWMutex // Send holds it shared, Close exclusively
	closed  atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sigStop chan struct{}
	sigDone chan struct{}
}

type Option func(*Outbox)

func WithAuditor(a Auditor) Option { return func(o *Outbox) { o.auditor = a } }

func WithLogger(l *zap.Logger) Option {
	return func(o *Outbox) {
		if l != nil {
			o.log = l.Named("outbox")
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) {
		o.now = now
		o.retries.now = now
	}
}

func New(cfg Config, broker Broker, store Store, opts ...Option) *Outbox {
	cfg.withDefaults()
	o := &Outbox{
		cfg:     cfg,
		broker:  broker,
		store:   store,
		log:     zap.NewNop(),
		now:     time.Now,
		pending: xsync.NewMapOf[string, *inflight](),
		tracked: xsync.NewMapOf[string, struct{}](),
		retries: NewScheduler(),
		persist: newPersistQueue(),
		signals: make(chan Signal, cfg.SignalBuffer),
		sigStop: make(chan struct{}),
		sigDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the persister, the retry worker, the signal dispatcher and
// the two periodic scans. It returns immediately.
func (o *Outbox) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.wg.Add(4)
	go func() { defer o.wg.Done(); o.runPersister(ctx) }()
	go func() { defer o.wg.Done(); o.runRetries(ctx) }()
	go func() {
		defer o.wg.Done()
		o.every(ctx, o.cfg.TimeoutScanInterval, func(context.Context) { o.ScanTimeouts() })
	}()
	go func() {
		defer o.wg.Done()
		o.every(ctx, o.cfg.RecoveryRescanInterval, func(ctx context.Context) {
			if _, err := o.Rescan(ctx); err != nil {
				o.log.Warn("recovery rescan failed", zap.Error(err))
			}
		})
	}()
	go o.runSignals()

	o.log.Info("outbox started",
		zap.Int("max_retry", o.cfg.MaxRetry),
		zap.Duration("base_retry_delay", o.cfg.BaseRetryDelay),
		zap.Duration("confirm_timeout", o.cfg.ConfirmTimeout))
}

// Send registers a PENDING record, queues its durable insert and publishes it.
// It returns false when the synchronous publish failed; the record is then
// already scheduled for retry.
func (o *Outbox) Send(exchange, routingKey string, payload []byte, messageID string) (bool, error) {
	o.gate.RLock()
	defer o.gate.RUnlock()

	if o.closed.Load() {
		return false, ErrClosed
	}
	if messageID == "" || exchange == "" {
		return false, ErrInvalidRecord
	}
	if len(messageID) > model.MaxMessageIDLen || len(exchange) > model.MaxExchangeLen || len(routingKey) > model.MaxRoutingKeyLen {
		return false, fmt.Errorf("%w: message id, exchange or routing key too long", ErrInvalidRecord)
	}
	if _, loaded := o.tracked.LoadOrStore(messageID, struct{}{}); loaded {
		return false, fmt.Errorf("%w: %s", ErrDuplicate, messageID)
	}

	now := o.now()
	rec := &model.OutboxRecord{
		MessageID:  messageID,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Payload:    payload,
		Status:     model.OutboxPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	o.enqueueInsert(rec)
	o.stats.inc(stageSent)

	if err := o.dispatch(rec); err != nil {
		return false, nil
	}
	return true, nil
}

// dispatch puts rec into the pending table and publishes it. On a synchronous
// failure the record is reclaimed and handed to scheduleRetry.
func (o *Outbox) dispatch(rec *model.OutboxRecord) error {
	id, exchange, key, payload := rec.MessageID, rec.Exchange, rec.RoutingKey, rec.Payload
	inf := &inflight{rec: rec, at: o.now()}
	o.pending.Store(id, inf)
	o.updateGauges()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	err := o.broker.Publish(ctx, exchange, key, payload, id)
	cancel()
	if err == nil {
		return nil
	}

	if o.removeIf(id, inf) {
		o.log.Warn("publish failed",
			zap.String("message_id", id),
			zap.String("exchange", exchange),
			zap.Error(err))
		o.scheduleRetry(rec, fmt.Errorf("%w: %v", ErrTransientBroker, err))
	}
	return err
}

// removeIf deletes id from the pending table only if it still maps to inf.
func (o *Outbox) removeIf(id string, inf *inflight) bool {
	removed := false
	o.pending.Compute(id, func(cur *inflight, loaded bool) (*inflight, bool) {
		if !loaded {
			return cur, true
		}
		if cur != inf {
			return cur, false
		}
		removed = true
		return nil, true
	})
	if removed {
		o.updateGauges()
	}
	return removed
}

// Backoff returns the delay before the given attempt (1-based).
func (o *Outbox) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return o.cfg.BaseRetryDelay << shift
}

// scheduleRetry is the single path for every failed attempt. The caller must
// own rec. Records that are terminal or already hold a ticket are left alone.
func (o *Outbox) scheduleRetry(rec *model.OutboxRecord, cause error) {
	if rec.Status.Terminal() {
		return
	}
	if o.retries.Contains(rec.MessageID) {
		o.log.Debug("retry already scheduled", zap.String("message_id", rec.MessageID))
		return
	}

	now := o.now()
	rec.UpdatedAt = now
	if cause != nil {
		rec.LastError = cause.Error()
	}

	if rec.Attempts >= o.cfg.MaxRetry {
		rec.Status = model.OutboxDead
		rec.LastError = fmt.Sprintf("%v: %s", ErrMaxRetriesExceeded, rec.LastError)
		o.stats.inc(stageDead)
		o.log.Error("message dead-lettered",
			zap.String("message_id", rec.MessageID),
			zap.String("exchange", rec.Exchange),
			zap.String("routing_key", rec.RoutingKey),
			zap.Int("attempts", rec.Attempts),
			zap.String("last_error", rec.LastError))
		o.finish(rec)
		return
	}

	prevAttempts, prevStatus := rec.Attempts, rec.Status
	rec.Attempts++
	rec.Status = model.OutboxRetry
	delay := o.Backoff(rec.Attempts)
	snap := *rec

	if !o.retries.Push(RetryTicket{Record: rec, DueAt: now.Add(delay)}) {
		rec.Attempts, rec.Status = prevAttempts, prevStatus
		return
	}
	o.persist.push(persistOp{rec: snap})
	o.stats.inc(stageRetried)
	o.updateGauges()

	o.log.Info("retry scheduled",
		zap.String("message_id", snap.MessageID),
		zap.Int("attempt", snap.Attempts),
		zap.Duration("delay", delay),
		zap.String("cause", snap.LastError))
}

// finish persists a terminal record. The id is forgotten by the persister
// after the terminal status is stored.
func (o *Outbox) finish(rec *model.OutboxRecord) {
	o.enqueueTerminal(rec)
}

func (o *Outbox) runRetries(ctx context.Context) {
	for {
		t, err := o.retries.Take(ctx)
		if err != nil {
			return
		}
		o.updateGauges()
		o.log.Debug("redelivering",
			zap.String("message_id", t.Record.MessageID),
			zap.Int("attempt", t.Record.Attempts))
		_ = o.dispatch(t.Record)
	}
}

// ScanTimeouts retries every pending record whose latest attempt is older
// than the confirm timeout. It returns how many records it moved.
func (o *Outbox) ScanTimeouts() int {
	now := o.now()
	var expired []*inflight
	o.pending.Range(func(_ string, inf *inflight) bool {
		if now.Sub(inf.at) > o.cfg.ConfirmTimeout {
			expired = append(expired, inf)
		}
		return true
	})

	n := 0
	for _, inf := range expired {
		if !o.removeIf(inf.rec.MessageID, inf) {
			continue
		}
		n++
		o.stats.inc(stageTimeout)
		o.scheduleRetry(inf.rec, ErrConfirmTimeout)
	}
	if n > 0 {
		o.log.Warn("confirm timeouts", zap.Int("count", n))
	}
	return n
}

// Rescan re-enters durable PENDING and RETRY rows that are not tracked in
// memory, which after a restart is all of them.
func (o *Outbox) Rescan(ctx context.Context) (int, error) {
	if o.closed.Load() {
		return 0, nil
	}
	n := 0
	for _, st := range []model.OutboxStatus{model.OutboxPending, model.OutboxRetry} {
		rows, err := o.store.QueryByStatus(ctx, st, o.cfg.RescanLimit)
		if err != nil {
			return n, fmt.Errorf("query %s: %w", st, err)
		}
		for i := range rows {
			rec := rows[i]
			if _, loaded := o.tracked.LoadOrStore(rec.MessageID, struct{}{}); loaded {
				continue
			}
			if rec.Attempts < 0 {
				rec.Attempts = 0
			}
			o.log.Info("recovering record",
				zap.String("message_id", rec.MessageID),
				zap.String("status", rec.Status.String()),
				zap.Int("attempts", rec.Attempts))
			o.scheduleRetry(&rec, nil)
			n++
		}
	}
	return n, nil
}

func (o *Outbox) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(ctx)
		}
	}
}

// Close stops accepting sends, stops the workers and writes whatever is left
// in the persistence queue. Outstanding retry tickets are left to the next
// process's recovery rescan.
func (o *Outbox) Close(ctx context.Context) error {
	o.gate.Lock()
	already := o.closed.Swap(true)
	o.gate.Unlock()
	if already {
		return nil
	}

	if o.started.Load() {
		o.cancel()
		done := make(chan struct{})
		go func() { o.wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-ctx.Done():
			o.log.Warn("outbox close timed out, queued writes not drained",
				zap.Int("persist_queue", o.persist.len()),
				zap.Int("abandoned_retries", o.retries.Len()),
				zap.Int("pending", o.pending.Size()))
			return fmt.Errorf("wait for outbox workers: %w", ctx.Err())
		}
		close(o.sigStop)
		<-o.sigDone
	}

	n := o.drainPersistence()
	o.log.Info("outbox closed",
		zap.Int("drained", n),
		zap.Int("abandoned_retries", o.retries.Len()),
		zap.Int("pending", o.pending.Size()))
	return nil
}

func (o *Outbox) updateGauges() {
	setGauges(o.pending.Size(), o.retries.Len())
}
