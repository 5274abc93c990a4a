package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/im-gateway/internal/outbox"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// HeaderCorrelationID carries the outbox message id on every produced message.
const HeaderCorrelationID = "correlation-id"

var ErrBreakerOpen = errors.New("kafka: publish breaker open")

type ProducerConfig struct {
	Brokers      []string
	BatchSize    int           // default 100
	BatchTimeout time.Duration // default 10ms
	WriteTimeout time.Duration // default 10s
	MaxAttempts  int           // writer-internal attempts per batch, default 3
	Breaker      *Breaker      // optional
}

// Producer publishes outbox records with an async kafka-go Writer. The topic is
// the record's exchange and the message key its routing key. Outcomes are
// reported to the SignalSink from the writer's completion callback.
type Producer struct {
	w   *kafka.Writer
	br  *Breaker
	log *zap.Logger

	mu   sync.RWMutex
	sink outbox.SignalSink
}

var _ outbox.Broker = (*Producer)(nil)

func NewProducer(c ProducerConfig, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	bs := c.BatchSize
	if bs <= 0 {
		bs = 100
	}
	bt := c.BatchTimeout
	if bt <= 0 {
		bt = 10 * time.Millisecond
	}
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	ma := c.MaxAttempts
	if ma <= 0 {
		ma = 3
	}
	br := c.Breaker
	if br == nil {
		br = NewBreaker(0, 0)
	}

	p := &Producer{br: br, log: log.Named("kafka-producer")}
	p.w = &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Async:                  true,
		AllowAutoTopicCreation: false,
		BatchSize:              bs,
		BatchTimeout:           bt,
		WriteTimeout:           wt,
		MaxAttempts:            ma,
		Completion:             p.complete,
	}
	return p
}

// SetSink must be called before the first Publish.
func (p *Producer) SetSink(s outbox.SignalSink) {
	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()
}

func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, payload []byte, correlationID string) error {
	if !p.br.TryAcquire() {
		return ErrBreakerOpen
	}

	msg := kafka.Message{
		Topic: exchange,
		Key:   []byte(routingKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderCorrelationID, Value: []byte(correlationID)},
		},
	}
	err := p.w.WriteMessages(ctx, msg)
	if err == nil {
		return nil
	}

	// topic metadata is resolved synchronously even in async mode
	if isUnroutable(err) {
		p.br.OnSuccess()
		p.notify(outbox.Signal{Kind: outbox.SignalReturn, MessageID: correlationID, Cause: err.Error()})
		return nil
	}
	p.br.OnFailure()
	return fmt.Errorf("kafka write topic=%s: %w", exchange, err)
}

// complete runs on the writer's goroutine once a batch is acknowledged or failed.
func (p *Producer) complete(messages []kafka.Message, err error) {
	var perMessage kafka.WriteErrors
	split := errors.As(err, &perMessage) && len(perMessage) == len(messages)

	failed := false
	for i, m := range messages {
		e := err
		if split {
			e = perMessage[i]
		}
		if e != nil && !isUnroutable(e) {
			failed = true
		}
		id := correlationID(m)
		if id == "" {
			p.log.Warn("completion without correlation id", zap.String("topic", m.Topic))
			continue
		}
		p.notify(signalFor(id, e))
	}

	if failed {
		p.br.OnFailure()
		p.log.Warn("batch failed", zap.Int("messages", len(messages)), zap.Error(err),
			zap.String("breaker", p.br.State()))
	} else {
		p.br.OnSuccess()
	}
}

func (p *Producer) notify(s outbox.Signal) {
	p.mu.RLock()
	sink := p.sink
	p.mu.RUnlock()
	if sink == nil {
		p.log.Error("no signal sink", zap.String("message_id", s.MessageID))
		return
	}
	sink.Notify(s)
}

func (p *Producer) Close() error { return p.w.Close() }

func signalFor(id string, err error) outbox.Signal {
	switch {
	case err == nil:
		return outbox.Signal{Kind: outbox.SignalConfirm, MessageID: id, Ack: true}
	case isUnroutable(err):
		return outbox.Signal{Kind: outbox.SignalReturn, MessageID: id, Cause: err.Error()}
	default:
		return outbox.Signal{Kind: outbox.SignalConfirm, MessageID: id, Ack: false, Cause: err.Error()}
	}
}

func isUnroutable(err error) bool {
	return errors.Is(err, kafka.UnknownTopicOrPartition) ||
		errors.Is(err, kafka.InvalidTopic) ||
		errors.Is(err, kafka.TopicAuthorizationFailed)
}

func correlationID(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == HeaderCorrelationID {
			return string(h.Value)
		}
	}
	return ""
}
