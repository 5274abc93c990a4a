package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jmehdipour/im-gateway/internal/kafka"
	"github.com/jmehdipour/im-gateway/internal/metrics"
	"github.com/jmehdipour/im-gateway/internal/model"
	"go.uber.org/zap"
)

// Source is the consumer-group side of the push topic.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, m kafka.Message) error
}

// Deliverer writes a payload to a user's live connections and reports how many took it.
type Deliverer interface {
	SendToUser(userID, deviceType string, payload []byte) int
}

// Push:
// - fetches envelopes published through the outbox,
// - hands them to the user's connected devices,
// - commits every message, delivered or not (offline users sync on reconnect).
//
// Messages with the same key (the recipient) always go to the same processor,
// so one user's envelopes are written in topic order.
type Push struct {
	Source   Source
	Registry Deliverer
	Log      *zap.Logger

	Workers    int           // number of processors
	FetchPause time.Duration // back-off after a fetch error
}

func NewPush(src Source, reg Deliverer, log *zap.Logger) *Push {
	if log == nil {
		log = zap.NewNop()
	}
	return &Push{
		Source:     src,
		Registry:   reg,
		Log:        log.Named("push"),
		Workers:    16,
		FetchPause: 200 * time.Millisecond,
	}
}

// Run blocks until ctx is cancelled and every processor has returned.
func (w *Push) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 16
	}
	if w.FetchPause <= 0 {
		w.FetchPause = 200 * time.Millisecond
	}

	lanes := make([]chan kafka.Message, w.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				w.processOne(ctx, m)
			}
		}(lanes[i])
	}

	defer func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
	}()

	for {
		m, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.Log.Warn("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.FetchPause):
			}
			continue
		}
		select {
		case lanes[w.lane(m)] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Push) lane(m kafka.Message) int {
	if len(m.Key) == 0 {
		return int(m.Offset % int64(w.Workers))
	}
	return int(xxhash.Sum64(m.Key) % uint64(w.Workers))
}

func (w *Push) processOne(ctx context.Context, m kafka.Message) {
	var env model.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil || env.ToUserID == "" {
		metrics.PushTotal.WithLabelValues("invalid").Inc()
		if err != nil {
			w.Log.Warn("bad envelope json", zap.Int64("offset", m.Offset), zap.Error(err))
		} else {
			w.Log.Warn("envelope missing to_user_id", zap.Int64("offset", m.Offset))
		}
		w.commit(ctx, m) // poison -> commit, skip
		return
	}

	n := w.Registry.SendToUser(env.ToUserID, env.DeviceType, m.Value)
	if n > 0 {
		metrics.PushTotal.WithLabelValues("delivered").Inc()
	} else {
		metrics.PushTotal.WithLabelValues("offline").Inc()
	}
	w.Log.Debug("envelope pushed",
		zap.String("message_id", env.MessageID),
		zap.String("to_user_id", env.ToUserID),
		zap.Int("devices", n),
	)
	w.commit(ctx, m)
}

func (w *Push) commit(ctx context.Context, m kafka.Message) {
	if err := w.Source.Commit(ctx, m); err != nil && ctx.Err() == nil {
		w.Log.Warn("kafka commit failed", zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
