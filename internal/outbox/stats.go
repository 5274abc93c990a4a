package outbox

import (
	"sync/atomic"

	"github.com/jmehdipour/im-gateway/internal/metrics"
)

type stage int

const (
	stageSent stage = iota
	stageConfirmed
	stageFailed
	stageReturned
	stageRetried
	stageDead
	stageTimeout
	stageCount
)

var stageNames = [stageCount]string{"sent", "confirmed", "failed", "returned", "retried", "dead", "timeout"}

type counters struct {
	c [stageCount]atomic.Int64
}

func (c *counters) inc(s stage) {
	c.c[s].Add(1)
	metrics.OutboxTotal.WithLabelValues(stageNames[s]).Inc()
}

func (c *counters) get(s stage) int64 { return c.c[s].Load() }

func setGauges(pending, retry int) {
	metrics.OutboxPending.Set(float64(pending))
	metrics.OutboxRetryQueue.Set(float64(retry))
}

// Stats is a point-in-time view of the outbox.
type Stats struct {
	Sent         int64   `json:"sent"`
	Confirmed    int64   `json:"confirmed"`
	Failed       int64   `json:"failed"`
	Returned     int64   `json:"returned"`
	Retried      int64   `json:"retried"`
	Dead         int64   `json:"dead"`
	TimedOut     int64   `json:"timed_out"`
	Pending      int     `json:"pending"`
	RetryQueue   int     `json:"retry_queue"`
	PersistQueue int     `json:"persist_queue"`
	ConfirmRate  float64 `json:"confirm_rate"` // percent of sends confirmed, 100 when nothing was sent
}

func (o *Outbox) Stats() Stats {
	st := Stats{
		Sent:         o.stats.get(stageSent),
		Confirmed:    o.stats.get(stageConfirmed),
		Failed:       o.stats.get(stageFailed),
		Returned:     o.stats.get(stageReturned),
		Retried:      o.stats.get(stageRetried),
		Dead:         o.stats.get(stageDead),
		TimedOut:     o.stats.get(stageTimeout),
		Pending:      o.pending.Size(),
		RetryQueue:   o.retries.Len(),
		PersistQueue: o.persist.len(),
		ConfirmRate:  100,
	}
	if st.Sent > 0 {
		st.ConfirmRate = float64(st.Confirmed) / float64(st.Sent) * 100
	}
	return st
}
