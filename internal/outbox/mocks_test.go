package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/stretchr/testify/mock"
)

type mockBroker struct{ mock.Mock }

func (m *mockBroker) Publish(_ context.Context, exchange, routingKey string, _ []byte, correlationID string) error {
	args := m.Called(exchange, routingKey, correlationID)
	return args.Error(0)
}

type mockAuditor struct{ mock.Mock }

func (m *mockAuditor) Record(_ context.Context, events []model.OutboxEvent) error {
	return m.Called(events).Error(0)
}

// memStore is an in-memory Store that also keeps the history of status updates.
type memStore struct {
	mu         sync.Mutex
	rows       map[string]model.OutboxRecord
	history    []model.OutboxRecord
	failInsert bool
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]model.OutboxRecord)}
}

func (s *memStore) Insert(_ context.Context, rec model.OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return errors.New("connection refused")
	}
	s.rows[rec.MessageID] = rec
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, st model.OutboxStatus, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		row = model.OutboxRecord{MessageID: id}
	}
	row.Status = st
	row.Attempts = attempts
	row.LastError = lastError
	s.rows[id] = row
	s.history = append(s.history, row)
	return nil
}

func (s *memStore) QueryByStatus(_ context.Context, st model.OutboxStatus, limit int) ([]model.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxRecord
	for _, r := range s.rows {
		if r.Status == st {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) get(id string) (model.OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	return r, ok
}

func (s *memStore) updates(id string) []model.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OutboxRecord
	for _, r := range s.history {
		if r.MessageID == id {
			out = append(out, r)
		}
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
