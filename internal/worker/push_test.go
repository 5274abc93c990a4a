package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/im-gateway/internal/kafka"
	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type chanSource struct {
	in chan kafka.Message

	mu        sync.Mutex
	committed []int64
	fetchErrs int
}

func newChanSource() *chanSource { return &chanSource{in: make(chan kafka.Message, 16)} }

func (s *chanSource) Fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m, ok := <-s.in:
		if !ok {
			<-ctx.Done()
			return kafka.Message{}, ctx.Err()
		}
		if m.Value == nil {
			s.mu.Lock()
			s.fetchErrs++
			s.mu.Unlock()
			return kafka.Message{}, errors.New("broker went away")
		}
		return m, nil
	}
}

func (s *chanSource) Commit(_ context.Context, m kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, m.Offset)
	return nil
}

func (s *chanSource) commits() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.committed...)
}

type delivery struct {
	userID, deviceType string
	payload            []byte
}

type fakeRegistry struct {
	mu     sync.Mutex
	online map[string]bool
	got    []delivery
}

func (r *fakeRegistry) SendToUser(userID, deviceType string, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online[userID] {
		return 0
	}
	r.got = append(r.got, delivery{userID, deviceType, payload})
	return 1
}

func (r *fakeRegistry) deliveries() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.got...)
}

func envelopeMsg(t *testing.T, offset int64, env model.Envelope) kafka.Message {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(env.ToUserID), Value: b}
}

func runPush(t *testing.T, src *chanSource, reg *fakeRegistry) (stop func()) {
	t.Helper()
	w := NewPush(src, reg, zap.NewNop())
	w.Workers = 4
	w.FetchPause = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("push worker did not stop")
		}
	}
}

func TestPushDeliversAndCommits(t *testing.T) {
	src := newChanSource()
	reg := &fakeRegistry{online: map[string]bool{"alice": true}}
	stop := runPush(t, src, reg)
	defer stop()

	src.in <- envelopeMsg(t, 1, model.Envelope{MessageID: "m1", ToUserID: "alice", DeviceType: "ios", Body: json.RawMessage(`{"text":"hi"}`)})
	src.in <- envelopeMsg(t, 2, model.Envelope{MessageID: "m2", ToUserID: "bob"})

	assert.Eventually(t, func() bool { return len(src.commits()) == 2 }, time.Second, 5*time.Millisecond)

	got := reg.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, "alice", got[0].userID)
	assert.Equal(t, "ios", got[0].deviceType)
	assert.Contains(t, string(got[0].payload), `"message_id":"m1"`)
}

func TestPushCommitsPoisonMessages(t *testing.T) {
	src := newChanSource()
	reg := &fakeRegistry{online: map[string]bool{"alice": true}}
	stop := runPush(t, src, reg)
	defer stop()

	src.in <- kafka.Message{Offset: 7, Value: []byte("{not json")}
	src.in <- kafka.Message{Offset: 8, Value: []byte(`{"message_id":"x"}`)}

	assert.Eventually(t, func() bool { return len(src.commits()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, reg.deliveries())
}

func TestPushSurvivesFetchErrors(t *testing.T) {
	src := newChanSource()
	reg := &fakeRegistry{online: map[string]bool{"alice": true}}
	stop := runPush(t, src, reg)
	defer stop()

	src.in <- kafka.Message{Offset: 1} // nil value -> fetch error
	src.in <- envelopeMsg(t, 2, model.Envelope{MessageID: "m2", ToUserID: "alice"})

	assert.Eventually(t, func() bool { return len(reg.deliveries()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestPushKeepsPerUserOrder(t *testing.T) {
	src := newChanSource()
	reg := &fakeRegistry{online: map[string]bool{"alice": true}}
	stop := runPush(t, src, reg)
	defer stop()

	for i := int64(1); i <= 10; i++ {
		src.in <- envelopeMsg(t, i, model.Envelope{MessageID: "m", Seq: i, ToUserID: "alice"})
	}
	assert.Eventually(t, func() bool { return len(reg.deliveries()) == 10 }, time.Second, 5*time.Millisecond)

	for i, d := range reg.deliveries() {
		var env model.Envelope
		require.NoError(t, json.Unmarshal(d.payload, &env))
		assert.Equal(t, int64(i+1), env.Seq)
	}
}
