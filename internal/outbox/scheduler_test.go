package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/im-gateway/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ticket(id string, due time.Time) RetryTicket {
	return RetryTicket{Record: &model.OutboxRecord{MessageID: id}, DueAt: due}
}

func TestSchedulerTakesInDueOrder(t *testing.T) {
	s := NewScheduler()
	past := time.Now().Add(-time.Minute)

	require.True(t, s.Push(ticket("c", past.Add(3*time.Second))))
	require.True(t, s.Push(ticket("a", past.Add(1*time.Second))))
	require.True(t, s.Push(ticket("b", past.Add(2*time.Second))))
	assert.Equal(t, 3, s.Len())

	ctx := context.Background()
	var got []string
	for i := 0; i < 3; i++ {
		tk, err := s.Take(ctx)
		require.NoError(t, err)
		got = append(got, tk.Record.MessageID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, s.Len())
}

func TestSchedulerRejectsSecondTicketForSameMessage(t *testing.T) {
	s := NewScheduler()
	now := time.Now()

	assert.True(t, s.Push(ticket("m1", now.Add(time.Hour))))
	assert.False(t, s.Push(ticket("m1", now)))
	assert.True(t, s.Contains("m1"))
	assert.Equal(t, 1, s.Len())
}

func TestSchedulerTakeWaitsUntilDue(t *testing.T) {
	s := NewScheduler()
	start := time.Now()
	s.Push(ticket("m1", start.Add(50*time.Millisecond)))

	tk, err := s.Take(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", tk.Record.MessageID)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.False(t, s.Contains("m1"))
}

func TestSchedulerEarlierPushWakesTaker(t *testing.T) {
	s := NewScheduler()
	s.Push(ticket("late", time.Now().Add(time.Hour)))

	got := make(chan string, 1)
	go func() {
		tk, err := s.Take(context.Background())
		if err == nil {
			got <- tk.Record.MessageID
		}
	}()

	time.Sleep(20 * time.Millisecond)
	s.Push(ticket("soon", time.Now().Add(10*time.Millisecond)))

	select {
	case id := <-got:
		assert.Equal(t, "soon", id)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up for the earlier ticket")
	}
	assert.True(t, s.Contains("late"))
}

func TestSchedulerTakeOnEmptyBlocksUntilPush(t *testing.T) {
	s := NewScheduler()
	got := make(chan string, 1)
	go func() {
		tk, err := s.Take(context.Background())
		if err == nil {
			got <- tk.Record.MessageID
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned on an empty scheduler")
	case <-time.After(20 * time.Millisecond):
	}

	s.Push(ticket("m1", time.Now()))
	select {
	case id := <-got:
		assert.Equal(t, "m1", id)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestSchedulerTakeHonoursContext(t *testing.T) {
	s := NewScheduler()
	s.Push(ticket("m1", time.Now().Add(time.Hour)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Contains("m1"))
}

func TestPersistQueueKeepsOrder(t *testing.T) {
	q := newPersistQueue()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		q.push(persistOp{rec: model.OutboxRecord{MessageID: id}})
	}

	first := q.take(2)
	rest := q.take(0)
	require.Len(t, first, 2)
	require.Len(t, rest, 3)
	assert.Equal(t, "a", first[0].rec.MessageID)
	assert.Equal(t, "b", first[1].rec.MessageID)
	assert.Equal(t, "c", rest[0].rec.MessageID)
	assert.Equal(t, "e", rest[2].rec.MessageID)
	assert.Nil(t, q.take(0))
	assert.Equal(t, 0, q.len())
}
