package outbox

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/jmehdipour/im-gateway/internal/model"
)

// RetryTicket is a record waiting for its next delivery attempt.
type RetryTicket struct {
	Record *model.OutboxRecord
	DueAt  time.Time
}

type ticketItem struct {
	ticket RetryTicket
	index  int
}

// ticketHeap is a min-heap on DueAt with an index by message id.
type ticketHeap struct {
	items []*ticketItem
	byID  map[string]*ticketItem
}

func (h *ticketHeap) Len() int { return len(h.items) }

func (h *ticketHeap) Less(i, j int) bool {
	return h.items[i].ticket.DueAt.Before(h.items[j].ticket.DueAt)
}

func (h *ticketHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *ticketHeap) Push(x any) {
	it := x.(*ticketItem)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byID[it.ticket.Record.MessageID] = it
}

func (h *ticketHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.byID, it.ticket.Record.MessageID)
	return it
}

// Scheduler holds retry tickets ordered by due time. A single consumer blocks
// in Take until the earliest ticket is due.
type Scheduler struct {
	mu   sync.Mutex
	h    ticketHeap
	wake chan struct{}
	now  func() time.Time
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		h:    ticketHeap{byID: make(map[string]*ticketItem)},
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Push adds t. It returns false if the message already has a ticket.
func (s *Scheduler) Push(t RetryTicket) bool {
	s.mu.Lock()
	if _, ok := s.h.byID[t.Record.MessageID]; ok {
		s.mu.Unlock()
		return false
	}
	heap.Push(&s.h, &ticketItem{ticket: t})
	earliest := s.h.items[0].ticket.Record.MessageID == t.Record.MessageID
	s.mu.Unlock()

	if earliest {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Take blocks until a ticket is due or ctx is done.
func (s *Scheduler) Take(ctx context.Context) (RetryTicket, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var wait time.Duration = -1
		if s.h.Len() > 0 {
			head := s.h.items[0]
			if d := head.ticket.DueAt.Sub(s.now()); d > 0 {
				wait = d
			} else {
				it := heap.Pop(&s.h).(*ticketItem)
				s.mu.Unlock()
				return it.ticket, nil
			}
		}
		s.mu.Unlock()

		var timerC <-chan time.Time
		if wait >= 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return RetryTicket{}, ctx.Err()
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (s *Scheduler) Contains(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.h.byID[messageID]
	return ok
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h.Len()
}
