package stream

import (
	"context"
	"sync"
	"time"
)

// PurchaseEvent describes one purchase workflow reaching a terminal state,
// broadcast to the admin dashboard feed.
type PurchaseEvent struct {
	ParcelID      string    `json:"land_id,omitempty"`
	CertificateID string    `json:"certificate_id,omitempty"`
	BuyerID       string    `json:"buyer_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	State         string    `json:"state"`
	Timestamp     time.Time `json:"timestamp"`
}

// Stream fan-outs purchase events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan PurchaseEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan PurchaseEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan PurchaseEvent {
	ch := make(chan PurchaseEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt PurchaseEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
