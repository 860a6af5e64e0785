package events

import (
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/imq/internal/logfields"
)

// Filter decides whether a subscriber receives a message. A nil filter
// receives everything.
type Filter func(Message) bool

// Subscription is one registered consumer of the hub. Messages arrive on C in
// publish order; when the buffer overflows the oldest pending message is
// dropped and the subscription turns lossy until ResetLossy is called.
type Subscription struct {
	name   string
	ch     chan Message
	filter Filter

	mu    sync.Mutex
	lossy bool
}

// C is the receive channel. It is closed when the subscription is cancelled
// or the hub shuts down.
func (s *Subscription) C() <-chan Message { return s.ch }

// Name identifies the subscriber in logs.
func (s *Subscription) Name() string { return s.name }

// Lossy reports whether messages were dropped since the last reset.
func (s *Subscription) Lossy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lossy
}

// ResetLossy clears the lossy flag after the consumer resynced.
func (s *Subscription) ResetLossy() {
	s.mu.Lock()
	s.lossy = false
	s.mu.Unlock()
}

func (s *Subscription) markLossy() {
	s.mu.Lock()
	s.lossy = true
	s.mu.Unlock()
}

// Hub fans state-change messages out to all subscriptions.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*Subscription]struct{}), logger: logger}
}

// Subscribe registers a consumer. buffer must be at least 1; filter may be
// nil. The returned cancel function closes the channel and deregisters.
func (h *Hub) Subscribe(name string, buffer int, filter Filter) (*Subscription, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{name: name, ch: make(chan Message, buffer), filter: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			_, present := h.subs[sub]
			delete(h.subs, sub)
			h.mu.Unlock()
			if present {
				close(sub.ch)
			}
		})
	}
	return sub, cancel
}

// Publish delivers msg to every matching subscription without ever blocking.
// A full buffer loses its oldest message to make room.
func (h *Hub) Publish(msgType string, payload any) {
	msg := Message{Type: msgType, Payload: payload, Timestamp: time.Now().UTC()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		if sub.filter != nil && !sub.filter(msg) {
			continue
		}
		h.deliver(sub, msg)
	}
}

// deliver pushes msg onto the subscription, dropping the oldest pending
// message if the buffer is full. Publishers run concurrently, so another
// sender may refill the slot between the drain and the retry; the final
// non-blocking send absorbs that race by marking the subscription lossy.
func (h *Hub) deliver(sub *Subscription, msg Message) {
	select {
	case sub.ch <- msg:
		return
	default:
	}

	select {
	case dropped := <-sub.ch:
		sub.markLossy()
		h.logger.Debug("dropped broadcast message for slow subscriber",
			logfields.Subscriber(sub.name),
			logfields.Event(dropped.Type))
	default:
	}

	select {
	case sub.ch <- msg:
	default:
		sub.markLossy()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the hub down and closes every subscription channel.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
}
