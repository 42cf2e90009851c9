package events

import (
	"log/slog"
	"sync"
)

// Hub fans out the events of one run to any number of subscribers and keeps
// a journal of everything published except heartbeats, so late subscribers
// see every stage transition exactly once.
type Hub struct {
	mu      sync.Mutex
	journal []Event
	subs    map[int64]*Subscription
	nextID  int64
	closed  bool
	buffer  int
	logger  *slog.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer live events.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int64]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscription is one consumer of a hub.
type Subscription struct {
	id      int64
	hub     *Hub
	ch      chan Event
	once    sync.Once
	dropped bool
}

// Events is closed after the terminal event, on Close, or when the
// subscriber fell too far behind.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports whether the hub gave up on a slow subscriber.
func (s *Subscription) Dropped() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	delete(s.hub.subs, s.id)
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

// Subscribe attaches a consumer. With replay set, the journal is delivered
// first, preceded by recovery_start; the snapshot and the attach happen under
// one lock so no event is missed or duplicated.
func (h *Hub) Subscribe(replay bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !replay {
		return h.attachLocked(nil, len(h.journal))
	}
	return h.attachLocked([]Event{RecoveryStart()}, 0)
}

// SubscribeFrom attaches a consumer that already holds the first offset
// journal entries. It receives journal[offset:] and then live events, with no
// recovery_start, so a consumer that was dropped can continue on the same
// stream without seeing an event twice.
func (h *Hub) SubscribeFrom(offset int) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attachLocked(nil, offset)
}

func (h *Hub) attachLocked(prefix []Event, offset int) *Subscription {
	offset = max(0, min(offset, len(h.journal)))
	backlog := h.journal[offset:]

	h.nextID++
	sub := &Subscription{
		id:  h.nextID,
		hub: h,
		ch:  make(chan Event, len(prefix)+len(backlog)+h.buffer),
	}
	for _, ev := range prefix {
		sub.ch <- ev
	}
	for _, ev := range backlog {
		sub.ch <- ev
	}
	if h.closed {
		sub.closeLocked()
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers ev to every subscriber without blocking. A subscriber whose
// buffer is full is dropped and must resubscribe. Publishing a terminal event
// closes the hub.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	if Journaled(ev) {
		h.journal = append(h.journal, ev)
	}
	for id, sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			delete(h.subs, id)
			sub.closeLocked()
			h.logger.Warn("Dropped slow event subscriber", "subscriber", id, "event", ev.Type)
		}
	}
	if ev.Terminal() {
		h.closeLocked()
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeLocked()
}

func (h *Hub) closeLocked() {
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.closeLocked()
	}
}

// Journaled reports whether ev is kept in the journal and therefore counts
// toward a SubscribeFrom offset.
func Journaled(ev Event) bool {
	return ev.Type != TypeHeartbeat && ev.Type != TypeRecoveryStart
}

// Journal returns a copy of the published events, heartbeats excluded.
func (h *Hub) Journal() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.journal...)
}

// Subscribers returns the number of attached subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
