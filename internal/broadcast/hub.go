// Package broadcast delivers analytics updates to live subscribers. Delivery
// is best-effort: a slow subscriber misses events instead of blocking the
// publisher.
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kasirinaja/retailpos/internal/metrics"
)

const defaultBuffer = 16

func RoleScope(role string) string { return "role:" + role }

func UserScope(userID string) string { return "user:" + userID }

type Event struct {
	Scope   string          `json:"scope"`
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`
}

// Target is anything that can receive scoped events.
type Target interface {
	Publish(ctx context.Context, scope string, event string, payload any) error
	HasSubscribers(scope string) bool
}

type Subscription struct {
	C      <-chan Event
	id     uint64
	scopes []string
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Event
	nextID uint64
	buffer int
	log    *logrus.Entry
	now    func() time.Time
}

func NewHub(buffer int, log *logrus.Entry) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		subs:   make(map[string]map[uint64]chan Event),
		buffer: buffer,
		log:    log.WithField("component", "broadcast"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe registers one channel for every given scope. The returned func
// unregisters it and closes the channel.
func (h *Hub) Subscribe(scopes ...string) (*Subscription, func()) {
	ch := make(chan Event, h.buffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	for _, scope := range scopes {
		if h.subs[scope] == nil {
			h.subs[scope] = make(map[uint64]chan Event)
		}
		h.subs[scope][id] = ch
	}
	h.mu.Unlock()

	sub := &Subscription{C: ch, id: id, scopes: scopes}
	var once sync.Once
	return sub, func() {
		once.Do(func() { h.unsubscribe(sub, ch) })
	}
}

func (h *Hub) unsubscribe(sub *Subscription, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, scope := range sub.scopes {
		delete(h.subs[scope], sub.id)
		if len(h.subs[scope]) == 0 {
			delete(h.subs, scope)
		}
	}
	close(ch)
}

func (h *Hub) HasSubscribers(scope string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[scope]) > 0
}

func (h *Hub) Subscribers(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[scope])
}

// Publish never blocks; events for full subscriber buffers are dropped.
func (h *Hub) Publish(_ context.Context, scope string, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := Event{Scope: scope, Name: event, Payload: raw, SentAt: h.now()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs[scope] {
		select {
		case ch <- msg:
			metrics.Pushes.WithLabelValues("sent").Inc()
		default:
			metrics.Pushes.WithLabelValues("dropped").Inc()
			h.log.WithFields(logrus.Fields{"scope": scope, "subscriber": id}).Debug("subscriber buffer full, event dropped")
		}
	}
	return nil
}
