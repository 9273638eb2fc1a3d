// Package bus fans out lifecycle and statistics events to live dashboard
// subscribers. Delivery is best-effort: a dead subscriber is dropped, it
// never blocks or fails delivery to the others.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber is one live connection receiving serialized events.
type Subscriber interface {
	// Send delivers one serialized event. It must return promptly; a
	// subscriber that cannot accept the event fails instead of
	// blocking. An error marks the subscriber dead; the hub removes
	// and closes it.
	Send(data []byte) error

	// Close releases the underlying connection. Called by the hub
	// after a failed send or at shutdown.
	Close() error
}

// Hub is the publish/subscribe fan-out.
type Hub struct {
	log  logrus.FieldLogger
	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:  log.WithField("component", "bus"),
		subs: make(map[Subscriber]struct{}),
	}
}

// Subscribe registers a live connection.
func (h *Hub) Subscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.subs[sub] = struct{}{}

	h.log.WithField("subscribers", len(h.subs)).Debug("Subscriber joined")
}

// Unsubscribe removes a connection. Removing an unknown or already
// removed subscriber is a no-op.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}

	delete(h.subs, sub)

	h.log.WithField("subscribers", len(h.subs)).Debug("Subscriber left")
}

// Publish serializes the event once and delivers it to every current
// subscriber. The subscriber set is snapshotted first so a misbehaving
// Send never holds the hub lock against subscribes, unsubscribes, or
// other publishers. Subscribers whose send fails are removed and closed.
func (h *Hub) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).WithField("type", event.Type).
			Error("Failed to serialize event")

		return
	}

	h.mu.Lock()

	targets := make([]Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}

	h.mu.Unlock()

	for _, sub := range targets {
		if err := sub.Send(data); err != nil {
			h.log.WithError(err).Debug("Dropping dead subscriber")

			h.Unsubscribe(sub)

			_ = sub.Close()
		}
	}
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Close disconnects every subscriber and empties the hub.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		_ = sub.Close()

		delete(h.subs, sub)
	}
}
