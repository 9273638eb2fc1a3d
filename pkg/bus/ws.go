package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds how long one frame may take on the wire.
	writeWait = 10 * time.Second

	// sendQueueSize is the per-connection backlog. A client that falls
	// this far behind the stats cadence is dropped rather than buffered
	// without bound.
	sendQueueSize = 64
)

var (
	errSubscriberClosed = errors.New("subscriber closed")
	errClientTooSlow    = errors.New("client not keeping up")
)

// WSSubscriber adapts a gorilla websocket connection to the Subscriber
// interface. Frames are written by a dedicated pump goroutine fed
// through a bounded queue, so Send never blocks a publisher on a slow
// peer: when the queue fills, Send fails and the hub drops the client.
type WSSubscriber struct {
	conn  *websocket.Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Compile-time interface check.
var _ Subscriber = (*WSSubscriber)(nil)

// NewWSSubscriber wraps an upgraded websocket connection and starts its
// write pump.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	w := &WSSubscriber{
		conn:  conn,
		queue: make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
	}

	go w.writePump()

	return w
}

// Send queues one text frame for delivery. It returns an error instead
// of blocking when the queue is full or the subscriber is closed.
func (w *WSSubscriber) Send(data []byte) error {
	select {
	case <-w.done:
		return errSubscriberClosed
	default:
	}

	select {
	case w.queue <- data:
		return nil
	default:
		return errClientTooSlow
	}
}

// Close stops the write pump and closes the underlying connection.
// Safe to call more than once.
func (w *WSSubscriber) Close() error {
	w.once.Do(func() { close(w.done) })

	return w.conn.Close()
}

// writePump drains the queue onto the wire. Gorilla connections allow a
// single concurrent writer, and this goroutine is it.
func (w *WSSubscriber) writePump() {
	for {
		select {
		case <-w.done:
			return
		case data := <-w.queue:
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := w.conn.WriteMessage(
				websocket.TextMessage, data,
			); err != nil {
				_ = w.Close()

				return
			}
		}
	}
}

// ReadLoop discards inbound frames until the peer disconnects, then
// removes the subscriber from the hub. Run it in its own goroutine; the
// read pump is what notices an abruptly vanished browser.
func (w *WSSubscriber) ReadLoop(hub *Hub) {
	defer func() {
		hub.Unsubscribe(w)
		_ = w.Close()
	}()

	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}
