package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/MalooBell/metric2/pkg/bus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-origin policy is handled by the CORS middleware for the
	// REST surface; the dashboard may be served from anywhere.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and registers it as a live
// event subscriber. The read pump notices disconnects and removes the
// subscriber from the hub.
func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("WebSocket upgrade failed")

		return
	}

	sub := bus.NewWSSubscriber(conn)
	s.hub.Subscribe(sub)

	go sub.ReadLoop(s.hub)
}
