package bus_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MalooBell/metric2/pkg/bus"
)

// wsPair dials a loopback websocket server and returns both ends.
func wsPair(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}

			serverSide <- conn
		}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	client, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.Cleanup(func() { _ = client.Close() })

	select {
	case server = <-serverSide:
	case <-time.After(time.Second):
		t.Fatal("server side of the connection never arrived")
	}

	return client, server
}

func TestWSSubscriber_DeliversQueuedFrames(t *testing.T) {
	client, server := wsPair(t)

	sub := bus.NewWSSubscriber(server)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, sub.Send([]byte(`{"type":"test_started","testId":1}`)))
	require.NoError(t, sub.Send([]byte(`{"type":"stats_update"}`)))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(time.Second)))

	_, first, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"test_started","testId":1}`, string(first))

	_, second, err := client.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stats_update"}`, string(second))
}

func TestWSSubscriber_SendAfterCloseFails(t *testing.T) {
	_, server := wsPair(t)

	sub := bus.NewWSSubscriber(server)
	require.NoError(t, sub.Close())

	assert.Error(t, sub.Send([]byte(`{"type":"stats_update"}`)))

	// Close is idempotent aside from the connection-level error.
	_ = sub.Close()
}

func TestWSSubscriber_ReadLoopUnsubscribesOnDisconnect(t *testing.T) {
	client, server := wsPair(t)

	h := testHub()
	sub := bus.NewWSSubscriber(server)
	h.Subscribe(sub)

	go sub.ReadLoop(h)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return h.Len() == 0
	}, time.Second, 10*time.Millisecond,
		"peer disconnect should remove the subscriber")
}
