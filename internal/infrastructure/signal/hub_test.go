package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaycast/internal/core/domain"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dialHub(t *testing.T, hub *Hub, streamID domain.StreamID) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWebSocket(w, r, streamID)
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Wait for the subscriber to be attached before publishing.
	require.Eventually(t, func() bool {
		return hub.SubscriberCount(streamID) == 1
	}, time.Second, 5*time.Millisecond)

	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) PushEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev PushEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubDeliversEvents(t *testing.T) {
	hub := NewHub(16, zap.NewNop().Sugar())
	conn := dialHub(t, hub, "show")

	hub.StreamLive("show")
	ev := readEvent(t, conn)
	assert.Equal(t, PushStreamLive, ev.Type)
	assert.Equal(t, domain.StreamID("show"), ev.StreamID)

	hub.ViewerCountChanged("show", 4)
	ev = readEvent(t, conn)
	assert.Equal(t, PushViewerCount, ev.Type)
	assert.Equal(t, 4, ev.ViewerCount)

	hub.StreamEnded("show")
	ev = readEvent(t, conn)
	assert.Equal(t, PushStreamEnded, ev.Type)
}

func TestHubScopesEventsByStream(t *testing.T) {
	hub := NewHub(16, zap.NewNop().Sugar())
	conn := dialHub(t, hub, "mine")

	// Events for another stream never reach this subscriber.
	hub.StreamLive("other")
	hub.ViewerCountChanged("mine", 1)

	ev := readEvent(t, conn)
	assert.Equal(t, PushViewerCount, ev.Type)
	assert.Equal(t, domain.StreamID("mine"), ev.StreamID)
}

func TestHubNeverBlocksPublisher(t *testing.T) {
	hub := NewHub(2, zap.NewNop().Sugar())
	dialHub(t, hub, "show")

	// Far more events than the send buffer holds, with no reader draining.
	// The overflow is dropped; publishing must return promptly.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.ViewerCountChanged("show", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestHubDetachOnDisconnect(t *testing.T) {
	hub := NewHub(16, zap.NewNop().Sugar())
	conn := dialHub(t, hub, "show")

	conn.Close()

	assert.Eventually(t, func() bool {
		return hub.SubscriberCount("show") == 0
	}, time.Second, 5*time.Millisecond)

	// Publishing with no subscribers is a no-op.
	hub.StreamEnded("show")
}
