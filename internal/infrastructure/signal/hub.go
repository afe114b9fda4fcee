package signal

import (
	"net/http"
	"sync"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// PushEvent is the wire form of an out-of-band notification.
type PushEvent struct {
	Type        string          `json:"type"`
	StreamID    domain.StreamID `json:"stream_id"`
	ViewerCount int             `json:"viewer_count,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

const (
	PushStreamLive  = "stream.live"
	PushStreamEnded = "stream.ended"
	PushViewerCount = "viewer.count"
)

// subscriber is one websocket client watching a stream's events. Events are
// dropped rather than queued when its buffer is full so a slow reader can
// never stall the orchestrator.
type subscriber struct {
	events chan PushEvent
	done   chan struct{}
}

// Hub fans push events out to websocket subscribers, keyed by stream. It
// implements ports.Notifier; the orchestrator never blocks on delivery.
type Hub struct {
	subscribers map[domain.StreamID]map[*subscriber]struct{}
	mu          sync.RWMutex

	sendBuffer   int
	pingInterval time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewHub(sendBuffer int, logger *zap.SugaredLogger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 16
	}
	return &Hub{
		subscribers:  make(map[domain.StreamID]map[*subscriber]struct{}),
		sendBuffer:   sendBuffer,
		pingInterval: 30 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
}

func (h *Hub) StreamLive(streamID domain.StreamID) {
	h.broadcast(streamID, PushEvent{Type: PushStreamLive, StreamID: streamID, Timestamp: time.Now()})
}

func (h *Hub) StreamEnded(streamID domain.StreamID) {
	h.broadcast(streamID, PushEvent{Type: PushStreamEnded, StreamID: streamID, Timestamp: time.Now()})
}

func (h *Hub) ViewerCountChanged(streamID domain.StreamID, count int) {
	h.broadcast(streamID, PushEvent{
		Type:        PushViewerCount,
		StreamID:    streamID,
		ViewerCount: count,
		Timestamp:   time.Now(),
	})
}

func (h *Hub) broadcast(streamID domain.StreamID, ev PushEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers[streamID] {
		select {
		case sub.events <- ev:
		default:
			h.logger.Warnw("dropping push event for slow subscriber",
				"stream_id", streamID,
				"type", ev.Type,
			)
		}
	}
}

// HandleWebSocket upgrades the request and streams push events for one stream
// until the client disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, streamID domain.StreamID) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "stream_id", streamID, "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{
		events: make(chan PushEvent, h.sendBuffer),
		done:   make(chan struct{}),
	}
	h.attach(streamID, sub)
	defer h.detach(streamID, sub)

	h.logger.Infow("event subscriber connected", "stream_id", streamID)

	// Drain the client's reads so close frames and pongs are processed.
	go func() {
		defer close(sub.done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(h.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case ev := <-sub.events:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Infow("event subscriber write failed", "stream_id", streamID, "error", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sub.done:
			h.logger.Infow("event subscriber disconnected", "stream_id", streamID)
			return
		}
	}
}

// SubscriberCount reports how many clients watch a stream's events.
func (h *Hub) SubscriberCount(streamID domain.StreamID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[streamID])
}

func (h *Hub) attach(streamID domain.StreamID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[streamID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subscribers[streamID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) detach(streamID domain.StreamID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[streamID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subscribers, streamID)
	}
}

var _ ports.Notifier = (*Hub)(nil)
