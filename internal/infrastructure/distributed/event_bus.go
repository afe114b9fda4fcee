package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
	"relaycast/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventStreamLive         EventType = "stream.live"
	EventStreamEnded        EventType = "stream.ended"
	EventViewerCountChanged EventType = "viewer.count_changed"
)

const eventChannel = "relaycast:events"

// Event represents a cross-instance notification
type Event struct {
	Type        EventType       `json:"type"`
	InstanceID  string          `json:"instance_id"`
	Timestamp   time.Time       `json:"timestamp"`
	StreamID    domain.StreamID `json:"stream_id"`
	ViewerCount int             `json:"viewer_count,omitempty"`
}

// EventBus mirrors push notifications across relay instances over redis
// pub/sub. It implements ports.Notifier on the publishing side; Subscribe
// feeds remote events into a local sink, skipping this instance's own.
type EventBus struct {
	client     *redis.Client
	instanceID string
	retryCfg   retry.Config
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

// NewEventBus creates a new event bus
func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		retryCfg:   retry.DefaultConfig(),
		logger:     logger,
	}
}

func (eb *EventBus) StreamLive(streamID domain.StreamID) {
	eb.publish(&Event{Type: EventStreamLive, StreamID: streamID})
}

func (eb *EventBus) StreamEnded(streamID domain.StreamID) {
	eb.publish(&Event{Type: EventStreamEnded, StreamID: streamID})
}

func (eb *EventBus) ViewerCountChanged(streamID domain.StreamID, count int) {
	eb.publish(&Event{Type: EventViewerCountChanged, StreamID: streamID, ViewerCount: count})
}

// publish is fire-and-forget from the caller's perspective: notification
// delivery must never block or fail signaling operations.
func (eb *EventBus) publish(event *Event) {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		eb.logger.Errorw("failed to marshal event", "type", event.Type, "error", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		err := retry.Do(ctx, eb.retryCfg, func() error {
			return eb.client.Publish(ctx, eventChannel, data).Err()
		})
		if err != nil {
			eb.logger.Warnw("failed to publish event",
				"type", event.Type,
				"stream_id", event.StreamID,
				"error", err,
			)
			return
		}

		eb.logger.Debugw("published event", "type", event.Type, "stream_id", event.StreamID)
	}()
}

// Subscribe blocks delivering remote events to sink until ctx is cancelled.
// Events published by this instance are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, sink ports.Notifier) error {
	if eb.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	eb.pubsub = eb.client.Subscribe(ctx, eventChannel)
	defer eb.pubsub.Close()

	ch := eb.pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if event.InstanceID == eb.instanceID {
				continue
			}

			switch event.Type {
			case EventStreamLive:
				sink.StreamLive(event.StreamID)
			case EventStreamEnded:
				sink.StreamEnded(event.StreamID)
			case EventViewerCountChanged:
				sink.ViewerCountChanged(event.StreamID, event.ViewerCount)
			default:
				eb.logger.Debugw("ignoring unknown event type", "type", event.Type)
			}
		}
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}

var _ ports.Notifier = (*EventBus)(nil)
