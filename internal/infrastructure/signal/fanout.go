package signal

import (
	"relaycast/internal/core/domain"
	"relaycast/internal/core/ports"
)

// Fanout replicates notifications across several sinks, typically the local
// websocket hub plus the distributed event bus.
type Fanout struct {
	sinks []ports.Notifier
}

func NewFanout(sinks ...ports.Notifier) *Fanout {
	return &Fanout{sinks: sinks}
}

func (f *Fanout) StreamLive(streamID domain.StreamID) {
	for _, s := range f.sinks {
		s.StreamLive(streamID)
	}
}

func (f *Fanout) StreamEnded(streamID domain.StreamID) {
	for _, s := range f.sinks {
		s.StreamEnded(streamID)
	}
}

func (f *Fanout) ViewerCountChanged(streamID domain.StreamID, count int) {
	for _, s := range f.sinks {
		s.ViewerCountChanged(streamID, count)
	}
}

// NopNotifier discards every notification.
type NopNotifier struct{}

func (NopNotifier) StreamLive(domain.StreamID)              {}
func (NopNotifier) StreamEnded(domain.StreamID)             {}
func (NopNotifier) ViewerCountChanged(domain.StreamID, int) {}

var (
	_ ports.Notifier = (*Fanout)(nil)
	_ ports.Notifier = NopNotifier{}
)
