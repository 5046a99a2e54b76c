package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Type identifies a notification emitted for the presentation layer.
type Type string

const (
	FolderCountsChanged Type = "folder-counts-changed"
	EmailsChanged       Type = "emails-changed"
	NewMail             Type = "new-mail"
	OperationFailed     Type = "operation-failed"
)

// Event is a notification about a state change in the engine. The engine
// only publishes; delivery to a UI transport is the subscriber's concern.
type Event struct {
	Type        Type   `json:"type"`
	Account     string `json:"account,omitempty"`
	Folder      string `json:"folder,omitempty"`
	Count       int    `json:"count,omitempty"`
	OperationID int64  `json:"operation_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// subscriberBuffer is the per-subscriber channel capacity. Publish never
// blocks; events beyond the buffer are dropped.
const subscriberBuffer = 64

// Bus fans events out to subscribers
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	logger *logrus.Logger
}

// NewBus creates a new event bus
func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a new subscriber and returns its channel
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers an event to every subscriber without blocking. A
// subscriber that cannot keep up loses events rather than stalling the
// engine.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			b.logger.WithField("type", ev.Type).Debug("Dropped event for slow subscriber")
		}
	}
}
