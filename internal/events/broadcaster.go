// Package events provides an SSE event broadcaster for metadata change
// notifications. The metadata store publishes an event for every item
// mutation; UI collaborators subscribe per account.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/justfiles/justfiles/internal/metrics"
)

const (
	EventCreate     = "create"
	EventUpdate     = "update"
	EventDelete     = "delete"
	EventVisibility = "visibility"
)

// Event describes a single item mutation.
type Event struct {
	Type      string `json:"type"`
	ItemID    string `json:"itemId"`
	AccountID string `json:"accountId"`
	ParentID  string `json:"parentId,omitempty"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcaster manages subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]string // channel -> accountID filter ("" = all)
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]string),
	}
}

// Subscribe adds a subscriber scoped to one account ("" receives every
// account's events). The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(accountID string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = accountID
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all matching subscribers. Non-blocking:
// drops events for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subscribers {
		if filter != "" && filter != event.AccountID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
