package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types emitted by the daemon.
const (
	EventAgentCompleted = "agent.completed"
	EventPRCompleted    = "pr.completed"
	EventCycleCompleted = "cycle.completed"
	EventCycleFailed    = "cycle.failed"
	EventConfigReloaded = "config.reloaded"
)

// Event is a notification about a pull request or the scheduler
type Event struct {
	Type       string    `json:"type"`
	TS         time.Time `json:"ts"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Repo       string    `json:"repo,omitempty"`
	PRNumber   int       `json:"pr_number,omitempty"`
	PRTitle    string    `json:"pr_title,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	AgentName  string    `json:"agent_name,omitempty"`
	Conclusion string    `json:"conclusion,omitempty"`
	PRCount    int       `json:"pr_count,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Subscriber represents a client subscribed to events
type Subscriber struct {
	ID   int
	Repo string // Filter: only send events for this owner/name (empty = all)
	Ch   chan Event
}

// Broadcaster manages event subscriptions and broadcasting
type Broadcaster interface {
	Subscribe(repo string) (int, <-chan Event)
	Unsubscribe(id int)
	Broadcast(event Event)
	SubscriberCount() int
}

// EventBroadcaster implements the Broadcaster interface
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[int]*Subscriber
	nextID      int
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster() Broadcaster {
	return &EventBroadcaster{
		subscribers: make(map[int]*Subscriber),
		nextID:      1,
	}
}

// Subscribe adds a subscriber with an optional repository filter and
// returns its ID and event channel.
func (b *EventBroadcaster) Subscribe(repo string) (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, 32)
	b.subscribers[id] = &Subscriber{ID: id, Repo: repo, Ch: ch}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel
func (b *EventBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Ch)
		delete(b.subscribers, id)
	}
}

// Broadcast sends an event to all matching subscribers.
// A subscriber whose buffer is full misses the event.
func (b *EventBroadcaster) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		// Scheduler-level events (no repo) reach every subscriber
		if sub.Repo != "" && event.Repo != "" && sub.Repo != event.Repo {
			continue
		}
		select {
		case sub.Ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the current number of subscribers
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalJSON renders the timestamp as RFC 3339 in UTC for streaming.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		TS string `json:"ts"`
	}{
		plain: plain(e),
		TS:    e.TS.UTC().Format(time.RFC3339),
	})
}
