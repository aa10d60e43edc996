// Package bus is the synchronization layer contract: a typed
// publish/subscribe channel scoped by branch. The queue engine publishes
// one event per committed mutation; observers (realtime hub, notifiers)
// subscribe and re-render without re-issuing the mutation. For a single
// branch, events are delivered in the order they were published.
package bus

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/astronien/smart-queue-system/internal/models"
)

type EventType string

const (
	EventCustomerAdded     EventType = "customer-added"
	EventCustomerUpdated   EventType = "customer-updated"
	EventCustomerMoved     EventType = "customer-moved"
	EventCustomerCompleted EventType = "customer-completed"
	EventStatusChanged     EventType = "status-changed"
	EventQueueData         EventType = "queue-data"
)

// Event is the envelope fanned out to observers. Station carries the
// customer's station after the mutation so station-scoped subscribers can
// filter; it is empty for branch-wide events.
type Event struct {
	Type      EventType       `json:"type"`
	BranchID  string          `json:"branchId"`
	Station   string          `json:"station,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Payload schemas per event type. Added/updated events carry the full
// customer; the rest carry the minimal delta.

type MovedPayload struct {
	CustomerID  int64  `json:"customerId"`
	FromStation string `json:"fromStation"`
	ToStation   string `json:"toStation"`
}

type CompletedPayload struct {
	CustomerID  int64     `json:"customerId"`
	CompletedAt time.Time `json:"completedAt"`
}

type StatusPayload struct {
	CustomerID int64         `json:"customerId"`
	Status     models.Status `json:"status"`
}

type Bus interface {
	Publish(event Event)
	// Subscribe returns a channel of events for one branch and a cancel
	// function. A slow subscriber has events dropped rather than blocking
	// the publisher; droppers must re-request full state (queue-data).
	Subscribe(branchID string) (<-chan Event, func())
}

// NewEvent marshals payload into an envelope. Marshal failures cannot
// happen for the payload types above, so they reduce to an empty payload.
func NewEvent(eventType EventType, branchID, station string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	return Event{
		Type:      eventType,
		BranchID:  branchID,
		Station:   station,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
}

const subscriberBuffer = 64

// Memory is the in-process Bus used by the single-device deployment and by
// the server to bridge committed mutations to realtime clients.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[int]chan Event)}
}

func (m *Memory) Publish(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[event.BranchID] {
		select {
		case ch <- event:
		default:
			// Subscriber fell behind; it must resynchronize via a full
			// queue snapshot.
		}
	}
}

func (m *Memory) Subscribe(branchID string) (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Event, subscriberBuffer)
	if m.subs[branchID] == nil {
		m.subs[branchID] = make(map[int]chan Event)
	}
	m.subs[branchID][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[branchID][id]; ok {
			delete(m.subs[branchID], id)
			close(sub)
		}
	}
	return ch, cancel
}
