// Package realtime fans queue events out to connected devices over a
// sockjs endpoint and provides the reconnecting client used by station
// displays. Rooms are scoped by branch, optionally refined by station.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/astronien/smart-queue-system/internal/bus"
	"github.com/astronien/smart-queue-system/internal/models"
)

// QueueSource answers full-state requests from reconnecting observers.
type QueueSource interface {
	QueueSnapshot(ctx context.Context, branchID string) ([]models.Customer, error)
}

type Subscription struct {
	BranchID string
	Station  string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	bus    bus.Bus
	source QueueSource
	log    zerolog.Logger

	mu       sync.RWMutex
	clients  map[string]*Client
	watchers map[string]*branchWatcher
}

// branchWatcher is one bus subscription shared by every client in a
// branch, dropped when the last of them leaves.
type branchWatcher struct {
	cancel  func()
	clients int
}

func NewHub(b bus.Bus, source QueueSource, log zerolog.Logger) *Hub {
	return &Hub{
		bus:      b,
		source:   source,
		log:      log,
		clients:  make(map[string]*Client),
		watchers: make(map[string]*branchWatcher),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	h.releaseBranch(client.Subscription.BranchID)
	close(client.Send)
}

// UpdateSubscription moves a client into a branch (and optional station)
// room. The first client in a branch starts its bus watcher; the last
// one out stops it.
func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	previous := client.Subscription.BranchID
	client.Subscription = sub
	if previous == sub.BranchID {
		return
	}
	h.releaseBranch(previous)
	h.retainBranch(sub.BranchID)
}

// retainBranch adds one client to a branch watcher, creating it when the
// branch had none. Callers hold h.mu.
func (h *Hub) retainBranch(branchID string) {
	if branchID == "" {
		return
	}
	if watcher, ok := h.watchers[branchID]; ok {
		watcher.clients++
		return
	}
	events, cancel := h.bus.Subscribe(branchID)
	h.watchers[branchID] = &branchWatcher{cancel: cancel, clients: 1}
	go func() {
		for event := range events {
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.Broadcast(payload, Subscription{BranchID: event.BranchID, Station: event.Station})
		}
	}()
}

// releaseBranch drops one client from a branch watcher and cancels the
// bus subscription once nobody is left. Callers hold h.mu.
func (h *Hub) releaseBranch(branchID string) {
	if branchID == "" {
		return
	}
	watcher, ok := h.watchers[branchID]
	if !ok {
		return
	}
	watcher.clients--
	if watcher.clients <= 0 {
		watcher.cancel()
		delete(h.watchers, branchID)
	}
}

// Broadcast delivers payload to every client whose room matches. A client
// that cannot keep up has the message dropped; it recovers by requesting
// the full queue again.
func (h *Hub) Broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.log.Warn().Str("client", client.ID).Msg("drop realtime message")
		}
	}
}

// Close stops all branch watchers. Registered clients are left to drain.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for branchID, watcher := range h.watchers {
		watcher.cancel()
		delete(h.watchers, branchID)
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.BranchID == "" || sub.BranchID != meta.BranchID {
		return false
	}
	// A station room sees its own station's events plus branch-wide ones.
	if sub.Station != "" && meta.Station != "" && sub.Station != meta.Station {
		return false
	}
	return true
}
