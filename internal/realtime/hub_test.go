package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astronien/smart-queue-system/internal/bus"
	"github.com/astronien/smart-queue-system/internal/models"
)

type staticSource struct {
	customers []models.Customer
}

func (s staticSource) QueueSnapshot(context.Context, string) ([]models.Customer, error) {
	return s.customers, nil
}

func newTestHub(b bus.Bus) *Hub {
	return NewHub(b, staticSource{}, zerolog.Nop())
}

func recv(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

func TestBroadcastReachesBranchRoom(t *testing.T) {
	h := newTestHub(bus.NewMemory())
	client := &Client{ID: "a", Send: make(chan []byte, 4), Subscription: Subscription{BranchID: "main"}}
	other := &Client{ID: "b", Send: make(chan []byte, 4), Subscription: Subscription{BranchID: "downtown"}}
	h.Register(client)
	h.Register(other)

	h.Broadcast([]byte(`{"type":"customer-added"}`), Subscription{BranchID: "main"})

	assert.Equal(t, `{"type":"customer-added"}`, string(recv(t, client.Send)))
	assert.Empty(t, other.Send)
}

func TestStationRoomFiltersOtherStations(t *testing.T) {
	h := newTestHub(bus.NewMemory())
	payment := &Client{ID: "a", Send: make(chan []byte, 4), Subscription: Subscription{BranchID: "main", Station: "PAYMENT"}}
	h.Register(payment)

	h.Broadcast([]byte(`x`), Subscription{BranchID: "main", Station: "TRADE_IN"})
	assert.Empty(t, payment.Send)

	h.Broadcast([]byte(`y`), Subscription{BranchID: "main", Station: "PAYMENT"})
	assert.Equal(t, "y", string(recv(t, payment.Send)))

	// Branch-wide events still reach station rooms.
	h.Broadcast([]byte(`z`), Subscription{BranchID: "main"})
	assert.Equal(t, "z", string(recv(t, payment.Send)))
}

func TestBroadcastDropsWhenClientIsFull(t *testing.T) {
	h := newTestHub(bus.NewMemory())
	client := &Client{ID: "a", Send: make(chan []byte), Subscription: Subscription{BranchID: "main"}}
	h.Register(client)

	done := make(chan struct{})
	go func() {
		h.Broadcast([]byte(`x`), Subscription{BranchID: "main"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a full client")
	}
}

func TestSubscriptionBridgesBusEvents(t *testing.T) {
	b := bus.NewMemory()
	h := newTestHub(b)
	defer h.Close()

	client := &Client{ID: "a", Send: make(chan []byte, 4)}
	h.Register(client)
	h.UpdateSubscription(client, Subscription{BranchID: "main"})

	b.Publish(bus.NewEvent(bus.EventStatusChanged, "main", "PAYMENT", bus.StatusPayload{CustomerID: 7, Status: models.StatusInProgress}))

	var event bus.Event
	require.NoError(t, json.Unmarshal(recv(t, client.Send), &event))
	assert.Equal(t, bus.EventStatusChanged, event.Type)
	assert.Equal(t, "main", event.BranchID)
}

func watcherCount(h *Hub) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

func TestBranchWatcherStopsWithLastClient(t *testing.T) {
	h := newTestHub(bus.NewMemory())

	first := &Client{ID: "a", Send: make(chan []byte, 4)}
	second := &Client{ID: "b", Send: make(chan []byte, 4)}
	h.Register(first)
	h.Register(second)
	h.UpdateSubscription(first, Subscription{BranchID: "main"})
	h.UpdateSubscription(second, Subscription{BranchID: "main"})
	assert.Equal(t, 1, watcherCount(h))

	h.Unregister(first)
	assert.Equal(t, 1, watcherCount(h))

	h.Unregister(second)
	assert.Equal(t, 0, watcherCount(h))
}

func TestSwitchingBranchMovesWatcher(t *testing.T) {
	h := newTestHub(bus.NewMemory())
	client := &Client{ID: "a", Send: make(chan []byte, 4)}
	h.Register(client)

	h.UpdateSubscription(client, Subscription{BranchID: "main"})
	assert.Equal(t, 1, watcherCount(h))

	h.UpdateSubscription(client, Subscription{BranchID: "downtown"})
	assert.Equal(t, 1, watcherCount(h))
	h.mu.RLock()
	_, stale := h.watchers["main"]
	h.mu.RUnlock()
	assert.False(t, stale)

	// Station refinement within the same branch keeps the watcher.
	h.UpdateSubscription(client, Subscription{BranchID: "downtown", Station: "PAYMENT"})
	assert.Equal(t, 1, watcherCount(h))

	h.Unregister(client)
	assert.Equal(t, 0, watcherCount(h))
}

func TestUnregisterClosesSend(t *testing.T) {
	h := newTestHub(bus.NewMemory())
	client := &Client{ID: "a", Send: make(chan []byte, 1)}
	h.Register(client)
	h.Unregister(client)
	_, open := <-client.Send
	assert.False(t, open)
	// Second unregister must not close twice.
	h.Unregister(client)
}

func TestParseClientMessage(t *testing.T) {
	msg, ok := parseClientMessage(`{"event":" join-station ","branchId":"main","station":"PAYMENT"}`)
	require.True(t, ok)
	assert.Equal(t, "join-station", msg.Event)
	assert.Equal(t, "main", msg.BranchID)
	assert.Equal(t, "PAYMENT", msg.Station)

	_, ok = parseClientMessage(`not json`)
	assert.False(t, ok)
	_, ok = parseClientMessage(`{"branchId":"main"}`)
	assert.False(t, ok)
}
