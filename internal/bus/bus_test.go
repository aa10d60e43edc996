package bus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/astronien/smart-queue-system/internal/models"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewMemory()
	ch, cancel := b.Subscribe("default")
	defer cancel()

	for i := int64(1); i <= 5; i++ {
		b.Publish(NewEvent(EventStatusChanged, "default", "", StatusPayload{CustomerID: i, Status: models.StatusInProgress}))
	}

	for i := int64(1); i <= 5; i++ {
		event := <-ch
		require.Equal(t, EventStatusChanged, event.Type)
		require.Equal(t, "default", event.BranchID)
	}
}

func TestPublishScopedByBranch(t *testing.T) {
	b := NewMemory()
	main, cancelMain := b.Subscribe("main")
	defer cancelMain()
	other, cancelOther := b.Subscribe("other")
	defer cancelOther()

	b.Publish(NewEvent(EventCustomerCompleted, "main", "", CompletedPayload{CustomerID: 7}))

	event := <-main
	require.Equal(t, EventCustomerCompleted, event.Type)
	select {
	case ev := <-other:
		t.Fatalf("unexpected event on other branch: %v", ev.Type)
	default:
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	b := NewMemory()
	ch, cancel := b.Subscribe("default")
	cancel()

	// Channel is closed after cancel; publish must not panic.
	b.Publish(NewEvent(EventCustomerAdded, "default", "TRADE_IN", models.Customer{ID: 1}))
	_, open := <-ch
	require.False(t, open)
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewMemory()
	_, cancel := b.Subscribe("default")
	defer cancel()

	// Way past the buffer; Publish must never block.
	for i := 0; i < subscriberBuffer*3; i++ {
		b.Publish(NewEvent(EventCustomerUpdated, "default", "", models.Customer{ID: int64(i)}))
	}
}
