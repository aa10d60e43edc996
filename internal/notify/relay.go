package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/astronien/smart-queue-system/internal/bus"
	"github.com/astronien/smart-queue-system/internal/models"
)

// Relay subscribes to a branch's events and forwards a short message per
// mutation to the notifier.
type Relay struct {
	bus      bus.Bus
	notifier Notifier
}

func NewRelay(b bus.Bus, notifier Notifier) *Relay {
	return &Relay{bus: b, notifier: notifier}
}

// Run forwards events until ctx is done.
func (r *Relay) Run(ctx context.Context, branchID string) {
	events, cancel := r.bus.Subscribe(branchID)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			message, severity, ok := Render(event)
			if !ok {
				continue
			}
			r.notifier.Notify(ctx, message, severity)
		}
	}
}

// Render formats one event as an operator-facing message. The bool is
// false for events that carry no notification (full queue snapshots).
func Render(event bus.Event) (string, Severity, bool) {
	switch event.Type {
	case bus.EventCustomerAdded:
		var customer models.Customer
		if err := json.Unmarshal(event.Payload, &customer); err != nil {
			return "", "", false
		}
		return fmt.Sprintf("%s %s joined the queue as %s", customer.FirstName, customer.LastName, customer.QueueNumber), SeveritySuccess, true
	case bus.EventCustomerUpdated:
		var customer models.Customer
		if err := json.Unmarshal(event.Payload, &customer); err != nil {
			return "", "", false
		}
		return fmt.Sprintf("%s updated", customer.QueueNumber), SeverityInfo, true
	case bus.EventCustomerMoved:
		var moved bus.MovedPayload
		if err := json.Unmarshal(event.Payload, &moved); err != nil {
			return "", "", false
		}
		return fmt.Sprintf("customer %d moved from %s to %s", moved.CustomerID, moved.FromStation, moved.ToStation), SeverityInfo, true
	case bus.EventCustomerCompleted:
		var completed bus.CompletedPayload
		if err := json.Unmarshal(event.Payload, &completed); err != nil {
			return "", "", false
		}
		return fmt.Sprintf("customer %d completed service", completed.CustomerID), SeveritySuccess, true
	case bus.EventStatusChanged:
		var status bus.StatusPayload
		if err := json.Unmarshal(event.Payload, &status); err != nil {
			return "", "", false
		}
		return fmt.Sprintf("customer %d is now %s", status.CustomerID, status.Status), SeverityInfo, true
	default:
		return "", "", false
	}
}
