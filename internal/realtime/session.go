package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"

	"github.com/astronien/smart-queue-system/internal/bus"
)

// clientMessage is what a connected device sends to manage its room or
// ask for state. Event is one of join-branch, join-station, request-queue.
type clientMessage struct {
	Event    string `json:"event"`
	BranchID string `json:"branchId"`
	Station  string `json:"station,omitempty"`
}

func parseClientMessage(raw string) (clientMessage, bool) {
	var msg clientMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return clientMessage{}, false
	}
	msg.Event = strings.TrimSpace(msg.Event)
	msg.BranchID = strings.TrimSpace(msg.BranchID)
	msg.Station = strings.TrimSpace(msg.Station)
	if msg.Event == "" {
		return clientMessage{}, false
	}
	return msg, true
}

// HandleSession runs one sockjs session until the peer goes away.
func (h *Hub) HandleSession(session sockjs.Session) {
	client := &Client{
		ID:   uuid.NewString(),
		Send: make(chan []byte, 64),
	}
	h.Register(client)
	defer h.Unregister(client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range client.Send {
			if err := session.Send(string(payload)); err != nil {
				return
			}
		}
	}()

	for {
		raw, err := session.Recv()
		if err != nil {
			break
		}
		msg, ok := parseClientMessage(raw)
		if !ok {
			h.log.Debug().Str("client", client.ID).Msg("ignore malformed realtime message")
			continue
		}
		switch msg.Event {
		case "join-branch":
			h.UpdateSubscription(client, Subscription{BranchID: msg.BranchID})
		case "join-station":
			h.UpdateSubscription(client, Subscription{BranchID: msg.BranchID, Station: msg.Station})
		case "request-queue":
			h.sendQueue(session, client, msg.BranchID)
		default:
			h.log.Debug().Str("client", client.ID).Str("event", msg.Event).Msg("ignore unknown realtime event")
		}
	}
	<-done
}

// sendQueue answers a request-queue message directly on the session so
// only the asking client pays for the full snapshot.
func (h *Hub) sendQueue(session sockjs.Session, client *Client, branchID string) {
	if branchID == "" {
		branchID = client.Subscription.BranchID
	}
	if branchID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	customers, err := h.source.QueueSnapshot(ctx, branchID)
	if err != nil {
		h.log.Error().Err(err).Str("branch_id", branchID).Msg("queue snapshot")
		return
	}
	event := bus.NewEvent(bus.EventQueueData, branchID, "", customers)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = session.Send(string(payload))
}
