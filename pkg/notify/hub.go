package notify

import (
	"context"
	"encoding/json"
	"fmt"
)

// Deliverer pushes raw payloads to a user's live connections and reports how
// many connections received it
type Deliverer interface {
	SendToUser(userID string, data []byte) int
}

// HubPublisher delivers events to connected websocket clients. A user without
// a live connection simply misses the push.
type HubPublisher struct {
	deliverer Deliverer
}

func NewHubPublisher(d Deliverer) *HubPublisher {
	return &HubPublisher{deliverer: d}
}

func (p *HubPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	p.deliverer.SendToUser(event.UserID, data)
	return nil
}
