// Package channel provides room-scoped signaling backends for the call core.
package channel

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/voicecall/internal/domain"
)

// busFrame is the envelope published on shared brokers. Instance identifies
// the publishing subscription so it can skip its own messages.
type busFrame struct {
	Event    string          `json:"event"`
	From     domain.UserID   `json:"from"`
	Instance string          `json:"instance"`
	Payload  json.RawMessage `json:"payload"`
}

func encodeBusFrame(instance string, from domain.UserID, event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(busFrame{Event: event, From: from, Instance: instance, Payload: raw})
}

// decodeBusFrame returns false for frames published by instance itself.
func decodeBusFrame(data []byte, instance string) (domain.Event, bool, error) {
	var f busFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return domain.Event{}, false, err
	}
	if f.Instance == instance || f.Event == "" {
		return domain.Event{}, false, nil
	}
	return domain.Event{Name: f.Event, From: f.From, Payload: f.Payload}, true, nil
}
