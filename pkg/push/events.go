package push

import (
	"encoding/json"
	"fmt"

	"github.com/mahaj/groupsync/pkg/model"
)

// Envelope is one frame on the push channel.
type Envelope struct {
	Type    model.EventType `json:"type"`
	GroupID string          `json:"groupId"`
	Payload json.RawMessage `json:"payload"`
}

// Handlers receive decoded events for the subscribed group. They run on the
// subscription's read goroutine, one at a time, in delivery order.
type Handlers struct {
	OnMessageCreated func(model.MessageCreated)
	OnMessageDeleted func(model.MessageDeleted)
	// OnState is told about connection changes. Optional.
	OnState func(State)
}

// State is the connection state of a subscription.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Encode builds a frame for groupID.
func Encode(groupID string, typ model.EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, GroupID: groupID, Payload: raw})
}

func (h Handlers) dispatch(env Envelope) error {
	switch env.Type {
	case model.EventMessageCreated:
		var ev model.MessageCreated
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.Message.ID.IsZero() {
			return fmt.Errorf("decode %s: message without id", env.Type)
		}
		if h.OnMessageCreated != nil {
			h.OnMessageCreated(ev)
		}
	case model.EventMessageDeleted:
		var ev model.MessageDeleted
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if ev.MessageID.IsZero() {
			return fmt.Errorf("decode %s: messageId missing", env.Type)
		}
		if h.OnMessageDeleted != nil {
			h.OnMessageDeleted(ev)
		}
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	return nil
}
