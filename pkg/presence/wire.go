package presence

import (
	"encoding/json"
	"fmt"
)

// MessageType names a websocket frame.
type MessageType string

const (
	// client to server
	TypeUpdate MessageType = "update"

	// server to client
	TypeAck      MessageType = "ack"
	TypeSnapshot MessageType = "snapshot"
	TypeLeft     MessageType = "left"
	TypeReplay   MessageType = "replay"
)

// Envelope is the single JSON frame shape used in both directions. Fields are
// populated according to Type.
type Envelope struct {
	Type MessageType `json:"type"`

	Identity Identity `json:"identity,omitempty"`
	State    State    `json:"state,omitempty"`
	Offset   string   `json:"offset,omitempty"`

	Seq   int64  `json:"seq,omitempty"`
	Error string `json:"error,omitempty"`

	Players map[Identity]State `json:"players,omitempty"`
	Head    int64              `json:"head,omitempty"`

	Change *Change `json:"change,omitempty"`
}

// Validate checks the fields an inbound frame must carry.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeUpdate:
		if e.Identity == "" {
			return fmt.Errorf("update has no identity")
		}
		if e.Offset == "" {
			return fmt.Errorf("update has no offset")
		}
		if len(e.State) == 0 {
			return fmt.Errorf("update has no state")
		}
		if !json.Valid(e.State) {
			return fmt.Errorf("update state is not valid json")
		}
	case TypeAck, TypeSnapshot, TypeLeft, TypeReplay:
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}

// DecodeEnvelope parses and validates one frame.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
