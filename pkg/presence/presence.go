// Package presence holds the types shared by the registry, the event log, the
// fanout bus and the websocket protocol.
package presence

import (
	"encoding/json"
	"fmt"
)

// Identity names one participant. It is generated by the client and trusted as presented.
type Identity string

// State is the opaque application payload of a session. The bundled client sends a Position.
type State = json.RawMessage

// Position is the state the bundled client publishes.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EncodePosition renders a position as session state.
func EncodePosition(p Position) State {
	raw, _ := json.Marshal(p)
	return raw
}

// DecodePosition parses session state as a position.
func DecodePosition(s State) (Position, error) {
	var p Position
	if err := json.Unmarshal(s, &p); err != nil {
		return Position{}, fmt.Errorf("failed to decode position: %w", err)
	}
	return p, nil
}

// Kind tells updates apart from departures in the event log and on the bus.
type Kind string

const (
	KindUpdate    Kind = "update"
	KindDeparture Kind = "departure"
)

// Change is the payload stored in the event log and replicated over the bus.
type Change struct {
	Kind     Kind     `json:"kind"`
	Identity Identity `json:"identity"`
	State    State    `json:"state,omitempty"`
}

// Encode renders the change as the text stored in the log content column.
func (c Change) Encode() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode change: %w", err)
	}
	return string(raw), nil
}

// DecodeChange parses log content back into a change.
func DecodeChange(content string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(content), &c); err != nil {
		return Change{}, fmt.Errorf("failed to decode change: %w", err)
	}
	if c.Identity == "" {
		return Change{}, fmt.Errorf("change has no identity")
	}
	switch c.Kind {
	case KindUpdate, KindDeparture:
	default:
		return Change{}, fmt.Errorf("unknown change kind %q", c.Kind)
	}
	return c, nil
}

// Record is one row of the event log.
type Record struct {
	Sequence     int64  `json:"seq"`
	ClientOffset string `json:"offset"`
	Content      string `json:"content"`
}
