package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Origin tells who issued a command.
type Origin string

const (
	OriginPlayer Origin = "player"
	OriginSystem Origin = "system"
)

// SystemPlayerID is the actor id carried by system-issued commands.
const SystemPlayerID = "system"

// Command is one client or system request routed through validate/execute/reduce.
type Command struct {
	Type      string          `json:"type"`
	PlayerID  string          `json:"playerId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    Origin          `json:"origin,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// DecodePayload unmarshals the payload into v. An empty payload leaves v untouched.
func (c Command) DecodePayload(v any) error {
	if len(c.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", c.Type, err)
	}
	return nil
}

// Event is a fact produced by execute (or a system) and folded in by reduce.
type Event struct {
	Type     string          `json:"type"`
	PlayerID string          `json:"playerId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event.
func NewEvent(typ, playerID string, payload any) (Event, error) {
	ev := Event{Type: typ, PlayerID: playerID}
	if payload == nil {
		return ev, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	ev.Payload = raw
	return ev, nil
}

// DecodePayload unmarshals the payload into v.
func (e Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Validation is the result of a game's validate step.
type Validation struct {
	Valid  bool
	Reason string
}

func Valid() Validation { return Validation{Valid: true} }

func Invalid(reason string) Validation { return Validation{Reason: reason} }

var ErrGameOver = errors.New("match is over")

// RejectedError reports a command refused by validation. It never mutates state.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "command rejected: " + e.Reason }

func Reject(reason string) error { return &RejectedError{Reason: reason} }

// IsRejected reports whether err is a validation rejection and returns its reason.
func IsRejected(err error) (string, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
