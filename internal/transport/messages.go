package transport

import (
	"encoding/json"

	"github.com/park285/match-core/internal/engine"
	"github.com/park285/match-core/internal/storage"
)

// Client events.
const (
	EventSync    = "sync"
	EventCommand = "command"
)

// Server events.
const (
	EventStateSync   = "state:sync"
	EventStateUpdate = "state:update"
	EventError       = "error"
)

// Error codes carried by EventError.
const (
	CodeUnauthorized       = "unauthorized"
	CodeValidationRejected = "validation_rejected"
	CodeNotFound           = "not_found"
	CodeStorageUnavailable = "storage_unavailable"
	CodeBadRequest         = "bad_request"
	CodeGameOver           = "game_over"
)

// Close reasons sent when the server drops a socket.
const (
	CloseSeatReplaced = "seat_replaced"
	CloseMatchClosed  = "match_closed"
	CloseSlowConsumer = "slow_consumer"
)

// Envelope is the JSON frame exchanged on the game socket in both directions.
type Envelope struct {
	Event       string                    `json:"event"`
	MatchID     string                    `json:"matchID,omitempty"`
	PlayerID    string                    `json:"playerID,omitempty"`
	Credentials string                    `json:"credentials,omitempty"`
	Command     *CommandFrame             `json:"command,omitempty"`
	State       *storage.StoredMatchState `json:"state,omitempty"`
	Metadata    *storage.PublicMatch      `json:"metadata,omitempty"`
	Events      []engine.Event            `json:"events,omitempty"`
	Code        string                    `json:"code,omitempty"`
	Message     string                    `json:"message,omitempty"`
}

// CommandFrame is the client's command request.
type CommandFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func roomName(matchID string) string { return "game:" + matchID }
