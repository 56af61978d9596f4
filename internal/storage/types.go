package storage

import (
	"encoding/json"
	"strings"
)

// MatchStatus is the lobby-facing lifecycle of a match.
type MatchStatus string

const (
	StatusWaiting   MatchStatus = "waiting"
	StatusPlaying   MatchStatus = "playing"
	StatusFinished  MatchStatus = "finished"
	StatusAbandoned MatchStatus = "abandoned"
)

// OwnerType classifies who created a match.
type OwnerType string

const (
	OwnerUser  OwnerType = "user"
	OwnerGuest OwnerType = "guest"
)

// Seat is one fixed roster slot. Seats are cleared on leave, never removed.
type Seat struct {
	Name        string `json:"name,omitempty"`
	Credentials string `json:"credentials,omitempty"`
	IsConnected *bool  `json:"isConnected,omitempty"`
	OwnerKey    string `json:"ownerKey,omitempty"`
}

// Connected reports the flag value; an absent flag reads as false.
func (s *Seat) Connected() bool {
	return s != nil && s.IsConnected != nil && *s.IsConnected
}

// Vacant reports whether nobody holds the seat.
func (s *Seat) Vacant() bool {
	return s == nil || (strings.TrimSpace(s.Name) == "" && strings.TrimSpace(s.Credentials) == "")
}

// MatchMetadata is the per-match roster and bookkeeping record. Times are unix milliseconds.
type MatchMetadata struct {
	GameName          string           `json:"gameName"`
	Players           map[string]*Seat `json:"players"`
	CreatedAt         int64            `json:"createdAt"`
	UpdatedAt         int64            `json:"updatedAt"`
	SetupData         json.RawMessage  `json:"setupData,omitempty"`
	Gameover          json.RawMessage  `json:"gameover,omitempty"`
	Status            MatchStatus      `json:"status,omitempty"`
	DisconnectedSince *int64           `json:"disconnectedSince,omitempty"`
}

// IsGameover reports whether a gameover value was recorded.
func (m *MatchMetadata) IsGameover() bool {
	return m != nil && hasValue(m.Gameover)
}

// Clone returns a deep copy.
func (m *MatchMetadata) Clone() *MatchMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.SetupData = cloneRaw(m.SetupData)
	out.Gameover = cloneRaw(m.Gameover)
	if m.DisconnectedSince != nil {
		v := *m.DisconnectedSince
		out.DisconnectedSince = &v
	}
	if m.Players != nil {
		out.Players = make(map[string]*Seat, len(m.Players))
		for id, seat := range m.Players {
			if seat == nil {
				out.Players[id] = nil
				continue
			}
			cp := *seat
			if seat.IsConnected != nil {
				v := *seat.IsConnected
				cp.IsConnected = &v
			}
			out.Players[id] = &cp
		}
	}
	return &out
}

// PendingInteraction is an outstanding decision awaiting one seat's input.
type PendingInteraction struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind,omitempty"`
	PlayerID string          `json:"playerId"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// InteractionQueue is the unified interaction system state.
type InteractionQueue struct {
	Current *PendingInteraction   `json:"current,omitempty"`
	Queue   []*PendingInteraction `json:"queue,omitempty"`
}

// ResponseWindowLock guards which interaction a response window belongs to.
type ResponseWindowLock struct {
	ID                   string `json:"id,omitempty"`
	ResponderID          string `json:"responderId,omitempty"`
	PendingInteractionID string `json:"pendingInteractionId,omitempty"`
}

// ResponseWindowState holds the currently open window, if any.
type ResponseWindowState struct {
	Current *ResponseWindowLock `json:"current,omitempty"`
}

// SysState is the framework-owned half of a match state.
type SysState struct {
	Phase          string                     `json:"phase,omitempty"`
	TurnNumber     int                        `json:"turnNumber,omitempty"`
	Interaction    *InteractionQueue          `json:"interaction,omitempty"`
	ResponseWindow *ResponseWindowState       `json:"responseWindow,omitempty"`
	Gameover       json.RawMessage            `json:"gameover,omitempty"`
	Ext            map[string]json.RawMessage `json:"ext,omitempty"`
}

// MatchState is the G payload: the game's own core plus system state.
type MatchState struct {
	Core json.RawMessage `json:"core"`
	Sys  SysState        `json:"sys"`
}

// StoredMatchState is the persisted layout of a match state.
type StoredMatchState struct {
	G            MatchState `json:"G"`
	StateID      int        `json:"_stateID"`
	RandomSeed   string     `json:"randomSeed,omitempty"`
	RandomCursor int        `json:"randomCursor,omitempty"`
}

// IsGameover reports whether the state carries a gameover value.
func (s *StoredMatchState) IsGameover() bool {
	return s != nil && hasValue(s.G.Sys.Gameover)
}

// Clone returns a deep copy through the JSON form so nested system state never aliases.
func (s *StoredMatchState) Clone() *StoredMatchState {
	if s == nil {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out StoredMatchState
	if err := json.Unmarshal(raw, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}

// LogEntry is one element of the append-only delta log.
type LogEntry struct {
	StateID   int             `json:"stateID"`
	Command   json.RawMessage `json:"command,omitempty"`
	Events    json.RawMessage `json:"events,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// CreateMatchData is the initial record of a new match.
type CreateMatchData struct {
	InitialState *StoredMatchState
	Metadata     *MatchMetadata
}

// FetchOpts selects which fields Fetch loads.
type FetchOpts struct {
	State        bool
	Metadata     bool
	Log          bool
	InitialState bool
}

// FetchResult carries the requested fields; a nil requested field means not found.
type FetchResult struct {
	State        *StoredMatchState
	Metadata     *MatchMetadata
	Log          []LogEntry
	InitialState *StoredMatchState
}

// Found reports whether any requested field came back.
func (r *FetchResult) Found(opts FetchOpts) bool {
	if r == nil {
		return false
	}
	return (opts.State && r.State != nil) ||
		(opts.Metadata && r.Metadata != nil) ||
		(opts.Log && r.Log != nil) ||
		(opts.InitialState && r.InitialState != nil)
}

// ListFilter narrows ListMatches. Nil pointers mean "any".
type ListFilter struct {
	GameName      string
	IsGameover    *bool
	UpdatedBefore *int64
	UpdatedAfter  *int64
}

// Match applies the filter to a metadata record.
func (f *ListFilter) Match(md *MatchMetadata) bool {
	if md == nil {
		return false
	}
	if f == nil {
		return true
	}
	if f.GameName != "" && md.GameName != f.GameName {
		return false
	}
	if f.IsGameover != nil && md.IsGameover() != *f.IsGameover {
		return false
	}
	if f.UpdatedBefore != nil && md.UpdatedAt >= *f.UpdatedBefore {
		return false
	}
	if f.UpdatedAfter != nil && md.UpdatedAt <= *f.UpdatedAfter {
		return false
	}
	return true
}

func hasValue(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	return v != "" && v != "null"
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
