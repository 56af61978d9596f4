package storage

import "encoding/json"

// PublicSeat is a seat as other players and the lobby see it.
type PublicSeat struct {
	Name        string `json:"name,omitempty"`
	IsConnected bool   `json:"isConnected"`
	Occupied    bool   `json:"occupied"`
}

// PublicMatch is metadata with credentials and owner keys removed.
type PublicMatch struct {
	MatchID   string                `json:"matchID"`
	GameName  string                `json:"gameName"`
	Players   map[string]PublicSeat `json:"players"`
	CreatedAt int64                 `json:"createdAt"`
	UpdatedAt int64                 `json:"updatedAt"`
	Gameover  json.RawMessage       `json:"gameover,omitempty"`
	Status    MatchStatus           `json:"status"`
}

func NewPublicMatch(matchID string, md *MatchMetadata) *PublicMatch {
	if md == nil {
		return nil
	}
	out := &PublicMatch{
		MatchID:   matchID,
		GameName:  md.GameName,
		Players:   make(map[string]PublicSeat, len(md.Players)),
		CreatedAt: md.CreatedAt,
		UpdatedAt: md.UpdatedAt,
		Status:    ResolveStatus(md),
	}
	if md.IsGameover() {
		out.Gameover = cloneRaw(md.Gameover)
	}
	for id, seat := range md.Players {
		if seat == nil {
			out.Players[id] = PublicSeat{}
			continue
		}
		out.Players[id] = PublicSeat{Name: seat.Name, IsConnected: seat.Connected(), Occupied: !seat.Vacant()}
	}
	return out
}
