// Package adjudicate decides whether an interaction stalled on a disconnected player
// should be force-cancelled. Decide has no side effects; callers dispatch the command.
package adjudicate

import (
	"encoding/json"

	"github.com/park285/match-core/internal/storage"
)

// Reason values. Only ReasonOfflinePending comes with ShouldCancel=true.
const (
	ReasonMissingState         = "missing_state"
	ReasonGameOver             = "game_over"
	ReasonMissingMetadata      = "missing_metadata"
	ReasonPlayerNotFound       = "player_not_found"
	ReasonPlayerConnected      = "player_connected"
	ReasonNoPendingInteraction = "no_pending_interaction"
	ReasonOwnerMismatch        = "interaction_owner_mismatch"
	ReasonNoLock               = "no_pending_interaction_lock"
	ReasonLockMismatch         = "interaction_lock_mismatch"
	ReasonOfflinePending       = "offline_pending_interaction"
)

type Input struct {
	State    *storage.StoredMatchState
	Metadata *storage.MatchMetadata
	PlayerID string
}

type Decision struct {
	ShouldCancel  bool   `json:"shouldCancel"`
	Reason        string `json:"reason"`
	InteractionID string `json:"interactionId,omitempty"`
	Kind          string `json:"kind,omitempty"`
}

func keep(reason string) Decision { return Decision{Reason: reason} }

// Decide runs the checks in order and stops at the first that fails.
func Decide(in Input) Decision {
	if in.State == nil {
		return keep(ReasonMissingState)
	}
	if in.State.IsGameover() || in.Metadata.IsGameover() {
		return keep(ReasonGameOver)
	}
	if in.Metadata == nil {
		return keep(ReasonMissingMetadata)
	}
	seat, ok := in.Metadata.Players[in.PlayerID]
	if !ok || seat == nil {
		return keep(ReasonPlayerNotFound)
	}
	// only an explicit false counts as offline
	if seat.IsConnected == nil || *seat.IsConnected {
		return keep(ReasonPlayerConnected)
	}

	current, legacy := resolveInteraction(in.State.G)
	if current == nil {
		return keep(ReasonNoPendingInteraction)
	}
	if current.PlayerID != in.PlayerID {
		return keep(ReasonOwnerMismatch)
	}
	// the core-level shape is only trusted while a response window pins it
	rw := in.State.G.Sys.ResponseWindow
	switch {
	case rw != nil && rw.Current != nil:
		switch rw.Current.PendingInteractionID {
		case "":
			return keep(ReasonNoLock)
		case current.ID:
		default:
			return keep(ReasonLockMismatch)
		}
	case legacy:
		return keep(ReasonNoLock)
	}
	return Decision{
		ShouldCancel:  true,
		Reason:        ReasonOfflinePending,
		InteractionID: current.ID,
		Kind:          current.Kind,
	}
}

// CurrentInteraction prefers sys.interaction.current and falls back to the
// pendingInteraction field some games keep in their core.
func CurrentInteraction(g storage.MatchState) *storage.PendingInteraction {
	current, _ := resolveInteraction(g)
	return current
}

// resolveInteraction also reports whether the interaction came from the core field.
func resolveInteraction(g storage.MatchState) (*storage.PendingInteraction, bool) {
	if q := g.Sys.Interaction; q != nil && q.Current != nil && q.Current.ID != "" {
		return q.Current, false
	}
	var core struct {
		PendingInteraction *storage.PendingInteraction `json:"pendingInteraction"`
	}
	if len(g.Core) == 0 || json.Unmarshal(g.Core, &core) != nil {
		return nil, false
	}
	if core.PendingInteraction == nil || core.PendingInteraction.ID == "" {
		return nil, false
	}
	return core.PendingInteraction, true
}
