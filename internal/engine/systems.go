package engine

import (
	"encoding/json"

	"github.com/park285/match-core/internal/storage"
)

// System is framework behaviour composed around a game's core.
type System interface {
	Name() string
	// Setup initialises the system's slice of sys state for a new match.
	Setup(sys *storage.SysState)
	// Intercept may take over a command before validation. handled=true skips the
	// game's validate and execute; the returned events still go through reduce.
	Intercept(sys *storage.SysState, cmd Command) (events []Event, handled bool, err error)
	// AfterReduce folds events into sys state.
	AfterReduce(sys *storage.SysState, events []Event)
}

const (
	CmdInteractionRespond = "SYS_INTERACTION_RESPOND"
	CmdInteractionCancel  = "SYS_INTERACTION_CANCEL"

	EvInteractionRequested = "SYS_INTERACTION_REQUESTED"
	EvInteractionResolved  = "SYS_INTERACTION_RESOLVED"
	EvInteractionCancelled = "SYS_INTERACTION_CANCELLED"

	EvResponseWindowOpened = "RESPONSE_WINDOW_OPENED"
	EvResponseWindowClosed = "RESPONSE_WINDOW_CLOSED"
)

// InteractionPayload identifies an interaction in cancel and resolve traffic.
type InteractionPayload struct {
	InteractionID string          `json:"interactionId"`
	PlayerID      string          `json:"playerId,omitempty"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// RequestInteraction is the event a game emits to block on one seat's decision.
func RequestInteraction(in storage.PendingInteraction) (Event, error) {
	return NewEvent(EvInteractionRequested, in.PlayerID, in)
}

// InteractionSystem owns sys.interaction: a current interaction plus a FIFO queue.
type InteractionSystem struct{}

func (InteractionSystem) Name() string { return "interaction" }

func (InteractionSystem) Setup(sys *storage.SysState) {
	if sys.Interaction == nil {
		sys.Interaction = &storage.InteractionQueue{}
	}
}

func (InteractionSystem) Intercept(sys *storage.SysState, cmd Command) ([]Event, bool, error) {
	if cmd.Type != CmdInteractionRespond && cmd.Type != CmdInteractionCancel {
		return nil, false, nil
	}
	var p InteractionPayload
	if err := cmd.DecodePayload(&p); err != nil {
		return nil, true, Reject("bad_payload")
	}
	var current *storage.PendingInteraction
	if sys.Interaction != nil {
		current = sys.Interaction.Current
	}
	if current == nil {
		return nil, true, Reject("no_pending_interaction")
	}
	if p.InteractionID != "" && p.InteractionID != current.ID {
		return nil, true, Reject("interaction_not_current")
	}
	if cmd.Origin != OriginSystem && cmd.PlayerID != current.PlayerID {
		return nil, true, Reject("not_interaction_owner")
	}

	out := InteractionPayload{InteractionID: current.ID, PlayerID: current.PlayerID, Response: p.Response}
	typ := EvInteractionResolved
	if cmd.Type == CmdInteractionCancel {
		typ = EvInteractionCancelled
		out.Response = nil
	}
	ev, err := NewEvent(typ, current.PlayerID, out)
	if err != nil {
		return nil, true, err
	}
	return []Event{ev}, true, nil
}

func (InteractionSystem) AfterReduce(sys *storage.SysState, events []Event) {
	for _, ev := range events {
		switch ev.Type {
		case EvInteractionRequested:
			var in storage.PendingInteraction
			if ev.DecodePayload(&in) != nil || in.ID == "" {
				continue
			}
			if sys.Interaction == nil {
				sys.Interaction = &storage.InteractionQueue{}
			}
			if sys.Interaction.Current == nil {
				sys.Interaction.Current = &in
			} else {
				sys.Interaction.Queue = append(sys.Interaction.Queue, &in)
			}
		case EvInteractionResolved, EvInteractionCancelled:
			var p InteractionPayload
			if ev.DecodePayload(&p) != nil || sys.Interaction == nil || sys.Interaction.Current == nil {
				continue
			}
			if sys.Interaction.Current.ID != p.InteractionID {
				continue
			}
			sys.Interaction.Current = nil
			if len(sys.Interaction.Queue) > 0 {
				sys.Interaction.Current = sys.Interaction.Queue[0]
				sys.Interaction.Queue = sys.Interaction.Queue[1:]
			}
			if sys.ResponseWindow != nil && sys.ResponseWindow.Current != nil &&
				sys.ResponseWindow.Current.PendingInteractionID == p.InteractionID {
				sys.ResponseWindow.Current = nil
			}
		}
	}
}

// ResponseWindowSystem tracks the open response window and the interaction it locks.
type ResponseWindowSystem struct{}

func (ResponseWindowSystem) Name() string { return "response_window" }

func (ResponseWindowSystem) Setup(*storage.SysState) {}

func (ResponseWindowSystem) Intercept(*storage.SysState, Command) ([]Event, bool, error) {
	return nil, false, nil
}

func (ResponseWindowSystem) AfterReduce(sys *storage.SysState, events []Event) {
	for _, ev := range events {
		switch ev.Type {
		case EvResponseWindowOpened:
			var lock storage.ResponseWindowLock
			if ev.DecodePayload(&lock) != nil {
				continue
			}
			sys.ResponseWindow = &storage.ResponseWindowState{Current: &lock}
		case EvResponseWindowClosed:
			if sys.ResponseWindow != nil {
				sys.ResponseWindow.Current = nil
			}
		}
	}
}

// OpenResponseWindow is the event a game emits to open a window locked to an interaction.
func OpenResponseWindow(lock storage.ResponseWindowLock) (Event, error) {
	return NewEvent(EvResponseWindowOpened, lock.ResponderID, lock)
}
