// Package engine is the contract between the match transport and per-game rules.
//
// A game supplies setup, validate, execute and reduce over its own core type. The engine
// wraps those in the framework systems (interaction queue, response windows) and exposes
// the result as a Game that works on persisted JSON state.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/park285/match-core/internal/storage"
)

// Definition is a game's rule bundle over core type C.
type Definition[C any] struct {
	ID         string
	MinPlayers int
	MaxPlayers int

	Setup    func(playerIDs []string, random *Random) (C, error)
	Validate func(core C, cmd Command) Validation
	Execute  func(core C, cmd Command, random *Random) ([]Event, error)
	Reduce   func(core C, events []Event) (C, error)
	// Gameover returns the result once the match has ended, nil while it runs.
	Gameover func(core C) any

	// Systems run after the built-in interaction and response window systems.
	Systems []System
}

// Outcome is the result of applying one accepted command.
type Outcome struct {
	State  storage.MatchState
	Events []Event
	// BecameGameover is set when this command ended the match.
	BecameGameover bool
}

// Game is a type-erased Definition.
type Game interface {
	Name() string
	PlayerRange() (min, max int)
	Setup(playerIDs []string, random *Random) (storage.MatchState, error)
	Apply(state storage.MatchState, cmd Command, random *Random) (*Outcome, error)
}

// Build checks d and wraps it as a Game.
func Build[C any](d Definition[C]) (Game, error) {
	if d.ID == "" {
		return nil, errors.New("game id is required")
	}
	if d.Setup == nil || d.Validate == nil || d.Execute == nil || d.Reduce == nil {
		return nil, fmt.Errorf("game %s: setup, validate, execute and reduce are required", d.ID)
	}
	if d.MinPlayers <= 0 {
		d.MinPlayers = 1
	}
	if d.MaxPlayers < d.MinPlayers {
		d.MaxPlayers = d.MinPlayers
	}
	systems := append([]System{InteractionSystem{}, ResponseWindowSystem{}}, d.Systems...)
	return &game[C]{def: d, systems: systems}, nil
}

// MustBuild is Build for package-level game values.
func MustBuild[C any](d Definition[C]) Game {
	g, err := Build(d)
	if err != nil {
		panic(err)
	}
	return g
}

type game[C any] struct {
	def     Definition[C]
	systems []System
}

func (g *game[C]) Name() string { return g.def.ID }

func (g *game[C]) PlayerRange() (int, int) { return g.def.MinPlayers, g.def.MaxPlayers }

func (g *game[C]) Setup(playerIDs []string, random *Random) (storage.MatchState, error) {
	if n := len(playerIDs); n < g.def.MinPlayers || n > g.def.MaxPlayers {
		return storage.MatchState{}, fmt.Errorf("game %s takes %d-%d players, got %d", g.def.ID, g.def.MinPlayers, g.def.MaxPlayers, n)
	}
	core, err := g.def.Setup(playerIDs, random)
	if err != nil {
		return storage.MatchState{}, fmt.Errorf("setup %s: %w", g.def.ID, err)
	}
	raw, err := json.Marshal(core)
	if err != nil {
		return storage.MatchState{}, fmt.Errorf("encode core: %w", err)
	}
	var sys storage.SysState
	for _, s := range g.systems {
		s.Setup(&sys)
	}
	return storage.MatchState{Core: raw, Sys: sys}, nil
}

// Apply runs cmd through systems, validate, execute and reduce. The input state is
// never modified; a rejection returns a *RejectedError.
func (g *game[C]) Apply(state storage.MatchState, cmd Command, random *Random) (*Outcome, error) {
	if len(state.Sys.Gameover) > 0 && string(state.Sys.Gameover) != "null" {
		return nil, ErrGameOver
	}
	var core C
	if err := json.Unmarshal(state.Core, &core); err != nil {
		return nil, fmt.Errorf("decode core: %w", err)
	}
	sys, err := cloneSys(state.Sys)
	if err != nil {
		return nil, err
	}

	var events []Event
	handled := false
	for _, s := range g.systems {
		evs, ok, err := s.Intercept(&sys, cmd)
		if err != nil {
			return nil, err
		}
		if ok {
			events, handled = evs, true
			break
		}
	}
	if !handled {
		if v := g.def.Validate(core, cmd); !v.Valid {
			return nil, Reject(v.Reason)
		}
		events, err = g.def.Execute(core, cmd, random)
		if err != nil {
			return nil, fmt.Errorf("execute %s: %w", cmd.Type, err)
		}
	}

	next, err := g.def.Reduce(core, events)
	if err != nil {
		return nil, fmt.Errorf("reduce %s: %w", cmd.Type, err)
	}
	for _, s := range g.systems {
		s.AfterReduce(&sys, events)
	}

	out := &Outcome{Events: events}
	if g.def.Gameover != nil {
		if result := g.def.Gameover(next); result != nil {
			raw, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("encode gameover: %w", err)
			}
			sys.Gameover = raw
			out.BecameGameover = true
		}
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode core: %w", err)
	}
	out.State = storage.MatchState{Core: raw, Sys: sys}
	return out, nil
}

func cloneSys(sys storage.SysState) (storage.SysState, error) {
	raw, err := json.Marshal(sys)
	if err != nil {
		return storage.SysState{}, fmt.Errorf("encode sys: %w", err)
	}
	var out storage.SysState
	if err := json.Unmarshal(raw, &out); err != nil {
		return storage.SysState{}, fmt.Errorf("decode sys: %w", err)
	}
	return out, nil
}

// Registry maps game names to games.
type Registry struct {
	mu    sync.RWMutex
	games map[string]Game
}

func NewRegistry(games ...Game) *Registry {
	r := &Registry{games: make(map[string]Game)}
	for _, g := range games {
		r.Register(g)
	}
	return r
}

func (r *Registry) Register(g Game) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games[g.Name()] = g
}

func (r *Registry) Get(name string) (Game, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.games[name]
	return g, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.games))
	for name := range r.games {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
