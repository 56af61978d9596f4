// Package chess is a two-player chess game bundle for the match engine.
package chess

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/match-core/internal/engine"
)

const Name = "chess"

// Commands.
const (
	CmdMove   = "MOVE"
	CmdResign = "RESIGN"
)

// Events.
const (
	EvMoved    = "moved"
	EvResigned = "resigned"
	EvEnded    = "game_ended"
)

// Validation reasons.
const (
	ReasonNotSeated     = "not_seated"
	ReasonNotYourTurn   = "not_your_turn"
	ReasonIllegalMove   = "illegal_move"
	ReasonUnknown       = "unknown_command"
	ReasonFinished      = "game_finished"
	ReasonReplayFailure = "replay_failed"
)

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Core is the chess game state. Moves are kept in UCI and replayed from the start
// position; FEN is kept for display.
type Core struct {
	White  string   `json:"white"`
	Black  string   `json:"black"`
	Moves  []string `json:"moves"`
	SAN    []string `json:"san"`
	FEN    string   `json:"fen"`
	Turn   Color    `json:"turn"`
	Result *Result  `json:"result,omitempty"`
}

// Result is the gameover value.
type Result struct {
	Outcome string `json:"outcome"`
	Method  string `json:"method"`
	Winner  string `json:"winner,omitempty"`
}

type MovePayload struct {
	Move string `json:"move"`
}

type movedPayload struct {
	UCI string `json:"uci"`
	SAN string `json:"san"`
	FEN string `json:"fen"`
}

// Game returns the bundle.
func Game() engine.Game {
	return engine.MustBuild(engine.Definition[Core]{
		ID:         Name,
		MinPlayers: 2,
		MaxPlayers: 2,
		Setup:      setup,
		Validate:   validate,
		Execute:    execute,
		Reduce:     reduce,
		Gameover: func(c Core) any {
			if c.Result == nil {
				return nil
			}
			return c.Result
		},
	})
}

func setup(playerIDs []string, random *engine.Random) (Core, error) {
	if len(playerIDs) != 2 {
		return Core{}, fmt.Errorf("chess needs 2 players, got %d", len(playerIDs))
	}
	white, black := playerIDs[0], playerIDs[1]
	if random.IntN(2) == 1 {
		white, black = black, white
	}
	return Core{
		White: white,
		Black: black,
		Moves: []string{},
		SAN:   []string{},
		FEN:   nchess.NewGame().FEN(),
		Turn:  White,
	}, nil
}

func (c Core) colorOf(playerID string) Color {
	switch playerID {
	case c.White:
		return White
	case c.Black:
		return Black
	}
	return ""
}

func (c Core) opponent(playerID string) string {
	if playerID == c.White {
		return c.Black
	}
	return c.White
}

func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay %s: %w", mv, err)
		}
	}
	return game, nil
}

// decodeMove accepts SAN or UCI text.
func decodeMove(pos *nchess.Position, text string) (*nchess.Move, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty move")
	}
	mv, err := nchess.AlgebraicNotation{}.Decode(pos, text)
	if err == nil {
		return mv, nil
	}
	return nchess.UCINotation{}.Decode(pos, strings.ToLower(text))
}

func validate(c Core, cmd engine.Command) engine.Validation {
	if c.Result != nil {
		return engine.Invalid(ReasonFinished)
	}
	color := c.colorOf(cmd.PlayerID)
	if color == "" {
		return engine.Invalid(ReasonNotSeated)
	}
	switch cmd.Type {
	case CmdResign:
		return engine.Valid()
	case CmdMove:
		if color != c.Turn {
			return engine.Invalid(ReasonNotYourTurn)
		}
		var p MovePayload
		if err := cmd.DecodePayload(&p); err != nil {
			return engine.Invalid(ReasonIllegalMove)
		}
		game, err := replay(c.Moves)
		if err != nil {
			return engine.Invalid(ReasonReplayFailure)
		}
		pos := game.Position()
		mv, err := decodeMove(pos, p.Move)
		if err != nil {
			return engine.Invalid(ReasonIllegalMove)
		}
		if err := game.Move(mv, nil); err != nil {
			return engine.Invalid(ReasonIllegalMove)
		}
		return engine.Valid()
	}
	return engine.Invalid(ReasonUnknown)
}

func execute(c Core, cmd engine.Command, _ *engine.Random) ([]engine.Event, error) {
	switch cmd.Type {
	case CmdResign:
		resigned, err := engine.NewEvent(EvResigned, cmd.PlayerID, nil)
		if err != nil {
			return nil, err
		}
		winner := c.opponent(cmd.PlayerID)
		ended, err := engine.NewEvent(EvEnded, "", Result{
			Outcome: string(c.colorOf(winner)),
			Method:  "resignation",
			Winner:  winner,
		})
		return []engine.Event{resigned, ended}, err

	case CmdMove:
		var p MovePayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, err
		}
		game, err := replay(c.Moves)
		if err != nil {
			return nil, err
		}
		before := game.Position()
		mv, err := decodeMove(before, p.Move)
		if err != nil {
			return nil, err
		}
		if err := game.Move(mv, nil); err != nil {
			return nil, err
		}
		moved, err := engine.NewEvent(EvMoved, cmd.PlayerID, movedPayload{
			UCI: strings.ToLower(nchess.UCINotation{}.Encode(before, mv)),
			SAN: nchess.AlgebraicNotation{}.Encode(before, mv),
			FEN: game.FEN(),
		})
		if err != nil {
			return nil, err
		}
		events := []engine.Event{moved}
		if game.Outcome() != nchess.NoOutcome {
			ended, err := engine.NewEvent(EvEnded, "", resultOf(c, game))
			if err != nil {
				return nil, err
			}
			events = append(events, ended)
		}
		return events, nil
	}
	return nil, engine.Reject(ReasonUnknown)
}

func resultOf(c Core, game *nchess.Game) Result {
	r := Result{Method: strings.ToLower(game.Method().String())}
	switch game.Outcome() {
	case nchess.WhiteWon:
		r.Outcome, r.Winner = string(White), c.White
	case nchess.BlackWon:
		r.Outcome, r.Winner = string(Black), c.Black
	default:
		r.Outcome = "draw"
	}
	return r
}

func reduce(c Core, events []engine.Event) (Core, error) {
	for _, ev := range events {
		switch ev.Type {
		case EvMoved:
			var p movedPayload
			if err := ev.DecodePayload(&p); err != nil {
				return c, err
			}
			c.Moves = append(append([]string(nil), c.Moves...), p.UCI)
			c.SAN = append(append([]string(nil), c.SAN...), p.SAN)
			c.FEN = p.FEN
			if c.Turn == White {
				c.Turn = Black
			} else {
				c.Turn = White
			}
		case EvEnded:
			var r Result
			if err := ev.DecodePayload(&r); err != nil {
				return c, err
			}
			c.Result = &r
		}
	}
	return c, nil
}
