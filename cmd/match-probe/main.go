// Command match-probe plays a short chess game against a running match server and
// reports whether the lobby API and the game socket behave.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/match-core/internal/games/chess"
	"github.com/park285/match-core/internal/obslog"
	"github.com/park285/match-core/internal/transport"
	"github.com/park285/match-core/pkg/matchclient"
)

// fool's mate, white to lose
var probeMoves = []string{"f2f3", "e7e5", "g2g4", "d8h4"}

func main() {
	baseURL := os.Getenv("MATCH_BASE_URL")
	wsURL := os.Getenv("MATCH_WS_URL")
	guestID := os.Getenv("PROBE_GUEST_ID")
	if baseURL == "" {
		log.Fatal("MATCH_BASE_URL is required")
	}
	if wsURL == "" {
		wsURL = "ws" + strings.TrimPrefix(strings.TrimRight(baseURL, "/"), "http") + "/ws"
	}
	if guestID == "" {
		guestID = "match-probe"
	}

	logger, err := obslog.Init(obslog.Config{Level: "info", Format: "console", ToConsole: true})
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := probe(baseURL, wsURL, guestID); err != nil {
		logger.Error("probe_failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func probe(baseURL, wsURL, guestID string) error {
	client := matchclient.NewClient(baseURL,
		matchclient.WithGuest(guestID),
		matchclient.WithTimeout(8*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	matchID, err := client.Create(ctx, chess.Name, matchclient.CreateOptions{NumPlayers: 2})
	if err != nil {
		return err
	}
	obslog.L().Info("probe_match_created", zap.String("match_id", matchID))
	defer func() {
		if err := client.Destroy(context.Background(), chess.Name, matchID); err != nil {
			obslog.L().Warn("probe_destroy_failed", zap.String("match_id", matchID), zap.Error(err))
		}
	}()

	var (
		sockets = map[string]*matchclient.Socket{}
		updates = make(chan *transport.Envelope, 16)
		synced  = make(chan *transport.Envelope, 2)
	)
	for _, name := range []string{"probe-a", "probe-b"} {
		seat, err := client.Join(ctx, chess.Name, matchID, name, "")
		if err != nil {
			return err
		}
		ws := matchclient.NewSocket(wsURL, 3, 500*time.Millisecond)
		playerID := seat.PlayerID
		ws.OnStateChange(func(state matchclient.State) {
			obslog.L().Info("probe_socket_state", zap.String("player_id", playerID), zap.String("state", string(state)))
		})
		ws.OnEnvelope(func(env *transport.Envelope) {
			switch env.Event {
			case transport.EventStateSync:
				synced <- env
			case transport.EventStateUpdate:
				if playerID == "0" {
					updates <- env
				}
			case transport.EventError:
				obslog.L().Warn("probe_server_error", zap.String("player_id", playerID), zap.String("code", env.Code), zap.String("message", env.Message))
			}
		})
		if err := ws.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = ws.Close(context.Background()) }()
		if err := ws.Sync(ctx, matchID, seat); err != nil {
			return err
		}
		sockets[playerID] = ws
	}

	var core chess.Core
	for range 2 {
		select {
		case env := <-synced:
			if err := json.Unmarshal(env.State.G.Core, &core); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	obslog.L().Info("probe_colors", zap.String("white", core.White), zap.String("black", core.Black))

	for i, mv := range probeMoves {
		mover := core.White
		if i%2 == 1 {
			mover = core.Black
		}
		if err := sockets[mover].Command(ctx, chess.CmdMove, chess.MovePayload{Move: mv}); err != nil {
			return err
		}
		select {
		case env := <-updates:
			obslog.L().Info("probe_move_applied", zap.String("move", mv), zap.Int("state_id", env.State.StateID))
			if env.State.IsGameover() {
				obslog.L().Info("probe_gameover", zap.ByteString("gameover", env.State.G.Sys.Gameover))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m, err := client.Get(ctx, chess.Name, matchID)
	if err != nil {
		return err
	}
	obslog.L().Info("probe_ok", zap.String("match_id", matchID), zap.String("status", string(m.Status)), zap.ByteString("gameover", m.Gameover))
	return nil
}
