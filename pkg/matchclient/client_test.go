package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/park285/match-core/internal/engine"
	"github.com/park285/match-core/internal/games/chess"
	"github.com/park285/match-core/internal/lobby"
	"github.com/park285/match-core/internal/storage/memstore"
	"github.com/park285/match-core/internal/transport"
)

type testServer struct {
	*httptest.Server
	srv *transport.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memstore.New()
	games := engine.NewRegistry(chess.Game())
	srv := transport.NewServer(store, games)
	svc := lobby.NewService(store, games, srv)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", srv.Handler(transport.HandlerOptions{}))
	lobby.NewAPI(svc, nil, nil).Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Shutdown("test done")
		ts.Close()
	})
	return &testServer{Server: ts, srv: srv}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// watch connects a socket that forwards every envelope to the returned channel.
func (ts *testServer) watch(t *testing.T) (*Socket, <-chan *transport.Envelope) {
	t.Helper()
	ch := make(chan *transport.Envelope, 64)
	s := NewSocket(ts.wsURL(), 0, 0)
	s.OnEnvelope(func(env *transport.Envelope) {
		cp := *env
		ch <- &cp
	})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, ch
}

func next(t *testing.T, ch <-chan *transport.Envelope, match func(*transport.Envelope) bool) *transport.Envelope {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case env := <-ch:
			if env.Event == transport.EventError {
				t.Fatalf("server error: %s %s", env.Code, env.Message)
			}
			if match(env) {
				return env
			}
		case <-timeout:
			t.Fatalf("timed out waiting for envelope")
			return nil
		}
	}
}

func waitState(t *testing.T, s *Socket, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for s.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", s.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLobbyClient(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := NewClient(ts.URL, WithGuest("g1"))

	id, err := c.Create(ctx, chess.Name, CreateOptions{NumPlayers: 2, Seed: "s"})
	if err != nil || id == "" {
		t.Fatalf("Create: %q %v", id, err)
	}
	a, err := c.Join(ctx, chess.Name, id, "alice", "")
	if err != nil || a.PlayerID != "0" || a.Credentials == "" {
		t.Fatalf("Join: %+v %v", a, err)
	}
	if _, err := c.Join(ctx, chess.Name, id, "bob", "1"); err != nil {
		t.Fatalf("Join seat 1: %v", err)
	}

	m, err := c.Get(ctx, chess.Name, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Players["0"].Name != "alice" || m.Players["1"].Name != "bob" {
		t.Fatalf("players = %+v", m.Players)
	}
	list, err := c.List(ctx, chess.Name)
	if err != nil || len(list) != 1 || list[0].MatchID != id {
		t.Fatalf("List: %+v %v", list, err)
	}

	claimed, err := c.ClaimSeat(ctx, chess.Name, id, "1", "carol")
	if err != nil || claimed.PlayerID != "1" || claimed.Credentials == "" {
		t.Fatalf("ClaimSeat: %+v %v", claimed, err)
	}

	wiped, err := c.Leave(ctx, chess.Name, id, a)
	if err != nil || wiped {
		t.Fatalf("Leave: %v %v", wiped, err)
	}
	if err := c.Destroy(ctx, chess.Name, id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := c.Get(ctx, chess.Name, id); StatusOf(err) != http.StatusNotFound {
		t.Fatalf("Get after destroy: %v", err)
	}
}

func TestLobbyClientErrors(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := NewClient(ts.URL, WithGuest("g1"), WithRetry(1))

	_, err := c.Join(ctx, chess.Name, "missing", "alice", "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Message == "" {
		t.Fatalf("expected 404 APIError, got %v", err)
	}

	id, err := c.Create(ctx, chess.Name, CreateOptions{NumPlayers: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Join(ctx, chess.Name, id, " ", ""); StatusOf(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if _, err := c.Create(ctx, "checkers", CreateOptions{}); StatusOf(err) != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown game, got %v", err)
	}
	if StatusOf(errors.New("plain")) != 0 {
		t.Fatalf("StatusOf should be 0 for non-API errors")
	}
}

func TestSocketPlaysToCheckmate(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := NewClient(ts.URL, WithGuest("g1"))

	id, err := c.Create(ctx, chess.Name, CreateOptions{NumPlayers: 2, Seed: "fools-mate"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seats := make([]Seat, 2)
	for i, name := range []string{"alice", "bob"} {
		if seats[i], err = c.Join(ctx, chess.Name, id, name, ""); err != nil {
			t.Fatalf("Join %s: %v", name, err)
		}
	}

	sockets := map[string]*Socket{}
	feeds := map[string]<-chan *transport.Envelope{}
	var core chess.Core
	for _, seat := range seats {
		s, ch := ts.watch(t)
		if err := s.Sync(ctx, id, seat); err != nil {
			t.Fatalf("Sync: %v", err)
		}
		env := next(t, ch, func(e *transport.Envelope) bool { return e.Event == transport.EventStateSync })
		if err := json.Unmarshal(env.State.G.Core, &core); err != nil {
			t.Fatalf("decode core: %v", err)
		}
		sockets[seat.PlayerID] = s
		feeds[seat.PlayerID] = ch
	}

	moves := []string{"f2f3", "e7e5", "g2g4", "d8h4"}
	var last *transport.Envelope
	for i, mv := range moves {
		mover := core.White
		if i%2 == 1 {
			mover = core.Black
		}
		if err := sockets[mover].Command(ctx, chess.CmdMove, chess.MovePayload{Move: mv}); err != nil {
			t.Fatalf("Command %s: %v", mv, err)
		}
		want := i + 1
		last = next(t, feeds[mover], func(e *transport.Envelope) bool {
			return e.Event == transport.EventStateUpdate && e.State != nil && e.State.StateID == want
		})
	}
	if !last.State.IsGameover() {
		t.Fatalf("expected gameover after %v", moves)
	}

	m, err := c.Get(ctx, chess.Name, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var result chess.Result
	if err := json.Unmarshal(m.Gameover, &result); err != nil {
		t.Fatalf("decode gameover %s: %v", m.Gameover, err)
	}
	if result.Winner != core.Black || result.Method != "checkmate" {
		t.Fatalf("result = %+v, black = %s", result, core.Black)
	}
}

func TestSocketClosedWhenSeatLeaves(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	c := NewClient(ts.URL, WithGuest("g1"))

	id, err := c.Create(ctx, chess.Name, CreateOptions{NumPlayers: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Join(ctx, chess.Name, id, "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	bob, err := c.Join(ctx, chess.Name, id, "bob", "")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	s, ch := ts.watch(t)
	var states []State
	done := make(chan struct{})
	s.OnStateChange(func(st State) {
		states = append(states, st)
		if st == StateClosed {
			close(done)
		}
	})
	if err := s.Sync(ctx, id, bob); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	next(t, ch, func(e *transport.Envelope) bool { return e.Event == transport.EventStateSync })

	if _, err := c.Leave(ctx, chess.Name, id, bob); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("socket not closed, states %v", states)
	}
	if s.CloseReason() != transport.CloseSeatReplaced {
		t.Fatalf("close reason = %q", s.CloseReason())
	}
	if err := s.Command(ctx, chess.CmdResign, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestSocketFailsWithoutServer(t *testing.T) {
	s := NewSocket("ws://127.0.0.1:1/ws", 0, 0)
	var got State
	s.OnStateChange(func(st State) { got = st })
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err == nil {
		t.Fatalf("expected dial error")
	}
	if got != StateFailed || s.State() != StateFailed {
		t.Fatalf("state = %s / %s", got, s.State())
	}
	if err := s.Sync(ctx, "m", Seat{PlayerID: "0"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	_ = s.Close(ctx)
}

func TestBackoff(t *testing.T) {
	s := NewSocket("ws://x", 3, 50*time.Millisecond)
	if s.backoff(1) != 50*time.Millisecond || s.backoff(3) != 200*time.Millisecond || s.backoff(10) != s.backoff(6) {
		t.Fatalf("backoff = %v %v %v", s.backoff(1), s.backoff(3), s.backoff(10))
	}
	if backoffDuration(0) != 100*time.Millisecond || backoffDuration(7) != 3200*time.Millisecond {
		t.Fatalf("backoffDuration = %v %v", backoffDuration(0), backoffDuration(7))
	}
}
