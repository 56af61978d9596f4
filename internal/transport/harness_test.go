package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/park285/match-core/internal/engine"
	"github.com/park285/match-core/internal/storage"
	"github.com/park285/match-core/internal/storage/memstore"
)

type tallyCore struct {
	Total  int    `json:"total"`
	Target int    `json:"target"`
	Roll   int    `json:"roll"`
	Last   string `json:"last,omitempty"`
}

func tallyGame() engine.Game {
	skip := func(cmd engine.Command) ([]engine.Event, error) {
		var p engine.InteractionPayload
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, err
		}
		cancelled, err := engine.NewEvent(engine.EvInteractionCancelled, p.PlayerID, engine.InteractionPayload{InteractionID: p.InteractionID, PlayerID: p.PlayerID})
		if err != nil {
			return nil, err
		}
		skipped, err := engine.NewEvent("skipped", cmd.PlayerID, map[string]string{"command": cmd.Type})
		return []engine.Event{cancelled, skipped}, err
	}
	return engine.MustBuild(engine.Definition[tallyCore]{
		ID:         "tally",
		MinPlayers: 2,
		MaxPlayers: 2,
		Setup: func(_ []string, random *engine.Random) (tallyCore, error) {
			return tallyCore{Target: 10, Roll: random.D(6)}, nil
		},
		Validate: func(_ tallyCore, cmd engine.Command) engine.Validation {
			switch cmd.Type {
			case "ADD":
				var p struct {
					N int `json:"n"`
				}
				if cmd.DecodePayload(&p) != nil || p.N <= 0 {
					return engine.Invalid("n_must_be_positive")
				}
				return engine.Valid()
			case "ASK":
				return engine.Valid()
			case "CANCEL_INTERACTION", "SKIP_TOKEN_RESPONSE":
				if cmd.Origin != engine.OriginSystem {
					return engine.Invalid("system_only")
				}
				return engine.Valid()
			}
			return engine.Invalid("unknown_command")
		},
		Execute: func(_ tallyCore, cmd engine.Command, _ *engine.Random) ([]engine.Event, error) {
			switch cmd.Type {
			case "ADD":
				ev, err := engine.NewEvent("added", cmd.PlayerID, json.RawMessage(cmd.Payload))
				return []engine.Event{ev}, err
			case "ASK":
				var p struct {
					Kind string `json:"kind"`
				}
				if err := cmd.DecodePayload(&p); err != nil {
					return nil, err
				}
				id := "i-" + cmd.PlayerID
				req, err := engine.RequestInteraction(storage.PendingInteraction{ID: id, Kind: p.Kind, PlayerID: cmd.PlayerID})
				if err != nil {
					return nil, err
				}
				win, err := engine.OpenResponseWindow(storage.ResponseWindowLock{ResponderID: cmd.PlayerID, PendingInteractionID: id})
				return []engine.Event{req, win}, err
			default:
				return skip(cmd)
			}
		},
		Reduce: func(core tallyCore, events []engine.Event) (tallyCore, error) {
			for _, ev := range events {
				switch ev.Type {
				case "added":
					var p struct {
						N int `json:"n"`
					}
					if err := ev.DecodePayload(&p); err != nil {
						return core, err
					}
					core.Total += p.N
				case "skipped":
					var p map[string]string
					if err := ev.DecodePayload(&p); err != nil {
						return core, err
					}
					core.Last = p["command"]
				}
			}
			return core, nil
		},
		Gameover: func(core tallyCore) any {
			if core.Total >= core.Target {
				return map[string]int{"total": core.Total}
			}
			return nil
		},
	})
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	sent   []*Envelope
	closed string
	full   bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(env *Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed != "" {
		return errConnClosed
	}
	if f.full {
		return ErrSlowConsumer
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeConn) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == "" {
		f.closed = reason
	}
}

func (f *fakeConn) closeReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) last(t *testing.T) *Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatalf("conn %s received nothing", f.id)
	}
	return f.sent[len(f.sent)-1]
}

// flakyStore fails selected writes on demand and can run a hook after the next read.
type flakyStore struct {
	storage.Store

	mu            sync.Mutex
	failState     bool
	failGameover  bool
	metadataCalls int
	afterFetch    func()
}

func (f *flakyStore) Fetch(ctx context.Context, matchID string, opts storage.FetchOpts) (*storage.FetchResult, error) {
	res, err := f.Store.Fetch(ctx, matchID, opts)
	f.mu.Lock()
	hook := f.afterFetch
	if opts.Metadata {
		f.afterFetch = nil
	}
	f.mu.Unlock()
	if hook != nil && opts.Metadata {
		hook()
	}
	return res, err
}

// rotateOnNextFetch starts rotating playerID's credentials to creds as soon as the next
// metadata read returns, while the reader still holds whatever lock it took. The
// returned func waits for the rotation and reports its error.
func (h *harness) rotateOnNextFetch(matchID, playerID, creds string) func() error {
	done := make(chan error, 1)
	h.store.mu.Lock()
	h.store.afterFetch = func() {
		go func() {
			_, err := h.srv.MutateMetadata(h.ctx, matchID, func(md *storage.MatchMetadata) (MetadataChange, error) {
				md.Players[playerID].Credentials = creds
				return WriteMetadata, nil
			})
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
	}
	h.store.mu.Unlock()
	return func() error {
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			return errors.New("rotation never ran")
		}
	}
}

func (f *flakyStore) SetState(ctx context.Context, matchID string, state *storage.StoredMatchState, deltaLog ...storage.LogEntry) error {
	f.mu.Lock()
	fail := f.failState
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("flaky: %w", storage.ErrUnavailable)
	}
	return f.Store.SetState(ctx, matchID, state, deltaLog...)
}

func (f *flakyStore) SetMetadata(ctx context.Context, matchID string, md *storage.MatchMetadata) error {
	f.mu.Lock()
	f.metadataCalls++
	fail := f.failGameover && md.IsGameover()
	f.mu.Unlock()
	if fail {
		return errors.New("flaky metadata")
	}
	return f.Store.SetMetadata(ctx, matchID, md)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *flakyStore
	srv   *Server
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: &flakyStore{Store: memstore.New()},
		clock: time.UnixMilli(1_700_000_000_000),
	}
	h.srv = NewServer(h.store, engine.NewRegistry(tallyGame()), WithClock(func() time.Time { return h.clock }))
	return h
}

// seated creates match id with two credentialed, disconnected seats.
func (h *harness) seated(id string) *storage.StoredMatchState {
	h.t.Helper()
	st, err := h.srv.SetupMatch(h.ctx, SetupRequest{
		MatchID:  id,
		GameName: "tally",
		Seed:     "seed-" + id,
		Metadata: &storage.MatchMetadata{Players: map[string]*storage.Seat{
			"0": {Name: "alice", Credentials: "c0", IsConnected: storage.Bool(false)},
			"1": {Name: "bob", Credentials: "c1", IsConnected: storage.Bool(false)},
		}},
	})
	if err != nil {
		h.t.Fatalf("SetupMatch: %v", err)
	}
	return st
}

func (h *harness) connect(id, matchID, playerID, creds string) *fakeConn {
	h.t.Helper()
	c := newConn(id)
	h.srv.HandleConnect(c)
	h.srv.HandleMessage(h.ctx, c, &Envelope{Event: EventSync, MatchID: matchID, PlayerID: playerID, Credentials: creds})
	return c
}

func (h *harness) command(c *fakeConn, typ, payload string) {
	h.t.Helper()
	env := &Envelope{Event: EventCommand, Command: &CommandFrame{Type: typ}}
	if payload != "" {
		env.Command.Payload = json.RawMessage(payload)
	}
	h.srv.HandleMessage(h.ctx, c, env)
}

func (h *harness) fetch(matchID string) *storage.FetchResult {
	h.t.Helper()
	res, err := h.store.Fetch(h.ctx, matchID, storage.FetchOpts{State: true, Metadata: true, Log: true})
	if err != nil {
		h.t.Fatalf("Fetch: %v", err)
	}
	return res
}

func (h *harness) core(matchID string) tallyCore {
	h.t.Helper()
	var c tallyCore
	if err := json.Unmarshal(h.fetch(matchID).State.G.Core, &c); err != nil {
		h.t.Fatalf("decode core: %v", err)
	}
	return c
}

func expectEvent(t *testing.T, env *Envelope, event, code string) {
	t.Helper()
	if env.Event != event || env.Code != code {
		t.Fatalf("expected %s/%s, got %s/%s (%s)", event, code, env.Event, env.Code, env.Message)
	}
}
