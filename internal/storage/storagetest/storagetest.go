// Package storagetest holds the behaviour every storage.Store backend must share.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/park285/match-core/internal/storage"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Store

// NewState builds a small state with a unified interaction queue.
func NewState(stateID int) *storage.StoredMatchState {
	return &storage.StoredMatchState{
		G: storage.MatchState{
			Core: json.RawMessage(`{"currentPlayer":"0","score":[1,2]}`),
			Sys: storage.SysState{
				Phase:      "main",
				TurnNumber: 1,
				Interaction: &storage.InteractionQueue{
					Current: &storage.PendingInteraction{ID: "i1", Kind: "simple-choice", PlayerID: "0"},
				},
			},
		},
		StateID:      stateID,
		RandomSeed:   "seed",
		RandomCursor: 3,
	}
}

// NewMetadata builds a two-seat roster for gameName with the given setup data.
func NewMetadata(gameName string, setupData string) *storage.MatchMetadata {
	now := time.Now().UnixMilli()
	md := &storage.MatchMetadata{
		GameName: gameName,
		Players: map[string]*storage.Seat{
			"0": {Name: "alice", Credentials: "cred-0", IsConnected: storage.Bool(false)},
			"1": {IsConnected: storage.Bool(false)},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if setupData != "" {
		md.SetupData = json.RawMessage(setupData)
	}
	return md
}

// Equal compares two values by their canonical JSON form.
func Equal(t *testing.T, want, got any) bool {
	t.Helper()
	return reflect.DeepEqual(canonical(t, want), canonical(t, got))
}

func canonical(t *testing.T, v any) any {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

// Run executes the shared backend checks.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndFetch", func(t *testing.T) { testCreateAndFetch(t, newStore(t)) })
	t.Run("CreateCollision", func(t *testing.T) { testCreateCollision(t, newStore(t)) })
	t.Run("MetadataRoundTrip", func(t *testing.T) { testMetadataRoundTrip(t, newStore(t)) })
	t.Run("StateAndLog", func(t *testing.T) { testStateAndLog(t, newStore(t)) })
	t.Run("UnknownMatch", func(t *testing.T) { testUnknownMatch(t, newStore(t)) })
	t.Run("Wipe", func(t *testing.T) { testWipe(t, newStore(t)) })
	t.Run("ListFilter", func(t *testing.T) { testListFilter(t, newStore(t)) })
}

func testCreateAndFetch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	state := NewState(0)
	md := NewMetadata("chess", `{"ownerKey":"guest:g1"}`)
	if err := s.CreateMatch(ctx, "m1", storage.CreateMatchData{InitialState: state, Metadata: md}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	res, err := s.Fetch(ctx, "m1", storage.FetchOpts{State: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.State == nil {
		t.Fatalf("expected state")
	}
	if res.Metadata != nil || res.InitialState != nil || res.Log != nil {
		t.Fatalf("unrequested fields returned: %+v", res)
	}
	if !Equal(t, state, res.State) {
		t.Fatalf("state mismatch: %+v", res.State)
	}

	res, err = s.Fetch(ctx, "m1", storage.FetchOpts{Metadata: true, InitialState: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.State != nil {
		t.Fatalf("state returned without being requested")
	}
	if !Equal(t, md, res.Metadata) {
		t.Fatalf("metadata mismatch: %+v", res.Metadata)
	}
	if !Equal(t, state, res.InitialState) {
		t.Fatalf("initial state mismatch: %+v", res.InitialState)
	}
}

func testCreateCollision(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := NewMetadata("chess", "")
	if err := s.CreateMatch(ctx, "dup", storage.CreateMatchData{InitialState: NewState(0), Metadata: first}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	second := NewMetadata("other", "")
	err := s.CreateMatch(ctx, "dup", storage.CreateMatchData{InitialState: NewState(7), Metadata: second})
	if !errors.Is(err, storage.ErrMatchExists) {
		t.Fatalf("expected ErrMatchExists, got %v", err)
	}
	res, err := s.Fetch(ctx, "dup", storage.FetchOpts{Metadata: true, State: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Metadata == nil || res.Metadata.GameName != "chess" || res.State.StateID != 0 {
		t.Fatalf("collision overwrote the original match: %+v", res)
	}
}

func testMetadataRoundTrip(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.CreateMatch(ctx, "m2", storage.CreateMatchData{InitialState: NewState(0), Metadata: NewMetadata("chess", "")}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	next := NewMetadata("chess", `{"ttlSeconds":0}`)
	next.Players["1"] = &storage.Seat{Name: "bob", Credentials: "cred-1", IsConnected: storage.Bool(false), OwnerKey: "guest:bob"}
	next.Gameover = json.RawMessage(`{"winner":"0"}`)
	next.DisconnectedSince = storage.Int64(1234)
	if err := s.SetMetadata(ctx, "m2", next); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	res, err := s.Fetch(ctx, "m2", storage.FetchOpts{Metadata: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !Equal(t, next, res.Metadata) {
		t.Fatalf("metadata round trip mismatch:\nwant %+v\n got %+v", next, res.Metadata)
	}
}

func testStateAndLog(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if err := s.CreateMatch(ctx, "m3", storage.CreateMatchData{InitialState: NewState(0), Metadata: NewMetadata("chess", "")}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	entry1 := storage.LogEntry{StateID: 1, Command: json.RawMessage(`{"type":"MOVE"}`), Timestamp: 10}
	entry2 := storage.LogEntry{StateID: 2, Command: json.RawMessage(`{"type":"MOVE"}`), Timestamp: 20}
	if err := s.SetState(ctx, "m3", NewState(1), entry1); err != nil {
		t.Fatalf("SetState#1: %v", err)
	}
	if err := s.SetState(ctx, "m3", NewState(2), entry2); err != nil {
		t.Fatalf("SetState#2: %v", err)
	}
	if err := s.SetState(ctx, "m3", NewState(3)); err != nil {
		t.Fatalf("SetState#3: %v", err)
	}
	res, err := s.Fetch(ctx, "m3", storage.FetchOpts{State: true, Log: true, InitialState: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.State == nil || res.State.StateID != 3 {
		t.Fatalf("expected state 3, got %+v", res.State)
	}
	if res.InitialState == nil || res.InitialState.StateID != 0 {
		t.Fatalf("initial state must not change: %+v", res.InitialState)
	}
	if len(res.Log) != 2 || res.Log[0].StateID != 1 || res.Log[1].StateID != 2 {
		t.Fatalf("unexpected log: %+v", res.Log)
	}
}

func testUnknownMatch(t *testing.T, s storage.Store) {
	ctx := context.Background()
	res, err := s.Fetch(ctx, "missing", storage.FetchOpts{State: true, Metadata: true, Log: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Found(storage.FetchOpts{State: true, Metadata: true, Log: true}) {
		t.Fatalf("expected nothing for unknown match, got %+v", res)
	}
	if err := s.SetState(ctx, "missing", NewState(1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SetState unknown: expected ErrNotFound, got %v", err)
	}
	if err := s.SetMetadata(ctx, "missing", NewMetadata("chess", "")); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SetMetadata unknown: expected ErrNotFound, got %v", err)
	}
}

func testWipe(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, id := range []string{"keep", "drop"} {
		if err := s.CreateMatch(ctx, id, storage.CreateMatchData{InitialState: NewState(0), Metadata: NewMetadata("chess", "")}); err != nil {
			t.Fatalf("CreateMatch %s: %v", id, err)
		}
	}
	if err := s.SetState(ctx, "drop", NewState(1), storage.LogEntry{StateID: 1, Timestamp: 1}); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := s.Wipe(ctx, "drop"); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	all := storage.FetchOpts{State: true, Metadata: true, Log: true, InitialState: true}
	res, err := s.Fetch(ctx, "drop", all)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Found(all) {
		t.Fatalf("wiped match still present: %+v", res)
	}
	res, err = s.Fetch(ctx, "keep", storage.FetchOpts{Metadata: true})
	if err != nil || res.Metadata == nil {
		t.Fatalf("wipe affected another match: %v %+v", err, res)
	}
	if err := s.Wipe(ctx, "drop"); err != nil {
		t.Fatalf("second Wipe should be a no-op, got %v", err)
	}
}

func testListFilter(t *testing.T, s storage.Store) {
	ctx := context.Background()
	create := func(id, game string, updatedAt int64, gameover bool) {
		md := NewMetadata(game, "")
		md.UpdatedAt = updatedAt
		if gameover {
			md.Gameover = json.RawMessage(`{"draw":true}`)
		}
		if err := s.CreateMatch(ctx, id, storage.CreateMatchData{InitialState: NewState(0), Metadata: md}); err != nil {
			t.Fatalf("CreateMatch %s: %v", id, err)
		}
	}
	create("a", "chess", 100, false)
	create("b", "chess", 200, true)
	create("c", "tictactoe", 300, false)

	cases := []struct {
		name   string
		filter *storage.ListFilter
		want   []string
	}{
		{"all", nil, []string{"a", "b", "c"}},
		{"game", &storage.ListFilter{GameName: "chess"}, []string{"a", "b"}},
		{"gameover", &storage.ListFilter{IsGameover: storage.Bool(true)}, []string{"b"}},
		{"running", &storage.ListFilter{IsGameover: storage.Bool(false)}, []string{"a", "c"}},
		{"before", &storage.ListFilter{UpdatedBefore: storage.Int64(200)}, []string{"a"}},
		{"after", &storage.ListFilter{UpdatedAfter: storage.Int64(100)}, []string{"b", "c"}},
		{"combined", &storage.ListFilter{GameName: "chess", UpdatedAfter: storage.Int64(100)}, []string{"b"}},
	}
	for _, tc := range cases {
		got, err := s.ListMatches(ctx, tc.filter)
		if err != nil {
			t.Fatalf("%s: ListMatches: %v", tc.name, err)
		}
		if !sameSet(got, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		if seen[v] == 0 {
			return false
		}
		seen[v]--
	}
	return true
}
