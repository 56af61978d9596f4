package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/park285/match-core/internal/storage"
	"github.com/park285/match-core/internal/storage/storagetest"
)

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestFetchReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	md := storagetest.NewMetadata("chess", "")
	if err := s.CreateMatch(ctx, "m1", storage.CreateMatchData{InitialState: storagetest.NewState(0), Metadata: md}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	md.Players["0"].Name = "mutated"

	res, err := s.Fetch(ctx, "m1", storage.FetchOpts{Metadata: true, State: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Metadata.Players["0"].Name != "alice" {
		t.Fatalf("store shares memory with caller input")
	}
	res.Metadata.Players["1"].Name = "intruder"
	res.State.G.Core = json.RawMessage(`{}`)

	again, _ := s.Fetch(ctx, "m1", storage.FetchOpts{Metadata: true, State: true})
	if again.Metadata.Players["1"].Name != "" {
		t.Fatalf("store shares memory with fetched metadata")
	}
	if string(again.State.G.Core) == "{}" {
		t.Fatalf("store shares memory with fetched state")
	}
}

func TestCreateMatchRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	s := New()
	cases := []struct {
		id   string
		data storage.CreateMatchData
	}{
		{"", storage.CreateMatchData{InitialState: storagetest.NewState(0), Metadata: storagetest.NewMetadata("chess", "")}},
		{" m1", storage.CreateMatchData{InitialState: storagetest.NewState(0), Metadata: storagetest.NewMetadata("chess", "")}},
		{"m1", storage.CreateMatchData{Metadata: storagetest.NewMetadata("chess", "")}},
		{"m1", storage.CreateMatchData{InitialState: storagetest.NewState(0)}},
	}
	for i, tc := range cases {
		if err := s.CreateMatch(ctx, tc.id, tc.data); !errors.Is(err, storage.ErrInvalidArgs) {
			t.Fatalf("case %d: expected ErrInvalidArgs, got %v", i, err)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("rejected creates must not store anything")
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := New()
	if _, err := s.Fetch(ctx, "m1", storage.FetchOpts{State: true}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
