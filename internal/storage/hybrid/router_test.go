package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/park285/match-core/internal/storage"
	"github.com/park285/match-core/internal/storage/memstore"
	"github.com/park285/match-core/internal/storage/sqlstore"
	"github.com/park285/match-core/internal/storage/storagetest"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time           { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRouter(t *testing.T) (*Router, *memstore.Store, *memstore.Store, *fakeClock) {
	t.Helper()
	durable, ephemeral := memstore.New(), memstore.New()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	return New(durable, ephemeral, WithClock(clock.Now)), durable, ephemeral, clock
}

func create(t *testing.T, r storage.Store, matchID, setup string) {
	t.Helper()
	err := r.CreateMatch(context.Background(), matchID, storage.CreateMatchData{
		InitialState: storagetest.NewState(0),
		Metadata:     storagetest.NewMetadata("chess", setup),
	})
	if err != nil {
		t.Fatalf("CreateMatch %s: %v", matchID, err)
	}
}

func TestRouterContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		r, _, _, _ := newTestRouter(t)
		return r
	})
}

func TestClassify(t *testing.T) {
	cases := []struct {
		sd   storage.SetupData
		want Target
	}{
		{storage.SetupData{OwnerType: storage.OwnerUser}, TargetDurable},
		{storage.SetupData{OwnerKey: "user:42"}, TargetDurable},
		{storage.SetupData{OwnerType: storage.OwnerUser, OwnerKey: "guest:1"}, TargetDurable},
		{storage.SetupData{OwnerKey: "guest:abc"}, TargetEphemeral},
		{storage.SetupData{OwnerType: storage.OwnerGuest}, TargetEphemeral},
		{storage.SetupData{}, TargetEphemeral},
		{storage.SetupData{OwnerKey: "bot:1"}, TargetEphemeral},
	}
	for _, tc := range cases {
		if got := Classify(tc.sd); got != tc.want {
			t.Fatalf("Classify(%+v) = %v, want %v", tc.sd, got, tc.want)
		}
	}
}

func TestTieringIsolation(t *testing.T) {
	r, durable, ephemeral, _ := newTestRouter(t)
	create(t, r, "u1", `{"ownerKey":"user:42"}`)
	create(t, r, "g1", `{"ownerKey":"guest:abc"}`)
	create(t, r, "anon", ``)

	if durable.Len() != 1 || ephemeral.Len() != 2 {
		t.Fatalf("unexpected placement: durable=%d ephemeral=%d", durable.Len(), ephemeral.Len())
	}
	if r.Placement("u1") != TargetDurable || r.Placement("g1") != TargetEphemeral {
		t.Fatalf("placement not remembered")
	}

	ctx := context.Background()
	if err := r.SetState(ctx, "u1", storagetest.NewState(1)); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	res, _ := ephemeral.Fetch(ctx, "u1", storage.FetchOpts{State: true})
	if res.State != nil {
		t.Fatalf("durable match leaked into ephemeral backend")
	}
	res, _ = durable.Fetch(ctx, "u1", storage.FetchOpts{State: true})
	if res.State == nil || res.State.StateID != 1 {
		t.Fatalf("durable write missing: %+v", res.State)
	}
}

func TestOwnerKeyInStateCore(t *testing.T) {
	r, durable, _, _ := newTestRouter(t)
	state := storagetest.NewState(0)
	state.G.Core = json.RawMessage(`{"__setupData":{"ownerKey":"user:7"}}`)
	err := r.CreateMatch(context.Background(), "m1", storage.CreateMatchData{
		InitialState: state,
		Metadata:     storagetest.NewMetadata("chess", `{"ownerKey":"guest:x"}`),
	})
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	if durable.Len() != 1 {
		t.Fatalf("state core setup data should win over metadata")
	}
}

func TestGuestOwnerIndexReplacesPreviousMatch(t *testing.T) {
	r, _, ephemeral, _ := newTestRouter(t)
	ctx := context.Background()
	create(t, r, "g1", `{"ownerKey":"guest:abc"}`)
	create(t, r, "g2", `{"ownerKey":"guest:abc"}`)
	create(t, r, "other", `{"ownerKey":"guest:zzz"}`)

	res, err := r.Fetch(ctx, "g1", storage.FetchOpts{Metadata: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Metadata != nil {
		t.Fatalf("previous guest match should be wiped")
	}
	if id, ok := r.GuestMatch("guest:abc"); !ok || id != "g2" {
		t.Fatalf("guest index = %q,%v; want g2", id, ok)
	}
	if ephemeral.Len() != 2 {
		t.Fatalf("expected g2 and other to survive, have %d", ephemeral.Len())
	}

	if err := r.Wipe(ctx, "g2"); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if _, ok := r.GuestMatch("guest:abc"); ok {
		t.Fatalf("wipe should release the guest index")
	}
}

func TestUserMatchesAreNotIndexed(t *testing.T) {
	r, durable, _, _ := newTestRouter(t)
	create(t, r, "u1", `{"ownerKey":"user:1"}`)
	create(t, r, "u2", `{"ownerKey":"user:1"}`)
	if durable.Len() != 2 {
		t.Fatalf("user matches must not replace each other")
	}
}

func TestDualProbeAfterRestart(t *testing.T) {
	durable, ephemeral := memstore.New(), memstore.New()
	first := New(durable, ephemeral)
	create(t, first, "u1", `{"ownerKey":"user:1"}`)
	create(t, first, "g1", `{"ownerKey":"guest:1"}`)

	// a fresh router over the same backends has no placement memory
	r := New(durable, ephemeral)
	ctx := context.Background()
	if r.Placement("g1") != TargetNone {
		t.Fatalf("fresh router should not know g1")
	}
	res, err := r.Fetch(ctx, "g1", storage.FetchOpts{State: true})
	if err != nil || res.State == nil {
		t.Fatalf("lookup should find g1 in ephemeral: %v", err)
	}
	if r.Placement("g1") != TargetEphemeral {
		t.Fatalf("lookup result not memoized")
	}
	if err := r.SetMetadata(ctx, "u1", storagetest.NewMetadata("chess", `{"ownerKey":"user:1"}`)); err != nil {
		t.Fatalf("SetMetadata after lookup: %v", err)
	}
	if r.Placement("u1") != TargetDurable {
		t.Fatalf("durable lookup not memoized")
	}
	if err := r.SetState(ctx, "nope", storagetest.NewState(1)); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown match, got %v", err)
	}
}

func TestSetMetadataStampsEphemeralDisconnect(t *testing.T) {
	r, durable, ephemeral, clock := newTestRouter(t)
	ctx := context.Background()
	create(t, r, "g1", `{"ownerKey":"guest:1"}`)
	create(t, r, "ttl", `{"ownerKey":"guest:2","ttlSeconds":60}`)
	create(t, r, "u1", `{"ownerKey":"user:1"}`)

	md := storagetest.NewMetadata("chess", `{"ownerKey":"guest:1"}`)
	if err := r.SetMetadata(ctx, "g1", md); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if md.DisconnectedSince != nil {
		t.Fatalf("caller metadata must not be mutated")
	}
	got, _ := ephemeral.Fetch(ctx, "g1", storage.FetchOpts{Metadata: true})
	if got.Metadata.DisconnectedSince == nil || *got.Metadata.DisconnectedSince != clock.Now().UnixMilli() {
		t.Fatalf("expected stamp at now, got %v", got.Metadata.DisconnectedSince)
	}

	clock.Advance(time.Minute)
	if err := r.SetMetadata(ctx, "g1", got.Metadata); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	again, _ := ephemeral.Fetch(ctx, "g1", storage.FetchOpts{Metadata: true})
	if *again.Metadata.DisconnectedSince != *got.Metadata.DisconnectedSince {
		t.Fatalf("an existing stamp must be kept")
	}

	again.Metadata.Players["0"].IsConnected = storage.Bool(true)
	if err := r.SetMetadata(ctx, "g1", again.Metadata); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	connected, _ := ephemeral.Fetch(ctx, "g1", storage.FetchOpts{Metadata: true})
	if connected.Metadata.DisconnectedSince != nil {
		t.Fatalf("connected seat should clear the stamp")
	}

	ttlMd := storagetest.NewMetadata("chess", `{"ownerKey":"guest:2","ttlSeconds":60}`)
	ttlMd.DisconnectedSince = storage.Int64(5)
	if err := r.SetMetadata(ctx, "ttl", ttlMd); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	ttlGot, _ := ephemeral.Fetch(ctx, "ttl", storage.FetchOpts{Metadata: true})
	if ttlGot.Metadata.DisconnectedSince != nil {
		t.Fatalf("TTL-bound matches never carry the stamp")
	}

	if err := r.SetMetadata(ctx, "u1", storagetest.NewMetadata("chess", `{"ownerKey":"user:1"}`)); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	durableGot, _ := durable.Fetch(ctx, "u1", storage.FetchOpts{Metadata: true})
	if durableGot.Metadata.DisconnectedSince != nil {
		t.Fatalf("durable matches are not stamped")
	}
}

func TestCleanupEphemeralGraceWindow(t *testing.T) {
	r, _, ephemeral, clock := newTestRouter(t)
	ctx := context.Background()
	create(t, r, "idle", `{"ownerKey":"guest:1"}`)

	n, err := r.CleanupEphemeral(ctx)
	if err != nil || n != 0 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	got, _ := ephemeral.Fetch(ctx, "idle", storage.FetchOpts{Metadata: true})
	if got.Metadata == nil || got.Metadata.DisconnectedSince == nil {
		t.Fatalf("first sweep should stamp the idle match")
	}

	clock.Advance(DefaultGrace - time.Second)
	if n, _ := r.CleanupEphemeral(ctx); n != 0 {
		t.Fatalf("match wiped before grace elapsed")
	}

	clock.Advance(time.Second)
	n, err = r.CleanupEphemeral(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected wipe at grace boundary: n=%d err=%v", n, err)
	}
	if ephemeral.Len() != 0 {
		t.Fatalf("ephemeral backend should be empty")
	}
	if _, ok := r.GuestMatch("guest:1"); ok {
		t.Fatalf("GC should release the guest index")
	}
}

func TestCleanupEphemeralConnectedSeatExempt(t *testing.T) {
	r, _, ephemeral, clock := newTestRouter(t)
	ctx := context.Background()
	create(t, r, "live", `{"ownerKey":"guest:1"}`)

	md := storagetest.NewMetadata("chess", `{"ownerKey":"guest:1"}`)
	md.Players["0"].IsConnected = storage.Bool(true)
	md.DisconnectedSince = storage.Int64(clock.Now().Add(-time.Hour).UnixMilli())
	if err := ephemeral.SetMetadata(ctx, "live", md); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}

	clock.Advance(time.Hour)
	if n, err := r.CleanupEphemeral(ctx); err != nil || n != 0 {
		t.Fatalf("connected match must survive: n=%d err=%v", n, err)
	}
	got, _ := ephemeral.Fetch(ctx, "live", storage.FetchOpts{Metadata: true})
	if got.Metadata == nil || got.Metadata.DisconnectedSince != nil {
		t.Fatalf("sweep should clear the stamp of a connected match")
	}
}

// afterFetchStore runs onFetch once, right after the first metadata read returns.
type afterFetchStore struct {
	storage.Store
	once    sync.Once
	onFetch func()
}

func (s *afterFetchStore) Fetch(ctx context.Context, matchID string, opts storage.FetchOpts) (*storage.FetchResult, error) {
	res, err := s.Store.Fetch(ctx, matchID, opts)
	if opts.Metadata && s.onFetch != nil {
		s.once.Do(s.onFetch)
	}
	return res, err
}

func TestCleanupEphemeralKeepsReconnectDuringSweep(t *testing.T) {
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	backing := memstore.New()
	ephemeral := &afterFetchStore{Store: backing}
	r := New(memstore.New(), ephemeral, WithClock(clock.Now))
	ctx := context.Background()
	create(t, r, "g1", `{"ownerKey":"guest:1"}`)

	var wg sync.WaitGroup
	var reconnectErr error
	ephemeral.onFetch = func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			md := storagetest.NewMetadata("chess", `{"ownerKey":"guest:1"}`)
			md.Players["0"].IsConnected = storage.Bool(true)
			reconnectErr = r.SetMetadata(ctx, "g1", md)
		}()
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := r.CleanupEphemeral(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	wg.Wait()
	if reconnectErr != nil {
		t.Fatalf("SetMetadata: %v", reconnectErr)
	}
	got, _ := backing.Fetch(ctx, "g1", storage.FetchOpts{Metadata: true})
	if !storage.HasConnectedSeat(got.Metadata) || got.Metadata.DisconnectedSince != nil {
		t.Fatalf("sweep overwrote the reconnect: %+v", got.Metadata)
	}

	clock.Advance(DefaultGrace + time.Minute)
	if n, err := r.CleanupEphemeral(ctx); err != nil || n != 0 {
		t.Fatalf("connected match swept: n=%d err=%v", n, err)
	}
	if backing.Len() != 1 {
		t.Fatalf("match wiped")
	}
}

func TestCleanupEphemeralSkipsTTLMatches(t *testing.T) {
	r, _, ephemeral, clock := newTestRouter(t)
	ctx := context.Background()
	create(t, r, "ttl", `{"ownerKey":"guest:1","ttlSeconds":30}`)
	for i := 0; i < 3; i++ {
		clock.Advance(DefaultGrace)
		if n, _ := r.CleanupEphemeral(ctx); n != 0 {
			t.Fatalf("TTL-bound ephemeral matches are not swept")
		}
	}
	if ephemeral.Len() != 1 {
		t.Fatalf("ttl match removed")
	}
}

func TestCleanupEphemeralRunsDurableExpiry(t *testing.T) {
	durable, err := sqlstore.Open(context.Background(), sqlstore.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("sqlstore: %v", err)
	}
	t.Cleanup(func() { _ = durable.Close() })
	r := New(durable, memstore.New())
	ctx := context.Background()

	md := storagetest.NewMetadata("chess", `{"ownerKey":"user:1","ttlSeconds":1}`)
	md.CreatedAt = time.Now().Add(-time.Hour).UnixMilli()
	if err := r.CreateMatch(ctx, "old", storage.CreateMatchData{InitialState: storagetest.NewState(0), Metadata: md}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	n, err := r.CleanupEphemeral(ctx)
	if err != nil {
		t.Fatalf("CleanupEphemeral: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected durable expiry to remove 1 match, got %d", n)
	}
}

func TestListMatchesMergesBackends(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	create(t, r, "u1", `{"ownerKey":"user:1"}`)
	create(t, r, "g1", `{"ownerKey":"guest:1"}`)
	ids, err := r.ListMatches(context.Background(), &storage.ListFilter{GameName: "chess"})
	if err != nil {
		t.Fatalf("ListMatches: %v", err)
	}
	if len(ids) != 2 || ids[0] != "g1" || ids[1] != "u1" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestRemovalHook(t *testing.T) {
	var removed []string
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := New(memstore.New(), memstore.New(), WithClock(clock.Now), WithRemovalHook(func(id string) {
		removed = append(removed, id)
	}))
	ctx := context.Background()
	create(t, r, "g1", `{"ownerKey":"guest:abc"}`)
	create(t, r, "g2", `{"ownerKey":"guest:abc"}`)
	if len(removed) != 1 || removed[0] != "g1" {
		t.Fatalf("replacement not reported: %v", removed)
	}

	if _, err := r.CleanupEphemeral(ctx); err != nil {
		t.Fatalf("stamp sweep: %v", err)
	}
	clock.Advance(DefaultGrace)
	if _, err := r.CleanupEphemeral(ctx); err != nil {
		t.Fatalf("wipe sweep: %v", err)
	}
	if len(removed) != 2 || removed[1] != "g2" {
		t.Fatalf("sweep not reported: %v", removed)
	}

	create(t, r, "g3", `{"ownerKey":"guest:x"}`)
	if err := r.Wipe(ctx, "g3"); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if len(removed) != 2 {
		t.Fatalf("explicit wipe should not be reported: %v", removed)
	}
}
