// Package hybrid routes each match to the durable or the ephemeral backend by owner and
// garbage-collects abandoned ephemeral matches.
package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/match-core/internal/obslog"
	"github.com/park285/match-core/internal/storage"
)

// DefaultGrace is how long an ephemeral match may sit with nobody connected.
const DefaultGrace = 5 * time.Minute

type Target int

const (
	TargetNone Target = iota
	TargetDurable
	TargetEphemeral
)

func (t Target) String() string {
	switch t {
	case TargetDurable:
		return "durable"
	case TargetEphemeral:
		return "ephemeral"
	default:
		return "none"
	}
}

// Classify picks a backend from setup data: user-owned matches are durable, everything
// else is ephemeral.
func Classify(sd storage.SetupData) Target {
	if sd.OwnerType == storage.OwnerUser || strings.HasPrefix(sd.OwnerKey, "user:") {
		return TargetDurable
	}
	return TargetEphemeral
}

type Option func(*Router)

func WithGrace(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.grace = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRemovalHook registers fn to run after the router itself removes a match: a
// replaced guest match or a swept ephemeral match. Explicit Wipe calls do not trigger it.
func WithRemovalHook(fn func(matchID string)) Option {
	return func(r *Router) {
		r.onRemoved = fn
	}
}

// Router implements storage.Store over two backends. A match's backend is chosen once at
// creation and remembered; matches created before a restart are located by probing the
// durable backend first, then the ephemeral one.
type Router struct {
	durable   storage.Store
	ephemeral storage.Store
	grace     time.Duration
	now       func() time.Time
	onRemoved func(matchID string)

	// stripes serialize ephemeral metadata writes and wipes per match, so the sweep
	// decides on the metadata it is about to overwrite.
	stripes [64]sync.Mutex

	mu         sync.Mutex
	placement  map[string]Target
	guestIndex map[string]string // owner key -> match id
	matchOwner map[string]string // match id -> owner key
}

var _ storage.Store = (*Router)(nil)

func New(durable, ephemeral storage.Store, opts ...Option) *Router {
	r := &Router{
		durable:    durable,
		ephemeral:  ephemeral,
		grace:      DefaultGrace,
		now:        time.Now,
		placement:  make(map[string]Target),
		guestIndex: make(map[string]string),
		matchOwner: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Placement reports the remembered backend of matchID.
func (r *Router) Placement(matchID string) Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.placement[matchID]
}

// GuestMatch returns the live ephemeral match owned by ownerKey.
func (r *Router) GuestMatch(ownerKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.guestIndex[ownerKey]
	return id, ok
}

func (r *Router) stripe(matchID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(matchID))
	return &r.stripes[h.Sum32()%uint32(len(r.stripes))]
}

func (r *Router) backend(t Target) storage.Store {
	if t == TargetDurable {
		return r.durable
	}
	return r.ephemeral
}

func (r *Router) remember(matchID string, t Target) {
	r.mu.Lock()
	r.placement[matchID] = t
	r.mu.Unlock()
}

// resolveSetupData merges metadata.setupData with a "__setupData" object in the state
// core; the core wins field by field.
func resolveSetupData(data storage.CreateMatchData) storage.SetupData {
	sd := storage.ParseSetupData(data.Metadata.SetupData)
	var core map[string]json.RawMessage
	if json.Unmarshal(data.InitialState.G.Core, &core) != nil {
		return sd
	}
	raw, ok := core["__setupData"]
	if !ok {
		return sd
	}
	fromState := storage.ParseSetupData(raw)
	if fromState.TTLSeconds != nil {
		sd.TTLSeconds = fromState.TTLSeconds
	}
	if fromState.OwnerKey != "" {
		sd.OwnerKey = fromState.OwnerKey
	}
	if fromState.OwnerType != "" {
		sd.OwnerType = fromState.OwnerType
	}
	return sd
}

func (r *Router) CreateMatch(ctx context.Context, matchID string, data storage.CreateMatchData) error {
	if !storage.ValidMatchID(matchID) || data.InitialState == nil || data.Metadata == nil {
		return storage.ErrInvalidArgs
	}
	sd := resolveSetupData(data)
	target := Classify(sd)

	if err := r.backend(target).CreateMatch(ctx, matchID, data); err != nil {
		return err
	}
	r.remember(matchID, target)
	if target != TargetEphemeral || sd.OwnerKey == "" {
		return nil
	}

	r.mu.Lock()
	previous, had := r.guestIndex[sd.OwnerKey]
	r.guestIndex[sd.OwnerKey] = matchID
	r.matchOwner[matchID] = sd.OwnerKey
	if had && previous != matchID {
		delete(r.placement, previous)
		delete(r.matchOwner, previous)
	}
	r.mu.Unlock()

	if had && previous != matchID {
		lock := r.stripe(previous)
		lock.Lock()
		err := r.ephemeral.Wipe(ctx, previous)
		lock.Unlock()
		if err != nil {
			obslog.L().Warn("guest_match_replace_wipe_failed",
				zap.String("match_id", previous), zap.String("owner_key", sd.OwnerKey), zap.Error(err))
		} else {
			obslog.L().Info("guest_match_replaced",
				zap.String("match_id", previous), zap.String("next_match_id", matchID), zap.String("owner_key", sd.OwnerKey))
			r.removed(previous)
		}
	}
	return nil
}

func (r *Router) removed(matchID string) {
	if r.onRemoved != nil {
		r.onRemoved(matchID)
	}
}

// resolve returns the backend holding matchID, probing both when it is not remembered.
func (r *Router) resolve(ctx context.Context, matchID string) (Target, error) {
	r.mu.Lock()
	t, ok := r.placement[matchID]
	r.mu.Unlock()
	if ok {
		return t, nil
	}
	for _, candidate := range []Target{TargetDurable, TargetEphemeral} {
		res, err := r.backend(candidate).Fetch(ctx, matchID, storage.FetchOpts{Metadata: true})
		if err != nil {
			return TargetNone, err
		}
		if res.Metadata != nil {
			r.remember(matchID, candidate)
			return candidate, nil
		}
	}
	return TargetNone, nil
}

func (r *Router) SetState(ctx context.Context, matchID string, state *storage.StoredMatchState, deltaLog ...storage.LogEntry) error {
	t, err := r.resolve(ctx, matchID)
	if err != nil {
		return err
	}
	if t == TargetNone {
		obslog.L().Warn("set_state_unknown_match", zap.String("match_id", matchID))
		return storage.ErrNotFound
	}
	return r.backend(t).SetState(ctx, matchID, state, deltaLog...)
}

func (r *Router) SetMetadata(ctx context.Context, matchID string, metadata *storage.MatchMetadata) error {
	t, err := r.resolve(ctx, matchID)
	if err != nil {
		return err
	}
	switch t {
	case TargetDurable:
		return r.durable.SetMetadata(ctx, matchID, metadata)
	case TargetEphemeral:
		lock := r.stripe(matchID)
		lock.Lock()
		defer lock.Unlock()
		return r.ephemeral.SetMetadata(ctx, matchID, r.applyDisconnectedSince(metadata))
	default:
		obslog.L().Warn("set_metadata_unknown_match", zap.String("match_id", matchID))
		return storage.ErrNotFound
	}
}

// applyDisconnectedSince returns a copy of md with the abandonment stamp maintained:
// cleared for TTL-bound matches or when anyone is connected, set to now otherwise.
func (r *Router) applyDisconnectedSince(md *storage.MatchMetadata) *storage.MatchMetadata {
	next := md.Clone()
	if next == nil {
		return nil
	}
	if storage.ParseSetupData(next.SetupData).TTL() != 0 || storage.HasConnectedSeat(next) {
		next.DisconnectedSince = nil
		return next
	}
	if next.DisconnectedSince == nil || *next.DisconnectedSince == 0 {
		next.DisconnectedSince = storage.Int64(r.now().UnixMilli())
	}
	return next
}

func (r *Router) Fetch(ctx context.Context, matchID string, opts storage.FetchOpts) (*storage.FetchResult, error) {
	r.mu.Lock()
	t, ok := r.placement[matchID]
	r.mu.Unlock()
	if ok {
		return r.backend(t).Fetch(ctx, matchID, opts)
	}

	durableRes, err := r.durable.Fetch(ctx, matchID, opts)
	if err != nil {
		return nil, err
	}
	if durableRes.Found(opts) {
		r.remember(matchID, TargetDurable)
		return durableRes, nil
	}
	ephemeralRes, err := r.ephemeral.Fetch(ctx, matchID, opts)
	if err != nil {
		return nil, err
	}
	if ephemeralRes.Found(opts) {
		r.remember(matchID, TargetEphemeral)
		return ephemeralRes, nil
	}
	return durableRes, nil
}

func (r *Router) Wipe(ctx context.Context, matchID string) error {
	t, err := r.resolve(ctx, matchID)
	if err != nil {
		return err
	}
	switch t {
	case TargetDurable:
		err = r.durable.Wipe(ctx, matchID)
	case TargetEphemeral:
		lock := r.stripe(matchID)
		lock.Lock()
		err = r.wipeEphemeral(ctx, matchID)
		lock.Unlock()
	}
	r.mu.Lock()
	delete(r.placement, matchID)
	r.mu.Unlock()
	return err
}

// wipeEphemeral expects the match's stripe to be held.
func (r *Router) wipeEphemeral(ctx context.Context, matchID string) error {
	if err := r.ephemeral.Wipe(ctx, matchID); err != nil {
		return err
	}
	r.mu.Lock()
	if owner, ok := r.matchOwner[matchID]; ok {
		if r.guestIndex[owner] == matchID {
			delete(r.guestIndex, owner)
		}
		delete(r.matchOwner, matchID)
	}
	delete(r.placement, matchID)
	r.mu.Unlock()
	return nil
}

// ListMatches merges both backends.
func (r *Router) ListMatches(ctx context.Context, filter *storage.ListFilter) ([]string, error) {
	durableIDs, err := r.durable.ListMatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	ephemeralIDs, err := r.ephemeral.ListMatches(ctx, filter)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(durableIDs)+len(ephemeralIDs))
	out := make([]string, 0, len(durableIDs)+len(ephemeralIDs))
	for _, ids := range [][]string{durableIDs, ephemeralIDs} {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CleanupEphemeral expires TTL-bound durable matches, then sweeps ephemeral matches
// without a TTL: a match with a connected seat has its stamp cleared, an unstamped one
// is stamped now, and one stamped at least grace ago is wiped. It returns the number of
// matches removed.
func (r *Router) CleanupEphemeral(ctx context.Context) (int, error) {
	var errs []error
	cleanedDurable := 0
	if exp, ok := r.durable.(storage.Expirer); ok {
		n, err := exp.CleanupExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("durable cleanup: %w", err))
		}
		cleanedDurable = n
	}

	now := r.now().UnixMilli()
	cleanedEphemeral := 0
	ids, err := r.ephemeral.ListMatches(ctx, nil)
	if err != nil {
		errs = append(errs, fmt.Errorf("list ephemeral: %w", err))
	}
	for _, matchID := range ids {
		wiped, err := r.sweepOne(ctx, matchID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if wiped {
			cleanedEphemeral++
			r.removed(matchID)
		}
	}

	total := cleanedDurable + cleanedEphemeral
	if total > 0 {
		obslog.L().Info("ephemeral_matches_cleaned",
			zap.Int("total", total), zap.Int("durable", cleanedDurable), zap.Int("ephemeral", cleanedEphemeral))
	}
	return total, errors.Join(errs...)
}

// sweepOne applies the abandonment rule to one ephemeral match. The metadata is read
// under the match's stripe, so a concurrent reconnect either lands first and is seen
// here, or waits and overwrites the stamp written here.
func (r *Router) sweepOne(ctx context.Context, matchID string, now int64) (bool, error) {
	lock := r.stripe(matchID)
	lock.Lock()
	defer lock.Unlock()

	res, err := r.ephemeral.Fetch(ctx, matchID, storage.FetchOpts{Metadata: true})
	if err != nil {
		return false, fmt.Errorf("fetch %s: %w", matchID, err)
	}
	md := res.Metadata
	if md == nil || storage.ParseSetupData(md.SetupData).TTL() != 0 {
		return false, nil
	}

	switch {
	case storage.HasConnectedSeat(md):
		if md.DisconnectedSince == nil {
			return false, nil
		}
		md.DisconnectedSince = nil
	case md.DisconnectedSince == nil || *md.DisconnectedSince == 0:
		md.DisconnectedSince = storage.Int64(now)
	case now-*md.DisconnectedSince >= r.grace.Milliseconds():
		if err := r.wipeEphemeral(ctx, matchID); err != nil {
			return false, fmt.Errorf("wipe %s: %w", matchID, err)
		}
		return true, nil
	default:
		return false, nil
	}
	if err := r.ephemeral.SetMetadata(ctx, matchID, md); err != nil {
		return false, fmt.Errorf("stamp %s: %w", matchID, err)
	}
	return false, nil
}
