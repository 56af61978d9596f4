// Package storage defines the match persistence contract shared by every backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNotFound    = errors.New("match not found")
	ErrMatchExists = errors.New("match already exists")
	ErrUnavailable = errors.New("storage unavailable")
	ErrInvalidArgs = errors.New("invalid arguments")
)

// Store persists match state, metadata and the delta log.
//
// SetState and SetMetadata overwrite the whole record. Fetch returns only the requested
// fields; a nil field is how callers learn the match does not exist in this backend.
type Store interface {
	CreateMatch(ctx context.Context, matchID string, data CreateMatchData) error
	SetState(ctx context.Context, matchID string, state *StoredMatchState, deltaLog ...LogEntry) error
	SetMetadata(ctx context.Context, matchID string, metadata *MatchMetadata) error
	Fetch(ctx context.Context, matchID string, opts FetchOpts) (*FetchResult, error)
	Wipe(ctx context.Context, matchID string) error
	ListMatches(ctx context.Context, filter *ListFilter) ([]string, error)
}

// Expirer is implemented by backends that evict TTL-bound matches on their own.
type Expirer interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// SetupData is the ownership and lifetime hint carried in metadata.setupData.
type SetupData struct {
	TTLSeconds *int      `json:"ttlSeconds,omitempty"`
	OwnerKey   string    `json:"ownerKey,omitempty"`
	OwnerType  OwnerType `json:"ownerType,omitempty"`
}

// TTL returns ttlSeconds, zero when absent.
func (s SetupData) TTL() int {
	if s.TTLSeconds == nil {
		return 0
	}
	return *s.TTLSeconds
}

// ParseSetupData reads the recognised fields and ignores everything else,
// including fields of the wrong type.
func ParseSetupData(raw json.RawMessage) SetupData {
	var out SetupData
	if !hasValue(raw) {
		return out
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	if v, ok := fields["ttlSeconds"]; ok {
		var n float64
		if json.Unmarshal(v, &n) == nil {
			ttl := int(n)
			out.TTLSeconds = &ttl
		}
	}
	if v, ok := fields["ownerKey"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out.OwnerKey = s
		}
	}
	if v, ok := fields["ownerType"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil && (s == string(OwnerUser) || s == string(OwnerGuest)) {
			out.OwnerType = OwnerType(s)
		}
	}
	return out
}

// HasConnectedSeat reports whether any seat is flagged connected.
func HasConnectedSeat(md *MatchMetadata) bool {
	if md == nil {
		return false
	}
	for _, seat := range md.Players {
		if seat.Connected() {
			return true
		}
	}
	return false
}

// SeatIDs returns the roster's seat ids, numeric ids in numeric order.
func SeatIDs(md *MatchMetadata) []string {
	if md == nil {
		return nil
	}
	ids := make([]string, 0, len(md.Players))
	for id := range md.Players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

// ResolveStatus returns the explicit status or infers it for records written without one.
func ResolveStatus(md *MatchMetadata) MatchStatus {
	if md == nil {
		return StatusAbandoned
	}
	if md.Status != "" {
		return md.Status
	}
	if md.IsGameover() {
		return StatusFinished
	}
	if len(md.Players) > 0 {
		for _, seat := range md.Players {
			if seat.Vacant() {
				return StatusWaiting
			}
		}
		return StatusPlaying
	}
	return StatusWaiting
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// ValidMatchID rejects empty or whitespace-padded ids.
func ValidMatchID(matchID string) bool {
	return matchID != "" && strings.TrimSpace(matchID) == matchID
}
