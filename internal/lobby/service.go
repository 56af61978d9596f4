// Package lobby creates matches and hands out seats, and pushes match list changes to
// lobby subscribers.
package lobby

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/match-core/internal/auth"
	"github.com/park285/match-core/internal/engine"
	"github.com/park285/match-core/internal/obslog"
	"github.com/park285/match-core/internal/storage"
	"github.com/park285/match-core/internal/transport"
)

var (
	ErrUnknownGame   = errors.New("unknown game")
	ErrMatchNotFound = errors.New("match not found")
	ErrSeatTaken     = errors.New("seat already taken")
	ErrSeatNotFound  = errors.New("seat not found")
	ErrForbidden     = errors.New("forbidden")
	ErrUnauthorized  = errors.New("unauthorized")
)

// Matches is the part of the game transport the lobby drives.
type Matches interface {
	SetupMatch(ctx context.Context, req transport.SetupRequest) (*storage.StoredMatchState, error)
	DisconnectPlayer(matchID, playerID string, opts transport.DisconnectOptions)
	MutateMetadata(ctx context.Context, matchID string, fn func(md *storage.MatchMetadata) (transport.MetadataChange, error)) (*storage.MatchMetadata, error)
	EvictMatch(matchID string)
}

type ServiceOption func(*Service)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// Service implements the lobby operations. Roster changes go through the transport's
// match lock, so they serialize with seat syncs and socket closes on the same match.
type Service struct {
	store   storage.Store
	games   *engine.Registry
	matches Matches
	now     func() time.Time
	newID   func() string
}

func NewService(store storage.Store, games *engine.Registry, matches Matches, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		games:   games,
		matches: matches,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SeatGrant is what a player needs to sync a seat.
type SeatGrant struct {
	PlayerID          string `json:"playerID"`
	PlayerCredentials string `json:"playerCredentials"`
}

type CreateRequest struct {
	GameName   string
	NumPlayers int
	SetupData  json.RawMessage
	Seed       string
	Owner      auth.Identity
}

// Create sets up a match with empty seats. The owner's key and type are written into
// setupData, replacing whatever the client sent.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	g, ok := s.games.Get(req.GameName)
	if !ok {
		return "", ErrUnknownGame
	}
	lo, hi := g.PlayerRange()
	n := req.NumPlayers
	if n == 0 {
		n = lo
	}
	if n < lo || n > hi {
		return "", fmt.Errorf("%w: %s takes %d-%d players", storage.ErrInvalidArgs, g.Name(), lo, hi)
	}
	setupData, err := ownedSetupData(req.SetupData, req.Owner)
	if err != nil {
		return "", err
	}

	matchID := s.newID()
	now := s.now().UnixMilli()
	md := &storage.MatchMetadata{
		Players:   make(map[string]*storage.Seat, n),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    storage.StatusWaiting,
	}
	for i := 0; i < n; i++ {
		md.Players[strconv.Itoa(i)] = &storage.Seat{IsConnected: storage.Bool(false)}
	}
	_, err = s.matches.SetupMatch(ctx, transport.SetupRequest{
		MatchID:    matchID,
		GameName:   g.Name(),
		NumPlayers: n,
		Seed:       req.Seed,
		SetupData:  setupData,
		Metadata:   md,
	})
	if err != nil {
		return "", err
	}
	obslog.L().Info("lobby_match_created",
		zap.String("match_id", matchID),
		zap.String("game", g.Name()),
		zap.Int("players", n),
		zap.String("owner_key", req.Owner.OwnerKey()),
	)
	return matchID, nil
}

func ownedSetupData(raw json.RawMessage, owner auth.Identity) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if v := strings.TrimSpace(string(raw)); v != "" && v != "null" {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: setupData must be an object", storage.ErrInvalidArgs)
		}
	}
	delete(fields, "ownerKey")
	delete(fields, "ownerType")
	if key := owner.OwnerKey(); key != "" {
		typ := storage.OwnerGuest
		if owner.IsUser() {
			typ = storage.OwnerUser
		}
		fields["ownerKey"], _ = json.Marshal(key)
		fields["ownerType"], _ = json.Marshal(typ)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return json.Marshal(fields)
}

func (s *Service) load(ctx context.Context, gameName, matchID string) (*storage.MatchMetadata, error) {
	if !storage.ValidMatchID(matchID) {
		return nil, ErrMatchNotFound
	}
	res, err := s.store.Fetch(ctx, matchID, storage.FetchOpts{Metadata: true})
	if err != nil {
		return nil, err
	}
	if res.Metadata == nil || res.Metadata.GameName != gameName {
		return nil, ErrMatchNotFound
	}
	return res.Metadata, nil
}

// mutate edits the match's metadata under the transport's match lock. fn only sees
// matches of gameName.
func (s *Service) mutate(ctx context.Context, gameName, matchID string, fn func(md *storage.MatchMetadata) (transport.MetadataChange, error)) (*storage.MatchMetadata, error) {
	if !storage.ValidMatchID(matchID) {
		return nil, ErrMatchNotFound
	}
	md, err := s.matches.MutateMetadata(ctx, matchID, func(md *storage.MatchMetadata) (transport.MetadataChange, error) {
		if md.GameName != gameName {
			return transport.WriteMetadata, ErrMatchNotFound
		}
		return fn(md)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrMatchNotFound
	}
	return md, err
}

// Get returns the public view of one match.
func (s *Service) Get(ctx context.Context, gameName, matchID string) (*storage.PublicMatch, error) {
	md, err := s.load(ctx, gameName, matchID)
	if err != nil {
		return nil, err
	}
	return storage.NewPublicMatch(matchID, md), nil
}

// List returns the public view of the game's matches, newest first.
func (s *Service) List(ctx context.Context, gameName string, isGameover *bool) ([]*storage.PublicMatch, error) {
	if _, ok := s.games.Get(gameName); !ok {
		return nil, ErrUnknownGame
	}
	return listPublic(ctx, s.store, &storage.ListFilter{GameName: gameName, IsGameover: isGameover})
}

type JoinRequest struct {
	GameName   string
	MatchID    string
	PlayerID   string // first free seat when empty
	PlayerName string
	Owner      auth.Identity
}

// Join fills an empty seat and issues its credentials.
func (s *Service) Join(ctx context.Context, req JoinRequest) (SeatGrant, error) {
	name := strings.TrimSpace(req.PlayerName)
	if name == "" {
		return SeatGrant{}, fmt.Errorf("%w: playerName is required", storage.ErrInvalidArgs)
	}
	var grant SeatGrant
	_, err := s.mutate(ctx, req.GameName, req.MatchID, func(md *storage.MatchMetadata) (transport.MetadataChange, error) {
		playerID := req.PlayerID
		if playerID == "" {
			for _, id := range storage.SeatIDs(md) {
				if md.Players[id].Vacant() {
					playerID = id
					break
				}
			}
			if playerID == "" {
				return transport.WriteMetadata, ErrSeatTaken
			}
		}
		seat, ok := md.Players[playerID]
		if !ok {
			return transport.WriteMetadata, ErrSeatNotFound
		}
		if !seat.Vacant() {
			return transport.WriteMetadata, ErrSeatTaken
		}

		grant = SeatGrant{PlayerID: playerID, PlayerCredentials: auth.GenerateCredentials()}
		md.Players[playerID] = &storage.Seat{
			Name:        name,
			Credentials: grant.PlayerCredentials,
			IsConnected: storage.Bool(false),
			OwnerKey:    req.Owner.OwnerKey(),
		}
		md.UpdatedAt = s.now().UnixMilli()
		if md.Status == storage.StatusWaiting && !hasVacantSeat(md) {
			md.Status = storage.StatusPlaying
		}
		return transport.WriteMetadata, nil
	})
	if err != nil {
		return SeatGrant{}, err
	}
	obslog.L().Info("lobby_seat_joined", zap.String("match_id", req.MatchID), zap.String("player_id", grant.PlayerID))
	return grant, nil
}

type LeaveRequest struct {
	GameName    string
	MatchID     string
	PlayerID    string
	Credentials string
}

// Leave clears the seat. The seat itself stays in the roster; a roster with no
// occupied seat left is wiped, which is reported through wiped.
func (s *Service) Leave(ctx context.Context, req LeaveRequest) (wiped bool, err error) {
	md, err := s.mutate(ctx, req.GameName, req.MatchID, func(md *storage.MatchMetadata) (transport.MetadataChange, error) {
		if _, ok := md.Players[req.PlayerID]; !ok {
			return transport.WriteMetadata, ErrSeatNotFound
		}
		if !auth.SeatCredentialsMatch(md, req.PlayerID, req.Credentials) {
			return transport.WriteMetadata, ErrUnauthorized
		}
		md.Players[req.PlayerID] = &storage.Seat{IsConnected: storage.Bool(false)}
		md.UpdatedAt = s.now().UnixMilli()
		if !hasOccupiedSeat(md) {
			return transport.WipeMatch, nil
		}
		return transport.WriteMetadata, nil
	})
	if err != nil {
		return false, err
	}
	if md == nil {
		s.matches.EvictMatch(req.MatchID)
		obslog.L().Info("lobby_match_emptied", zap.String("match_id", req.MatchID))
		return true, nil
	}
	s.matches.DisconnectPlayer(req.MatchID, req.PlayerID, transport.DisconnectOptions{DisconnectSockets: true})
	obslog.L().Info("lobby_seat_left", zap.String("match_id", req.MatchID), zap.String("player_id", req.PlayerID))
	return false, nil
}

type ClaimRequest struct {
	GameName   string
	MatchID    string
	PlayerID   string
	PlayerName string
	Identity   auth.Identity
}

// ClaimSeat lets the match owner take a seat back with fresh credentials, for example
// after losing them on another device. Sockets still holding the seat are dropped.
func (s *Service) ClaimSeat(ctx context.Context, req ClaimRequest) (SeatGrant, error) {
	key := req.Identity.OwnerKey()
	if key == "" {
		return SeatGrant{}, ErrUnauthorized
	}
	if req.PlayerID == "" {
		return SeatGrant{}, fmt.Errorf("%w: playerID is required", storage.ErrInvalidArgs)
	}
	grant := SeatGrant{PlayerID: req.PlayerID, PlayerCredentials: auth.GenerateCredentials()}
	_, err := s.mutate(ctx, req.GameName, req.MatchID, func(md *storage.MatchMetadata) (transport.MetadataChange, error) {
		if owner := storage.ParseSetupData(md.SetupData).OwnerKey; owner == "" || owner != key {
			return transport.WriteMetadata, ErrForbidden
		}
		seat, ok := md.Players[req.PlayerID]
		if !ok {
			return transport.WriteMetadata, ErrSeatNotFound
		}
		name := strings.TrimSpace(req.Identity.DisplayName)
		if name == "" {
			name = strings.TrimSpace(req.PlayerName)
		}
		if name == "" && seat != nil {
			name = seat.Name
		}
		md.Players[req.PlayerID] = &storage.Seat{
			Name:        name,
			Credentials: grant.PlayerCredentials,
			IsConnected: storage.Bool(false),
			OwnerKey:    key,
		}
		md.UpdatedAt = s.now().UnixMilli()
		return transport.WriteMetadata, nil
	})
	if err != nil {
		return SeatGrant{}, err
	}
	s.matches.DisconnectPlayer(req.MatchID, req.PlayerID, transport.DisconnectOptions{DisconnectSockets: true})
	obslog.L().Info("lobby_seat_claimed",
		zap.String("match_id", req.MatchID),
		zap.String("player_id", req.PlayerID),
		zap.String("owner_key", key),
	)
	return grant, nil
}

type DestroyRequest struct {
	GameName string
	MatchID  string
	Identity auth.Identity
}

// Destroy wipes a match on behalf of its owner.
func (s *Service) Destroy(ctx context.Context, req DestroyRequest) error {
	key := req.Identity.OwnerKey()
	if key == "" {
		return ErrUnauthorized
	}
	_, err := s.mutate(ctx, req.GameName, req.MatchID, func(md *storage.MatchMetadata) (transport.MetadataChange, error) {
		if owner := storage.ParseSetupData(md.SetupData).OwnerKey; owner == "" || owner != key {
			return transport.WriteMetadata, ErrForbidden
		}
		return transport.WipeMatch, nil
	})
	if err != nil {
		return err
	}
	s.matches.EvictMatch(req.MatchID)
	obslog.L().Info("lobby_match_destroyed", zap.String("match_id", req.MatchID), zap.String("owner_key", key))
	return nil
}

func hasVacantSeat(md *storage.MatchMetadata) bool {
	for _, seat := range md.Players {
		if seat.Vacant() {
			return true
		}
	}
	return false
}

func hasOccupiedSeat(md *storage.MatchMetadata) bool {
	for _, seat := range md.Players {
		if !seat.Vacant() {
			return true
		}
	}
	return false
}
