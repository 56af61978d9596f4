// Package transport runs the game socket: seat authentication, the active-match cache,
// command dispatch into the engine and offline adjudication.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/match-core/internal/adjudicate"
	"github.com/park285/match-core/internal/auth"
	"github.com/park285/match-core/internal/engine"
	"github.com/park285/match-core/internal/msgcat"
	"github.com/park285/match-core/internal/obslog"
	"github.com/park285/match-core/internal/storage"
)

var (
	ErrUnknownGame = errors.New("unknown game")
	errPersist     = errors.New("persist")
)

// Authenticator decides whether credentials open playerID's seat in md.
type Authenticator func(md *storage.MatchMetadata, playerID, credentials string) bool

type Option func(*Server)

func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) {
		if a != nil {
			s.authenticate = a
		}
	}
}

func WithCommandTable(t *adjudicate.CommandTable) Option {
	return func(s *Server) {
		if t != nil {
			s.commands = t
		}
	}
}

func WithMessages(c *msgcat.Catalog) Option {
	return func(s *Server) {
		if c != nil {
			s.messages = c
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server owns the game sockets and the cache of matches that have sockets attached.
//
// Lock order is activeMatch.mu before Server.mu. Server.mu is never held while waiting
// on a match lock.
type Server struct {
	store        storage.Store
	games        *engine.Registry
	commands     *adjudicate.CommandTable
	authenticate Authenticator
	messages     *msgcat.Catalog
	now          func() time.Time

	mu      sync.Mutex
	matches map[string]*activeMatch
	clients map[string]*client
}

// activeMatch is the cached view of one match. mu serializes every operation on the
// match, storage calls included.
type activeMatch struct {
	mu       sync.Mutex
	id       string
	game     engine.Game
	state    *storage.StoredMatchState
	metadata *storage.MatchMetadata
	room     map[string]*client
	evicted  bool
}

func NewServer(store storage.Store, games *engine.Registry, opts ...Option) *Server {
	s := &Server{
		store:        store,
		games:        games,
		commands:     adjudicate.DefaultTable(),
		authenticate: auth.SeatCredentialsMatch,
		messages:     msgcat.Default(),
		now:          time.Now,
		matches:      make(map[string]*activeMatch),
		clients:      make(map[string]*client),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) nowMs() int64 { return s.now().UnixMilli() }

// acquire returns the locked cache entry for matchID, creating it if needed.
func (s *Server) acquire(matchID string) *activeMatch {
	for {
		s.mu.Lock()
		m, ok := s.matches[matchID]
		if !ok {
			m = &activeMatch{id: matchID, room: make(map[string]*client)}
			s.matches[matchID] = m
		}
		s.mu.Unlock()

		m.mu.Lock()
		if !m.evicted {
			return m
		}
		m.mu.Unlock()
	}
}

// lookup is acquire without creation; nil when the match is not cached.
func (s *Server) lookup(matchID string) *activeMatch {
	for {
		s.mu.Lock()
		m, ok := s.matches[matchID]
		s.mu.Unlock()
		if !ok {
			return nil
		}
		m.mu.Lock()
		if !m.evicted {
			return m
		}
		m.mu.Unlock()
	}
}

// release unlocks m and drops it from the cache once no socket is attached.
func (s *Server) release(m *activeMatch) {
	if len(m.room) == 0 {
		s.mu.Lock()
		if s.matches[m.id] == m {
			delete(s.matches, m.id)
		}
		s.mu.Unlock()
		m.evicted = true
	}
	m.mu.Unlock()
}

func (s *Server) gameFor(m *activeMatch, md *storage.MatchMetadata) (engine.Game, error) {
	if m.game != nil {
		return m.game, nil
	}
	g, ok := s.games.Get(md.GameName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, md.GameName)
	}
	m.game = g
	return g, nil
}

// SetupRequest describes a new match.
type SetupRequest struct {
	MatchID   string
	GameName  string
	PlayerIDs []string
	// NumPlayers seats players "0".."n-1" when PlayerIDs is empty.
	NumPlayers int
	// Seed is generated when empty.
	Seed      string
	SetupData json.RawMessage
	// Metadata is the initial roster; one disconnected seat per player when nil.
	Metadata *storage.MatchMetadata
}

// SetupMatch runs the game's setup and creates the match in storage. The returned state
// carries the random cursor as advanced by setup.
func (s *Server) SetupMatch(ctx context.Context, req SetupRequest) (*storage.StoredMatchState, error) {
	if !storage.ValidMatchID(req.MatchID) {
		return nil, fmt.Errorf("%w: match id %q", storage.ErrInvalidArgs, req.MatchID)
	}
	g, ok := s.games.Get(req.GameName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, req.GameName)
	}
	ids, err := setupPlayerIDs(req)
	if err != nil {
		return nil, err
	}
	seed := req.Seed
	if seed == "" {
		seed = engine.NewSeed()
	}
	random := engine.NewRandom(seed, 0)
	g0, err := g.Setup(ids, random)
	if err != nil {
		return nil, err
	}
	state := &storage.StoredMatchState{G: g0, RandomSeed: seed, RandomCursor: random.Cursor()}

	now := s.nowMs()
	md := req.Metadata.Clone()
	if md == nil {
		md = &storage.MatchMetadata{Players: make(map[string]*storage.Seat, len(ids))}
		for _, id := range ids {
			md.Players[id] = &storage.Seat{IsConnected: storage.Bool(false)}
		}
	}
	md.GameName = g.Name()
	if md.CreatedAt == 0 {
		md.CreatedAt = now
	}
	if md.UpdatedAt == 0 {
		md.UpdatedAt = now
	}
	if len(req.SetupData) > 0 {
		md.SetupData = append(json.RawMessage(nil), req.SetupData...)
	}

	if err := s.store.CreateMatch(ctx, req.MatchID, storage.CreateMatchData{InitialState: state, Metadata: md}); err != nil {
		return nil, err
	}
	obslog.L().Info("match_setup",
		zap.String("match_id", req.MatchID),
		zap.String("game", g.Name()),
		zap.Int("players", len(ids)),
		zap.Int("random_cursor", state.RandomCursor),
	)
	return state.Clone(), nil
}

// setupPlayerIDs resolves the seats of a new match: explicit ids, then "0".."n-1", then
// the roster's seats. Ids and roster must name the same seats when both are given.
func setupPlayerIDs(req SetupRequest) ([]string, error) {
	ids := req.PlayerIDs
	if len(ids) == 0 {
		for i := 0; i < req.NumPlayers; i++ {
			ids = append(ids, strconv.Itoa(i))
		}
	}
	if req.Metadata == nil || len(req.Metadata.Players) == 0 {
		return ids, nil
	}
	roster := storage.SeatIDs(req.Metadata)
	if len(ids) == 0 {
		return roster, nil
	}
	if len(ids) != len(roster) {
		return nil, fmt.Errorf("%w: %d player ids for %d seats", storage.ErrInvalidArgs, len(ids), len(roster))
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := req.Metadata.Players[id]; !ok || seen[id] {
			return nil, fmt.Errorf("%w: player %q does not match the roster", storage.ErrInvalidArgs, id)
		}
		seen[id] = true
	}
	return ids, nil
}

// HandleConnect registers a new socket.
func (s *Server) HandleConnect(conn Conn) {
	s.mu.Lock()
	s.clients[conn.ID()] = &client{conn: conn}
	s.mu.Unlock()
}

func (s *Server) clientFor(conn Conn) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[conn.ID()]
	if !ok {
		c = &client{conn: conn}
		s.clients[conn.ID()] = c
	}
	return c
}

// HandleMessage processes one client frame. Rejected frames are answered to the sender
// only and leave the match untouched. Frames from one socket must be handled in order.
func (s *Server) HandleMessage(ctx context.Context, conn Conn, env *Envelope) {
	c := s.clientFor(conn)
	switch env.Event {
	case EventSync:
		s.handleSync(ctx, c, env)
	case EventCommand:
		s.handleCommand(ctx, c, env)
	default:
		s.sendError(c, env.MatchID, CodeBadRequest, "transport.bad_request",
			map[string]any{"Reason": fmt.Sprintf("unknown event %q", env.Event)})
	}
}

// HandleDisconnect forgets a closed socket and marks its seat offline when no other
// socket holds it.
func (s *Server) HandleDisconnect(ctx context.Context, conn Conn) {
	s.mu.Lock()
	c, ok := s.clients[conn.ID()]
	delete(s.clients, conn.ID())
	s.mu.Unlock()
	if !ok {
		return
	}
	if b := c.unbind(); b.bound() {
		s.detach(ctx, c, b)
	}
}

func (s *Server) handleSync(ctx context.Context, c *client, env *Envelope) {
	matchID, playerID := env.MatchID, env.PlayerID
	if !storage.ValidMatchID(matchID) || playerID == "" {
		s.sendError(c, matchID, CodeBadRequest, "transport.bad_request",
			map[string]any{"Reason": "matchID and playerID are required"})
		return
	}
	if prev := c.binding(); prev.bound() && (prev.matchID != matchID || prev.playerID != playerID) {
		if c.unbindFrom(prev.matchID) {
			s.detach(ctx, c, prev)
		}
	}

	m := s.acquire(matchID)
	defer s.release(m)

	res, err := s.store.Fetch(ctx, matchID, storage.FetchOpts{State: true, Metadata: true})
	if err != nil {
		s.replyFailure(c, matchID, "", fmt.Errorf("%w: %w", errPersist, err))
		return
	}
	if res.Metadata == nil || res.State == nil {
		s.sendError(c, matchID, CodeNotFound, "transport.not_found", map[string]any{"MatchID": matchID})
		return
	}
	md := res.Metadata
	if !s.authenticate(md, playerID, env.Credentials) {
		obslog.L().Info("sync_unauthorized", zap.String("match_id", matchID), zap.String("player_id", playerID))
		if c.unbindFrom(matchID) {
			delete(m.room, c.conn.ID())
		}
		s.sendError(c, matchID, CodeUnauthorized, "transport.unauthorized",
			map[string]any{"MatchID": matchID, "PlayerID": playerID})
		return
	}
	if _, err := s.gameFor(m, md); err != nil {
		s.sendError(c, matchID, CodeNotFound, "transport.unknown_game", map[string]any{"GameName": md.GameName})
		return
	}

	if !md.Players[playerID].Connected() {
		next := md.Clone()
		next.Players[playerID].IsConnected = storage.Bool(true)
		next.UpdatedAt = s.nowMs()
		if err := s.store.SetMetadata(ctx, matchID, next); err != nil {
			s.replyFailure(c, matchID, "", fmt.Errorf("%w: %w", errPersist, err))
			return
		}
		md = next
	}
	m.state = res.State
	m.metadata = md
	c.bind(binding{matchID: matchID, playerID: playerID, credentials: env.Credentials})
	m.room[c.conn.ID()] = c

	obslog.L().Debug("sync_joined",
		zap.String("match_id", matchID),
		zap.String("player_id", playerID),
		zap.String("room", roomName(matchID)),
		zap.Int("sockets", len(m.room)),
	)
	s.send(c, &Envelope{
		Event:    EventStateSync,
		MatchID:  matchID,
		PlayerID: playerID,
		State:    m.state,
		Metadata: storage.NewPublicMatch(matchID, m.metadata),
	})
}

func (s *Server) handleCommand(ctx context.Context, c *client, env *Envelope) {
	b := c.binding()
	if !b.bound() {
		s.sendError(c, env.MatchID, CodeUnauthorized, "transport.not_bound", nil)
		return
	}
	if env.Command == nil || strings.TrimSpace(env.Command.Type) == "" {
		s.sendError(c, b.matchID, CodeBadRequest, "transport.bad_request",
			map[string]any{"Reason": "command type is required"})
		return
	}

	m := s.acquire(b.matchID)
	defer s.release(m)
	if _, ok := m.room[c.conn.ID()]; !ok {
		s.sendError(c, b.matchID, CodeUnauthorized, "transport.not_bound", nil)
		return
	}

	// Credentials are checked against storage, never the cache.
	res, err := s.store.Fetch(ctx, b.matchID, storage.FetchOpts{Metadata: true, State: m.state == nil})
	if err != nil {
		s.replyFailure(c, b.matchID, env.Command.Type, fmt.Errorf("%w: %w", errPersist, err))
		return
	}
	md := res.Metadata
	if md == nil {
		s.sendError(c, b.matchID, CodeNotFound, "transport.not_found", map[string]any{"MatchID": b.matchID})
		return
	}
	if !s.authenticate(md, b.playerID, b.credentials) {
		obslog.L().Info("command_unauthorized", zap.String("match_id", b.matchID), zap.String("player_id", b.playerID))
		if c.unbindFrom(b.matchID) {
			delete(m.room, c.conn.ID())
		}
		s.sendError(c, b.matchID, CodeUnauthorized, "transport.unauthorized",
			map[string]any{"MatchID": b.matchID, "PlayerID": b.playerID})
		return
	}
	if m.state == nil {
		if res.State == nil {
			s.sendError(c, b.matchID, CodeNotFound, "transport.not_found", map[string]any{"MatchID": b.matchID})
			return
		}
		m.state = res.State
	}

	cmd := engine.Command{
		Type:      env.Command.Type,
		PlayerID:  b.playerID,
		Payload:   env.Command.Payload,
		Origin:    engine.OriginPlayer,
		Timestamp: s.nowMs(),
	}
	if err := s.applyLocked(ctx, m, md, cmd); err != nil {
		s.replyFailure(c, b.matchID, cmd.Type, err)
	}
}

// applyLocked runs cmd against the cached state, persists the result and broadcasts
// it. The cache only moves after the state write succeeded.
func (s *Server) applyLocked(ctx context.Context, m *activeMatch, md *storage.MatchMetadata, cmd engine.Command) error {
	g, err := s.gameFor(m, md)
	if err != nil {
		return err
	}
	prev := m.state
	random := engine.NewRandom(prev.RandomSeed, prev.RandomCursor)
	out, err := g.Apply(prev.G, cmd, random)
	if err != nil {
		return err
	}
	next := &storage.StoredMatchState{
		G:            out.State,
		StateID:      prev.StateID + 1,
		RandomSeed:   prev.RandomSeed,
		RandomCursor: random.Cursor(),
	}
	entry, err := newLogEntry(next.StateID, cmd, out.Events)
	if err != nil {
		return err
	}
	if err := s.store.SetState(ctx, m.id, next, entry); err != nil {
		return fmt.Errorf("%w: state: %w", errPersist, err)
	}
	m.state = next
	m.metadata = md

	var metaErr error
	if out.BecameGameover {
		final := md.Clone()
		final.Gameover = append(json.RawMessage(nil), out.State.Sys.Gameover...)
		final.Status = storage.StatusFinished
		final.UpdatedAt = s.nowMs()
		if metaErr = s.store.SetMetadata(ctx, m.id, final); metaErr != nil {
			obslog.L().Error("gameover_metadata_failed", zap.String("match_id", m.id), zap.Error(metaErr))
		} else {
			m.metadata = final
			obslog.L().Info("match_gameover", zap.String("match_id", m.id), zap.ByteString("gameover", final.Gameover))
		}
	}

	s.broadcastLocked(m, &Envelope{
		Event:    EventStateUpdate,
		MatchID:  m.id,
		State:    next,
		Events:   out.Events,
		Metadata: storage.NewPublicMatch(m.id, m.metadata),
	})
	if metaErr != nil {
		return fmt.Errorf("%w: gameover metadata: %w", errPersist, metaErr)
	}
	return nil
}

func newLogEntry(stateID int, cmd engine.Command, events []engine.Event) (storage.LogEntry, error) {
	rawCmd, err := json.Marshal(cmd)
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("encode command: %w", err)
	}
	rawEvents, err := json.Marshal(events)
	if err != nil {
		return storage.LogEntry{}, fmt.Errorf("encode events: %w", err)
	}
	return storage.LogEntry{StateID: stateID, Command: rawCmd, Events: rawEvents, Timestamp: cmd.Timestamp}, nil
}

// DisconnectOptions controls DisconnectPlayer.
type DisconnectOptions struct {
	// DisconnectSockets closes every socket bound to the seat.
	DisconnectSockets bool
}

// DisconnectPlayer reflects a seat that was already persisted as offline. Kicked sockets
// are unbound before they close, so their close does not touch the seat again.
func (s *Server) DisconnectPlayer(matchID, playerID string, opts DisconnectOptions) {
	m := s.lookup(matchID)
	if m == nil {
		return
	}
	defer s.release(m)

	if m.metadata != nil {
		if seat := m.metadata.Players[playerID]; seat != nil && seat.Connected() {
			md := m.metadata.Clone()
			md.Players[playerID].IsConnected = storage.Bool(false)
			m.metadata = md
		}
	}
	if !opts.DisconnectSockets {
		return
	}
	kicked := 0
	for id, c := range m.room {
		if c.binding().playerID != playerID {
			continue
		}
		c.unbindFrom(matchID)
		delete(m.room, id)
		c.conn.Close(CloseSeatReplaced)
		kicked++
	}
	if kicked > 0 {
		obslog.L().Info("seat_sockets_kicked",
			zap.String("match_id", matchID),
			zap.String("player_id", playerID),
			zap.Int("sockets", kicked),
		)
	}
}

// UpdateMatchMetadata replaces the cached metadata of an active match.
func (s *Server) UpdateMatchMetadata(matchID string, md *storage.MatchMetadata) {
	m := s.lookup(matchID)
	if m == nil {
		return
	}
	defer s.release(m)
	m.metadata = md.Clone()
}

// MetadataChange tells MutateMetadata what to do with the edited record.
type MetadataChange int

const (
	// WriteMetadata persists the edited metadata.
	WriteMetadata MetadataChange = iota
	// WipeMatch removes the match instead.
	WipeMatch
)

// MutateMetadata runs fn on freshly fetched metadata while holding the match lock that
// sync, commands and socket closes also hold, then persists the result. fn edits md in
// place; an error from fn leaves storage untouched. It returns the written metadata, or
// nil when fn asked for the match to be wiped.
func (s *Server) MutateMetadata(ctx context.Context, matchID string, fn func(md *storage.MatchMetadata) (MetadataChange, error)) (*storage.MatchMetadata, error) {
	m := s.acquire(matchID)
	defer s.release(m)

	res, err := s.store.Fetch(ctx, matchID, storage.FetchOpts{Metadata: true})
	if err != nil {
		return nil, err
	}
	if res.Metadata == nil {
		return nil, storage.ErrNotFound
	}
	md := res.Metadata.Clone()
	change, err := fn(md)
	if err != nil {
		return nil, err
	}
	if change == WipeMatch {
		if err := s.store.Wipe(ctx, matchID); err != nil {
			return nil, err
		}
		m.metadata = nil
		return nil, nil
	}
	if err := s.store.SetMetadata(ctx, matchID, md); err != nil {
		return nil, err
	}
	m.metadata = md.Clone()
	return md, nil
}

// EvictMatch drops the cache entry and closes every socket in its room.
func (s *Server) EvictMatch(matchID string) {
	m := s.lookup(matchID)
	if m == nil {
		return
	}
	defer s.release(m)
	for id, c := range m.room {
		c.unbindFrom(matchID)
		delete(m.room, id)
		c.conn.Close(CloseMatchClosed)
	}
	obslog.L().Info("match_evicted", zap.String("match_id", matchID))
}

// Shutdown closes every socket. Their disconnect handling runs as the sockets drain.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	conns := make([]Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close(reason)
	}
}

// ActiveMatches returns how many matches have sockets attached.
func (s *Server) ActiveMatches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.matches)
}

func (s *Server) detach(ctx context.Context, c *client, b binding) {
	m := s.lookup(b.matchID)
	if m == nil {
		return
	}
	defer s.release(m)
	s.detachLocked(ctx, m, c, b.playerID)
}

// detachLocked removes c from the room. When it was the seat's last socket the seat is
// persisted as offline and the match is adjudicated for that player.
func (s *Server) detachLocked(ctx context.Context, m *activeMatch, c *client, playerID string) {
	delete(m.room, c.conn.ID())
	for _, other := range m.room {
		if other.binding().playerID == playerID {
			return
		}
	}

	res, err := s.store.Fetch(ctx, m.id, storage.FetchOpts{Metadata: true})
	if err != nil {
		obslog.L().Warn("mark_offline_failed", zap.String("match_id", m.id), zap.String("player_id", playerID), zap.Error(err))
		return
	}
	md := res.Metadata
	if md == nil {
		return
	}
	seat := md.Players[playerID]
	if seat == nil {
		return
	}
	if seat.IsConnected == nil || *seat.IsConnected {
		next := md.Clone()
		next.Players[playerID].IsConnected = storage.Bool(false)
		next.UpdatedAt = s.nowMs()
		if err := s.store.SetMetadata(ctx, m.id, next); err != nil {
			obslog.L().Warn("mark_offline_failed", zap.String("match_id", m.id), zap.String("player_id", playerID), zap.Error(err))
			return
		}
		m.metadata = next
	}
	obslog.L().Debug("seat_offline", zap.String("match_id", m.id), zap.String("player_id", playerID))

	if _, err := s.adjudicateLocked(ctx, m, playerID); err != nil {
		obslog.L().Warn("offline_adjudication_failed", zap.String("match_id", m.id), zap.String("player_id", playerID), zap.Error(err))
	}
}

// RunOfflineAdjudication cancels the match's current interaction when it is stalled on
// playerID being offline. The cancel is a system command mapped from the interaction
// kind.
func (s *Server) RunOfflineAdjudication(ctx context.Context, matchID, playerID string) (adjudicate.Decision, error) {
	m := s.acquire(matchID)
	defer s.release(m)
	return s.adjudicateLocked(ctx, m, playerID)
}

func (s *Server) adjudicateLocked(ctx context.Context, m *activeMatch, playerID string) (adjudicate.Decision, error) {
	res, err := s.store.Fetch(ctx, m.id, storage.FetchOpts{State: true, Metadata: true})
	if err != nil {
		return adjudicate.Decision{}, err
	}
	d := adjudicate.Decide(adjudicate.Input{State: res.State, Metadata: res.Metadata, PlayerID: playerID})
	if !d.ShouldCancel {
		obslog.L().Debug("offline_adjudication_skipped",
			zap.String("match_id", m.id),
			zap.String("player_id", playerID),
			zap.String("reason", d.Reason),
		)
		return d, nil
	}

	cmd, err := s.commands.SystemCommand(d, playerID, s.nowMs())
	if err != nil {
		return d, err
	}
	m.state = res.State
	if err := s.applyLocked(ctx, m, res.Metadata, cmd); err != nil {
		return d, fmt.Errorf("dispatch %s: %w", cmd.Type, err)
	}
	obslog.L().Info("offline_interaction_cancelled",
		zap.String("match_id", m.id),
		zap.String("player_id", playerID),
		zap.String("interaction_id", d.InteractionID),
		zap.String("kind", d.Kind),
		zap.String("command", cmd.Type),
	)
	return d, nil
}

func (s *Server) replyFailure(c *client, matchID, command string, err error) {
	if reason, ok := engine.IsRejected(err); ok {
		s.sendError(c, matchID, CodeValidationRejected, "transport.validation_rejected",
			map[string]any{"Command": command, "Reason": reason})
		return
	}
	switch {
	case errors.Is(err, engine.ErrGameOver):
		s.sendError(c, matchID, CodeGameOver, "transport.game_over", map[string]any{"MatchID": matchID})
	case errors.Is(err, storage.ErrNotFound):
		s.sendError(c, matchID, CodeNotFound, "transport.not_found", map[string]any{"MatchID": matchID})
	case errors.Is(err, ErrUnknownGame):
		s.sendError(c, matchID, CodeNotFound, "transport.not_found", map[string]any{"MatchID": matchID})
	case errors.Is(err, errPersist):
		obslog.L().Warn("match_persist_failed", zap.String("match_id", matchID), zap.String("command", command), zap.Error(err))
		s.sendError(c, matchID, CodeStorageUnavailable, "transport.storage_unavailable", map[string]any{"MatchID": matchID})
	default:
		obslog.L().Warn("command_failed", zap.String("match_id", matchID), zap.String("command", command), zap.Error(err))
		s.sendError(c, matchID, CodeBadRequest, "transport.bad_request", map[string]any{"Reason": "command could not be applied"})
	}
}

func (s *Server) sendError(c *client, matchID, code, key string, data map[string]any) {
	s.send(c, &Envelope{Event: EventError, MatchID: matchID, Code: code, Message: s.messages.Text(key, data)})
}

func (s *Server) send(c *client, env *Envelope) {
	err := c.conn.Send(env)
	if err == nil {
		return
	}
	obslog.L().Warn("socket_send_failed", zap.String("conn_id", c.conn.ID()), zap.String("event", env.Event), zap.Error(err))
	if errors.Is(err, ErrSlowConsumer) {
		c.conn.Close(CloseSlowConsumer)
	}
}

// broadcastLocked sends env to every socket in the room. env must not be modified
// afterwards.
func (s *Server) broadcastLocked(m *activeMatch, env *Envelope) {
	for _, c := range m.room {
		s.send(c, env)
	}
}
