package lobby

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/match-core/internal/auth"
	"github.com/park285/match-core/internal/msgcat"
	"github.com/park285/match-core/internal/obslog"
	"github.com/park285/match-core/internal/storage"
)

const (
	maxBodyBytes  = 64 << 10
	guestIDHeader = "X-Guest-Id"
)

// API serves the lobby HTTP routes.
type API struct {
	svc      *Service
	tokens   *auth.TokenVerifier
	messages *msgcat.Catalog
}

// NewAPI builds the routes. tokens may be nil, in which case only guest identities are
// accepted.
func NewAPI(svc *Service, tokens *auth.TokenVerifier, messages *msgcat.Catalog) *API {
	if messages == nil {
		messages = msgcat.Default()
	}
	return &API{svc: svc, tokens: tokens, messages: messages}
}

// Register mounts the routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /games/{name}", a.list)
	mux.HandleFunc("GET /games/{name}/{matchID}", a.get)
	mux.HandleFunc("POST /games/{name}/create", a.create)
	mux.HandleFunc("POST /games/{name}/{matchID}/join", a.join)
	mux.HandleFunc("POST /games/{name}/{matchID}/leave", a.leave)
	mux.HandleFunc("POST /games/{name}/{matchID}/claim-seat", a.claimSeat)
	mux.HandleFunc("POST /games/{name}/{matchID}/destroy", a.destroy)
}

type createBody struct {
	NumPlayers int             `json:"numPlayers"`
	SetupData  json.RawMessage `json:"setupData"`
	Seed       string          `json:"seed"`
	GuestID    string          `json:"guestId"`
}

type joinBody struct {
	PlayerID   string `json:"playerID"`
	PlayerName string `json:"playerName"`
	GuestID    string `json:"guestId"`
}

type leaveBody struct {
	PlayerID    string `json:"playerID"`
	Credentials string `json:"credentials"`
}

type claimBody struct {
	PlayerID   string `json:"playerID"`
	PlayerName string `json:"playerName"`
	GuestID    string `json:"guestId"`
}

type destroyBody struct {
	GuestID string `json:"guestId"`
}

func (a *API) list(w http.ResponseWriter, r *http.Request) {
	var isGameover *bool
	switch r.URL.Query().Get("isGameover") {
	case "true":
		isGameover = storage.Bool(true)
	case "false":
		isGameover = storage.Bool(false)
	}
	name := r.PathValue("name")
	matches, err := a.svc.List(r.Context(), name, isGameover)
	if err != nil {
		a.fail(w, r, err, errData{GameName: name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	name, matchID := r.PathValue("name"), r.PathValue("matchID")
	m, err := a.svc.Get(r.Context(), name, matchID)
	if err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) create(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var body createBody
	if err := decodeBody(r, &body); err != nil {
		a.fail(w, r, err, errData{GameName: name})
		return
	}
	owner, err := a.identity(r, body.GuestID)
	if err != nil {
		a.fail(w, r, err, errData{GameName: name})
		return
	}
	matchID, err := a.svc.Create(r.Context(), CreateRequest{
		GameName:   name,
		NumPlayers: body.NumPlayers,
		SetupData:  body.SetupData,
		Seed:       body.Seed,
		Owner:      owner,
	})
	if err != nil {
		a.fail(w, r, err, errData{GameName: name})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"matchID": matchID})
}

func (a *API) join(w http.ResponseWriter, r *http.Request) {
	name, matchID := r.PathValue("name"), r.PathValue("matchID")
	var body joinBody
	if err := decodeBody(r, &body); err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	owner, err := a.identity(r, body.GuestID)
	if err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	grant, err := a.svc.Join(r.Context(), JoinRequest{
		GameName:   name,
		MatchID:    matchID,
		PlayerID:   body.PlayerID,
		PlayerName: body.PlayerName,
		Owner:      owner,
	})
	if err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID, PlayerID: body.PlayerID})
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) leave(w http.ResponseWriter, r *http.Request) {
	name, matchID := r.PathValue("name"), r.PathValue("matchID")
	var body leaveBody
	if err := decodeBody(r, &body); err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	wiped, err := a.svc.Leave(r.Context(), LeaveRequest{
		GameName:    name,
		MatchID:     matchID,
		PlayerID:    body.PlayerID,
		Credentials: body.Credentials,
	})
	if err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID, PlayerID: body.PlayerID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"wiped": wiped})
}

func (a *API) claimSeat(w http.ResponseWriter, r *http.Request) {
	name, matchID := r.PathValue("name"), r.PathValue("matchID")
	var body claimBody
	if err := decodeBody(r, &body); err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	id, err := a.identity(r, body.GuestID)
	if err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	grant, err := a.svc.ClaimSeat(r.Context(), ClaimRequest{
		GameName:   name,
		MatchID:    matchID,
		PlayerID:   body.PlayerID,
		PlayerName: body.PlayerName,
		Identity:   id,
	})
	if err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID, PlayerID: body.PlayerID})
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (a *API) destroy(w http.ResponseWriter, r *http.Request) {
	name, matchID := r.PathValue("name"), r.PathValue("matchID")
	var body destroyBody
	if err := decodeBody(r, &body); err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	id, err := a.identity(r, body.GuestID)
	if err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	if err := a.svc.Destroy(r.Context(), DestroyRequest{GameName: name, MatchID: matchID, Identity: id}); err != nil {
		a.fail(w, r, err, errData{GameName: name, MatchID: matchID})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// identity prefers a bearer token; without one the caller is the guest named in the body
// or the guest header. A present but invalid token is an error, not a fallback.
func (a *API) identity(r *http.Request, guestID string) (auth.Identity, error) {
	if token := auth.BearerToken(r.Header.Get("Authorization")); token != "" {
		if a.tokens == nil {
			return auth.Identity{}, ErrUnauthorized
		}
		id, err := a.tokens.Verify(token)
		if err != nil {
			return auth.Identity{}, errors.Join(ErrUnauthorized, err)
		}
		return id, nil
	}
	if guestID = strings.TrimSpace(guestID); guestID == "" {
		guestID = strings.TrimSpace(r.Header.Get(guestIDHeader))
	}
	return auth.Identity{GuestID: guestID}, nil
}

// errData fills the message templates.
type errData struct {
	GameName string
	MatchID  string
	PlayerID string
	Reason   string
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, data errData) {
	status, key := classify(err)
	if key == "lobby.bad_request" {
		data.Reason = strings.TrimPrefix(err.Error(), storage.ErrInvalidArgs.Error()+": ")
	}
	if status >= http.StatusInternalServerError {
		obslog.L().Warn("lobby_request_failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": a.messages.Text(key, data)})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidArgs):
		return http.StatusBadRequest, "lobby.bad_request"
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, "lobby.unauthorized"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "lobby.forbidden"
	case errors.Is(err, ErrUnknownGame):
		return http.StatusNotFound, "lobby.unknown_game"
	case errors.Is(err, ErrMatchNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "lobby.match_not_found"
	case errors.Is(err, ErrSeatNotFound):
		return http.StatusNotFound, "lobby.seat_not_found"
	case errors.Is(err, ErrSeatTaken):
		return http.StatusConflict, "lobby.seat_taken"
	default:
		return http.StatusServiceUnavailable, "lobby.unavailable"
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body must be a JSON object", storage.ErrInvalidArgs)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		obslog.L().Debug("lobby_response_write_failed", zap.Error(err))
	}
}
