package matchclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/match-core/internal/transport"
)

var ErrNotConnected = errors.New("game socket not connected")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	// StateClosed means the server ended the session; the socket does not reconnect.
	StateClosed State = "closed"
)

type EnvelopeCallback func(env *transport.Envelope)

type StateCallback func(state State)

type envelopeEntry struct {
	id       int
	callback EnvelopeCallback
}

type stateEntry struct {
	id       int
	callback StateCallback
}

type seatRef struct {
	matchID     string
	playerID    string
	credentials string
}

// Socket is a game socket that redials after transport failures and syncs its seat again
// once reconnected. A close initiated by the server (seat taken over, match closed) is
// final.
type Socket struct {
	url string

	mu          sync.Mutex
	conn        *websocket.Conn
	connDone    chan struct{}
	state       State
	seat        *seatRef
	closeReason string

	writeMu sync.Mutex

	cbMu     sync.RWMutex
	envCbs   []envelopeEntry
	stateCbs []stateEntry
	nextCbID int

	maxReconnectAttempts int
	reconnectDelay       time.Duration
	pingInterval         time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc

	headerProvider HeaderProvider
}

func NewSocket(wsURL string, maxReconnectAttempts int, reconnectDelay time.Duration) *Socket {
	if reconnectDelay <= 0 {
		reconnectDelay = 100 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		url:                  wsURL,
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectDelay:       reconnectDelay,
		pingInterval:         30 * time.Second,
		stopCh:               make(chan struct{}),
		rootCtx:              ctx,
		rootCancel:           cancel,
	}
}

// SetHeaderProvider injects headers into the handshake.
func (ws *Socket) SetHeaderProvider(h HeaderProvider) { ws.headerProvider = h }

// SetPingInterval must be called before Connect.
func (ws *Socket) SetPingInterval(d time.Duration) {
	if d > 0 {
		ws.pingInterval = d
	}
}

func (ws *Socket) State() State {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// CloseReason is the reason the server gave when it closed the session.
func (ws *Socket) CloseReason() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closeReason
}

func (ws *Socket) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.mu.Unlock()
	ws.setState(StateConnecting)

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.setState(StateFailed)
		return err
	}
	ws.attach(conn)
	return nil
}

func (ws *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, ws.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      ws.buildHeaders(),
	})
	return conn, err
}

// attach installs conn and starts its reader and pinger.
func (ws *Socket) attach(conn *websocket.Conn) {
	done := make(chan struct{})
	ws.mu.Lock()
	ws.conn = conn
	ws.connDone = done
	ws.mu.Unlock()
	ws.setState(StateConnected)

	ws.wg.Add(2)
	go ws.listen(conn)
	go ws.pingLoop(conn, done)
}

// dropConn detaches conn if it is still current and closes it.
func (ws *Socket) dropConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	ws.mu.Lock()
	if ws.conn == conn {
		ws.conn = nil
		close(ws.connDone)
		ws.connDone = nil
	}
	ws.mu.Unlock()
	_ = conn.Close(code, reason)
}

func (ws *Socket) listen(conn *websocket.Conn) {
	defer ws.wg.Done()
	for {
		var env transport.Envelope
		if err := wsjson.Read(ws.rootCtx, conn, &env); err != nil {
			ws.dropConn(conn, websocket.StatusGoingAway, "reconnect")
			if ws.isStopping() {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && (ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusPolicyViolation) {
				ws.mu.Lock()
				ws.closeReason = ce.Reason
				ws.mu.Unlock()
				ws.setState(StateClosed)
				return
			}
			ws.setState(StateDisconnected)
			ws.scheduleReconnect()
			return
		}

		ws.cbMu.RLock()
		callbacks := make([]envelopeEntry, len(ws.envCbs))
		copy(callbacks, ws.envCbs)
		ws.cbMu.RUnlock()
		for _, entry := range callbacks {
			entry.callback(&env)
		}
	}
}

func (ws *Socket) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer ws.wg.Done()
	t := time.NewTicker(ws.pingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ws.stopCh:
			return
		case <-done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(ws.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				// the reader sees the close and takes care of reconnecting
				ws.dropConn(conn, websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// scheduleReconnect is only called from a tracked goroutine, so the wait group never
// drops to zero while a reconnect is pending.
func (ws *Socket) scheduleReconnect() {
	if ws.maxReconnectAttempts <= 0 {
		ws.setState(StateFailed)
		return
	}
	ws.setState(StateReconnecting)

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for attempt := 1; attempt <= ws.maxReconnectAttempts; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(ws.backoff(attempt)):
			}
			conn, err := ws.dial(ws.rootCtx)
			if err != nil {
				continue
			}
			ws.attach(conn)
			ws.resync()
			return
		}
		ws.setState(StateFailed)
	}()
}

func (ws *Socket) backoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * ws.reconnectDelay
}

func (ws *Socket) resync() {
	ws.mu.Lock()
	seat := ws.seat
	ws.mu.Unlock()
	if seat == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ws.rootCtx, 5*time.Second)
	defer cancel()
	_ = ws.write(ctx, &transport.Envelope{
		Event:       transport.EventSync,
		MatchID:     seat.matchID,
		PlayerID:    seat.playerID,
		Credentials: seat.credentials,
	})
}

// Sync binds the socket to a seat. The binding is replayed after every reconnect.
func (ws *Socket) Sync(ctx context.Context, matchID string, seat Seat) error {
	ws.mu.Lock()
	ws.seat = &seatRef{matchID: matchID, playerID: seat.PlayerID, credentials: seat.Credentials}
	ws.mu.Unlock()
	return ws.write(ctx, &transport.Envelope{
		Event:       transport.EventSync,
		MatchID:     matchID,
		PlayerID:    seat.PlayerID,
		Credentials: seat.Credentials,
	})
}

// Command sends a game command for the synced seat.
func (ws *Socket) Command(ctx context.Context, typ string, payload any) error {
	frame := &transport.CommandFrame{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		frame.Payload = raw
	}
	return ws.write(ctx, &transport.Envelope{Event: transport.EventCommand, Command: frame})
}

func (ws *Socket) write(ctx context.Context, env *transport.Envelope) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return wsjson.Write(ctx, conn, env)
}

func (ws *Socket) OnEnvelope(cb EnvelopeCallback) int {
	ws.cbMu.Lock()
	defer ws.cbMu.Unlock()
	ws.nextCbID++
	ws.envCbs = append(ws.envCbs, envelopeEntry{id: ws.nextCbID, callback: cb})
	return ws.nextCbID
}

func (ws *Socket) RemoveEnvelopeCallback(id int) {
	ws.cbMu.Lock()
	defer ws.cbMu.Unlock()
	for i, cb := range ws.envCbs {
		if cb.id == id {
			ws.envCbs = append(ws.envCbs[:i], ws.envCbs[i+1:]...)
			break
		}
	}
}

func (ws *Socket) OnStateChange(cb StateCallback) int {
	ws.cbMu.Lock()
	defer ws.cbMu.Unlock()
	ws.nextCbID++
	ws.stateCbs = append(ws.stateCbs, stateEntry{id: ws.nextCbID, callback: cb})
	return ws.nextCbID
}

func (ws *Socket) RemoveStateCallback(id int) {
	ws.cbMu.Lock()
	defer ws.cbMu.Unlock()
	for i, cb := range ws.stateCbs {
		if cb.id == id {
			ws.stateCbs = append(ws.stateCbs[:i], ws.stateCbs[i+1:]...)
			break
		}
	}
}

func (ws *Socket) setState(state State) {
	ws.mu.Lock()
	ws.state = state
	ws.mu.Unlock()

	ws.cbMu.RLock()
	callbacks := make([]stateEntry, len(ws.stateCbs))
	copy(callbacks, ws.stateCbs)
	ws.cbMu.RUnlock()
	for _, entry := range callbacks {
		entry.callback(state)
	}
}

func (ws *Socket) Close(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stopCh) })
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn != nil {
		ws.dropConn(conn, websocket.StatusNormalClosure, "close")
	}

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		ws.rootCancel()
		return nil
	}
}

func (ws *Socket) isStopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}

func (ws *Socket) buildHeaders() http.Header {
	hdr := http.Header{}
	if ws.headerProvider == nil {
		return hdr
	}
	for k, v := range ws.headerProvider() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
