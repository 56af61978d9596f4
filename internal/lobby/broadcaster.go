package lobby

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/park285/match-core/internal/obslog"
	"github.com/park285/match-core/internal/storage"
)

// Lobby channel events.
const (
	EventSubscribe    = "lobby:subscribe"
	EventUnsubscribe  = "lobby:unsubscribe"
	EventUpdate       = "lobby:update"
	EventMatchCreated = "lobby:matchCreated"
	EventMatchUpdated = "lobby:matchUpdated"
	EventMatchEnded   = "lobby:matchEnded"
	EventError        = "lobby:error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	publishBuffer  = 256
)

// Message is a frame on the lobby channel. Clients send Event and an optional GameName;
// an empty GameName subscribes to every game.
type Message struct {
	Event    string                 `json:"event"`
	GameName string                 `json:"gameName,omitempty"`
	MatchID  string                 `json:"matchID,omitempty"`
	Match    *storage.PublicMatch   `json:"match,omitempty"`
	Matches  []*storage.PublicMatch `json:"matches,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// owned by the hub loop
	subscribed bool
	gameName   string
}

func (c *subscriber) stop() { c.once.Do(func() { close(c.done) }) }

// enqueue never blocks; false means the buffer is full.
func (c *subscriber) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

type subscription struct {
	c        *subscriber
	on       bool
	gameName string
	ack      chan struct{}
}

// Broadcaster runs the lobby channel. All subscriber bookkeeping happens on the Run
// goroutine.
type Broadcaster struct {
	store    storage.Store
	upgrader websocket.Upgrader

	register   chan *subscriber
	unregister chan *subscriber
	subscribe  chan subscription
	publish    chan *Message
	done       chan struct{}

	mu      sync.Mutex
	clients int
}

// NewBroadcaster builds a broadcaster whose snapshots read store. allowedOrigins lists
// browser origins accepted at upgrade; "*" accepts any, empty accepts same-origin only.
func NewBroadcaster(store storage.Store, allowedOrigins []string) *Broadcaster {
	b := &Broadcaster{
		store:      store,
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		subscribe:  make(chan subscription),
		publish:    make(chan *Message, publishBuffer),
		done:       make(chan struct{}),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return b
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return strings.EqualFold(origin, "http://"+r.Host) || strings.EqualFold(origin, "https://"+r.Host)
	}
}

// Run processes hub traffic until ctx is done, then drops every subscriber.
func (b *Broadcaster) Run(ctx context.Context) {
	defer close(b.done)

	clients := make(map[*subscriber]struct{})
	drop := func(c *subscriber) {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			c.stop()
			b.setClients(len(clients))
		}
	}
	for {
		select {
		case <-ctx.Done():
			for c := range clients {
				drop(c)
			}
			return
		case c := <-b.register:
			clients[c] = struct{}{}
			b.setClients(len(clients))
		case c := <-b.unregister:
			drop(c)
		case s := <-b.subscribe:
			if _, ok := clients[s.c]; ok {
				s.c.subscribed = s.on
				s.c.gameName = s.gameName
			}
			close(s.ack)
		case msg := <-b.publish:
			data, err := json.Marshal(msg)
			if err != nil {
				obslog.L().Warn("lobby_marshal_failed", zap.String("event", msg.Event), zap.Error(err))
				continue
			}
			for c := range clients {
				if !c.subscribed || (c.gameName != "" && msg.GameName != "" && c.gameName != msg.GameName) {
					continue
				}
				if !c.enqueue(data) {
					obslog.L().Warn("lobby_subscriber_slow", zap.String("subscriber_id", c.id))
					drop(c)
				}
			}
		}
	}
}

func (b *Broadcaster) setClients(n int) {
	b.mu.Lock()
	b.clients = n
	b.mu.Unlock()
}

// Clients returns the number of connected lobby sockets.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients
}

// Publish queues msg for subscribers. It never blocks; a full queue drops msg.
func (b *Broadcaster) Publish(msg *Message) {
	select {
	case b.publish <- msg:
	default:
		obslog.L().Warn("lobby_publish_dropped", zap.String("event", msg.Event), zap.String("match_id", msg.MatchID))
	}
}

func (b *Broadcaster) MatchCreated(matchID string, md *storage.MatchMetadata) {
	b.Publish(&Message{Event: EventMatchCreated, GameName: md.GameName, MatchID: matchID, Match: storage.NewPublicMatch(matchID, md)})
}

func (b *Broadcaster) MatchUpdated(matchID string, md *storage.MatchMetadata) {
	b.Publish(&Message{Event: EventMatchUpdated, GameName: md.GameName, MatchID: matchID, Match: storage.NewPublicMatch(matchID, md)})
}

// MatchEnded reports a removed match. gameName may be empty when it is no longer known.
func (b *Broadcaster) MatchEnded(matchID, gameName string) {
	b.Publish(&Message{Event: EventMatchEnded, GameName: gameName, MatchID: matchID})
}

func (b *Broadcaster) hand(ch chan *subscriber, c *subscriber) bool {
	select {
	case ch <- c:
		return true
	case <-b.done:
		return false
	}
}

// setSubscription blocks until the Run loop has applied the change.
func (b *Broadcaster) setSubscription(c *subscriber, on bool, gameName string) bool {
	ack := make(chan struct{})
	select {
	case b.subscribe <- subscription{c: c, on: on, gameName: gameName, ack: ack}:
	case <-b.done:
		return false
	}
	<-ack
	return true
}

// ServeHTTP upgrades the request to a lobby socket.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obslog.L().Warn("lobby_upgrade_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !b.hand(b.register, c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	b.readPump(r.Context(), c)
}

func (b *Broadcaster) readPump(ctx context.Context, c *subscriber) {
	defer func() {
		b.hand(b.unregister, c)
		c.stop()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				obslog.L().Debug("lobby_read_failed", zap.String("subscriber_id", c.id), zap.Error(err))
			}
			return
		}
		switch msg.Event {
		case EventSubscribe:
			if !b.setSubscription(c, true, msg.GameName) {
				return
			}
			b.sendSnapshot(ctx, c, msg.GameName)
		case EventUnsubscribe:
			if !b.setSubscription(c, false, "") {
				return
			}
		default:
			b.direct(c, &Message{Event: EventError, Error: "unknown event " + msg.Event})
		}
	}
}

// sendSnapshot replies to a subscribe with the current list of running matches.
func (b *Broadcaster) sendSnapshot(ctx context.Context, c *subscriber, gameName string) {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	notOver := false
	matches, err := listPublic(ctx, b.store, &storage.ListFilter{GameName: gameName, IsGameover: &notOver})
	if err != nil {
		obslog.L().Warn("lobby_snapshot_failed", zap.String("game", gameName), zap.Error(err))
		b.direct(c, &Message{Event: EventError, GameName: gameName, Error: "match list unavailable"})
		return
	}
	b.direct(c, &Message{Event: EventUpdate, GameName: gameName, Matches: matches})
}

func (b *Broadcaster) direct(c *subscriber, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.stop()
	}
}

func (c *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.stop()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		}
	}
}
