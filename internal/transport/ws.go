package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/match-core/internal/obslog"
)

const (
	defaultSendBuffer   = 64
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 64 << 10
	writeTimeout        = 5 * time.Second
	flushTimeout        = time.Second
	messageTimeout      = 10 * time.Second
	disconnectTimeout   = 10 * time.Second
)

var errConnClosed = errors.New("connection closed")

// HandlerOptions configures the game socket endpoint.
type HandlerOptions struct {
	// OriginPatterns are passed to websocket.Accept; empty means same-origin only.
	OriginPatterns []string
	SendBuffer     int
	PingInterval   time.Duration
	ReadLimit      int64
}

// Handler returns the websocket endpoint for the game socket.
func (s *Server) Handler(opts HandlerOptions) http.Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &wsHandler{srv: s, opts: opts}
}

type wsHandler struct {
	srv  *Server
	opts HandlerOptions
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.opts.OriginPatterns,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("game_socket_accept_failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		id:     uuid.NewString(),
		ws:     ws,
		out:    make(chan *Envelope, h.opts.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	h.srv.HandleConnect(c)
	obslog.L().Debug("game_socket_open", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.pingLoop(h.opts.PingInterval)
	}()

	h.readLoop(r.Context(), c)
	c.Close("closed")
	wg.Wait()

	dctx, dcancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer dcancel()
	h.srv.HandleDisconnect(dctx, c)
	obslog.L().Debug("game_socket_closed", zap.String("conn_id", c.id), zap.String("reason", c.closeReason()))
}

func (h *wsHandler) readLoop(ctx context.Context, c *wsConn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			_ = c.Send(&Envelope{Event: EventError, Code: CodeBadRequest, Message: h.srv.messages.Text("transport.bad_request", map[string]any{"Reason": "text frames only"})})
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = c.Send(&Envelope{Event: EventError, Code: CodeBadRequest, Message: h.srv.messages.Text("transport.bad_request", map[string]any{"Reason": "malformed frame"})})
			continue
		}
		mctx, cancel := context.WithTimeout(ctx, messageTimeout)
		h.srv.HandleMessage(mctx, c, &env)
		cancel()
	}
}

// wsConn adapts a websocket to Conn. Frames are queued and written by writeLoop; a full
// queue fails Send instead of blocking the caller.
type wsConn struct {
	id  string
	ws  *websocket.Conn
	out chan *Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
	reason    string
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(env *Envelope) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.cancel()
	})
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			code := websocket.StatusNormalClosure
			switch c.closeReason() {
			case CloseSlowConsumer:
				code = websocket.StatusPolicyViolation
			case "write_failed":
			default:
				c.flush()
			}
			_ = c.ws.Close(code, c.closeReason())
			return
		case env := <-c.out:
			// cancelling a write tears the socket down, so writes do not follow c.ctx
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, c.ws, env)
			cancel()
			if err != nil {
				c.Close("write_failed")
			}
		}
	}
}

// flush writes what is still queued, so an error or final update sent right before a
// kick reaches the client ahead of the close frame.
func (c *wsConn) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	for {
		select {
		case env := <-c.out:
			if err := wsjson.Write(ctx, c.ws, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) pingLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(c.ctx, 3*time.Second)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				failures++
				if failures >= 2 {
					c.Close("ping_failure")
					return
				}
				continue
			}
			failures = 0
		}
	}
}
