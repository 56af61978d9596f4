package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestWebsocketSyncAndClose(t *testing.T) {
	h := newHarness(t)
	h.seated("m1")
	ts := httptest.NewServer(h.srv.Handler(HandlerOptions{}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read: %v", err)
	}
	expectEvent(t, &env, EventError, CodeBadRequest)

	if err := wsjson.Write(ctx, conn, Envelope{Event: EventSync, MatchID: "m1", PlayerID: "0", Credentials: "c0"}); err != nil {
		t.Fatalf("write sync: %v", err)
	}
	env = Envelope{}
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read sync: %v", err)
	}
	expectEvent(t, &env, EventStateSync, "")

	if err := wsjson.Write(ctx, conn, Envelope{Event: EventCommand, Command: &CommandFrame{Type: "ADD", Payload: []byte(`{"n":2}`)}}); err != nil {
		t.Fatalf("write command: %v", err)
	}
	env = Envelope{}
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if env.Event != EventStateUpdate || env.State == nil || env.State.StateID != 1 {
		t.Fatalf("unexpected update %+v", env)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(3 * time.Second)
	for h.fetch("m1").Metadata.Players["0"].Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("seat still connected after socket close")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestWebsocketKickClosesSocket(t *testing.T) {
	h := newHarness(t)
	h.seated("m1")
	ts := httptest.NewServer(h.srv.Handler(HandlerOptions{}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := wsjson.Write(ctx, conn, Envelope{Event: EventSync, MatchID: "m1", PlayerID: "0", Credentials: "c0"}); err != nil {
		t.Fatalf("write sync: %v", err)
	}
	var env Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read sync: %v", err)
	}

	h.srv.DisconnectPlayer("m1", "0", DisconnectOptions{DisconnectSockets: true})
	_, _, err = conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("expected normal closure, got %v", err)
	}
	var ce websocket.CloseError
	if !errors.As(err, &ce) || ce.Reason != CloseSeatReplaced {
		t.Fatalf("close reason = %v", err)
	}
}

func TestWebsocketCloseFlushesQueuedFrames(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		c := &wsConn{id: "c1", ws: ws, out: make(chan *Envelope, 4), ctx: ctx, cancel: cancel}
		_ = c.Send(&Envelope{Event: EventError, Code: CodeUnauthorized})
		_ = c.Send(&Envelope{Event: EventStateUpdate, MatchID: "m1"})
		c.Close(CloseSeatReplaced)
		c.writeLoop()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first, second Envelope
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("queued error dropped: %v", err)
	}
	expectEvent(t, &first, EventError, CodeUnauthorized)
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("queued update dropped: %v", err)
	}
	if second.Event != EventStateUpdate || second.MatchID != "m1" {
		t.Fatalf("unexpected frame %+v", second)
	}
	_, _, err = conn.Read(ctx)
	var ce websocket.CloseError
	if !errors.As(err, &ce) || ce.Reason != CloseSeatReplaced {
		t.Fatalf("expected close after the queued frames, got %v", err)
	}
}
