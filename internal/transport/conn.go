package transport

import (
	"errors"
	"sync"
)

// ErrSlowConsumer is returned by Conn.Send when the socket's outbound buffer is full.
var ErrSlowConsumer = errors.New("send buffer full")

// Conn is one client socket. Send must not block; Close is idempotent.
type Conn interface {
	ID() string
	Send(env *Envelope) error
	Close(reason string)
}

// binding is the seat a socket authenticated as.
type binding struct {
	matchID     string
	playerID    string
	credentials string
}

func (b binding) bound() bool { return b.matchID != "" }

// client tracks the seat a connection is bound to. The binding changes only on sync,
// kick, eviction and close.
type client struct {
	conn Conn

	mu sync.Mutex
	b  binding
}

func (c *client) binding() binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b
}

func (c *client) bind(b binding) {
	c.mu.Lock()
	c.b = b
	c.mu.Unlock()
}

// unbindFrom clears the binding if it still points at matchID and reports whether it did.
func (c *client) unbindFrom(matchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.b.matchID != matchID {
		return false
	}
	c.b = binding{}
	return true
}

func (c *client) unbind() binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.b
	c.b = binding{}
	return prev
}
