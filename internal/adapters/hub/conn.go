package hub

import (
	"errors"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// ClientID is the token the router assigns to a browser or daemon.
type ClientID string

// wsClientConn is one websocket client of the hub. It owns the
// subscriptions opened on its behalf and releases them on Close.
type wsClientConn struct {
	id     string
	client ClientID
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.RWMutex
	closed bool
	subs   map[string]core.Unsubscribe
}

func newClientConn(id string, client ClientID, ws *websocket.Conn, buffer int) *wsClientConn {
	return &wsClientConn{
		id:     id,
		client: client,
		conn:   ws,
		send:   make(chan []byte, buffer),
		subs:   make(map[string]core.Unsubscribe),
	}
}

func (c *wsClientConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsClientConn) addSub(id string, unsub core.Unsubscribe) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if old, ok := c.subs[id]; ok {
		old()
	}
	c.subs[id] = unsub
	return true
}

func (c *wsClientConn) dropSub(id string) {
	c.mu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		unsub()
	}
}

func (c *wsClientConn) subCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// Close is idempotent.
func (c *wsClientConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}
