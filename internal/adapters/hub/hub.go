// Package hub serves a SignalStore to remote clients over websocket. It is the
// shared channel two call participants signal through.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const defaultSendBuffer = 64

type Options struct {
	ReadLimit  int64
	SendBuffer int
	Policy     Policy
	Limiter    *RateLimiter
}

type Hub struct {
	store core.SignalStore
	opts  Options

	mu      sync.RWMutex
	clients map[string]*wsClientConn

	workers conc.WaitGroup
}

func New(store core.SignalStore, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	return &Hub{
		store:   store,
		opts:    opts,
		clients: make(map[string]*wsClientConn),
	}
}

// Store returns the backing store, for read-only REST views.
func (h *Hub) Store() core.SignalStore { return h.store }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleStore upgrades the request and serves store operations until the
// client disconnects or ctx is cancelled.
func (h *Hub) HandleStore(ctx context.Context, c *gin.Context) {
	client := ClientID(c.GetString("client_token"))
	log.Info().Str("module", "hub").Str("client", string(client)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("ws upgrade")
		return
	}
	if h.opts.ReadLimit > 0 {
		ws.SetReadLimit(h.opts.ReadLimit)
	}

	conn := newClientConn(uuid.NewString(), client, ws, h.opts.SendBuffer)
	h.mu.Lock()
	h.clients[conn.id] = conn
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	h.workers.Go(func() { h.writePump(ctx, conn) })
	h.workers.Go(func() {
		defer cancel()
		h.readPump(ctx, conn)
	})
}

// ClientCount reports connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriptionCount reports open subscriptions across all clients.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		n += c.subCount()
	}
	return n
}

// Shutdown closes every client and waits for their pumps.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*wsClientConn)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
	h.workers.Wait()
}

func (h *Hub) remove(c *wsClientConn) {
	h.mu.Lock()
	delete(h.clients, c.id)
	last := true
	for _, other := range h.clients {
		if other.client == c.client {
			last = false
			break
		}
	}
	h.mu.Unlock()
	c.Close()
	if last {
		h.opts.Limiter.Forget(c.client)
	}
}

// createsCall reports whether a write at path creates a call record.
func createsCall(path string) bool {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	return len(segs) == 2 && segs[0] == domain.CallsRoot
}
