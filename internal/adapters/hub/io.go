package hub

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/peercall/internal/adapters/store"
	"github.com/dkeye/peercall/internal/core"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("rate limited")

const writeTimeout = 5 * time.Second

func (h *Hub) writePump(ctx context.Context, c *wsClientConn) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "hub").Str("conn", c.id).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "hub").Str("conn", c.id).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "hub").Msg("writePump set deadline")
				h.remove(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "hub").Msg("writePump write error")
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, c *wsClientConn) {
	defer func() {
		log.Info().Str("module", "hub").Str("conn", c.id).Msg("readPump closing")
		h.remove(c)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "hub").Str("conn", c.id).Msg("readPump read error")
				}
				return
			}
			h.handleMessage(ctx, c, data)
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *wsClientConn, data []byte) {
	var msg store.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad json")
		return
	}

	switch msg.Type {
	case store.OpWrite:
		h.handleWrite(ctx, c, msg)
	case store.OpRead:
		h.handleRead(ctx, c, msg)
	case store.OpAppend:
		h.handleAppend(ctx, c, msg)
	case store.OpDelete:
		h.reply(c, msg, h.store.Delete(ctx, msg.Path))
	case store.OpSubscribe:
		h.handleSubscribe(ctx, c, msg)
	case store.OpUnsubscribe:
		c.dropSub(msg.ID)
	default:
		log.Warn().Str("module", "hub").Str("type", msg.Type).Msg("unknown op")
		h.reply(c, msg, errors.New("unknown op"))
	}
}

func (h *Hub) handleWrite(ctx context.Context, c *wsClientConn, msg store.Message) {
	if createsCall(msg.Path) && !isNull(msg.Value) {
		snap, err := h.store.Read(ctx, msg.Path)
		if err == nil && !snap.Exists && !h.opts.Limiter.Allow(c.client) {
			log.Warn().Str("module", "hub").Str("client", string(c.client)).Msg("call creation rate limited")
			h.reply(c, msg, ErrRateLimited)
			return
		}
	}
	h.reply(c, msg, h.store.Write(ctx, msg.Path, msg.Value))
}

func (h *Hub) handleRead(ctx context.Context, c *wsClientConn, msg store.Message) {
	snap, err := h.store.Read(ctx, msg.Path)
	if err != nil {
		h.reply(c, msg, err)
		return
	}
	h.send(c, store.Message{Type: store.MsgResult, ID: msg.ID, Path: msg.Path, Exists: snap.Exists, Value: snap.Value})
}

func (h *Hub) handleAppend(ctx context.Context, c *wsClientConn, msg store.Message) {
	key, err := h.store.Append(ctx, msg.Path, msg.Value)
	if err != nil {
		h.reply(c, msg, err)
		return
	}
	h.send(c, store.Message{Type: store.MsgResult, ID: msg.ID, Key: key})
}

func (h *Hub) handleSubscribe(ctx context.Context, c *wsClientConn, msg store.Message) {
	if msg.ID == "" {
		h.reply(c, msg, errors.New("subscription id required"))
		return
	}
	subID := msg.ID
	unsub, err := h.store.Subscribe(ctx, msg.Path, func(snap core.Snapshot) {
		h.deliver(c, subID, snap)
	})
	if err != nil {
		h.reply(c, msg, err)
		return
	}
	if !c.addSub(subID, unsub) {
		unsub()
		return
	}
	h.reply(c, msg, nil)
}

func (h *Hub) deliver(c *wsClientConn, subID string, snap core.Snapshot) {
	b, err := json.Marshal(store.Message{Type: store.MsgSnapshot, ID: subID, Path: snap.Path, Exists: snap.Exists, Value: snap.Value})
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("snapshot marshal")
		return
	}
	err = c.TrySend(b)
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	switch h.opts.Policy.OnBackPressure(c.client, store.MsgSnapshot) {
	case DropFrame:
		log.Warn().Str("module", "hub").Str("conn", c.id).Str("sub", subID).Msg("snapshot dropped")
	case KickClient:
		log.Warn().Str("module", "hub").Str("conn", c.id).Msg("slow client kicked")
		go h.remove(c)
	}
}

func (h *Hub) reply(c *wsClientConn, req store.Message, err error) {
	res := store.Message{Type: store.MsgResult, ID: req.ID}
	if err != nil {
		res.Error = err.Error()
	}
	h.send(c, res)
}

func (h *Hub) send(c *wsClientConn, v store.Message) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("send marshal")
		return
	}
	if err := c.TrySend(b); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("module", "hub").Str("conn", c.id).Msg("reply not sent")
	}
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
