package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrRemote = errors.New("hub error")

// Compile-time interface check.
var _ core.SignalStore = (*Remote)(nil)

const (
	remoteSendBuffer   = 64
	remoteWriteTimeout = 5 * time.Second
)

// Remote is a SignalStore backed by a hub reached over one websocket.
// Requests are correlated by id; subscription snapshots are delivered in
// order per subscription, on their own goroutine.
type Remote struct {
	conn *websocket.Conn
	send chan []byte

	mu      sync.Mutex
	pending map[string]chan Message
	subs    map[string]*subscription

	closed    chan struct{}
	closeOnce sync.Once
	workers   conc.WaitGroup
	logger    zerolog.Logger
}

// DialRemote connects to the hub store endpoint, e.g.
// ws://localhost:8080/api/ws/store.
func DialRemote(ctx context.Context, url string, header http.Header) (*Remote, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	r := &Remote{
		conn:    ws,
		send:    make(chan []byte, remoteSendBuffer),
		pending: make(map[string]chan Message),
		subs:    make(map[string]*subscription),
		closed:  make(chan struct{}),
		logger:  log.With().Str("module", "store.remote").Str("url", url).Logger(),
	}
	r.workers.Go(r.writePump)
	r.workers.Go(r.readPump)
	r.logger.Info().Msg("connected to hub")
	return r, nil
}

func (r *Remote) Write(ctx context.Context, path string, v any) error {
	raw, err := encodeValue(v)
	if err != nil {
		return err
	}
	_, err = r.request(ctx, Message{Type: OpWrite, Path: path, Value: raw})
	return err
}

func (r *Remote) Read(ctx context.Context, path string) (core.Snapshot, error) {
	res, err := r.request(ctx, Message{Type: OpRead, Path: path})
	if err != nil {
		return core.Snapshot{}, err
	}
	return core.Snapshot{Path: cleanPath(path), Exists: res.Exists, Value: res.Value}, nil
}

func (r *Remote) Append(ctx context.Context, path string, v any) (string, error) {
	raw, err := encodeValue(v)
	if err != nil {
		return "", err
	}
	res, err := r.request(ctx, Message{Type: OpAppend, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return res.Key, nil
}

func (r *Remote) Delete(ctx context.Context, path string) error {
	_, err := r.request(ctx, Message{Type: OpDelete, Path: path})
	return err
}

func (r *Remote) Subscribe(ctx context.Context, path string, fn func(core.Snapshot)) (core.Unsubscribe, error) {
	id := uuid.NewString()
	sub := newSubscription(cleanPath(path), fn)

	// Registered before the request so the initial snapshot, which the hub
	// sends right after the result, is never dropped.
	select {
	case <-r.closed:
		return nil, ErrClosed
	default:
	}
	r.mu.Lock()
	r.subs[id] = sub
	r.mu.Unlock()
	r.workers.Go(sub.run)

	if _, err := r.request(ctx, Message{Type: OpSubscribe, ID: id, Path: path}); err != nil {
		r.dropSub(id)
		return nil, err
	}

	return func() {
		if !r.dropSub(id) {
			return
		}
		b, err := json.Marshal(Message{Type: OpUnsubscribe, ID: id})
		if err != nil {
			return
		}
		if err := r.enqueue(b); err != nil {
			r.logger.Debug().Err(err).Str("sub", id).Msg("unsubscribe not sent")
		}
	}, nil
}

// Done is closed once the connection to the hub is gone.
func (r *Remote) Done() <-chan struct{} { return r.closed }

func (r *Remote) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
		_ = r.conn.Close()

		r.mu.Lock()
		subs := r.subs
		r.subs = make(map[string]*subscription)
		r.mu.Unlock()
		for _, s := range subs {
			s.stop()
		}
		r.logger.Info().Msg("hub connection closed")
	})
	r.workers.Wait()
}

func (r *Remote) dropSub(id string) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		sub.stop()
	}
	return ok
}

func (r *Remote) request(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return Message{}, err
	}

	ch := make(chan Message, 1)
	r.mu.Lock()
	r.pending[msg.ID] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, msg.ID)
		r.mu.Unlock()
	}()

	if err := r.enqueue(b); err != nil {
		return Message{}, err
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return Message{}, fmt.Errorf("%w: %s %s: %s", ErrRemote, msg.Type, msg.Path, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-r.closed:
		return Message{}, ErrClosed
	}
}

func (r *Remote) enqueue(b []byte) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	select {
	case r.send <- b:
		return nil
	case <-r.closed:
		return ErrClosed
	}
}

func (r *Remote) writePump() {
	for {
		select {
		case <-r.closed:
			return
		case data := <-r.send:
			if err := r.conn.SetWriteDeadline(time.Now().Add(remoteWriteTimeout)); err != nil {
				r.logger.Error().Err(err).Msg("writePump set deadline")
				go r.Close()
				return
			}
			if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Error().Err(err).Msg("writePump write error")
				go r.Close()
				return
			}
		}
	}
}

func (r *Remote) readPump() {
	defer func() { go r.Close() }()
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case <-r.closed:
			default:
				r.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Error().Err(err).Msg("bad json from hub")
			continue
		}
		r.dispatch(msg)
	}
}

func (r *Remote) dispatch(msg Message) {
	switch msg.Type {
	case MsgResult:
		r.mu.Lock()
		ch, ok := r.pending[msg.ID]
		r.mu.Unlock()
		if ok {
			ch <- msg
		}
	case MsgSnapshot:
		r.mu.Lock()
		sub, ok := r.subs[msg.ID]
		r.mu.Unlock()
		if ok {
			sub.push(core.Snapshot{Path: cleanPath(msg.Path), Exists: msg.Exists, Value: msg.Value})
		}
	default:
		r.logger.Warn().Str("type", msg.Type).Msg("unknown message from hub")
	}
}

func encodeValue(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
