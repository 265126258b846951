package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/subscription"
)

type conn struct {
	server *Server
	ws     *websocket.Conn
	user   models.UserID
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send chan []byte
	quit chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]subscription.Subscription
}

func newConn(s *Server, ws *websocket.Conn, user models.UserID) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		server: s,
		ws:     ws,
		user:   user,
		logger: s.logger.With().Str("user_id", string(user)).Logger(),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, s.cfg.SendBuffer),
		quit:   make(chan struct{}),
		subs:   make(map[string]subscription.Subscription),
	}
}

// close cancels every subscription and stops both pumps.
func (c *conn) close() {
	c.once.Do(func() {
		c.cancel()
		c.mu.Lock()
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Cancel()
		}
		close(c.quit)
		_ = c.ws.Close()
		c.server.forget(c)
		c.logger.Info().Int("subscriptions", len(subs)).Msg("connection closed")
	})
}

func (c *conn) readPump() {
	defer c.close()
	cfg := c.server.cfg
	c.ws.SetReadLimit(cfg.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reply(ServerFrame{Type: FrameError, Error: errorPayload(fmt.Errorf("%w: %v", errBadRequest, err))})
			continue
		}
		c.handle(frame)
	}
}

func (c *conn) writePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.pingPeriod())
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			_ = c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// reply queues a frame. A full queue means the client is not reading; the
// connection is dropped rather than blocking the subscription dispatcher.
func (c *conn) reply(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode frame")
		return
	}
	select {
	case <-c.quit:
	case c.send <- data:
	default:
		c.logger.Warn().Msg("send queue full; closing slow connection")
		go c.close()
	}
}

func (c *conn) fail(id string, err error) {
	c.reply(ServerFrame{Type: FrameError, ID: id, Error: errorPayload(err)})
}

func (c *conn) handle(f ClientFrame) {
	svc := c.server.svc
	switch f.Op {
	case OpSubscribe:
		c.subscribe(f)

	case OpUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[f.SubscriptionID]
		delete(c.subs, f.SubscriptionID)
		c.mu.Unlock()
		if !ok {
			c.fail(f.ID, &models.NotFoundError{Kind: "subscription", ID: f.SubscriptionID})
			return
		}
		sub.Cancel()
		c.reply(ServerFrame{Type: FrameAck, ID: f.ID, SubscriptionID: f.SubscriptionID})

	case OpStart:
		conv, created, err := svc.Start(c.ctx, c.user, f.PeerID)
		if err != nil && conv.ID == "" {
			c.fail(f.ID, err)
			return
		}
		c.reply(ServerFrame{Type: FrameAck, ID: f.ID, Conversation: &conv, Created: created})
		if err != nil {
			c.fail(f.ID, err)
		}

	case OpSend:
		msg, err := svc.Send(c.ctx, c.user, f.ConversationID, f.Body)
		if err != nil && msg.ID == "" {
			c.fail(f.ID, err)
			return
		}
		c.reply(ServerFrame{Type: FrameAck, ID: f.ID, Message: &msg})
		if err != nil {
			c.fail(f.ID, err)
		}

	case OpRetry:
		if f.Message == nil {
			c.fail(f.ID, fmt.Errorf("%w: message is required", errBadRequest))
			return
		}
		if err := svc.RetryFanout(c.ctx, c.user, *f.Message, f.Stale); err != nil {
			c.fail(f.ID, err)
			return
		}
		c.reply(ServerFrame{Type: FrameAck, ID: f.ID, Message: f.Message})

	default:
		c.fail(f.ID, fmt.Errorf("%w: unknown op %q", errBadRequest, f.Op))
	}
}

// stream holds changes dispatched before the subscribe ack is queued, so
// the client always sees the ack before the replay.
type stream struct {
	mu      sync.Mutex
	id      string
	acked   bool
	pending []subscription.Change
}

func (c *conn) subscribe(f ClientFrame) {
	svc := c.server.svc
	var (
		sub subscription.Subscription
		err error
	)
	st := &stream{}
	handler := func(change subscription.Change) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if !st.acked {
			st.pending = append(st.pending, change)
			return
		}
		c.deliver(st.id, change)
	}

	switch f.Stream {
	case StreamMessages:
		sub, err = svc.SubscribeMessages(c.ctx, c.user, f.ConversationID, handler)
	case StreamInbox:
		sub, err = svc.SubscribeInbox(c.user, handler)
	default:
		err = fmt.Errorf("%w: unknown stream %q", errBadRequest, f.Stream)
	}
	if err != nil {
		c.fail(f.ID, err)
		return
	}

	c.mu.Lock()
	if c.subs == nil {
		c.mu.Unlock()
		sub.Cancel()
		return
	}
	c.subs[sub.ID()] = sub
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.id = sub.ID()
	c.reply(ServerFrame{Type: FrameAck, ID: f.ID, SubscriptionID: st.id})
	for _, change := range st.pending {
		c.deliver(st.id, change)
	}
	st.pending = nil
	st.acked = true
}

// deliver queues one change frame. An error change ends the subscription.
func (c *conn) deliver(subID string, change subscription.Change) {
	c.reply(ServerFrame{Type: FrameChange, SubscriptionID: subID, Change: changePayload(change)})
	if change.Kind == subscription.ChangeError {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
	}
}
