package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
	"golang.org/x/time/rate"
)

// Client is a middleman between the websocket connection and the services.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. It is never closed, writers select on doneChan.
	Send chan []byte

	user types.User

	// write commands per second
	limiter *rate.Limiter

	// ctx is cancelled when the connection is gone, all store subscriptions of the client use it.
	ctx      context.Context
	cancel   context.CancelFunc
	doneChan chan struct{}
	doneOnce sync.Once

	subsMu sync.Mutex
	subs   map[string]*store.Subscription

	typingMu     sync.Mutex
	typingTimers map[string]*time.Timer

	// WaitGroup which keeps track of the running write loop.
	sync.WaitGroup
}

func newClient(hub *Hub, conn *websocket.Conn, user types.User) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Limit(hub.cfg.SendRate)
	if hub.cfg.SendRate <= 0 {
		limit = rate.Inf
	}
	return &Client{
		hub:          hub,
		conn:         conn,
		Send:         make(chan []byte, sendChannelSize),
		user:         user,
		limiter:      rate.NewLimiter(limit, hub.cfg.SendBurst),
		ctx:          ctx,
		cancel:       cancel,
		doneChan:     make(chan struct{}),
		subs:         make(map[string]*store.Subscription),
		typingTimers: make(map[string]*time.Timer),
	}
}

// send queues an event for the write loop. It drops the event if the connection is gone.
func (c *Client) send(event string, data interface{}) {
	msg, err := types.NewWebsocketMessage(event, data)
	if err != nil {
		c.hub.logger.Error("could not marshal ws message", "event", event, "error", err)
		return
	}
	select {
	case c.Send <- msg:
	case <-c.doneChan:
	}
}

func (c *Client) sendAck(requestId, id string) {
	c.send(types.WireEventAck, types.AckMessage{RequestId: requestId, Id: id})
}

func (c *Client) sendError(requestId string, err error) {
	c.send(types.WireEventError, types.ErrorMessage{RequestId: requestId, Error: err.Error()})
}

// ReadLoop pumps messages from the websocket connection to the command handlers.
//
// The application runs ReadLoop in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadLoop() {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("ws closed unexpected", "user", c.user.Id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		message := types.WebsocketMessage{}
		err = json.Unmarshal(raw, &message)
		if err != nil {
			c.sendError("", err)
			continue
		}
		dataMap := make(map[string]interface{})
		if len(message.Data) > 0 && string(message.Data) != "null" {
			err = json.Unmarshal(message.Data, &dataMap)
			if err != nil {
				c.sendError("", err)
				continue
			}
		}
		req := types.Request{}
		err = mapstructure.WeakDecode(dataMap, &req)
		if err != nil {
			c.sendError("", err)
			continue
		}
		c.handle(message.Event, req)
	}
}

// WriteLoop pumps messages to the websocket connection.
//
// A goroutine running WriteLoop is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.Done()
	}()
	for {
		select {
		case message := <-c.Send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("could not write to ws connection, exiting write loop", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.doneChan:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// shutdown stops all subscriptions and typing timers of the client and clears its typing records.
func (c *Client) shutdown() {
	c.doneOnce.Do(func() {
		close(c.doneChan)
		c.cancel()
	})

	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*store.Subscription)
	c.subsMu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}

	c.typingMu.Lock()
	rooms := make([]string, 0, len(c.typingTimers))
	for roomId, timer := range c.typingTimers {
		timer.Stop()
		rooms = append(rooms, roomId)
	}
	c.typingTimers = make(map[string]*time.Timer)
	c.typingMu.Unlock()
	if len(rooms) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	for _, roomId := range rooms {
		if err := c.hub.services.Chat.SetTyping(ctx, roomId, c.user.Id, false); err != nil {
			c.hub.logger.Warn("could not clear typing", "room", roomId, "user", c.user.Id, "error", err)
		}
	}
}

// subscribe replaces the subscription stored under key.
func (c *Client) subscribe(key string, subscribe func(ctx context.Context) (*store.Subscription, error)) error {
	sub, err := subscribe(c.ctx)
	if err != nil {
		return err
	}
	c.subsMu.Lock()
	old := c.subs[key]
	c.subs[key] = sub
	c.subsMu.Unlock()
	if old != nil {
		old.Cancel()
	}
	return nil
}

// unsubscribe returns false if there was no subscription under key.
func (c *Client) unsubscribe(key string) bool {
	c.subsMu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.subsMu.Unlock()
	if ok {
		sub.Cancel()
	}
	return ok
}

// NoSubscriptions returns the number of active subscriptions of the client.
func (c *Client) NoSubscriptions() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}
