package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/orgchat/chat"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/feed"
	"github.com/tcriess/orgchat/presence"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

func newTestServer(t *testing.T, gateway config.GatewayConfig) (*httptest.Server, *Hub) {
	backend, err := store.NewBuntDBBackend(":memory:", "")
	require.NoError(t, err)
	db := store.NewDB(backend)
	cfg := &config.Config{
		ChatConfig:          config.ChatConfig{DeletedPlaceholder: "deleted", TypingWindow: 300 * time.Millisecond},
		NotificationsConfig: config.NotificationsConfig{FeedSize: 20},
		GatewayConfig:       gateway,
	}
	if cfg.GatewayConfig.FilterCacheSize == 0 {
		cfg.GatewayConfig.FilterCacheSize = 16
	}
	if cfg.GatewayConfig.SendBurst == 0 {
		cfg.GatewayConfig.SendBurst = 100
	}
	hub, err := NewHub(cfg, Services{
		Chat:     chat.New(db, cfg.ChatConfig),
		Feed:     feed.New(db, cfg.NotificationsConfig),
		Presence: presence.New(db, cfg.PresenceConfig),
	})
	require.NoError(t, err)
	server := httptest.NewServer(hub.Router())
	t.Cleanup(func() {
		hub.Close()
		server.Close()
		db.Close()
	})
	return server, hub
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, server *httptest.Server, query string) *testConn {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) emit(event string, data map[string]interface{}) {
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	err = c.conn.WriteJSON(types.WebsocketMessage{Event: event, Data: raw})
	require.NoError(c.t, err)
}

// expect reads until an event of the given name arrives for which match (optional) returns true.
func (c *testConn) expect(event string, v interface{}, match func() bool) {
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		msg := types.WebsocketMessage{}
		err := c.conn.ReadJSON(&msg)
		require.NoError(c.t, err, "waiting for %s", event)
		if msg.Event != event {
			continue
		}
		if v != nil {
			// decoding into a reused slice would keep fields of earlier elements
			rv := reflect.ValueOf(v).Elem()
			rv.Set(reflect.Zero(rv.Type()))
			require.NoError(c.t, json.Unmarshal(msg.Data, v))
		}
		if match == nil || match() {
			return
		}
	}
}

func (c *testConn) ack(requestId string) types.AckMessage {
	for {
		ack := types.AckMessage{}
		errMsg := types.ErrorMessage{}
		deadline := time.Now().Add(3 * time.Second)
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		msg := types.WebsocketMessage{}
		require.NoError(c.t, c.conn.ReadJSON(&msg))
		switch msg.Event {
		case types.WireEventAck:
			require.NoError(c.t, json.Unmarshal(msg.Data, &ack))
			if ack.RequestId == requestId {
				return ack
			}
		case types.WireEventError:
			require.NoError(c.t, json.Unmarshal(msg.Data, &errMsg))
			if errMsg.RequestId == requestId {
				c.t.Fatalf("request %s failed: %s", requestId, errMsg.Error)
			}
		}
	}
}

func (c *testConn) error(requestId string) types.ErrorMessage {
	errMsg := types.ErrorMessage{}
	c.expect(types.WireEventError, &errMsg, func() bool { return errMsg.RequestId == requestId })
	return errMsg
}

func TestChatScenario(t *testing.T) {
	server, hub := newTestServer(t, config.GatewayConfig{})
	u1 := dial(t, server, "user_id=u1&name=User+One")
	info := types.InfoMessage{}
	u1.expect(types.WireEventInfo, &info, nil)
	assert.Equal(t, "u1", info.User.Id)
	assert.Equal(t, "User One", info.User.Name)

	u1.emit(types.WireEventCreateRoom, map[string]interface{}{"request_id": "1", "name": "Team A"})
	roomId := u1.ack("1").Id
	require.NotEmpty(t, roomId)

	u1.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "2", "topic": "rooms"})
	rooms := make([]types.Room, 0)
	u1.expect(types.WireEventRooms, &rooms, func() bool { return len(rooms) == 1 })
	assert.Equal(t, "Team A", rooms[0].Name)
	assert.Empty(t, rooms[0].LastMessage)
	assert.True(t, rooms[0].IsAdmin("u1"))

	u2 := dial(t, server, "user_id=u2&name=Two")
	u2.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "s", "topic": "messages", "room_id": roomId})
	u2.ack("s")

	u1.emit(types.WireEventSend, map[string]interface{}{"request_id": "3", "room_id": roomId, "text": "hello"})
	msgs := types.MessagesMessage{}
	u2.expect(types.WireEventMessages, &msgs, func() bool { return len(msgs.Messages) == 1 })
	assert.Equal(t, "hello", msgs.Messages[0].Text)
	assert.Equal(t, "u1", msgs.Messages[0].SenderId)
	assert.Equal(t, "User One", msgs.Messages[0].SenderName)
	u1.expect(types.WireEventRooms, &rooms, func() bool { return len(rooms) == 1 && rooms[0].LastMessage == "hello" })
	assert.Equal(t, msgs.Messages[0].Timestamp, rooms[0].LastMessageTime)

	u1.emit(types.WireEventDelete, map[string]interface{}{"request_id": "4", "room_id": roomId, "message_id": msgs.Messages[0].Id})
	u2.expect(types.WireEventMessages, &msgs, func() bool { return len(msgs.Messages) == 1 && msgs.Messages[0].Deleted })
	assert.Equal(t, "deleted", msgs.Messages[0].Text)

	u1.emit(types.WireEventEdit, map[string]interface{}{"request_id": "5", "room_id": roomId, "message_id": msgs.Messages[0].Id, "text": "back"})
	errMsg := u1.error("5")
	assert.Contains(t, errMsg.Error, chat.ErrMessageDeleted.Error())

	assert.Equal(t, 2, hub.NoClients())
}

func TestRoomFilter(t *testing.T) {
	server, _ := newTestServer(t, config.GatewayConfig{RoomFilter: `User.Id in Room.Members`})
	u1 := dial(t, server, "user_id=u1")
	u1.emit(types.WireEventCreateRoom, map[string]interface{}{"request_id": "1", "name": "Team A"})
	u1.ack("1")

	u2 := dial(t, server, "user_id=u2")
	u2.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "2", "topic": "rooms"})
	rooms := make([]types.Room, 0)
	u2.expect(types.WireEventRooms, &rooms, nil)
	assert.Empty(t, rooms)

	u1.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "3", "topic": "rooms", "filter": `Room.Kind == "private"`})
	u1.expect(types.WireEventRooms, &rooms, nil)
	assert.Empty(t, rooms)

	u1.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "4", "topic": "rooms", "filter": `Room.Kind ==`})
	u1.error("4")
}

func TestNotificationsAndPresence(t *testing.T) {
	server, _ := newTestServer(t, config.GatewayConfig{})
	admin := dial(t, server, "user_id=admin&name=Admin")
	u := dial(t, server, "user_id=u")

	u.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "1", "topic": "presence"})
	online := make([]types.Presence, 0)
	u.expect(types.WireEventPresence, &online, func() bool { return len(online) == 2 })
	assert.Equal(t, "admin", online[0].UserId)
	assert.Equal(t, "u", online[1].UserId)

	u.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "2", "topic": "notifications"})
	u.ack("2")
	admin.emit(types.WireEventPushNotification, map[string]interface{}{"request_id": "3", "title": "Maintenance", "type": "general"})
	id := admin.ack("3").Id

	feedMsg := types.NotificationsMessage{}
	u.expect(types.WireEventNotifications, &feedMsg, func() bool { return len(feedMsg.Notifications) == 1 })
	assert.Equal(t, id, feedMsg.Notifications[0].Id)
	assert.Equal(t, "Admin", feedMsg.Notifications[0].CreatedBy)
	assert.Empty(t, feedMsg.Notifications[0].ReadBy)
	assert.Equal(t, 1, feedMsg.Unread)

	u.emit(types.WireEventMarkRead, map[string]interface{}{"request_id": "4", "notification_id": id})
	u.expect(types.WireEventNotifications, &feedMsg, func() bool { return feedMsg.Unread == 0 })
	assert.True(t, feedMsg.Notifications[0].IsReadBy("u"))

	admin.conn.Close()
	u.expect(types.WireEventPresence, &online, func() bool { return len(online) == 1 })
	assert.Equal(t, "u", online[0].UserId)
}

func TestTypingCountdown(t *testing.T) {
	server, _ := newTestServer(t, config.GatewayConfig{})
	u1 := dial(t, server, "user_id=u1")
	u2 := dial(t, server, "user_id=u2")
	u2.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "1", "topic": "typing", "room_id": "r1"})
	u2.ack("1")

	u1.emit(types.WireEventTyping, map[string]interface{}{"request_id": "2", "room_id": "r1", "typing": true})
	typing := types.TypingMessage{}
	u2.expect(types.WireEventTypingUsers, &typing, func() bool { return len(typing.UserIds) == 1 })
	assert.Equal(t, []string{"u1"}, typing.UserIds)
	// cleared by the countdown without any further event
	u2.expect(types.WireEventTypingUsers, &typing, func() bool { return len(typing.UserIds) == 0 })

	u1.emit(types.WireEventTyping, map[string]interface{}{"request_id": "3", "room_id": "r1", "typing": "true"})
	u2.expect(types.WireEventTypingUsers, &typing, func() bool { return len(typing.UserIds) == 1 })
	u1.emit(types.WireEventTyping, map[string]interface{}{"request_id": "4", "room_id": "r1", "typing": false})
	u2.expect(types.WireEventTypingUsers, &typing, func() bool { return len(typing.UserIds) == 0 })
}

func TestErrorsAndRateLimit(t *testing.T) {
	server, _ := newTestServer(t, config.GatewayConfig{SendRate: 0.001, SendBurst: 1})
	u := dial(t, server, "user_id=u")

	u.emit("bogus", map[string]interface{}{"request_id": "1"})
	assert.Contains(t, u.error("1").Error, "unknown event")
	u.emit(types.WireEventSubscribe, map[string]interface{}{"request_id": "2", "topic": "messages"})
	assert.Contains(t, u.error("2").Error, ErrMissingRoom.Error())
	u.emit(types.WireEventUnsubscribe, map[string]interface{}{"request_id": "3", "topic": "presence"})
	u.error("3")

	u.emit(types.WireEventCreateRoom, map[string]interface{}{"request_id": "4", "name": "R"})
	u.ack("4")
	u.emit(types.WireEventCreateRoom, map[string]interface{}{"request_id": "5", "name": "R"})
	assert.Equal(t, ErrRateLimited.Error(), u.error("5").Error)
}

func TestInvalidUser(t *testing.T) {
	server, _ := newTestServer(t, config.GatewayConfig{})
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?user_id=a.b"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	guest := dial(t, server, "")
	info := types.InfoMessage{}
	guest.expect(types.WireEventInfo, &info, nil)
	assert.True(t, strings.HasPrefix(info.User.Id, "guest-"))
	assert.True(t, strings.HasSuffix(info.User.Name, "(guest)"))
}

func TestREST(t *testing.T) {
	server, hub := newTestServer(t, config.GatewayConfig{})
	id, err := hub.services.Chat.CreateRoom(context.Background(), chat.NewRoom{Name: "Team A", CreatorId: "u1"})
	require.NoError(t, err)

	resp, err := http.Get(server.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	assert.NotEmpty(t, etag)
	body := struct {
		Data []types.Room `json:"data"`
	}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, id, body.Data[0].Id)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/rooms", nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp2.StatusCode)

	resp3, err := http.Get(server.URL + "/api/rooms/missing")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)

	resp4, err := http.Get(server.URL + "/api/rooms/" + id + "/messages")
	require.NoError(t, err)
	defer resp4.Body.Close()
	assert.Equal(t, http.StatusOK, resp4.StatusCode)
	msgs := struct {
		Data []types.Message `json:"data"`
	}{}
	require.NoError(t, json.NewDecoder(resp4.Body).Decode(&msgs))
	assert.Empty(t, msgs.Data)
}

func TestTypingKeystrokeAtExpiry(t *testing.T) {
	_, hub := newTestServer(t, config.GatewayConfig{})
	c := newClient(hub, nil, types.User{Id: "u1"})
	defer c.cancel()
	window := hub.services.Chat.TypingWindow()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.startTyping("r1"))
		typing, err := hub.services.Chat.Typing(context.Background(), "r1")
		require.NoError(t, err)
		assert.Equal(t, []string{"u1"}, typing, "keystroke %d", i)
		// the next keystroke arrives while the previous countdown fires
		time.Sleep(window)
	}
	c.stopTyping("r1")
	typing, err := hub.services.Chat.Typing(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, typing)
}

func TestReconnectKeepsUserOnline(t *testing.T) {
	_, hub := newTestServer(t, config.GatewayConfig{})
	ctx := context.Background()
	user := types.User{Id: "u", Name: "U"}

	for i := 0; i < 20; i++ {
		old := newClient(hub, nil, user)
		require.True(t, hub.connect(old))
		fresh := newClient(hub, nil, user)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			hub.disconnect(old)
			hub.handlers.Done()
		}()
		go func() {
			defer wg.Done()
			assert.True(t, hub.connect(fresh))
		}()
		wg.Wait()

		p, err := hub.services.Presence.Get(ctx, "u")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.True(t, p.Online, "round %d", i)

		hub.disconnect(fresh)
		hub.handlers.Done()
		p, err = hub.services.Presence.Get(ctx, "u")
		require.NoError(t, err)
		assert.False(t, p.Online)
		old.cancel()
		fresh.cancel()
	}
	assert.Equal(t, 0, hub.NoClients())
}
