package ws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/antonmedv/expr/vm"
	"github.com/tcriess/orgchat/chat"
	"github.com/tcriess/orgchat/feed"
	"github.com/tcriess/orgchat/filter"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrUnknownTopic   = errors.New("unknown topic")
	ErrMissingRoom    = errors.New("missing room_id")
	ErrNotSubscribed  = errors.New("not subscribed")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrMissingUser    = errors.New("missing user_id")
	ErrMissingMessage = errors.New("missing message_id")
)

// write commands count against the rate limit of the connection
var rateLimited = map[string]bool{
	types.WireEventCreateRoom:       true,
	types.WireEventAddMember:        true,
	types.WireEventRemoveMember:     true,
	types.WireEventSend:             true,
	types.WireEventEdit:             true,
	types.WireEventDelete:           true,
	types.WireEventMarkRead:         true,
	types.WireEventPushNotification: true,
}

// handle executes one incoming event. Failures are reported to the client as error events, successful commands
// are acknowledged.
func (c *Client) handle(event string, req types.Request) {
	if rateLimited[event] && !c.limiter.Allow() {
		c.sendError(req.RequestId, ErrRateLimited)
		return
	}
	id, err := c.execute(event, req)
	if err != nil {
		c.hub.logger.Debug("command failed", "event", event, "user", c.user.Id, "error", err)
		c.sendError(req.RequestId, err)
		return
	}
	c.sendAck(req.RequestId, id)
}

func (c *Client) execute(event string, req types.Request) (string, error) {
	ctx := c.ctx
	services := c.hub.services
	switch event {
	case types.WireEventSubscribe:
		return "", c.handleSubscribe(req)

	case types.WireEventUnsubscribe:
		key, err := subscriptionKey(req)
		if err != nil {
			return "", err
		}
		if !c.unsubscribe(key) {
			return "", fmt.Errorf("%w: %s", ErrNotSubscribed, key)
		}
		return "", nil

	case types.WireEventCreateRoom:
		return services.Chat.CreateRoom(ctx, chat.NewRoom{
			Name:        req.Name,
			Description: req.Description,
			Avatar:      req.Avatar,
			Kind:        types.RoomKind(req.Kind),
			CreatorId:   c.user.Id,
		})

	case types.WireEventAddMember, types.WireEventRemoveMember:
		if req.RoomId == "" {
			return "", ErrMissingRoom
		}
		if req.UserId == "" {
			return "", ErrMissingUser
		}
		if event == types.WireEventAddMember {
			return "", services.Chat.AddMember(ctx, req.RoomId, req.UserId)
		}
		return "", services.Chat.RemoveMember(ctx, req.RoomId, req.UserId)

	case types.WireEventSend:
		if req.RoomId == "" {
			return "", ErrMissingRoom
		}
		sender := chat.Sender{Id: c.user.Id, Name: c.user.Name, Avatar: c.user.Avatar}
		id, err := services.Chat.SendMessage(ctx, req.RoomId, sender, chat.Outgoing{
			Kind:     types.MessageKind(req.Kind),
			Text:     req.Text,
			Url:      req.Url,
			FileName: req.FileName,
			ReplyTo:  req.ReplyTo,
		})
		if err != nil {
			return "", err
		}
		c.stopTyping(req.RoomId)
		return id, nil

	case types.WireEventEdit, types.WireEventDelete:
		if req.RoomId == "" {
			return "", ErrMissingRoom
		}
		if req.MessageId == "" {
			return "", ErrMissingMessage
		}
		if event == types.WireEventEdit {
			return req.MessageId, services.Chat.Edit(ctx, req.RoomId, req.MessageId, req.Text)
		}
		return req.MessageId, services.Chat.SoftDelete(ctx, req.RoomId, req.MessageId)

	case types.WireEventTyping:
		if req.RoomId == "" {
			return "", ErrMissingRoom
		}
		if !req.Typing {
			c.stopTyping(req.RoomId)
			return "", nil
		}
		return "", c.startTyping(req.RoomId)

	case types.WireEventMarkRead:
		return req.NotificationId, services.Feed.MarkRead(ctx, req.NotificationId, c.user.Id)

	case types.WireEventPushNotification:
		return services.Feed.Push(ctx, req.Title, req.Body, types.NotificationType(req.Type), c.user.Name)

	case types.WireEventHeartbeat:
		return "", services.Presence.Heartbeat(ctx, c.user.Id)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
}

func subscriptionKey(req types.Request) (string, error) {
	switch req.Topic {
	case types.TopicRooms, types.TopicNotifications, types.TopicPresence:
		return req.Topic, nil
	case types.TopicMessages, types.TopicTyping:
		if req.RoomId == "" {
			return "", ErrMissingRoom
		}
		return req.Topic + "/" + req.RoomId, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTopic, req.Topic)
}

func (c *Client) handleSubscribe(req types.Request) error {
	key, err := subscriptionKey(req)
	if err != nil {
		return err
	}
	services := c.hub.services
	switch req.Topic {
	case types.TopicRooms:
		clientFilter, err := c.hub.compiler.Compile(req.Filter)
		if err != nil {
			return err
		}
		progs := []*vm.Program{c.hub.roomFilter, clientFilter}
		return c.subscribe(key, func(ctx context.Context) (*store.Subscription, error) {
			return services.Chat.ListRooms(ctx, func(rooms []types.Room) {
				c.send(types.WireEventRooms, filter.Rooms(c.user, rooms, progs...))
			})
		})

	case types.TopicMessages:
		roomId := req.RoomId
		return c.subscribe(key, func(ctx context.Context) (*store.Subscription, error) {
			return services.Chat.SubscribeMessages(ctx, roomId, func(messages []types.Message) {
				c.send(types.WireEventMessages, types.MessagesMessage{RoomId: roomId, Messages: messages})
			})
		})

	case types.TopicTyping:
		roomId := req.RoomId
		return c.subscribe(key, func(ctx context.Context) (*store.Subscription, error) {
			return services.Chat.SubscribeTyping(ctx, roomId, func(userIds []string) {
				c.send(types.WireEventTypingUsers, types.TypingMessage{RoomId: roomId, UserIds: userIds})
			})
		})

	case types.TopicNotifications:
		return c.subscribe(key, func(ctx context.Context) (*store.Subscription, error) {
			return services.Feed.Subscribe(ctx, func(notifications []types.Notification) {
				c.send(types.WireEventNotifications, types.NotificationsMessage{
					Notifications: notifications,
					Unread:        feed.UnreadCount(notifications, c.user.Id),
				})
			})
		})

	case types.TopicPresence:
		return c.subscribe(key, func(ctx context.Context) (*store.Subscription, error) {
			return services.Presence.SubscribeOnline(ctx, func(online []types.Presence) {
				c.send(types.WireEventPresence, online)
			})
		})
	}
	return nil
}

// startTyping writes the typing record and (re)starts the countdown that clears it when no further keystroke
// arrives within the typing window. All typing writes of a client happen under typingMu, so an expiring countdown
// never clears a record written after it.
func (c *Client) startTyping(roomId string) error {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if timer, ok := c.typingTimers[roomId]; ok {
		timer.Stop()
		delete(c.typingTimers, roomId)
	}
	err := c.hub.services.Chat.SetTyping(c.ctx, roomId, c.user.Id, true)
	if err != nil {
		return err
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.hub.services.Chat.TypingWindow(), func() {
		c.typingMu.Lock()
		defer c.typingMu.Unlock()
		if c.typingTimers[roomId] != timer {
			return
		}
		delete(c.typingTimers, roomId)
		c.clearTyping(roomId)
	})
	c.typingTimers[roomId] = timer
	return nil
}

// stopTyping clears the typing record at once.
func (c *Client) stopTyping(roomId string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if timer, ok := c.typingTimers[roomId]; ok {
		timer.Stop()
		delete(c.typingTimers, roomId)
	}
	c.clearTyping(roomId)
}

func (c *Client) clearTyping(roomId string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.hub.services.Chat.SetTyping(ctx, roomId, c.user.Id, false); err != nil {
		c.hub.logger.Warn("could not clear typing", "room", roomId, "user", c.user.Id, "error", err)
	}
}

