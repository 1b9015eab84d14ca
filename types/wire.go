package types

import "encoding/json"

// Incoming websocket events (client -> server).
const (
	WireEventSubscribe        = "subscribe"
	WireEventUnsubscribe      = "unsubscribe"
	WireEventCreateRoom       = "create_room"
	WireEventAddMember        = "add_member"
	WireEventRemoveMember     = "remove_member"
	WireEventSend             = "send"
	WireEventEdit             = "edit"
	WireEventDelete           = "delete"
	WireEventTyping           = "typing"
	WireEventMarkRead         = "mark_read"
	WireEventPushNotification = "push_notification"
	WireEventHeartbeat        = "heartbeat"
)

// Outgoing websocket events (server -> client).
const (
	WireEventInfo          = "info"
	WireEventAck           = "ack"
	WireEventError         = "error"
	WireEventRooms         = "rooms"
	WireEventMessages      = "messages"
	WireEventTypingUsers   = "typing"
	WireEventNotifications = "notifications"
	WireEventPresence      = "presence"
)

// Subscription topics.
const (
	TopicRooms         = "rooms"
	TopicMessages      = "messages"
	TopicTyping        = "typing"
	TopicNotifications = "notifications"
	TopicPresence      = "presence"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewWebsocketMessage marshals data and wraps it into the envelope.
func NewWebsocketMessage(event string, data interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(WebsocketMessage{Event: event, Data: raw})
}

// Request is the union of all incoming event payloads, decoded with mapstructure.
type Request struct {
	RequestId      string `mapstructure:"request_id"`
	Topic          string `mapstructure:"topic"`
	Filter         string `mapstructure:"filter"`
	RoomId         string `mapstructure:"room_id"`
	MessageId      string `mapstructure:"message_id"`
	NotificationId string `mapstructure:"notification_id"`
	UserId         string `mapstructure:"user_id"`
	Name           string `mapstructure:"name"`
	Description    string `mapstructure:"description"`
	Avatar         string `mapstructure:"avatar"`
	Kind           string `mapstructure:"kind"`
	Text           string `mapstructure:"text"`
	Url            string `mapstructure:"url"`
	FileName       string `mapstructure:"file_name"`
	ReplyTo        string `mapstructure:"reply_to"`
	Typing         bool   `mapstructure:"typing"`
	Title          string `mapstructure:"title"`
	Body           string `mapstructure:"body"`
	Type           string `mapstructure:"type"`
}

type InfoMessage struct {
	User          User `json:"user"`
	NoConnections int  `json:"no_connections"`
}

type AckMessage struct {
	RequestId string `json:"request_id,omitempty"`
	Id        string `json:"id,omitempty"`
}

type ErrorMessage struct {
	RequestId string `json:"request_id,omitempty"`
	Error     string `json:"error"`
}

type MessagesMessage struct {
	RoomId   string    `json:"room_id"`
	Messages []Message `json:"messages"`
}

type TypingMessage struct {
	RoomId  string   `json:"room_id"`
	UserIds []string `json:"user_ids"`
}

type NotificationsMessage struct {
	Notifications []Notification `json:"notifications"`
	Unread        int            `json:"unread"`
}
