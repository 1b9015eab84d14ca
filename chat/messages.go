package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

// Sender is the denormalized author information stored with every message.
type Sender struct {
	Id     string
	Name   string
	Avatar string
}

// Outgoing is the content of a message to be sent. Url is the public url of an uploaded image or file.
type Outgoing struct {
	Kind     types.MessageKind
	Text     string
	Url      string
	FileName string
	ReplyTo  string
}

var messageQuery = store.Query{OrderByChild: "timestamp"}

// SubscribeMessages calls fn with the full history of the room now and after every change, ordered by timestamp
// ascending, messages with the same timestamp in key (creation) order.
func (s *Service) SubscribeMessages(ctx context.Context, roomId string, fn func([]types.Message)) (*store.Subscription, error) {
	if err := checkKey(ErrRoomNotFound, roomId); err != nil {
		return nil, err
	}
	return s.db.Subscribe(ctx, store.Join(messagesPath, roomId), messageQuery, func(snap *store.Snapshot) {
		fn(s.decodeMessages(snap))
	})
}

// Messages returns the history of the room once.
func (s *Service) Messages(ctx context.Context, roomId string) ([]types.Message, error) {
	if err := checkKey(ErrRoomNotFound, roomId); err != nil {
		return nil, err
	}
	snap, err := s.db.Get(ctx, store.Join(messagesPath, roomId), messageQuery)
	if err != nil {
		return nil, err
	}
	return s.decodeMessages(snap), nil
}

// Send appends a text message to the room, see SendMessage.
func (s *Service) Send(ctx context.Context, roomId string, sender Sender, text string) (string, error) {
	return s.SendMessage(ctx, roomId, sender, Outgoing{Kind: types.MessageKindText, Text: text})
}

// SendMessage appends a message to the room and updates the last message preview of the room. Both writes commit
// in one transaction and carry the same server timestamp.
func (s *Service) SendMessage(ctx context.Context, roomId string, sender Sender, out Outgoing) (string, error) {
	if err := checkKey(ErrInvalidMessage, sender.Id); err != nil {
		return "", err
	}
	if out.Kind == "" {
		out.Kind = types.MessageKindText
	}
	value := map[string]interface{}{
		"text":       out.Text,
		"senderId":   sender.Id,
		"senderName": sender.Name,
		"timestamp":  store.ServerTimestamp,
		"type":       out.Kind,
	}
	switch out.Kind {
	case types.MessageKindText:
		if strings.TrimSpace(out.Text) == "" {
			return "", ErrEmptyMessage
		}
	case types.MessageKindImage:
		if out.Url == "" {
			return "", fmt.Errorf("%w: image without url", ErrInvalidMessage)
		}
		value["imageUrl"] = out.Url
	case types.MessageKindFile:
		if out.Url == "" {
			return "", fmt.Errorf("%w: file without url", ErrInvalidMessage)
		}
		value["fileUrl"] = out.Url
		if out.FileName != "" {
			value["fileName"] = out.FileName
		}
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, out.Kind)
	}
	if sender.Avatar != "" {
		value["senderAvatar"] = sender.Avatar
	}
	if out.ReplyTo != "" {
		if err := checkKey(ErrInvalidMessage, out.ReplyTo); err != nil {
			return "", err
		}
		value["replyTo"] = out.ReplyTo
	}
	if _, err := s.Room(ctx, roomId); err != nil {
		return "", err
	}

	id, err := store.NewKey()
	if err != nil {
		return "", err
	}
	err = s.db.Update(ctx, "", map[string]interface{}{
		messagePath(roomId, id):                         value,
		store.Join(roomPath(roomId), "lastMessage"):     preview(out),
		store.Join(roomPath(roomId), "lastMessageTime"): store.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("could not send message: %w", err)
	}
	return id, nil
}

func preview(out Outgoing) string {
	if out.Text != "" {
		return out.Text
	}
	if out.FileName != "" {
		return out.FileName
	}
	return string(out.Kind)
}

// Edit replaces the text of a message and marks it as edited. There is no check who edits.
func (s *Service) Edit(ctx context.Context, roomId, messageId, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return s.modifyMessage(ctx, roomId, messageId, func(msg *types.Message) error {
		if msg.Deleted {
			return fmt.Errorf("%w: %s", ErrMessageDeleted, messageId)
		}
		msg.Text = text
		msg.Edited = true
		return nil
	})
}

// SoftDelete marks a message as deleted and replaces its content with the placeholder. The original text and
// attachments cannot be restored.
func (s *Service) SoftDelete(ctx context.Context, roomId, messageId string) error {
	return s.modifyMessage(ctx, roomId, messageId, func(msg *types.Message) error {
		msg.Deleted = true
		msg.Text = s.deletedPlaceholder
		msg.ImageUrl = ""
		msg.FileUrl = ""
		msg.FileName = ""
		return nil
	})
}

func (s *Service) modifyMessage(ctx context.Context, roomId, messageId string, fn func(msg *types.Message) error) error {
	if err := checkKey(ErrMessageNotFound, roomId); err != nil {
		return err
	}
	if err := checkKey(ErrMessageNotFound, messageId); err != nil {
		return err
	}
	return s.db.Transaction(ctx, messagePath(roomId, messageId), func(current *store.Snapshot) (interface{}, error) {
		if !current.Exists() {
			return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageId)
		}
		msg, err := decodeMessage(current)
		if err != nil {
			return nil, err
		}
		if err := fn(&msg); err != nil {
			return nil, err
		}
		msg.Id = ""
		return msg, nil
	})
}

func (s *Service) decodeMessages(snap *store.Snapshot) []types.Message {
	messages := make([]types.Message, 0, len(snap.Children()))
	for _, child := range snap.Children() {
		msg, err := decodeMessage(child)
		if err != nil {
			s.logger.Warn("skipping malformed message", "message", child.Path(), "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

func decodeMessage(snap *store.Snapshot) (types.Message, error) {
	msg := types.Message{}
	if err := snap.Decode(&msg); err != nil {
		return msg, err
	}
	msg.Id = snap.Key()
	return msg, nil
}
