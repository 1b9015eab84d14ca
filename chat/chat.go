// Package chat implements the room directory and the per-room message streams, including typing indicators,
// on top of the realtime tree.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/store"
)

const (
	roomsPath    = "chatRooms"
	messagesPath = "messages"
	typingPath   = "typing"
)

var (
	ErrInvalidRoom     = errors.New("invalid room")
	ErrRoomNotFound    = errors.New("room not found")
	ErrEmptyMessage    = errors.New("empty message")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageDeleted  = errors.New("message was deleted")
)

type Service struct {
	db                 *store.DB
	deletedPlaceholder string
	typingWindow       time.Duration
	now                func() time.Time
	logger             hclog.Logger
}

type Option func(*Service)

// WithClock sets the local clock used to evaluate the typing window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func New(db *store.DB, cfg config.ChatConfig, opts ...Option) *Service {
	s := &Service{
		db:                 db,
		deletedPlaceholder: cfg.DeletedPlaceholder,
		typingWindow:       cfg.TypingWindow,
		now:                time.Now,
		logger:             globals.AppLogger.Named("chat"),
	}
	if s.typingWindow <= 0 {
		s.typingWindow = 3 * time.Second
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TypingWindow is the age after which a typing record no longer counts.
func (s *Service) TypingWindow() time.Duration {
	return s.typingWindow
}

func roomPath(roomId string) string {
	return store.Join(roomsPath, roomId)
}

func messagePath(roomId, messageId string) string {
	return store.Join(messagesPath, roomId, messageId)
}

// checkKey rejects ids that cannot be used as a single path segment.
func checkKey(kind error, id string) error {
	if err := store.ValidateKey(id); err != nil {
		return fmt.Errorf("%w: id %q: %s", kind, id, err)
	}
	return nil
}
