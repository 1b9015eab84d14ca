// Package feed implements the global notification feed with per-user read tracking.
package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

const notificationsPath = "notifications"

var (
	ErrInvalidType          = errors.New("invalid notification type")
	ErrInvalidNotification  = errors.New("invalid notification")
	ErrNotificationNotFound = errors.New("notification not found")
)

type Service struct {
	db     *store.DB
	size   int
	logger hclog.Logger
}

func New(db *store.DB, cfg config.NotificationsConfig) *Service {
	size := cfg.FeedSize
	if size <= 0 {
		size = 20
	}
	return &Service{
		db:     db,
		size:   size,
		logger: globals.AppLogger.Named("feed"),
	}
}

func (s *Service) query() store.Query {
	return store.Query{OrderByChild: "timestamp", LimitToLast: s.size}
}

// Push appends a notification with an empty read map and returns its id. An empty type means general.
func (s *Service) Push(ctx context.Context, title, body string, notificationType types.NotificationType, createdBy string) (string, error) {
	if strings.TrimSpace(title) == "" {
		return "", fmt.Errorf("%w: empty title", ErrInvalidNotification)
	}
	if notificationType == "" {
		notificationType = types.NotificationTypeGeneral
	}
	if !notificationType.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, notificationType)
	}
	id, err := s.db.Push(ctx, notificationsPath, map[string]interface{}{
		"title":     title,
		"body":      body,
		"type":      notificationType,
		"createdBy": createdBy,
		"timestamp": store.ServerTimestamp,
	})
	if err != nil {
		return "", fmt.Errorf("could not push notification: %w", err)
	}
	s.logger.Debug("notification pushed", "id", id, "type", notificationType)
	return id, nil
}

// Subscribe calls fn with the most recent notifications, newest first, now and after every change.
// Older notifications stay stored but are not delivered.
func (s *Service) Subscribe(ctx context.Context, fn func([]types.Notification)) (*store.Subscription, error) {
	return s.db.Subscribe(ctx, notificationsPath, s.query(), func(snap *store.Snapshot) {
		fn(s.decode(snap))
	})
}

// Recent returns the same list as Subscribe once.
func (s *Service) Recent(ctx context.Context) ([]types.Notification, error) {
	snap, err := s.db.Get(ctx, notificationsPath, s.query())
	if err != nil {
		return nil, err
	}
	return s.decode(snap), nil
}

// MarkRead records that userId has read the notification. Calling it again has no further effect.
func (s *Service) MarkRead(ctx context.Context, notificationId, userId string) error {
	if err := store.ValidateKey(notificationId); err != nil {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, err)
	}
	if err := store.ValidateKey(userId); err != nil {
		return fmt.Errorf("%w: user id %q: %s", ErrInvalidNotification, userId, err)
	}
	path := store.Join(notificationsPath, notificationId)
	snap, err := s.db.Get(ctx, store.Join(path, "title"), store.Query{})
	if err != nil {
		return err
	}
	if !snap.Exists() {
		return fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationId)
	}
	return s.db.Set(ctx, store.Join(path, "readBy", userId), true)
}

// UnreadCount returns how many of notifications userId has not read.
func UnreadCount(notifications []types.Notification, userId string) int {
	count := 0
	for i := range notifications {
		if !notifications[i].IsReadBy(userId) {
			count++
		}
	}
	return count
}

// decode reverses the ascending store order.
func (s *Service) decode(snap *store.Snapshot) []types.Notification {
	children := snap.Children()
	res := make([]types.Notification, 0, len(children))
	for i := len(children) - 1; i >= 0; i-- {
		n := types.Notification{}
		if err := children[i].Decode(&n); err != nil {
			s.logger.Warn("skipping malformed notification", "id", children[i].Key(), "error", err)
			continue
		}
		n.Id = children[i].Key()
		if n.ReadBy == nil {
			n.ReadBy = make(map[string]bool)
		}
		res = append(res, n)
	}
	return res
}
