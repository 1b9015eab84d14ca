// Package presence tracks which users are online. There is one record per user id.
package presence

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

const presencePath = "presence"

type Tracker struct {
	db         *store.DB
	staleAfter time.Duration
	now        func() time.Time
	logger     hclog.Logger
}

type Option func(*Tracker)

// WithClock sets the clock used for the stale cutoff.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates the tracker. With cfg.StaleAfter 0 an online flag stays valid until SetOffline is called, even if the
// client disappeared without doing so. Otherwise a record only counts as online while its lastSeen is younger
// than StaleAfter.
func New(db *store.DB, cfg config.PresenceConfig, opts ...Option) *Tracker {
	t := &Tracker{
		db:         db,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
		logger:     globals.AppLogger.Named("presence"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func userPath(userId string) (string, error) {
	if err := store.ValidateKey(userId); err != nil {
		return "", fmt.Errorf("invalid user id %q: %w", userId, err)
	}
	return store.Join(presencePath, userId), nil
}

// SetOnline overwrites the record of the user.
func (t *Tracker) SetOnline(ctx context.Context, userId, name, avatar string) error {
	path, err := userPath(userId)
	if err != nil {
		return err
	}
	value := map[string]interface{}{
		"online":   true,
		"name":     name,
		"lastSeen": store.ServerTimestamp,
	}
	if avatar != "" {
		value["avatar"] = avatar
	}
	return t.db.Set(ctx, path, value)
}

// SetOffline clears the online flag and refreshes lastSeen, name and avatar are kept.
func (t *Tracker) SetOffline(ctx context.Context, userId string) error {
	path, err := userPath(userId)
	if err != nil {
		return err
	}
	return t.db.Update(ctx, path, map[string]interface{}{
		"online":   false,
		"lastSeen": store.ServerTimestamp,
	})
}

// Heartbeat refreshes lastSeen of a user that is online.
func (t *Tracker) Heartbeat(ctx context.Context, userId string) error {
	path, err := userPath(userId)
	if err != nil {
		return err
	}
	return t.db.Set(ctx, store.Join(path, "lastSeen"), store.ServerTimestamp)
}

// SubscribeOnline calls fn with the online users, sorted by id, now and after every change.
func (t *Tracker) SubscribeOnline(ctx context.Context, fn func([]types.Presence)) (*store.Subscription, error) {
	return t.db.Subscribe(ctx, presencePath, store.Query{}, func(snap *store.Snapshot) {
		fn(t.online(snap))
	})
}

// Online returns the online users once.
func (t *Tracker) Online(ctx context.Context) ([]types.Presence, error) {
	snap, err := t.db.Get(ctx, presencePath, store.Query{})
	if err != nil {
		return nil, err
	}
	return t.online(snap), nil
}

// Get returns the record of a single user, nil if there is none.
func (t *Tracker) Get(ctx context.Context, userId string) (*types.Presence, error) {
	path, err := userPath(userId)
	if err != nil {
		return nil, err
	}
	snap, err := t.db.Get(ctx, path, store.Query{})
	if err != nil {
		return nil, err
	}
	if !snap.Exists() {
		return nil, nil
	}
	p := types.Presence{}
	if err := snap.Decode(&p); err != nil {
		return nil, err
	}
	p.UserId = userId
	return &p, nil
}

func (t *Tracker) online(snap *store.Snapshot) []types.Presence {
	var cutoff int64
	if t.staleAfter > 0 {
		cutoff = t.now().Add(-t.staleAfter).UnixNano() / int64(time.Millisecond)
	}
	res := make([]types.Presence, 0)
	for _, child := range snap.Children() {
		p := types.Presence{}
		if err := child.Decode(&p); err != nil {
			t.logger.Warn("skipping malformed presence record", "user", child.Key(), "error", err)
			continue
		}
		if !p.Online || p.LastSeen < cutoff {
			continue
		}
		p.UserId = child.Key()
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].UserId < res[j].UserId
	})
	return res
}
