package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

var clockMs int64 = 1000
var clockMu sync.Mutex

func now() time.Time {
	clockMu.Lock()
	defer clockMu.Unlock()
	return time.Unix(0, clockMs*int64(time.Millisecond))
}

func setClock(ms int64) {
	clockMu.Lock()
	clockMs = ms
	clockMu.Unlock()
}

func newTestTracker(t *testing.T, cfg config.PresenceConfig) *Tracker {
	setClock(1000)
	backend, err := store.NewBuntDBBackend(":memory:", "")
	require.NoError(t, err)
	db := store.NewDB(backend, store.WithClock(now))
	t.Cleanup(func() { db.Close() })
	return New(db, cfg, WithClock(now))
}

func ids(list []types.Presence) []string {
	res := make([]string, 0, len(list))
	for _, p := range list {
		res = append(res, p.UserId)
	}
	return res
}

func TestOnlineOffline(t *testing.T) {
	tr := newTestTracker(t, config.PresenceConfig{})
	ctx := context.Background()

	require.NoError(t, tr.SetOnline(ctx, "u2", "Two", ""))
	require.NoError(t, tr.SetOnline(ctx, "u1", "One", "https://a/1.png"))
	online, err := tr.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids(online))
	assert.Equal(t, "One", online[0].Name)
	assert.Equal(t, int64(1000), online[0].LastSeen)

	setClock(5000)
	require.NoError(t, tr.SetOffline(ctx, "u1"))
	online, err = tr.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, ids(online))

	p, err := tr.Get(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.False(t, p.Online)
	assert.Equal(t, "One", p.Name)
	assert.Equal(t, "https://a/1.png", p.Avatar)
	assert.Equal(t, int64(5000), p.LastSeen)

	p, err = tr.Get(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.Error(t, tr.SetOnline(ctx, "a/b", "x", ""))
}

func TestStaysOnlineWithoutCutoff(t *testing.T) {
	tr := newTestTracker(t, config.PresenceConfig{})
	ctx := context.Background()
	require.NoError(t, tr.SetOnline(ctx, "u1", "One", ""))
	setClock(1000 + int64(365*24*time.Hour/time.Millisecond))
	online, err := tr.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids(online))
}

func TestStaleCutoff(t *testing.T) {
	tr := newTestTracker(t, config.PresenceConfig{StaleAfter: 30 * time.Second})
	ctx := context.Background()
	require.NoError(t, tr.SetOnline(ctx, "u1", "One", ""))

	setClock(1000 + 29999)
	online, err := tr.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids(online))

	setClock(1000 + 30001)
	online, err = tr.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)

	require.NoError(t, tr.Heartbeat(ctx, "u1"))
	online, err = tr.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, ids(online))
}

func TestSubscribeOnline(t *testing.T) {
	tr := newTestTracker(t, config.PresenceConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, tr.SetOnline(ctx, "u1", "One", ""))

	var mu sync.Mutex
	var latest []types.Presence
	_, err := tr.SubscribeOnline(ctx, func(p []types.Presence) {
		mu.Lock()
		latest = p
		mu.Unlock()
	})
	require.NoError(t, err)
	current := func() []string {
		mu.Lock()
		defer mu.Unlock()
		if latest == nil {
			return nil
		}
		return ids(latest)
	}
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"u1"}, current())
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.SetOnline(ctx, "u2", "Two", ""))
	require.NoError(t, tr.SetOffline(ctx, "u1"))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"u2"}, current())
	}, time.Second, 5*time.Millisecond)
}
