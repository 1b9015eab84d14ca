package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"buntdb": func(t *testing.T) Backend {
			b, err := NewBuntDBBackend(":memory:", "")
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := NewGormBackend("sqlite", ":memory:")
			require.NoError(t, err)
			return b
		},
	}
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time {
		return time.Unix(0, ms*int64(time.Millisecond))
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, db *DB)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			db := NewDB(factory(t), WithClock(fixedClock(1000)))
			defer db.Close()
			fn(t, db)
		})
	}
}

type item struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Ts    int64  `json:"ts"`
}

func TestSetGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		err := db.Set(ctx, "items/a", map[string]interface{}{"name": "A", "count": 2, "nested": map[string]interface{}{"ok": true}})
		require.NoError(t, err)

		snap, err := db.Get(ctx, "items/a", Query{})
		require.NoError(t, err)
		assert.True(t, snap.Exists())
		assert.Equal(t, "a", snap.Key())
		var it item
		require.NoError(t, snap.Decode(&it))
		assert.Equal(t, "A", it.Name)
		assert.Equal(t, 2, it.Count)
		assert.Equal(t, true, snap.Child("nested").Child("ok").Value())

		snap, err = db.Get(ctx, "items/a/name", Query{})
		require.NoError(t, err)
		assert.Equal(t, "A", snap.Value())

		snap, err = db.Get(ctx, "items/missing", Query{})
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})
}

func TestSetReplacesSubtree(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		require.NoError(t, db.Set(ctx, "a", map[string]interface{}{"x": 1, "y": 2}))
		require.NoError(t, db.Set(ctx, "a", map[string]interface{}{"z": 3}))
		snap, err := db.Get(ctx, "a", Query{})
		require.NoError(t, err)
		raw, err := json.Marshal(snap)
		require.NoError(t, err)
		assert.JSONEq(t, `{"z":3}`, string(raw))

		// writing below a scalar replaces the scalar
		require.NoError(t, db.Set(ctx, "a/z/deep", "v"))
		snap, err = db.Get(ctx, "a", Query{})
		require.NoError(t, err)
		raw, _ = json.Marshal(snap)
		assert.JSONEq(t, `{"z":{"deep":"v"}}`, string(raw))

		require.NoError(t, db.Remove(ctx, "a/z"))
		snap, err = db.Get(ctx, "a", Query{})
		require.NoError(t, err)
		assert.False(t, snap.Exists())
	})
}

func TestPrefixIsolation(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		require.NoError(t, db.Set(ctx, "rooms/a_b", "1"))
		require.NoError(t, db.Set(ctx, "rooms/a%", "2"))
		require.NoError(t, db.Set(ctx, "rooms/a", map[string]interface{}{"k": "3"}))
		require.NoError(t, db.Set(ctx, "rooms/ab", "4"))

		snap, err := db.Get(ctx, "rooms/a", Query{})
		require.NoError(t, err)
		raw, _ := json.Marshal(snap)
		assert.JSONEq(t, `{"k":"3"}`, string(raw))

		require.NoError(t, db.Remove(ctx, "rooms/a"))
		snap, err = db.Get(ctx, "rooms", Query{})
		require.NoError(t, err)
		assert.Len(t, snap.Children(), 3)
	})
}

func TestKeysAreCaseSensitive(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		require.NoError(t, db.Set(ctx, "presence/Alice", map[string]interface{}{"name": "Upper"}))
		require.NoError(t, db.Set(ctx, "presence/alice", map[string]interface{}{"name": "lower", "online": true}))

		snap, err := db.Get(ctx, "presence/Alice", Query{})
		require.NoError(t, err)
		raw, _ := json.Marshal(snap)
		assert.JSONEq(t, `{"name":"Upper"}`, string(raw))

		snap, err = db.Get(ctx, "presence", Query{})
		require.NoError(t, err)
		raw, _ = json.Marshal(snap)
		assert.JSONEq(t, `{"Alice":{"name":"Upper"},"alice":{"name":"lower","online":true}}`, string(raw))

		require.NoError(t, db.Remove(ctx, "presence/ALICE"))
		require.NoError(t, db.Remove(ctx, "presence/alice"))
		snap, err = db.Get(ctx, "presence", Query{})
		require.NoError(t, err)
		require.Len(t, snap.Children(), 1)
		assert.Equal(t, "Alice", snap.Children()[0].Key())
	})
}

func TestServerTimestamp(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		err := db.Set(ctx, "x", map[string]interface{}{"name": "n", "ts": ServerTimestamp})
		require.NoError(t, err)
		snap, err := db.Get(ctx, "x", Query{})
		require.NoError(t, err)
		var it item
		require.NoError(t, snap.Decode(&it))
		assert.Equal(t, int64(1000), it.Ts)
	})
}

func TestUpdateMultiPath(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		require.NoError(t, db.Set(ctx, "rooms/r1", map[string]interface{}{"name": "R1", "lastMessage": "old"}))
		err := db.Update(ctx, "", map[string]interface{}{
			"messages/r1/m1":       map[string]interface{}{"text": "hi", "timestamp": ServerTimestamp},
			"rooms/r1/lastMessage": "hi",
		})
		require.NoError(t, err)
		snap, err := db.Get(ctx, "rooms/r1", Query{})
		require.NoError(t, err)
		raw, _ := json.Marshal(snap)
		assert.JSONEq(t, `{"name":"R1","lastMessage":"hi"}`, string(raw))
		snap, err = db.Get(ctx, "messages/r1/m1/timestamp", Query{})
		require.NoError(t, err)
		assert.Equal(t, json.Number("1000"), snap.Value())

		err = db.Update(ctx, "", map[string]interface{}{"a": 1, "a/b": 2})
		assert.ErrorIs(t, err, ErrOverlappingPaths)
		err = db.Update(ctx, "", map[string]interface{}{"a": 1, "a-c": 1, "a/b": 2})
		assert.ErrorIs(t, err, ErrOverlappingPaths)
	})
}

func TestInvalidPaths(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		assert.ErrorIs(t, db.Set(ctx, "a/b.c", 1), ErrInvalidPath)
		assert.ErrorIs(t, db.Set(ctx, "a//b", 1), ErrInvalidPath)
		assert.ErrorIs(t, db.Set(ctx, "", 1), ErrInvalidPath)
		assert.ErrorIs(t, db.Set(ctx, "a", map[string]interface{}{"b$": 1}), ErrInvalidPath)
		_, err := db.Get(ctx, "a/[x]", Query{})
		assert.ErrorIs(t, err, ErrInvalidPath)
	})
}

func TestPushOrderAndQuery(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		keys := make([]string, 0)
		for i, ts := range []int{30, 10, 20, 10} {
			key, err := db.Push(ctx, "list", map[string]interface{}{"ts": ts, "count": i})
			require.NoError(t, err)
			keys = append(keys, key)
		}
		for i := 1; i < len(keys); i++ {
			assert.Less(t, keys[i-1], keys[i])
		}

		snap, err := db.Get(ctx, "list", Query{})
		require.NoError(t, err)
		require.Len(t, snap.Children(), 4)
		assert.Equal(t, keys[0], snap.Children()[0].Key())

		snap, err = db.Get(ctx, "list", Query{OrderByChild: "ts"})
		require.NoError(t, err)
		order := make([]string, 0)
		for _, c := range snap.Children() {
			order = append(order, c.Key())
		}
		assert.Equal(t, []string{keys[1], keys[3], keys[2], keys[0]}, order)

		snap, err = db.Get(ctx, "list", Query{OrderByChild: "ts", LimitToLast: 2})
		require.NoError(t, err)
		require.Len(t, snap.Children(), 2)
		assert.Equal(t, keys[2], snap.Children()[0].Key())
		assert.Equal(t, keys[0], snap.Children()[1].Key())
		assert.Len(t, snap.Value(), 2)
	})
}

type recorder struct {
	mu    sync.Mutex
	snaps []*Snapshot
	ch    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 100)}
}

func (r *recorder) record(s *Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) last() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) wait(t *testing.T) {
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}
}

func TestSubscribe(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		require.NoError(t, db.Set(ctx, "rooms/r1/name", "one"))

		rec := newRecorder()
		sub, err := db.Subscribe(ctx, "rooms", Query{}, rec.record)
		require.NoError(t, err)
		rec.wait(t)
		assert.Len(t, rec.last().Children(), 1)

		require.NoError(t, db.Set(ctx, "rooms/r2/name", "two"))
		assert.Eventually(t, func() bool {
			s := rec.last()
			return s != nil && len(s.Children()) == 2
		}, 2*time.Second, 10*time.Millisecond)

		// unrelated paths do not trigger deliveries
		n := rec.count()
		require.NoError(t, db.Set(ctx, "other/x", 1))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, n, rec.count())

		sub.Cancel()
		<-sub.Done()
		assert.Equal(t, 0, db.NoSubscriptions())
		n = rec.count()
		require.NoError(t, db.Set(ctx, "rooms/r3/name", "three"))
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, n, rec.count())
	})
}

func TestSubscribeAncestorWrite(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx, cancel := context.WithCancel(context.Background())
		rec := newRecorder()
		sub, err := db.Subscribe(ctx, "a/b/c", Query{}, rec.record)
		require.NoError(t, err)
		rec.wait(t)
		assert.False(t, rec.last().Exists())

		require.NoError(t, db.Set(context.Background(), "a", map[string]interface{}{"b": map[string]interface{}{"c": "v"}}))
		assert.Eventually(t, func() bool {
			s := rec.last()
			return s != nil && s.Value() == "v"
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case <-sub.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("subscription not stopped by context")
		}
	})
}

func TestClose(t *testing.T) {
	b, err := NewBuntDBBackend(":memory:", "")
	require.NoError(t, err)
	db := NewDB(b)
	sub, err := db.Subscribe(context.Background(), "x", Query{}, func(*Snapshot) {})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	<-sub.Done()
	assert.ErrorIs(t, db.Set(context.Background(), "x", 1), ErrClosed)
	_, err = db.Subscribe(context.Background(), "x", Query{}, func(*Snapshot) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, db.Close())
}

func TestBuntDBLock(t *testing.T) {
	dir := t.TempDir()
	b1, err := NewBuntDBBackend(dir+"/test.db", dir+"/test.db.lock")
	require.NoError(t, err)
	_, err = NewBuntDBBackend(dir+"/test.db", dir+"/test.db.lock")
	assert.Error(t, err)
	require.NoError(t, b1.Close())
	b2, err := NewBuntDBBackend(dir+"/test.db", dir+"/test.db.lock")
	require.NoError(t, err)
	require.NoError(t, b2.Close())
}

func TestTransaction(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		ctx := context.Background()
		require.NoError(t, db.Set(ctx, "counter", map[string]interface{}{"count": 1, "name": "c"}))

		incr := func(current *Snapshot) (interface{}, error) {
			var it item
			if err := current.Decode(&it); err != nil {
				return nil, err
			}
			it.Count++
			return it, nil
		}
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, db.Transaction(ctx, "counter", incr))
			}()
		}
		wg.Wait()
		snap, err := db.Get(ctx, "counter/count", Query{})
		require.NoError(t, err)
		assert.Equal(t, json.Number("6"), snap.Value())

		abort := errors.New("abort")
		err = db.Transaction(ctx, "counter", func(current *Snapshot) (interface{}, error) {
			return nil, abort
		})
		assert.ErrorIs(t, err, abort)
		snap, err = db.Get(ctx, "counter/name", Query{})
		require.NoError(t, err)
		assert.Equal(t, "c", snap.Value())
	})
}

func TestEscapeKey(t *testing.T) {
	key := EscapeKey("jane.doe@example.org/x#1")
	assert.Equal(t, "jane,doe@example,org_x_1", key)
	assert.NoError(t, ValidateKey(key))
}
