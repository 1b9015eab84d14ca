package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

// SetTyping writes the typing record of the user with the current server time, or clears it.
func (s *Service) SetTyping(ctx context.Context, roomId, userId string, isTyping bool) error {
	if err := checkKey(ErrInvalidRoom, roomId); err != nil {
		return err
	}
	if err := checkKey(ErrInvalidRoom, userId); err != nil {
		return err
	}
	path := store.Join(typingPath, roomId, userId)
	if !isTyping {
		return s.db.Remove(ctx, path)
	}
	return s.db.Set(ctx, path, map[string]interface{}{"timestamp": store.ServerTimestamp})
}

// Typing returns the ids of the users currently typing in the room, sorted.
func (s *Service) Typing(ctx context.Context, roomId string) ([]string, error) {
	if err := checkKey(ErrInvalidRoom, roomId); err != nil {
		return nil, err
	}
	snap, err := s.db.Get(ctx, store.Join(typingPath, roomId), store.Query{})
	if err != nil {
		return nil, err
	}
	active, _ := activeTypers(s.decodeTyping(snap), s.now(), s.typingWindow)
	return active, nil
}

// SubscribeTyping calls fn with the ids of the users typing in the room. A record counts while it is younger than
// the typing window measured with the local clock. Besides every change of the records, the set is evaluated
// again when the oldest active record expires, so users drop out without another write.
func (s *Service) SubscribeTyping(ctx context.Context, roomId string, fn func([]string)) (*store.Subscription, error) {
	if err := checkKey(ErrInvalidRoom, roomId); err != nil {
		return nil, err
	}
	w := &typingWatcher{service: s, fn: fn}
	sub, err := s.db.Subscribe(ctx, store.Join(typingPath, roomId), store.Query{}, func(snap *store.Snapshot) {
		w.update(s.decodeTyping(snap))
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-sub.Done()
		w.stop()
	}()
	return sub, nil
}

type typingWatcher struct {
	service *Service
	fn      func([]string)

	mu      sync.Mutex
	records map[string]int64
	last    []string
	timer   *time.Timer
	stopped bool
}

func (w *typingWatcher) update(records map[string]int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.records = records
	w.evaluate(true)
}

func (w *typingWatcher) expire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.evaluate(false)
}

// evaluate must be called with mu held. Without force fn is only called if the set changed.
func (w *typingWatcher) evaluate(force bool) {
	active, next := activeTypers(w.records, w.service.now(), w.service.typingWindow)
	if force || !equalStrings(active, w.last) {
		w.last = active
		w.fn(active)
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if next > 0 {
		w.timer = time.AfterFunc(next, w.expire)
	}
}

func (w *typingWatcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// activeTypers returns the sorted ids of the records younger than window at now, and the time until the first
// of them expires (0 if none is active).
func activeTypers(records map[string]int64, now time.Time, window time.Duration) ([]string, time.Duration) {
	nowMs := now.UnixNano() / int64(time.Millisecond)
	windowMs := window.Milliseconds()
	active := make([]string, 0)
	var next time.Duration
	for userId, ts := range records {
		age := nowMs - ts
		if age >= windowMs {
			continue
		}
		active = append(active, userId)
		remaining := time.Duration(windowMs-age) * time.Millisecond
		if next == 0 || remaining < next {
			next = remaining
		}
	}
	sort.Strings(active)
	return active, next
}

func (s *Service) decodeTyping(snap *store.Snapshot) map[string]int64 {
	records := make(map[string]int64, len(snap.Children()))
	for _, child := range snap.Children() {
		rec := types.TypingRecord{}
		if err := child.Decode(&rec); err != nil {
			s.logger.Debug("skipping malformed typing record", "path", child.Path(), "error", err)
			continue
		}
		records[child.Key()] = rec.Timestamp
	}
	return records
}

// errNothingStale aborts a purge transaction without writing.
var errNothingStale = errors.New("no stale typing records")

// PurgeStaleTyping removes the typing records of all rooms older than olderThan and returns how many were removed.
// Reads already ignore such records, this only keeps the tree small.
func (s *Service) PurgeStaleTyping(ctx context.Context, olderThan time.Duration) (int, error) {
	snap, err := s.db.Get(ctx, typingPath, store.Query{})
	if err != nil {
		return 0, err
	}
	cutoff := s.db.Now() - olderThan.Milliseconds()
	total := 0
	for _, room := range snap.Children() {
		if len(staleTypers(s.decodeTyping(room), cutoff)) == 0 {
			continue
		}
		n, err := s.purgeRoom(ctx, room.Key(), cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		s.logger.Debug("purged stale typing records", "count", total)
	}
	return total, nil
}

// purgeRoom removes the records of the room written before cutoff. The records are checked again inside the
// transaction, a user typing again since the first read keeps the fresh record.
func (s *Service) purgeRoom(ctx context.Context, roomId string, cutoff int64) (int, error) {
	removed := 0
	err := s.db.Transaction(ctx, store.Join(typingPath, roomId), func(current *store.Snapshot) (interface{}, error) {
		records := s.decodeTyping(current)
		stale := staleTypers(records, cutoff)
		if len(stale) == 0 {
			return nil, errNothingStale
		}
		for _, userId := range stale {
			delete(records, userId)
		}
		removed = len(stale)
		if len(records) == 0 {
			return nil, nil
		}
		value := make(map[string]interface{}, len(records))
		for userId, ts := range records {
			value[userId] = types.TypingRecord{Timestamp: ts}
		}
		return value, nil
	})
	if errors.Is(err, errNothingStale) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func staleTypers(records map[string]int64, cutoff int64) []string {
	stale := make([]string, 0)
	for userId, ts := range records {
		if ts < cutoff {
			stale = append(stale, userId)
		}
	}
	return stale
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
