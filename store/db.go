package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/tcriess/orgchat/globals"
)

var (
	ErrClosed           = errors.New("store closed")
	ErrOverlappingPaths = errors.New("overlapping paths in update")
)

// ServerTimestamp can be used anywhere inside a written value, it is replaced by the store clock
// (Unix milliseconds) when the write is committed.
var ServerTimestamp = map[string]interface{}{".sv": "timestamp"}

// DB is the realtime tree: reads and writes go to the Backend, every committed write is published through the
// Notifier and re-delivers the full snapshot to all subscriptions whose subtree was touched.
type DB struct {
	backend  Backend
	notifier Notifier
	now      func() time.Time
	logger   hclog.Logger

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

type Option func(*DB)

// WithClock replaces time.Now as the source of server timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		db.now = now
	}
}

// WithNotifier replaces the default in-process notifier.
func WithNotifier(n Notifier) Option {
	return func(db *DB) {
		db.notifier = n
	}
}

func WithLogger(l hclog.Logger) Option {
	return func(db *DB) {
		db.logger = l
	}
}

// NewDB wraps backend. The DB owns the backend and the notifier, Close releases both.
func NewDB(backend Backend, opts ...Option) *DB {
	db := &DB{
		backend: backend,
		now:     time.Now,
		logger:  globals.AppLogger.Named("store"),
		subs:    make(map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}
	if db.notifier == nil {
		db.notifier = NewLocalNotifier()
	}
	db.notifier.Listen(db.dispatch)
	return db
}

// Now returns the current time of the store clock in Unix milliseconds.
func (db *DB) Now() int64 {
	return toMillis(db.now())
}

func toMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// NewKey generates a key for Push. Keys are UUIDv7 strings, their lexicographic order is the creation order.
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Get reads the subtree at path once.
func (db *DB) Get(ctx context.Context, path string, q Query) (*Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if db.isClosed() {
		return nil, ErrClosed
	}
	leaves, err := db.backend.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return buildSnapshot(path, leaves, q)
}

// Set replaces the subtree at path with value. A nil value removes the subtree.
func (db *DB) Set(ctx context.Context, path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("%w: cannot set the root", ErrInvalidPath)
	}
	return db.write(ctx, map[string]interface{}{path: value})
}

// Remove deletes the subtree at path.
func (db *DB) Remove(ctx context.Context, path string) error {
	return db.Set(ctx, path, nil)
}

// Update replaces each child of path named in partial. Keys may be relative multi-segment paths, so one Update
// at a common ancestor changes several places of the tree in one atomic transaction.
func (db *DB) Update(ctx context.Context, path string, partial map[string]interface{}) error {
	if len(partial) == 0 {
		return nil
	}
	ops := make(map[string]interface{}, len(partial))
	for k, v := range partial {
		p := Join(path, k)
		if p == "" || len(Split(p)) <= len(Split(path)) {
			return fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		ops[p] = v
	}
	return db.write(ctx, ops)
}

// Push stores value under a newly generated key below path and returns the key.
func (db *DB) Push(ctx context.Context, path string, value interface{}) (string, error) {
	key, err := NewKey()
	if err != nil {
		return "", err
	}
	err = db.Set(ctx, Join(path, key), value)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (db *DB) write(ctx context.Context, ops map[string]interface{}) error {
	if db.isClosed() {
		return ErrClosed
	}
	paths := make([]string, 0, len(ops))
	for p := range ops {
		if err := ValidatePath(p); err != nil {
			return err
		}
		paths = append(paths, Join(p))
	}
	sort.Strings(paths)
	for i := range paths {
		for j := i + 1; j < len(paths); j++ {
			if related(paths[i], paths[j]) {
				return fmt.Errorf("%w: %s and %s", ErrOverlappingPaths, paths[i], paths[j])
			}
		}
	}

	ts := db.Now()
	leavesByPath := make(map[string][]Leaf, len(paths))
	for p, v := range ops {
		leaves, err := flatten(Join(p), v, ts)
		if err != nil {
			return err
		}
		leavesByPath[Join(p)] = leaves
	}

	err := db.backend.Write(ctx, func(w Writer) error {
		for _, p := range paths {
			if err := replaceTree(w, p, leavesByPath[p]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	db.publish(ctx, paths)
	return nil
}

// replaceTree removes scalars at the ancestors of path and the old subtree, then stores leaves.
func replaceTree(w Writer, path string, leaves []Leaf) error {
	for _, a := range ancestors(path) {
		if err := w.Delete(a); err != nil {
			return err
		}
	}
	if err := w.DeleteTree(path); err != nil {
		return err
	}
	for _, leaf := range leaves {
		if err := w.Put(leaf.Path, leaf.Value); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) publish(ctx context.Context, paths []string) {
	if err := db.notifier.Publish(ctx, paths); err != nil {
		db.logger.Warn("could not publish change", "paths", paths, "error", err)
	}
}

// Transaction reads the subtree at path and replaces it with the value returned by fn, atomically. If fn returns
// an error nothing is written and the error is returned. Returning a nil value removes the subtree.
func (db *DB) Transaction(ctx context.Context, path string, fn func(current *Snapshot) (interface{}, error)) error {
	if path == "" {
		return fmt.Errorf("%w: cannot set the root", ErrInvalidPath)
	}
	if err := ValidatePath(path); err != nil {
		return err
	}
	if db.isClosed() {
		return ErrClosed
	}
	path = Join(path)
	ts := db.Now()
	err := db.backend.Write(ctx, func(w Writer) error {
		leaves, err := w.Read(path)
		if err != nil {
			return err
		}
		current, err := buildSnapshot(path, leaves, Query{})
		if err != nil {
			return err
		}
		value, err := fn(current)
		if err != nil {
			return err
		}
		newLeaves, err := flatten(path, value, ts)
		if err != nil {
			return err
		}
		return replaceTree(w, path, newLeaves)
	})
	if err != nil {
		return err
	}
	db.publish(ctx, []string{path})
	return nil
}

// flatten converts value into leaves below path, replacing ServerTimestamp with ts.
func flatten(path string, value interface{}, ts int64) ([]Leaf, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	leaves := make([]Leaf, 0)
	err = flattenInto(path, generic, ts, &leaves)
	return leaves, err
}

func flattenInto(path string, v interface{}, ts int64, leaves *[]Leaf) error {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		if isServerTimestamp(val) {
			*leaves = append(*leaves, Leaf{Path: path, Value: strconv.FormatInt(ts, 10)})
			return nil
		}
		for k, child := range val {
			if err := ValidateKey(k); err != nil {
				return fmt.Errorf("%w %q: %s", ErrInvalidPath, Join(path, k), err)
			}
			if err := flattenInto(Join(path, k), child, ts, leaves); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for i, child := range val {
			if err := flattenInto(Join(path, strconv.Itoa(i)), child, ts, leaves); err != nil {
				return err
			}
		}
		return nil
	default:
		if path == "" {
			return fmt.Errorf("%w: scalar at the root", ErrInvalidPath)
		}
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		*leaves = append(*leaves, Leaf{Path: path, Value: string(enc)})
		return nil
	}
}

func isServerTimestamp(m map[string]interface{}) bool {
	if len(m) != 1 {
		return false
	}
	sv, ok := m[".sv"].(string)
	return ok && sv == "timestamp"
}

// Subscribe delivers the snapshot at path to fn now and again after every committed change that touches the
// subtree. Deliveries of one subscription never overlap and never go back in commit order, several changes in
// quick succession may be delivered as one snapshot. The subscription ends when Cancel is called or ctx is done.
func (db *DB) Subscribe(ctx context.Context, path string, q Query, fn func(*Snapshot)) (*Subscription, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		db:     db,
		path:   Join(path),
		query:  q,
		fn:     fn,
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	db.subs[sub] = struct{}{}
	db.mu.Unlock()

	go sub.run()
	return sub, nil
}

func (db *DB) unregister(sub *Subscription) {
	db.mu.Lock()
	delete(db.subs, sub)
	db.mu.Unlock()
}

// dispatch marks every subscription related to one of the changed paths as dirty.
func (db *DB) dispatch(paths []string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for sub := range db.subs {
		for _, p := range paths {
			if related(sub.path, p) {
				sub.markDirty()
				break
			}
		}
	}
}

// NoSubscriptions returns the number of live subscriptions.
func (db *DB) NoSubscriptions() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.subs)
}

func (db *DB) isClosed() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.closed
}

// Close cancels all subscriptions and closes the notifier and the backend.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	subs := make([]*Subscription, 0, len(db.subs))
	for sub := range db.subs {
		subs = append(subs, sub)
	}
	db.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	if err := db.notifier.Close(); err != nil {
		db.logger.Warn("could not close notifier", "error", err)
	}
	return db.backend.Close()
}
