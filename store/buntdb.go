package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/flock"
	"github.com/tidwall/buntdb"
)

const buntKeyPrefix = "node:"

// BuntDBBackend keeps the leaves in a buntdb database, one key per leaf. Only a single process may open a
// database file, this is enforced by a file lock next to it.
type BuntDBBackend struct {
	db   *buntdb.DB
	lock *flock.Flock
}

// NewBuntDBBackend opens (or creates) the database fileName, ":memory:" keeps everything in memory.
// An empty lockPath disables the file lock.
func NewBuntDBBackend(fileName, lockPath string) (*BuntDBBackend, error) {
	var lock *flock.Flock
	if lockPath != "" {
		lock = flock.New(lockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return nil, err
		}
		if !locked {
			return nil, fmt.Errorf("database %s is locked by another process (%s)", fileName, lockPath)
		}
	}
	db, err := buntdb.Open(fileName)
	if err != nil {
		if lock != nil {
			lock.Unlock()
		}
		return nil, err
	}
	return &BuntDBBackend{db: db, lock: lock}, nil
}

func buntKey(path string) string {
	return buntKeyPrefix + path
}

func (b *BuntDBBackend) Read(_ context.Context, path string) ([]Leaf, error) {
	var leaves []Leaf
	err := b.db.View(func(tx *buntdb.Tx) error {
		var err error
		leaves, err = readTx(tx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return leaves, nil
}

func readTx(tx *buntdb.Tx, path string) ([]Leaf, error) {
	leaves := make([]Leaf, 0)
	if path != "" {
		val, err := tx.Get(buntKey(path))
		switch {
		case err == nil:
			return append(leaves, Leaf{Path: path, Value: val}), nil
		case !errors.Is(err, buntdb.ErrNotFound):
			return nil, err
		}
	}
	err := tx.AscendKeys(subtreePattern(path), func(key, val string) bool {
		leaves = append(leaves, Leaf{Path: key[len(buntKeyPrefix):], Value: val})
		return true
	})
	return leaves, err
}

func subtreePattern(path string) string {
	if path == "" {
		return buntKeyPrefix + "*"
	}
	return buntKey(path) + pathSep + "*"
}

func (b *BuntDBBackend) Write(_ context.Context, fn func(Writer) error) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		return fn(&buntWriter{tx: tx})
	})
}

func (b *BuntDBBackend) Close() error {
	err := b.db.Close()
	if b.lock != nil {
		if lockErr := b.lock.Unlock(); lockErr != nil && err == nil {
			err = lockErr
		}
	}
	return err
}

type buntWriter struct {
	tx *buntdb.Tx
}

func (w *buntWriter) Read(path string) ([]Leaf, error) {
	return readTx(w.tx, path)
}

func (w *buntWriter) Put(path, value string) error {
	_, _, err := w.tx.Set(buntKey(path), value, nil)
	return err
}

func (w *buntWriter) Delete(path string) error {
	_, err := w.tx.Delete(buntKey(path))
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func (w *buntWriter) DeleteTree(path string) error {
	keys := make([]string, 0)
	if path != "" {
		keys = append(keys, buntKey(path))
	}
	err := w.tx.AscendKeys(subtreePattern(path), func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := w.tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
	}
	return nil
}
