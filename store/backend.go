package store

import "context"

// Leaf is a single scalar stored in the tree. Value holds the JSON encoding of a string, number or bool.
type Leaf struct {
	Path  string
	Value string
}

// Writer is handed to Backend.Write, all calls belong to the same transaction.
type Writer interface {
	// Read sees the state of the transaction, including its own writes.
	Read(path string) ([]Leaf, error)
	// Put stores a leaf, replacing an existing leaf at the same path.
	Put(path, value string) error
	// Delete removes the leaf at exactly path (no error if there is none).
	Delete(path string) error
	// DeleteTree removes the leaf at path and every leaf below it.
	DeleteTree(path string) error
}

// Backend persists the leaves of the tree. Implementations: BuntDBBackend, GormBackend.
type Backend interface {
	// Read returns the leaf at path and all leaves below it, in ascending path order.
	// The empty path reads the whole tree.
	Read(ctx context.Context, path string) ([]Leaf, error)
	// Write runs fn in a single atomic transaction.
	Write(ctx context.Context, fn func(Writer) error) error
	Close() error
}
