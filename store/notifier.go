package store

import (
	"context"
	"sync"
)

// Notifier distributes the paths of committed writes to the dispatcher of every DB sharing the same tree.
type Notifier interface {
	Publish(ctx context.Context, paths []string) error
	// Listen registers the handler that receives the changed paths. It is called once by NewDB.
	Listen(handler func(paths []string))
	Close() error
}

// LocalNotifier delivers changes within the process only.
type LocalNotifier struct {
	mu      sync.RWMutex
	handler func(paths []string)
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{}
}

func (n *LocalNotifier) Publish(_ context.Context, paths []string) error {
	n.mu.RLock()
	handler := n.handler
	n.mu.RUnlock()
	if handler != nil {
		handler(paths)
	}
	return nil
}

func (n *LocalNotifier) Listen(handler func(paths []string)) {
	n.mu.Lock()
	n.handler = handler
	n.mu.Unlock()
}

func (n *LocalNotifier) Close() error {
	n.Listen(nil)
	return nil
}
