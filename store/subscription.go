package store

import (
	"context"
)

// Subscription is a live query on a subtree, see DB.Subscribe.
type Subscription struct {
	db     *DB
	path   string
	query  Query
	fn     func(*Snapshot)
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Subscription) Path() string {
	return s.path
}

// markDirty never blocks, pending changes are coalesced into the next delivery.
func (s *Subscription) markDirty() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.done)
	defer s.db.unregister(s)

	s.deliver()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
			s.deliver()
		}
	}
}

func (s *Subscription) deliver() {
	snap, err := s.db.Get(s.ctx, s.path, s.query)
	if err != nil {
		if s.ctx.Err() == nil {
			s.db.logger.Error("could not read subscribed path", "path", s.path, "error", err)
		}
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	s.fn(snap)
}

// Cancel stops further deliveries. It does not wait for a delivery in progress, use Done for that.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed when the subscription goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
