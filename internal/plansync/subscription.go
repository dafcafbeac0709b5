package plansync

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/ashureev/careerpath/internal/domain"
)

// Snapshot is one delivery from a subscription.
type Snapshot struct {
	// Record is the current document, nil when Exists is false.
	Record *domain.PlanRecord
	// Exists is false when no document has ever been written for the identity.
	Exists bool
	// Err is set when the document could not be read; Record is nil then.
	Err error
}

// Subscription delivers snapshots of one identity's plan document.
// Undelivered snapshots are replaced by newer ones, so a consumer always
// observes the latest value but may skip intermediate ones.
type Subscription struct {
	identity string

	mu      sync.Mutex
	pending *Snapshot
	closed  bool

	notify chan struct{}
	done   chan struct{}

	once   sync.Once
	cancel context.CancelFunc
	stop   func()
}

func newSubscription(identity string, cancel context.CancelFunc, stop func()) *Subscription {
	return &Subscription{
		identity: identity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
		stop:     stop,
	}
}

// Identity returns the identity this subscription follows.
func (s *Subscription) Identity() string {
	return s.identity
}

// offer replaces any undelivered snapshot. It reports false once the
// subscription is cancelled.
func (s *Subscription) offer(snap Snapshot) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = &snap
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until a snapshot is available, ctx is done, or the subscription
// is cancelled. After Cancel it always returns ErrSubscriptionClosed.
func (s *Subscription) Next(ctx context.Context) (Snapshot, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Snapshot{}, ErrSubscriptionClosed
		}
		if s.pending != nil {
			snap := *s.pending
			s.pending = nil
			s.mu.Unlock()
			return snap, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case <-s.done:
		case <-s.notify:
		}
	}
}

// All returns the snapshots as a sequence. Iteration ends when the consumer
// stops, ctx is done, or the subscription is cancelled; only the ctx error is
// yielded. A new call picks up from the latest undelivered snapshot.
func (s *Subscription) All(ctx context.Context) iter.Seq2[Snapshot, error] {
	return func(yield func(Snapshot, error) bool) {
		for {
			snap, err := s.Next(ctx)
			if err != nil {
				if !errors.Is(err, ErrSubscriptionClosed) {
					yield(Snapshot{}, err)
				}
				return
			}
			if !yield(snap, nil) {
				return
			}
		}
	}
}

// Done is closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops delivery and releases the change listener. It is safe to call
// more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()

		close(s.done)
		s.cancel()
		if s.stop != nil {
			s.stop()
		}
	})
}
