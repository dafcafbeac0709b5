// Package plansync keeps a per-identity plan document in step with the
// sessions that own it.
//
// Commit overwrites the whole document and announces the change on a Feed;
// Subscribe delivers the current document first and then the latest value
// after every announced change.
package plansync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/careerpath/internal/domain"
	"github.com/ashureev/careerpath/internal/metrics"
	"github.com/ashureev/careerpath/internal/store"
)

var (
	// ErrNoIdentity is returned when an operation needs an identity and none is set.
	ErrNoIdentity = errors.New("no identity")
	// ErrSubscriptionClosed is returned by Next after Cancel.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Syncer reads, writes and watches plan documents.
type Syncer struct {
	docs    store.Documents
	feed    Feed
	appID   string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Syncer for the given application namespace.
func New(docs store.Documents, feed Feed, appID string, logger *slog.Logger, m *metrics.Metrics) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		docs:    docs,
		feed:    feed,
		appID:   appID,
		logger:  logger,
		metrics: m,
	}
}

// Path returns the document path for identity.
func (s *Syncer) Path(identity string) string {
	return store.DocumentPath(s.appID, identity)
}

// Subscribe starts following identity's document. The first snapshot is the
// document as it is now (the bootstrap delivery).
func (s *Syncer) Subscribe(ctx context.Context, identity string) (*Subscription, error) {
	if identity == "" {
		return nil, ErrNoIdentity
	}
	path := s.Path(identity)

	// Listen before the first read so a change between the two is not lost.
	signals, stop, err := s.feed.Listen(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listen for plan changes: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := newSubscription(identity, cancel, stop)

	go s.run(loopCtx, sub, path, signals)
	return sub, nil
}

func (s *Syncer) run(ctx context.Context, sub *Subscription, path string, signals <-chan struct{}) {
	if !s.deliver(ctx, sub, path) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			if !s.deliver(ctx, sub, path) {
				return
			}
		}
	}
}

func (s *Syncer) deliver(ctx context.Context, sub *Subscription, path string) bool {
	record, err := s.docs.Get(ctx, path)
	if ctx.Err() != nil {
		return false
	}

	snap := Snapshot{Record: record, Exists: record != nil}
	if err != nil {
		s.logger.Warn("Read plan document failed", "user_id", sub.Identity(), "path", path, "error", err)
		snap = Snapshot{Err: err}
	}
	if !sub.offer(snap) {
		return false
	}
	s.metrics.ObserveDelivery()
	return true
}

// Commit overwrites identity's document with record and announces the change.
// Last write wins.
func (s *Syncer) Commit(ctx context.Context, identity string, record *domain.PlanRecord) error {
	if identity == "" {
		return ErrNoIdentity
	}
	path := s.Path(identity)

	err := s.docs.Put(ctx, path, record)
	s.metrics.ObserveCommit(err)
	if err != nil {
		return fmt.Errorf("commit plan: %w", err)
	}

	if err := s.feed.Publish(ctx, path); err != nil {
		// The write landed; subscribers catch up on the next change.
		s.logger.Warn("Publish plan change failed", "user_id", identity, "path", path, "error", err)
	}
	s.logger.Debug("Plan committed", "user_id", identity, "has_roadmap", record.HasRoadmap())
	return nil
}
