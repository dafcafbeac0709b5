package plansync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type changeMessage struct {
	Path       string `json:"path"`
	InstanceID string `json:"instance_id"`
}

// RedisFeed is a Feed backed by Redis pub/sub, shared by every instance
// pointing at the same Redis.
type RedisFeed struct {
	client     *redis.Client
	instanceID string
	logger     *slog.Logger
}

// NewRedisFeed creates a feed on an existing client. The caller owns the client.
func NewRedisFeed(client *redis.Client, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisFeed{
		client:     client,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// InstanceID identifies this process on the shared channel.
func (f *RedisFeed) InstanceID() string {
	return f.instanceID
}

func changeChannel(path string) string {
	return "plan:" + path + ":changes"
}

// Publish sends a change message for path.
func (f *RedisFeed) Publish(ctx context.Context, path string) error {
	payload, err := json.Marshal(changeMessage{Path: path, InstanceID: f.instanceID})
	if err != nil {
		return fmt.Errorf("encode change message: %w", err)
	}
	if err := f.client.Publish(ctx, changeChannel(path), payload).Err(); err != nil {
		return fmt.Errorf("publish change for %s: %w", path, err)
	}
	return nil
}

// Listen subscribes to the change channel for path. It returns once the
// subscription is confirmed by the server.
func (f *RedisFeed) Listen(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	pubsub := f.client.Subscribe(ctx, changeChannel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe to changes for %s: %w", path, err)
	}

	out := make(chan struct{}, 1)
	done := make(chan struct{})
	msgs := pubsub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var change changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					f.logger.Warn("Ignoring malformed change message", "channel", msg.Channel, "error", err)
					continue
				}
				f.logger.Debug("Plan change received",
					"path", change.Path,
					"origin", change.InstanceID,
					"local", change.InstanceID == f.instanceID)
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				f.logger.Debug("Close pubsub failed", "path", path, "error", err)
			}
		})
	}
	return out, stop, nil
}
