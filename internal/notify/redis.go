package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "livestory:changes:"

// RedisBroker fans summaries out across service instances over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

var (
	_ Publisher  = (*RedisBroker)(nil)
	_ Subscriber = (*RedisBroker)(nil)
)

// NewRedisBroker connects to redisURL and verifies the connection.
func NewRedisBroker(redisURL string, logger *slog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBrokerWithClient(client, logger), nil
}

func NewRedisBrokerWithClient(client *redis.Client, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, logger: logger}
}

func channel(projectID string) string {
	return channelPrefix + projectID
}

func (b *RedisBroker) Publish(ctx context.Context, s Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel(s.ProjectID), data).Err()
}

// Subscribe returns once the subscription is confirmed by the server, so no
// summary published after it returns is missed.
func (b *RedisBroker) Subscribe(ctx context.Context, projectID string) (<-chan Summary, func(), error) {
	ps := b.client.Subscribe(ctx, channel(projectID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", projectID, err)
	}
	msgs := ps.Channel()
	out := make(chan Summary, 1)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	go func() {
		defer close(out)
		var last Summary
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var s Summary
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					b.logger.Warn("dropping malformed summary", "channel", msg.Channel, "error", err)
					continue
				}
				if s.Older(last) {
					continue
				}
				last = s
				offer(out, s)
			}
		}
	}()
	return out, cancel, nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
