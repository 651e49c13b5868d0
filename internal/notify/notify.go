// Package notify publishes launch-progress and readiness events to external
// observers. Publishing is fire-and-forget: the launch pipeline never blocks
// on an observer.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmu-sei/gameboard-engine/pkg/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	EventLaunchProgress   = "launchProgress"
	EventLaunchFailure    = "launchFailure"
	EventReadinessChanged = "readinessChanged"
	EventSessionsStarted  = "sessionsStarted"
)

// eventChannel is the pub/sub channel the push-notification gateway listens on.
const eventChannel = "gameboard:events"

type Event struct {
	Type      string    `json:"type"`
	GameID    string    `json:"gameId"`
	TeamID    string    `json:"teamId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is the fire-and-forget event bus contract.
type Notifier interface {
	Publish(ctx context.Context, event Event)
}

// RedisNotifier publishes events on a Redis pub/sub channel.
type RedisNotifier struct {
	client *redis.Client
}

var _ Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(cfg config.RedisConfig) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisNotifier{client: client}, nil
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		zap.S().Errorf("Failed to marshal %s event: %v", event.Type, err)
		return
	}
	if err := n.client.Publish(ctx, eventChannel, data).Err(); err != nil {
		// Observers are best-effort; a dropped event is a log line, not a failure.
		zap.S().Warnf("Failed to publish %s event for game %s: %v", event.Type, event.GameID, err)
	}
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// NopNotifier discards every event.
type NopNotifier struct{}

var _ Notifier = (*NopNotifier)(nil)

func (NopNotifier) Publish(context.Context, Event) {}
