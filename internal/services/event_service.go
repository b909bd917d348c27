package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"redactiq/internal/models"

	"github.com/redis/go-redis/v9"
)

// EventService publishes engine progress events to Redis pub/sub. The
// real-time delivery layer (SSE to browsers) subscribes to the per-request
// channels elsewhere; the engine only publishes. It implements the engine's
// event sink interface.
type EventService struct {
	client *redis.Client
}

// NewEventService connects to Redis and returns an event publisher.
func NewEventService(redisURL string) (*EventService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Configure connection pool
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Redis connection established")
	return &EventService{client: client}, nil
}

// channelFor returns the per-request pub/sub channel name.
func channelFor(requestID string) string {
	return "request:" + requestID + ":events"
}

// Publish sends a progress event on the request's channel.
func (s *EventService) Publish(ctx context.Context, event models.ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.client.Publish(ctx, channelFor(event.RequestID), data).Err()
}

// Ping checks if Redis is healthy
func (s *EventService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *EventService) Close() error {
	return s.client.Close()
}
