// Package kv is the gateway's hot key/value layer on Redis.
//
// It holds the ephemeral routing state: static logical models, provider
// health with TTL, dynamic weight sorted sets, stickiness sessions, and the
// key-pool counters. All read paths degrade gracefully — a Redis outage
// must never fail a proxy request, only remove the optimisations it powers.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// InvalidateChannel is the pub/sub channel carrying registry invalidation
// messages. The payload is the provider id, or "*" for a full reload.
const InvalidateChannel = "gateway:invalidate"

// Store wraps a Redis client with short per-call timeouts and
// degrade-to-miss semantics for reads.
type Store struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// Connect parses url, verifies connectivity with a PING, and returns a Store.
func Connect(ctx context.Context, url string) (*Store, error) {
	if ctx == nil {
		return nil, fmt.Errorf("kv: context must not be nil")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("kv: ping: %w", err)
	}

	return &Store{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// FromClient wraps an existing Redis client. The caller owns its lifecycle.
func FromClient(cli *redis.Client) *Store {
	return &Store{client: cli, queryTimeout: defaultQueryTimeout}
}

// Client exposes the underlying Redis client for script-based subsystems
// (key pool, dynamic weights).
func (s *Store) Client() *redis.Client { return s.client }

// Get retrieves the value for key. Returns (nil, false) on a miss or any
// error; Redis errors are logged at WARN and never propagated.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "kv_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return val, true
}

// Set stores value under key with the given TTL. Returns nil even on Redis
// error — graceful degradation keeps the proxy functioning.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "kv_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes key. Returns the underlying error so callers can decide.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: DEL %s: %w", key, err)
	}
	return nil
}

// PublishInvalidate emits a registry invalidation message.
func (s *Store) PublishInvalidate(ctx context.Context, providerID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.client.Publish(ctx, InvalidateChannel, providerID).Err()
}

// SubscribeInvalidate delivers invalidation payloads to fn until ctx is
// cancelled. Runs in the calling goroutine.
func (s *Store) SubscribeInvalidate(ctx context.Context, fn func(payload string)) {
	sub := s.client.Subscribe(ctx, InvalidateChannel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fn(msg.Payload)
		}
	}
}

// Ready reports whether Redis currently answers a PING. Used by readiness
// probes.
func (s *Store) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
