// Package redisstore retains session events in Redis Streams, one stream per
// session, for deployments where a reconnect can land on any replica.
package redisstore

import (
	"context"
	"fmt"

	"github.com/ggoodman/mcp-http-adapters-go/eventstore"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: MCP_REDIS_ADDR
	Addr string `env:"MCP_REDIS_ADDR,default=localhost:6379"`
	// Password for the Redis instance, empty for none. ENV: MCP_REDIS_PASSWORD
	Password string `env:"MCP_REDIS_PASSWORD,default="`
	// KeyPrefix is prepended to all stream keys. ENV: MCP_REDIS_KEY_PREFIX
	KeyPrefix string `env:"MCP_REDIS_KEY_PREFIX,default=mcp:events:"`
	// MaxLen bounds each session's stream with an approximate trim.
	// ENV: MCP_REDIS_STREAM_MAXLEN
	MaxLen int64 `env:"MCP_REDIS_STREAM_MAXLEN,default=1024"`
}

// Store implements eventstore.Store on Redis Streams. Event ids are the
// stream's own entry ids, so replay resumes with an exclusive range after the
// id the client last saw.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
}

var _ eventstore.Store = (*Store)(nil)

// New builds a Store over an existing client. Zero-value Config fields fall
// back to the same defaults the environment tags carry.
func New(client redis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	maxLen := cfg.MaxLen
	if maxLen < 1 {
		maxLen = 1024
	}
	return &Store{client: client, keyPrefix: prefix, maxLen: maxLen}
}

// NewFromEnv decodes Config from the environment, dials, and verifies the
// connection with a ping.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode redis config: %w", err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(client, cfg), nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Append(ctx context.Context, sessionID string, data []byte) (string, error) {
	streamKey := s.streamKey(sessionID)
	eventID, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"data": data,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", streamKey, err)
	}
	return eventID, nil
}

func (s *Store) ReplayAfter(ctx context.Context, sessionID string, lastEventID string, fn func(ctx context.Context, eventID string, data []byte) error) error {
	streamKey := s.streamKey(sessionID)

	start := "-"
	if lastEventID != "" {
		// Exclusive range: skip the entry the client already saw. An id older
		// than the trimmed window yields the whole retained window.
		start = "(" + lastEventID
	}
	msgs, err := s.client.XRange(ctx, streamKey, start, "+").Result()
	if err != nil {
		return fmt.Errorf("failed to read stream %s: %w", streamKey, err)
	}

	for _, msg := range msgs {
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		if err := fn(ctx, msg.ID, []byte(data)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, sessionID string) error {
	streamKey := s.streamKey(sessionID)
	if err := s.client.Del(ctx, streamKey).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to drop stream %s: %w", streamKey, err)
	}
	return nil
}

func (s *Store) streamKey(sessionID string) string {
	return s.keyPrefix + "stream:" + sessionID
}
