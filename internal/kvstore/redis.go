package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// scanCount is the COUNT hint passed to SCAN when listing keys.
const scanCount = 200

// RedisStore implements Store using Redis (or Redis-compatible backends like Dragonfly).
type RedisStore struct {
	client    redis.UniversalClient
	ownClient bool
}

// NewRedisStore creates a new Redis-backed store.
// url should be in the format: redis://[password@]host:port[/db]
func NewRedisStore(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis-compatible backend for key-value store")

	return &RedisStore{client: client, ownClient: true}, nil
}

// NewRedisStoreFromClient wraps an existing client. Close does not close a borrowed client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// SetIfAbsent issues a single SET NX PX.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Get returns the string value of key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	return val, translate(err)
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Exists reports whether key exists.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TTL returns the remaining lifetime of key with millisecond precision.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports the raw -2 / -1 replies unscaled
	switch ttl {
	case -2:
		return 0, ErrNotFound
	case -1:
		return NoExpiry, nil
	}
	return ttl, nil
}

// HashSet sets the given fields on the hash at key.
func (s *RedisStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return translate(s.client.HSet(ctx, key, args...).Err())
}

// HashGet returns a single hash field.
func (s *RedisStore) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	return val, translate(err)
}

// ListPrepend runs LPUSH and, when maxLen is positive, LTRIM in one pipeline.
func (s *RedisStore) ListPrepend(ctx context.Context, key, value string, maxLen int64) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if maxLen > 0 {
		pipe.LTrim(ctx, key, 0, maxLen-1)
	}
	_, err := pipe.Exec(ctx)
	return translate(err)
}

// ListRange returns list elements between start and stop inclusive.
func (s *RedisStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, translate(err)
	}
	return vals, nil
}

// ListLen returns the length of the list at key.
func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	return n, translate(err)
}

// Keys iterates SCAN instead of KEYS so large keyspaces do not block the server.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	seen := make(map[string]struct{})
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			// SCAN may return a key more than once
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Client exposes the underlying client so pub/sub can share the connection pool.
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Close closes the client when the store owns it.
func (s *RedisStore) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func translate(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil && isWrongType(err) {
		return fmt.Errorf("%w: %v", ErrWrongType, err)
	}
	return err
}

func isWrongType(err error) bool {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return strings.HasPrefix(rerr.Error(), "WRONGTYPE")
	}
	return false
}
