package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis ledger backend.
type RedisConfig struct {
	// Options are the client options (address, auth, database).
	Options *redis.Options

	// Prefix is prepended to all ledger keys
	Prefix string

	// TTL is the time-to-live for entries (0 = no expiration)
	TTL time.Duration

	// Timeout for Redis operations
	Timeout time.Duration
}

// DefaultRedisConfig returns defaults for a server address.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Options: &redis.Options{Addr: address},
		Prefix:  "weightflow:ledger:",
		TTL:     7 * 24 * time.Hour,
		Timeout: 5 * time.Second,
	}
}

// RedisBackend stores entries as JSON strings plus a set of known keys.
type RedisBackend struct {
	cfg    RedisConfig
	client *redis.Client
}

// NewRedisBackend connects and pings the server.
func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Options.ReadTimeout = cfg.Timeout
	cfg.Options.WriteTimeout = cfg.Timeout

	client := redis.NewClient(cfg.Options)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{cfg: cfg, client: client}, nil
}

func (b *RedisBackend) key(k string) string { return b.cfg.Prefix + k }

func (b *RedisBackend) indexKey() string { return b.cfg.Prefix + "index" }

// Save stores the entry and indexes its key in one transaction.
func (b *RedisBackend) Save(ctx context.Context, e *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.key(e.Key), data, b.cfg.TTL)
		pipe.SAdd(ctx, b.indexKey(), e.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save entry to Redis: %w", err)
	}
	return nil
}

// Load reads one entry.
func (b *RedisBackend) Load(ctx context.Context, key string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	data, err := b.client.Get(ctx, b.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load entry from Redis: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse entry %s: %w", key, err)
	}
	return &e, nil
}

// List reads every indexed entry. Keys whose value expired are dropped
// from the index.
func (b *RedisBackend) List(ctx context.Context) ([]*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	keys, err := b.client.SMembers(ctx, b.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	values, err := b.client.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger entries: %w", err)
	}

	var entries []*Entry
	var expired []interface{}
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, keys[i])
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, fmt.Errorf("failed to parse entry %s: %w", keys[i], err)
		}
		entries = append(entries, &e)
	}
	if len(expired) > 0 {
		b.client.SRem(ctx, b.indexKey(), expired...)
	}
	return entries, nil
}

// Delete removes one entry.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, b.key(key))
		pipe.SRem(ctx, b.indexKey(), key)
		return nil
	})
	return err
}

// Name returns "redis".
func (b *RedisBackend) Name() string { return "redis" }

// Close closes the client.
func (b *RedisBackend) Close() error { return b.client.Close() }
