package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/serp-enricher/internal/model"
)

// DefaultRedisPrefix is the key namespace of the retired hot cache.
const DefaultRedisPrefix = "serp:"

const connectionTimeout = 5 * time.Second

// RedisStore serves JSON payloads from the retired Redis hot cache, keyed
// by prefix + normalized keyword.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the cache at rawURL (redis://...) and verifies the
// connection.
func NewRedis(rawURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "legacy: parse redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "legacy: redis ping")
	}
	return NewRedisFromClient(client, prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Lookup implements Store. Undecodable values are logged and treated as a
// miss.
func (s *RedisStore) Lookup(ctx context.Context, keyword string) (*model.Payload, error) {
	key := NormalizeKey(keyword)
	if key == "" {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "legacy: redis get %q", key)
	}

	var p model.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		zap.L().Warn("legacy: undecodable redis payload",
			zap.String("keyword", key),
			zap.Error(err),
		)
		return nil, nil
	}
	return &p, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
