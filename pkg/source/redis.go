package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix is prepended to every stringified fetch key.
	KeyPrefix string
}

// RedisSource fetches batches of JSON-encoded records from Redis with a
// single MGET per batch. Keys with no value are simply omitted from the
// result; absence is the loader's concern, not the source's.
type RedisSource[K comparable, T any] struct {
	redisClient *redis.Client
	keyPrefix   string
	logger      zerolog.Logger
}

// NewRedisSource creates and connects a new generic RedisSource. It pings
// the Redis server to ensure connectivity before returning.
func NewRedisSource[K comparable, T any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisSource[K, T], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisSource[K, T]{
		redisClient: rdb,
		keyPrefix:   cfg.KeyPrefix,
		logger:      logger.With().Str("component", "RedisSource").Logger(),
	}, nil
}

// Fetch retrieves the records for the given keys with one MGET.
func (s *RedisSource[K, T]) Fetch(ctx context.Context, keys []K) ([]T, error) {
	stringKeys := make([]string, len(keys))
	for i, key := range keys {
		stringKeys[i] = s.keyPrefix + fmt.Sprintf("%v", key)
	}

	results, err := s.redisClient.MGet(ctx, stringKeys...).Result()
	if err != nil {
		s.logger.Error().Err(err).Int("key_count", len(keys)).Msg("Redis MGET failed.")
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	records := make([]T, 0, len(results))
	for i, raw := range results {
		if raw == nil {
			continue // Cache miss for this key.
		}
		data, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected redis value type %T for key %s", raw, stringKeys[i])
		}
		var record T
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			s.logger.Error().Err(err).Str("key", stringKeys[i]).Msg("Failed to unmarshal cached data.")
			return nil, fmt.Errorf("failed to unmarshal data for %s: %w", stringKeys[i], err)
		}
		records = append(records, record)
	}

	s.logger.Debug().Int("key_count", len(keys)).Int("record_count", len(records)).Msg("Fetched batch from Redis.")
	return records, nil
}

// Close closes the Redis client connection.
func (s *RedisSource[K, T]) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
