package persist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"marketpulse/logger"
	"marketpulse/models"
)

// RedisStore persists history as JSON blobs in Redis. Each series lives
// under a single key so loads and saves stay one round trip.
type RedisStore struct {
	client *redis.Client
	prefix string
	log    *logger.Log
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
		log:    logger.GetLogger(),
	}, nil
}

func (s *RedisStore) cvdKey() string   { return s.prefix + ":cvd" }
func (s *RedisStore) priceKey() string { return s.prefix + ":prices" }

func (s *RedisStore) LoadCVD(ctx context.Context) ([]models.CVDPoint, error) {
	var points []models.CVDPoint
	if err := s.load(ctx, s.cvdKey(), &points); err != nil {
		return nil, err
	}
	return points, nil
}

func (s *RedisStore) SaveCVD(ctx context.Context, points []models.CVDPoint) error {
	return s.save(ctx, s.cvdKey(), points)
}

func (s *RedisStore) LoadPrices(ctx context.Context) ([]models.PricePoint, error) {
	var points []models.PricePoint
	if err := s.load(ctx, s.priceKey(), &points); err != nil {
		return nil, err
	}
	return points, nil
}

func (s *RedisStore) SavePrices(ctx context.Context, points []models.PricePoint) error {
	return s.save(ctx, s.priceKey(), points)
}

func (s *RedisStore) load(ctx context.Context, key string, out interface{}) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
