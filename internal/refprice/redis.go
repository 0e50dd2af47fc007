package refprice

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisKey is where the price feed publishes SOL/USD.
const DefaultRedisKey = "price:SOL:USD"

// ErrNoPrice is returned when the key holds no value.
var ErrNoPrice = errors.New("reference price not published")

// RedisSource reads the price written by the external price feed.
type RedisSource struct {
	client *goredis.Client
	key    string
}

// NewRedisSource creates a RedisSource. An empty key uses DefaultRedisKey.
func NewRedisSource(client *goredis.Client, key string) *RedisSource {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisSource{client: client, key: key}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Fetch implements Source.
func (s *RedisSource) Fetch(ctx context.Context) (float64, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, ErrNoPrice
		}
		return 0, fmt.Errorf("get %s: %w", s.key, err)
	}

	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", s.key, raw, err)
	}
	return price, nil
}
