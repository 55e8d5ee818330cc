package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"shipment-svc/config"
	"shipment-svc/models"
	"shipment-svc/terminal"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func InitRedis(cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established", zap.String("addr", cfg.Addr))
	return rdb, nil
}

type RateSource interface {
	GetRates(ctx context.Context, q terminal.RateQuery) ([]models.Rate, error)
}

// RateCache serves repeated rate quotes for the same route from Redis. Redis
// errors degrade to a direct carrier call. A nil client disables caching.
type RateCache struct {
	rdb    *redis.Client
	source RateSource
	ttl    time.Duration
	logger *zap.Logger
}

func NewRateCache(rdb *redis.Client, source RateSource, ttl time.Duration, logger *zap.Logger) *RateCache {
	return &RateCache{rdb: rdb, source: source, ttl: ttl, logger: logger}
}

func rateKey(q terminal.RateQuery) string {
	currency := q.Currency
	if currency == "" {
		currency = models.DefaultCurrency
	}
	return fmt.Sprintf("rates:%s:%s:%s:%s", q.AddressFromID, q.AddressToID, q.ParcelID, currency)
}

func (c *RateCache) GetRates(ctx context.Context, q terminal.RateQuery) ([]models.Rate, error) {
	key := rateKey(q)

	if c.rdb != nil {
		data, err := c.rdb.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var rates []models.Rate
			if jsonErr := json.Unmarshal(data, &rates); jsonErr == nil {
				return rates, nil
			}
			c.logger.Warn("Discarding unreadable cached rates", zap.String("key", key))
		case !errors.Is(err, redis.Nil):
			c.logger.Warn("Rate cache unavailable", zap.String("key", key), zap.Error(err))
		}
	}

	rates, err := c.source.GetRates(ctx, q)
	if err != nil {
		return nil, err
	}

	if c.rdb != nil && len(rates) > 0 {
		data, err := json.Marshal(rates)
		if err == nil {
			err = c.rdb.Set(ctx, key, data, c.ttl).Err()
		}
		if err != nil {
			c.logger.Warn("Failed to cache rates", zap.String("key", key), zap.Error(err))
		}
	}
	return rates, nil
}
