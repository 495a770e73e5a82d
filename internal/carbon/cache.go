package carbon

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	cacheTTL       = 5 * time.Minute
	cacheKeyPrefix = "carbonsched:percentile:"
)

// CachedSource caches percentile readings in Redis in front of another
// Source. Cache errors are non-fatal: reads fall through to the inner
// source and writes are best effort.
type CachedSource struct {
	inner  Source
	rdb    *redis.Client
	logger *zap.Logger
}

func NewCachedSource(inner Source, rdb *redis.Client, logger *zap.Logger) *CachedSource {
	return &CachedSource{inner: inner, rdb: rdb, logger: logger}
}

func (s *CachedSource) CurrentPercentile(ctx context.Context, region string) (float64, error) {
	key := cacheKeyPrefix + region

	value, err := s.rdb.Get(ctx, key).Float64()
	if err == nil {
		return value, nil
	}
	if err != redis.Nil {
		s.logger.Warn("carbon cache read failed", zap.String("region", region), zap.Error(err))
	}

	value, err = s.inner.CurrentPercentile(ctx, region)
	if err != nil {
		return 0, err
	}

	if err := s.rdb.Set(ctx, key, value, cacheTTL).Err(); err != nil {
		s.logger.Warn("carbon cache write failed", zap.String("region", region), zap.Error(err))
	}
	return value, nil
}

func (s *CachedSource) Login(ctx context.Context) error {
	return s.inner.Login(ctx)
}
