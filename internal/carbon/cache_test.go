package carbon

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticSource struct {
	value  float64
	calls  int
	logins int
}

func (s *staticSource) CurrentPercentile(ctx context.Context, region string) (float64, error) {
	s.calls++
	return s.value, nil
}

func (s *staticSource) Login(ctx context.Context) error {
	s.logins++
	return nil
}

func TestCachedSourceFallsThroughWhenRedisUnavailable(t *testing.T) {
	inner := &staticSource{value: 61}
	// Nothing listens here; every cache operation fails and the inner
	// source must still be consulted.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	cached := NewCachedSource(inner, rdb, zap.NewNop())

	pct, err := cached.CurrentPercentile(context.Background(), "SE")
	require.NoError(t, err)
	assert.Equal(t, 61.0, pct)
	assert.Equal(t, 1, inner.calls)
}

func TestCachedSourceDelegatesLogin(t *testing.T) {
	inner := &staticSource{}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	cached := NewCachedSource(inner, rdb, zap.NewNop())

	require.NoError(t, cached.Login(context.Background()))
	assert.Equal(t, 1, inner.logins)
}
