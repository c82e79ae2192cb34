//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"ledgerpos/backend/internal/domain"
)

func TestRedisPriceBookCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := tcRedis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	c := NewRedisPriceBookCache(endpoint, "", 0)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(ctx))

	key := PriceBookKey("t1", "store-1")
	_, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)

	book := &domain.PriceBook{Promotions: []domain.Promotion{{
		ID: "promo-1", TenantID: "t1", Type: domain.PromotionPercentOff,
		DiscountValue: decimal.NewFromInt(10), Active: true,
	}}}
	require.NoError(t, c.Set(ctx, key, book, time.Minute))

	got, hit, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, got.Promotions, 1)
	assert.True(t, got.Promotions[0].DiscountValue.Equal(decimal.NewFromInt(10)))

	require.NoError(t, c.Invalidate(ctx, key))
	_, hit, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, hit)
}
