package cache

import (
	"context"
	"time"

	"ledgerpos/backend/internal/domain"
)

type PriceBookCache interface {
	Get(ctx context.Context, key string) (*domain.PriceBook, bool, error)
	Set(ctx context.Context, key string, value *domain.PriceBook, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// PriceBookKey is the cache key of the pricing reference data of one store.
func PriceBookKey(tenantID string, storeID string) string {
	return "pricebook:" + tenantID + ":" + storeID
}

type NoopPriceBookCache struct{}

func (NoopPriceBookCache) Get(_ context.Context, _ string) (*domain.PriceBook, bool, error) {
	return nil, false, nil
}

func (NoopPriceBookCache) Set(_ context.Context, _ string, _ *domain.PriceBook, _ time.Duration) error {
	return nil
}

func (NoopPriceBookCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
