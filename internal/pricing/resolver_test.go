package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store/memory"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func dp(v string) *decimal.Decimal {
	x := decimal.RequireFromString(v)
	return &x
}

func newTestResolver(t *testing.T) (*Resolver, *memory.Store) {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.Product{ID: "p1", TenantID: "t1", SKU: "P1", Name: "Widget", Price: d("100"), Active: true})
	repo.PutVariant(domain.Variant{ID: "v1", TenantID: "t1", ProductID: "p1", SKU: "P1-RED", Price: d("120")})
	repo.PutVariant(domain.Variant{ID: "v0", TenantID: "t1", ProductID: "p1", SKU: "P1-BLUE", Price: d("0")})
	return NewResolver(repo, nil, time.Minute, zerolog.Nop()), repo
}

func TestBasePricePrefersNonZeroVariantPrice(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	got, err := r.ResolveLine(ctx, "t1", "s1", LineRequest{VariantID: "v1", Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(d("120")))
	assert.Equal(t, "p1", got.ProductID)

	got, err = r.ResolveLine(ctx, "t1", "s1", LineRequest{ProductID: "p1", VariantID: "v0", Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(d("100")))
}

func TestUnknownProductPricesAtZero(t *testing.T) {
	r, _ := newTestResolver(t)

	got, err := r.ResolveLine(context.Background(), "t1", "s1", LineRequest{ProductID: "missing", Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.IsZero())
	assert.True(t, got.DiscountAmount.IsZero())
}

func TestPriceListPrecedence(t *testing.T) {
	r, repo := newTestResolver(t)
	repo.PutPriceList(domain.PriceList{ID: "global-hi", TenantID: "t1", Priority: 50, Active: true, Items: []domain.PriceListItem{
		{ID: "g1", ProductID: "p1", Price: d("80")},
	}})
	repo.PutPriceList(domain.PriceList{ID: "store-lo", TenantID: "t1", StoreID: "s1", Priority: 1, Active: true, Items: []domain.PriceListItem{
		{ID: "s1a", ProductID: "p1", Price: d("95")},
		{ID: "s1b", ProductID: "p1", Price: d("90"), MinQty: dp("10")},
	}})
	repo.PutPriceList(domain.PriceList{ID: "store-other", TenantID: "t1", StoreID: "s2", Priority: 99, Active: true, Items: []domain.PriceListItem{
		{ID: "o1", ProductID: "p1", Price: d("10")},
	}})
	ctx := context.Background()

	got, err := r.ResolveLine(ctx, "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("2")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(d("95")), "store-specific list wins over higher priority global list")
	assert.Equal(t, "store-lo", got.PriceListID)

	got, err = r.ResolveLine(ctx, "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("12")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(d("90")), "highest satisfied quantity break wins")

	got, err = r.ResolveLine(ctx, "t1", "s3", LineRequest{ProductID: "p1", Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(d("80")), "falls back to store-agnostic list")
}

func TestPriceListPriorityAndDateWindow(t *testing.T) {
	r, repo := newTestResolver(t)
	past := time.Now().Add(-48 * time.Hour)
	yesterday := time.Now().Add(-24 * time.Hour)
	repo.PutPriceList(domain.PriceList{ID: "a", TenantID: "t1", Priority: 1, Active: true, Items: []domain.PriceListItem{{ID: "a1", ProductID: "p1", Price: d("70")}}})
	repo.PutPriceList(domain.PriceList{ID: "b", TenantID: "t1", Priority: 5, Active: true, Items: []domain.PriceListItem{{ID: "b1", ProductID: "p1", Price: d("75")}}})
	repo.PutPriceList(domain.PriceList{ID: "c", TenantID: "t1", Priority: 9, Active: true, StartDate: &past, EndDate: &yesterday, Items: []domain.PriceListItem{{ID: "c1", ProductID: "p1", Price: d("1")}}})

	got, err := r.ResolveLine(context.Background(), "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.Equal(d("75")))
	assert.Equal(t, "b", got.PriceListID)
}

func TestPromotionCapScenario(t *testing.T) {
	r, repo := newTestResolver(t)
	repo.PutPromotion(domain.Promotion{ID: "half", TenantID: "t1", Type: domain.PromotionPercentOff, DiscountValue: d("50"), MaxDiscount: dp("30"), Active: true})

	got, err := r.ResolveLine(context.Background(), "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, got.DiscountAmount.Equal(d("30")), "discount %s", got.DiscountAmount)
	assert.True(t, got.UnitPrice.Equal(d("70")), "unit price %s", got.UnitPrice)
	assert.True(t, got.OriginalPrice.Equal(d("100")))
	assert.Equal(t, "half", got.PromotionID)
}

func TestPromotionSelectionIsGreedyByDiscountValue(t *testing.T) {
	r, repo := newTestResolver(t)
	repo.PutPromotion(domain.Promotion{ID: "ten", TenantID: "t1", Type: domain.PromotionPercentOff, DiscountValue: d("10"), Active: true})
	repo.PutPromotion(domain.Promotion{ID: "twenty", TenantID: "t1", Type: domain.PromotionPercentOff, DiscountValue: d("20"), Active: true, ApplicableProducts: []string{"p1"}})
	repo.PutPromotion(domain.Promotion{ID: "big-min", TenantID: "t1", Type: domain.PromotionFixedOff, DiscountValue: d("40"), MinPurchase: dp("1000"), Active: true})
	limit := int64(1)
	repo.PutPromotion(domain.Promotion{ID: "used-up", TenantID: "t1", Type: domain.PromotionPercentOff, DiscountValue: d("90"), UsageLimit: &limit, UsageCount: 1, Active: true})
	repo.PutPromotion(domain.Promotion{ID: "other-store", TenantID: "t1", Type: domain.PromotionPercentOff, DiscountValue: d("80"), ApplicableStores: []string{"s9"}, Active: true})
	repo.PutPromotion(domain.Promotion{ID: "other-product", TenantID: "t1", Type: domain.PromotionPercentOff, DiscountValue: d("70"), ApplicableProducts: []string{"p2"}, Active: true})

	got, err := r.ResolveLine(context.Background(), "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("2")})
	require.NoError(t, err)
	assert.Equal(t, "twenty", got.PromotionID)
	assert.True(t, got.UnitPrice.Equal(d("80")))

	got, err = r.ResolveLine(context.Background(), "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("10")})
	require.NoError(t, err)
	assert.Equal(t, "big-min", got.PromotionID, "min purchase met at qty 10")
	assert.True(t, got.UnitPrice.Equal(d("60")))
}

func TestFixedPromotionNeverExceedsPrice(t *testing.T) {
	r, repo := newTestResolver(t)
	repo.PutPromotion(domain.Promotion{ID: "huge", TenantID: "t1", Type: domain.PromotionFixedOff, DiscountValue: d("500"), Active: true})

	got, err := r.ResolveLine(context.Background(), "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("1")})
	require.NoError(t, err)
	assert.True(t, got.UnitPrice.IsZero())
	assert.True(t, got.DiscountAmount.Equal(d("100")))
}

func TestValidateCoupon(t *testing.T) {
	r, repo := newTestResolver(t)
	yesterday := time.Now().Add(-24 * time.Hour)
	repo.PutPromotion(domain.Promotion{ID: "c10", TenantID: "t1", Type: domain.PromotionCoupon, Code: "SAVE10", DiscountMode: domain.DiscountModePercent, DiscountValue: d("10"), MaxDiscount: dp("15"), MinPurchase: dp("50"), Active: true})
	repo.PutPromotion(domain.Promotion{ID: "old", TenantID: "t1", Type: domain.PromotionCoupon, Code: "OLD", DiscountValue: d("5"), EndDate: &yesterday, Active: true})
	repo.PutPromotion(domain.Promotion{ID: "flat", TenantID: "t1", Type: domain.PromotionCoupon, Code: "FLAT", DiscountMode: domain.DiscountModeFixed, DiscountValue: d("25"), Active: true})
	ctx := context.Background()

	res, err := r.ValidateCoupon(ctx, "t1", "s1", "save10", d("100"))
	require.NoError(t, err)
	assert.True(t, res.Discount.Equal(d("10")))

	res, err = r.ValidateCoupon(ctx, "t1", "s1", "SAVE10", d("400"))
	require.NoError(t, err)
	assert.True(t, res.Discount.Equal(d("15")), "capped at max discount")

	_, err = r.ValidateCoupon(ctx, "t1", "s1", "SAVE10", d("20"))
	assert.ErrorIs(t, err, ErrInvalidCoupon)

	_, err = r.ValidateCoupon(ctx, "t1", "s1", "OLD", d("100"))
	assert.ErrorIs(t, err, ErrInvalidCoupon)

	_, err = r.ValidateCoupon(ctx, "t1", "s1", "NOPE", d("100"))
	assert.ErrorIs(t, err, ErrInvalidCoupon)

	_, err = r.ValidateCoupon(ctx, "t2", "s1", "FLAT", d("100"))
	assert.ErrorIs(t, err, ErrInvalidCoupon, "coupons are tenant scoped")

	res, err = r.ValidateCoupon(ctx, "t1", "s1", "FLAT", d("20"))
	require.NoError(t, err)
	assert.True(t, res.Discount.Equal(d("20")), "never more than the cart")
}

type countingCache struct {
	books       map[string]*domain.PriceBook
	loads       int
	invalidated []string
}

func (c *countingCache) Get(_ context.Context, key string) (*domain.PriceBook, bool, error) {
	b, ok := c.books[key]
	return b, ok, nil
}

func (c *countingCache) Set(_ context.Context, key string, value *domain.PriceBook, _ time.Duration) error {
	c.loads++
	c.books[key] = value
	return nil
}

func (c *countingCache) Invalidate(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.books, k)
		c.invalidated = append(c.invalidated, k)
	}
	return nil
}

func TestPriceBookIsReadThroughCache(t *testing.T) {
	repo := memory.New()
	repo.PutProduct(domain.Product{ID: "p1", TenantID: "t1", Price: d("10"), Active: true})
	c := &countingCache{books: map[string]*domain.PriceBook{}}
	r := NewResolver(repo, c, time.Minute, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := r.ResolveLine(ctx, "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("1")})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, c.loads)

	r.Invalidate(ctx, "t1", "s1")
	assert.Equal(t, []string{"pricebook:t1:s1"}, c.invalidated)

	_, err := r.ResolveLine(ctx, "t1", "s1", LineRequest{ProductID: "p1", Quantity: d("1")})
	require.NoError(t, err)
	assert.Equal(t, 2, c.loads)
}
