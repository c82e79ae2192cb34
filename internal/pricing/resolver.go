package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/cache"
	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// moneyPlaces is the rounding applied to every computed amount.
const moneyPlaces = 2

var ErrInvalidCoupon = errors.New("invalid coupon")

// Catalog is the read-only reference data the resolver consults.
type Catalog interface {
	GetProducts(ctx context.Context, tenantID string, ids []string) (map[string]domain.Product, error)
	GetVariants(ctx context.Context, tenantID string, ids []string) (map[string]domain.Variant, error)
	LoadPriceBook(ctx context.Context, tenantID string, storeID string) (domain.PriceBook, error)
	FindCouponByCode(ctx context.Context, tenantID string, code string) (*domain.Promotion, error)
}

type LineRequest struct {
	ProductID string
	VariantID string
	Quantity  decimal.Decimal
}

type LinePrice struct {
	ProductID      string          `json:"product_id,omitempty"`
	VariantID      string          `json:"variant_id,omitempty"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	PriceListID    string          `json:"price_list_id,omitempty"`
	PromotionID    string          `json:"promotion_id,omitempty"`
}

type CouponResult struct {
	Promotion domain.Promotion `json:"promotion"`
	Discount  decimal.Decimal  `json:"discount"`
}

type Resolver struct {
	catalog  Catalog
	cache    cache.PriceBookCache
	cacheTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewResolver(catalog Catalog, priceBooks cache.PriceBookCache, cacheTTL time.Duration, logger zerolog.Logger) *Resolver {
	if priceBooks == nil {
		priceBooks = cache.NoopPriceBookCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Resolver{
		catalog:  catalog,
		cache:    priceBooks,
		cacheTTL: cacheTTL,
		now:      func() time.Time { return time.Now().UTC() },
		log:      logger.With().Str("component", "pricing").Logger(),
	}
}

// ResolveLine prices one cart line. It has no side effects.
func (r *Resolver) ResolveLine(ctx context.Context, tenantID string, storeID string, line LineRequest) (LinePrice, error) {
	prices, err := r.ResolveLines(ctx, tenantID, storeID, []LineRequest{line})
	if err != nil {
		return LinePrice{}, err
	}
	return prices[0], nil
}

// ResolveLines prices every line against one snapshot of reference data.
func (r *Resolver) ResolveLines(ctx context.Context, tenantID string, storeID string, lines []LineRequest) ([]LinePrice, error) {
	productIDs := make([]string, 0, len(lines))
	variantIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		if line.ProductID != "" {
			productIDs = append(productIDs, line.ProductID)
		}
		if line.VariantID != "" {
			variantIDs = append(variantIDs, line.VariantID)
		}
	}

	variants, err := r.catalog.GetVariants(ctx, tenantID, variantIDs)
	if err != nil {
		return nil, err
	}
	for _, v := range variants {
		productIDs = append(productIDs, v.ProductID)
	}
	products, err := r.catalog.GetProducts(ctx, tenantID, productIDs)
	if err != nil {
		return nil, err
	}
	book, err := r.priceBook(ctx, tenantID, storeID)
	if err != nil {
		return nil, err
	}

	at := r.now()
	out := make([]LinePrice, 0, len(lines))
	for _, line := range lines {
		productID := line.ProductID
		var variant *domain.Variant
		if v, ok := variants[line.VariantID]; ok {
			variant = &v
			if productID == "" {
				productID = v.ProductID
			}
		}
		var product *domain.Product
		if p, ok := products[productID]; ok {
			product = &p
		}
		price := resolve(book, storeID, product, variant, productID, line.VariantID, line.Quantity, at)
		out = append(out, price)
	}
	return out, nil
}

// ValidateCoupon checks an explicit coupon code against the cart total. The
// usage counter is not touched here.
func (r *Resolver) ValidateCoupon(ctx context.Context, tenantID string, storeID string, code string, cartTotal decimal.Decimal) (CouponResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return CouponResult{}, fmt.Errorf("%w: empty code", ErrInvalidCoupon)
	}
	promo, err := r.catalog.FindCouponByCode(ctx, tenantID, code)
	if errors.Is(err, store.ErrNotFound) {
		return CouponResult{}, fmt.Errorf("%w: %s not found", ErrInvalidCoupon, code)
	}
	if err != nil {
		return CouponResult{}, err
	}

	at := r.now()
	switch {
	case !promo.Active:
		return CouponResult{}, fmt.Errorf("%w: %s is inactive", ErrInvalidCoupon, code)
	case !promo.InWindow(at):
		return CouponResult{}, fmt.Errorf("%w: %s is expired or not yet valid", ErrInvalidCoupon, code)
	case !promo.UsageAvailable():
		return CouponResult{}, fmt.Errorf("%w: %s usage limit reached", ErrInvalidCoupon, code)
	case !promo.AppliesToStore(storeID):
		return CouponResult{}, fmt.Errorf("%w: %s not valid in this store", ErrInvalidCoupon, code)
	case promo.MinPurchase != nil && cartTotal.LessThan(*promo.MinPurchase):
		return CouponResult{}, fmt.Errorf("%w: %s requires a minimum purchase of %s", ErrInvalidCoupon, code, promo.MinPurchase.StringFixed(moneyPlaces))
	}

	discount := promo.DiscountValue
	if promo.DiscountMode == domain.DiscountModePercent {
		discount = cartTotal.Mul(promo.DiscountValue).Div(decimal.NewFromInt(100))
	}
	discount = capDiscount(discount.Round(moneyPlaces), promo.MaxDiscount, cartTotal)
	if !discount.IsPositive() {
		return CouponResult{}, fmt.Errorf("%w: %s gives no discount", ErrInvalidCoupon, code)
	}
	return CouponResult{Promotion: *promo, Discount: discount}, nil
}

// Invalidate drops cached reference data for a store, e.g. after usage counters moved.
func (r *Resolver) Invalidate(ctx context.Context, tenantID string, storeID string) {
	if err := r.cache.Invalidate(ctx, cache.PriceBookKey(tenantID, storeID)); err != nil {
		r.log.Warn().Err(err).Str("tenant_id", tenantID).Str("store_id", storeID).Msg("price book invalidate failed")
	}
}

func (r *Resolver) priceBook(ctx context.Context, tenantID string, storeID string) (domain.PriceBook, error) {
	key := cache.PriceBookKey(tenantID, storeID)
	cached, hit, err := r.cache.Get(ctx, key)
	if err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("price book cache read failed")
	}
	if hit && cached != nil {
		return *cached, nil
	}

	book, err := r.catalog.LoadPriceBook(ctx, tenantID, storeID)
	if err != nil {
		return domain.PriceBook{}, err
	}
	if err := r.cache.Set(ctx, key, &book, r.cacheTTL); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("price book cache write failed")
	}
	return book, nil
}
