package pricing

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

func resolve(book domain.PriceBook, storeID string, product *domain.Product, variant *domain.Variant, productID string, variantID string, qty decimal.Decimal, at time.Time) LinePrice {
	result := LinePrice{ProductID: productID, VariantID: variantID}

	price := decimal.Zero
	switch {
	case variant != nil && variant.Price.IsPositive():
		price = variant.Price
	case product != nil:
		price = product.Price
	}

	if item, list, ok := selectPriceListItem(book.PriceLists, storeID, productID, variantID, qty, at); ok {
		price = item.Price
		result.PriceListID = list.ID
	}
	result.OriginalPrice = price
	result.UnitPrice = price
	result.DiscountAmount = decimal.Zero

	if promo, discount, ok := selectPromotion(book.Promotions, storeID, productID, variantID, price, qty, at); ok {
		result.PromotionID = promo.ID
		result.DiscountAmount = discount
		result.UnitPrice = price.Sub(discount)
	}
	return result
}

type priceCandidate struct {
	list domain.PriceList
	item domain.PriceListItem
}

// selectPriceListItem prefers store-specific lists over store-agnostic ones,
// then higher priority, then the largest satisfied quantity break.
func selectPriceListItem(lists []domain.PriceList, storeID string, productID string, variantID string, qty decimal.Decimal, at time.Time) (domain.PriceListItem, domain.PriceList, bool) {
	candidates := make([]priceCandidate, 0, 4)
	for _, list := range lists {
		if !list.Active || !list.InWindow(at) {
			continue
		}
		if list.StoreID != "" && list.StoreID != storeID {
			continue
		}
		for _, item := range list.Items {
			if !itemMatches(item, productID, variantID) {
				continue
			}
			if minQty(item).GreaterThan(qty) {
				continue
			}
			candidates = append(candidates, priceCandidate{list: list, item: item})
		}
	}
	if len(candidates) == 0 {
		return domain.PriceListItem{}, domain.PriceList{}, false
	}

	slices.SortFunc(candidates, func(a, b priceCandidate) int {
		if c := boolRank(a.list.StoreID != "", b.list.StoreID != ""); c != 0 {
			return c
		}
		if c := cmp.Compare(b.list.Priority, a.list.Priority); c != 0 {
			return c
		}
		if c := minQty(b.item).Cmp(minQty(a.item)); c != 0 {
			return c
		}
		if c := boolRank(a.item.VariantID != "", b.item.VariantID != ""); c != 0 {
			return c
		}
		if c := strings.Compare(a.list.ID, b.list.ID); c != 0 {
			return c
		}
		return strings.Compare(a.item.ID, b.item.ID)
	})
	return candidates[0].item, candidates[0].list, true
}

func itemMatches(item domain.PriceListItem, productID string, variantID string) bool {
	if item.VariantID != "" {
		return item.VariantID == variantID
	}
	return item.ProductID != "" && item.ProductID == productID
}

func minQty(item domain.PriceListItem) decimal.Decimal {
	if item.MinQty == nil {
		return decimal.Zero
	}
	return *item.MinQty
}

// selectPromotion is greedy: promotions are tried by descending discount
// value and the first one giving a positive discount wins. Promotions never stack.
func selectPromotion(promos []domain.Promotion, storeID string, productID string, variantID string, price decimal.Decimal, qty decimal.Decimal, at time.Time) (domain.Promotion, decimal.Decimal, bool) {
	lineValue := price.Mul(qty)
	eligible := make([]domain.Promotion, 0, len(promos))
	for _, promo := range promos {
		if promo.Type != domain.PromotionPercentOff && promo.Type != domain.PromotionFixedOff {
			continue
		}
		if !promo.Active || !promo.InWindow(at) || !promo.UsageAvailable() || !promo.AppliesToStore(storeID) {
			continue
		}
		if !appliesToProduct(promo, productID, variantID) {
			continue
		}
		if promo.MinPurchase != nil && lineValue.LessThan(*promo.MinPurchase) {
			continue
		}
		eligible = append(eligible, promo)
	}

	slices.SortStableFunc(eligible, func(a, b domain.Promotion) int {
		if c := b.DiscountValue.Cmp(a.DiscountValue); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	for _, promo := range eligible {
		discount := promo.DiscountValue
		if promo.Type == domain.PromotionPercentOff {
			discount = price.Mul(promo.DiscountValue).Div(hundred)
		}
		discount = capDiscount(discount.Round(moneyPlaces), promo.MaxDiscount, price)
		if discount.IsPositive() {
			return promo, discount, true
		}
	}
	return domain.Promotion{}, decimal.Zero, false
}

func appliesToProduct(promo domain.Promotion, productID string, variantID string) bool {
	if len(promo.ApplicableProducts) == 0 {
		return true
	}
	return (productID != "" && slices.Contains(promo.ApplicableProducts, productID)) ||
		(variantID != "" && slices.Contains(promo.ApplicableProducts, variantID))
}

func capDiscount(discount decimal.Decimal, maxDiscount *decimal.Decimal, ceiling decimal.Decimal) decimal.Decimal {
	if maxDiscount != nil && discount.GreaterThan(*maxDiscount) {
		discount = *maxDiscount
	}
	if discount.GreaterThan(ceiling) {
		discount = ceiling
	}
	if discount.IsNegative() {
		return decimal.Zero
	}
	return discount
}

// boolRank sorts true before false.
func boolRank(a bool, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	default:
		return 1
	}
}
