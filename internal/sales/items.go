package sales

import (
	"cmp"
	"context"
	"slices"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// catalog is the product reference data one operation works against.
type catalog struct {
	settings domain.TenantSettings
	products map[string]domain.Product
	variants map[string]domain.Variant
}

func (s *Service) loadCatalog(ctx context.Context, tenantID string, productIDs []string, variantIDs []string) (catalog, error) {
	settings, err := s.repo.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return catalog{}, err
	}
	variants, err := s.repo.GetVariants(ctx, tenantID, variantIDs)
	if err != nil {
		return catalog{}, err
	}
	for _, v := range variants {
		productIDs = append(productIDs, v.ProductID)
	}
	products, err := s.repo.GetProducts(ctx, tenantID, productIDs)
	if err != nil {
		return catalog{}, err
	}
	return catalog{settings: settings, products: products, variants: variants}, nil
}

// item resolves the product behind a line. Variant-only lines take the
// variant's product so every stock key carries a product id.
func (c catalog) item(lineNo int, productID string, variantID string) (domain.Product, error) {
	if productID == "" && variantID == "" {
		return domain.Product{}, &LineError{Line: lineNo, Reason: "product_id or variant_id is required", Err: ErrValidation}
	}
	if variantID != "" {
		variant, ok := c.variants[variantID]
		if !ok {
			return domain.Product{}, &LineError{Line: lineNo, ProductID: productID, VariantID: variantID, Reason: "unknown variant", Err: ErrValidation}
		}
		if productID != "" && productID != variant.ProductID {
			return domain.Product{}, &LineError{Line: lineNo, ProductID: productID, VariantID: variantID, Reason: "variant belongs to another product", Err: ErrValidation}
		}
		productID = variant.ProductID
	}
	product, ok := c.products[productID]
	if !ok {
		return domain.Product{}, &LineError{Line: lineNo, ProductID: productID, VariantID: variantID, Reason: "unknown product", Err: ErrValidation}
	}
	if !product.Active {
		return domain.Product{}, &LineError{Line: lineNo, ProductID: productID, VariantID: variantID, Reason: "product is inactive", Err: ErrValidation}
	}
	return product, nil
}

func (c catalog) allowNegative(productID string) bool {
	if product, ok := c.products[productID]; ok && product.AllowNegativeStock != nil {
		return *product.AllowNegativeStock
	}
	return c.settings.AllowNegativeStock
}

// lockKeys takes the aggregate row locks in a fixed order so concurrent
// multi-line operations cannot deadlock each other.
func lockKeys(ctx context.Context, tx store.Tx, tenantID string, keys []domain.StockKey) error {
	sorted := slices.Clone(keys)
	slices.SortFunc(sorted, func(a, b domain.StockKey) int {
		return cmp.Compare(a.String(), b.String())
	})
	sorted = slices.Compact(sorted)
	for _, key := range sorted {
		if _, err := tx.LockAggregate(ctx, tenantID, key); err != nil {
			return err
		}
	}
	return nil
}
