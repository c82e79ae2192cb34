package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const promotionColumns = `tenant_id, id, name, type, code, discount_mode, discount_value, min_purchase, max_discount,
	applicable_stores, applicable_products, start_date, end_date, usage_limit, usage_count, active`

func (s *Store) GetTenantSettings(ctx context.Context, tenantID string) (domain.TenantSettings, error) {
	settings := domain.TenantSettings{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx, `
		SELECT allow_negative_stock FROM tenant_settings WHERE tenant_id = $1
	`, tenantID).Scan(&settings.AllowNegativeStock)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.TenantSettings{}, err
	}
	return settings, nil
}

func (s *Store) GetProducts(ctx context.Context, tenantID string, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, sku, name, price, allow_negative_stock, active
		FROM products
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		var allowNegative sql.NullBool
		if err := rows.Scan(&p.TenantID, &p.ID, &p.SKU, &p.Name, &p.Price, &allowNegative, &p.Active); err != nil {
			return nil, err
		}
		if allowNegative.Valid {
			allow := allowNegative.Bool
			p.AllowNegativeStock = &allow
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetVariants(ctx context.Context, tenantID string, ids []string) (map[string]domain.Variant, error) {
	result := make(map[string]domain.Variant, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, product_id, sku, name, price
		FROM variants
		WHERE tenant_id = $1 AND id = ANY($2)
	`, tenantID, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var v domain.Variant
		if err := rows.Scan(&v.TenantID, &v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Price); err != nil {
			return nil, err
		}
		result[v.ID] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LoadPriceBook returns the active price lists visible to the store and the
// automatic promotions. Coupons are looked up by code instead.
func (s *Store) LoadPriceBook(ctx context.Context, tenantID string, storeID string) (domain.PriceBook, error) {
	book := domain.PriceBook{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, name, store_id, priority, start_date, end_date, active
		FROM price_lists
		WHERE tenant_id = $1 AND active = true AND (store_id = '' OR store_id = $2)
		ORDER BY priority DESC, id
	`, tenantID, storeID)
	if err != nil {
		return book, err
	}
	index := make(map[string]int)
	for rows.Next() {
		var list domain.PriceList
		var start, end sql.NullTime
		if err := rows.Scan(&list.TenantID, &list.ID, &list.Name, &list.StoreID, &list.Priority, &start, &end, &list.Active); err != nil {
			_ = rows.Close()
			return book, err
		}
		list.StartDate = timePtr(start)
		list.EndDate = timePtr(end)
		index[list.ID] = len(book.PriceLists)
		book.PriceLists = append(book.PriceLists, list)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return book, err
	}
	_ = rows.Close()

	if len(book.PriceLists) > 0 {
		listIDs := make([]string, 0, len(book.PriceLists))
		for _, list := range book.PriceLists {
			listIDs = append(listIDs, list.ID)
		}
		itemRows, err := s.db.QueryContext(ctx, `
			SELECT id, price_list_id, product_id, variant_id, price, min_qty
			FROM price_list_items
			WHERE tenant_id = $1 AND price_list_id = ANY($2)
			ORDER BY price_list_id, id
		`, tenantID, listIDs)
		if err != nil {
			return book, err
		}
		for itemRows.Next() {
			var item domain.PriceListItem
			var minQty decimal.NullDecimal
			if err := itemRows.Scan(&item.ID, &item.PriceListID, &item.ProductID, &item.VariantID, &item.Price, &minQty); err != nil {
				_ = itemRows.Close()
				return book, err
			}
			item.MinQty = decimalPtr(minQty)
			i := index[item.PriceListID]
			book.PriceLists[i].Items = append(book.PriceLists[i].Items, item)
		}
		if err := itemRows.Err(); err != nil {
			_ = itemRows.Close()
			return book, err
		}
		_ = itemRows.Close()
	}

	promoRows, err := s.db.QueryContext(ctx, `
		SELECT `+promotionColumns+`
		FROM promotions
		WHERE tenant_id = $1 AND active = true AND type <> 'coupon'
		ORDER BY id
	`, tenantID)
	if err != nil {
		return book, err
	}
	defer promoRows.Close()
	for promoRows.Next() {
		promo, err := scanPromotion(promoRows)
		if err != nil {
			return book, err
		}
		if promo.AppliesToStore(storeID) {
			book.Promotions = append(book.Promotions, *promo)
		}
	}
	if err := promoRows.Err(); err != nil {
		return book, err
	}
	return book, nil
}

func (s *Store) FindCouponByCode(ctx context.Context, tenantID string, code string) (*domain.Promotion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+promotionColumns+`
		FROM promotions
		WHERE tenant_id = $1 AND type = 'coupon' AND lower(code) = lower($2)
		ORDER BY id
		LIMIT 1
	`, tenantID, strings.TrimSpace(code))
	return scanPromotion(row)
}

func (s *Store) PutTenantSettings(ctx context.Context, settings domain.TenantSettings) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_settings (tenant_id, allow_negative_stock)
		VALUES ($1,$2)
		ON CONFLICT (tenant_id) DO UPDATE SET allow_negative_stock = EXCLUDED.allow_negative_stock
	`, settings.TenantID, settings.AllowNegativeStock)
	return err
}

func (s *Store) PutProduct(ctx context.Context, p domain.Product) error {
	var allowNegative any
	if p.AllowNegativeStock != nil {
		allowNegative = *p.AllowNegativeStock
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (tenant_id, id, sku, name, price, allow_negative_stock, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET sku = EXCLUDED.sku, name = EXCLUDED.name, price = EXCLUDED.price,
			allow_negative_stock = EXCLUDED.allow_negative_stock, active = EXCLUDED.active
	`, p.TenantID, p.ID, p.SKU, p.Name, p.Price, allowNegative, p.Active)
	return err
}

func (s *Store) PutVariant(ctx context.Context, v domain.Variant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO variants (tenant_id, id, product_id, sku, name, price)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET product_id = EXCLUDED.product_id, sku = EXCLUDED.sku, name = EXCLUDED.name, price = EXCLUDED.price
	`, v.TenantID, v.ID, v.ProductID, v.SKU, v.Name, v.Price)
	return err
}

// PutPriceList replaces the list and all of its items.
func (s *Store) PutPriceList(ctx context.Context, list domain.PriceList) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO price_lists (tenant_id, id, name, store_id, priority, start_date, end_date, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, store_id = EXCLUDED.store_id, priority = EXCLUDED.priority,
			start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date, active = EXCLUDED.active
	`, list.TenantID, list.ID, list.Name, list.StoreID, list.Priority, nullTime(list.StartDate), nullTime(list.EndDate), list.Active)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM price_list_items WHERE tenant_id = $1 AND price_list_id = $2`, list.TenantID, list.ID); err != nil {
		return err
	}
	for _, item := range list.Items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO price_list_items (tenant_id, id, price_list_id, product_id, variant_id, price, min_qty)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, list.TenantID, item.ID, list.ID, item.ProductID, item.VariantID, item.Price, nullDecimal(item.MinQty))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) PutPromotion(ctx context.Context, p domain.Promotion) error {
	stores, err := json.Marshal(nonNil(p.ApplicableStores))
	if err != nil {
		return err
	}
	products, err := json.Marshal(nonNil(p.ApplicableProducts))
	if err != nil {
		return err
	}
	var usageLimit any
	if p.UsageLimit != nil {
		usageLimit = *p.UsageLimit
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO promotions (
			tenant_id, id, name, type, code, discount_mode, discount_value, min_purchase, max_discount,
			applicable_stores, applicable_products, start_date, end_date, usage_limit, usage_count, active
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, type = EXCLUDED.type, code = EXCLUDED.code, discount_mode = EXCLUDED.discount_mode,
			discount_value = EXCLUDED.discount_value, min_purchase = EXCLUDED.min_purchase, max_discount = EXCLUDED.max_discount,
			applicable_stores = EXCLUDED.applicable_stores, applicable_products = EXCLUDED.applicable_products,
			start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date, usage_limit = EXCLUDED.usage_limit,
			active = EXCLUDED.active
	`, p.TenantID, p.ID, p.Name, p.Type, p.Code, p.DiscountMode, p.DiscountValue, nullDecimal(p.MinPurchase), nullDecimal(p.MaxDiscount),
		string(stores), string(products), nullTime(p.StartDate), nullTime(p.EndDate), usageLimit, p.UsageCount, p.Active)
	return err
}

func scanPromotion(row rowScanner) (*domain.Promotion, error) {
	var p domain.Promotion
	var minPurchase, maxDiscount decimal.NullDecimal
	var stores, products []byte
	var start, end sql.NullTime
	var usageLimit sql.NullInt64
	err := row.Scan(&p.TenantID, &p.ID, &p.Name, &p.Type, &p.Code, &p.DiscountMode, &p.DiscountValue, &minPurchase, &maxDiscount,
		&stores, &products, &start, &end, &usageLimit, &p.UsageCount, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(stores, &p.ApplicableStores); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(products, &p.ApplicableProducts); err != nil {
		return nil, err
	}
	if len(p.ApplicableStores) == 0 {
		p.ApplicableStores = nil
	}
	if len(p.ApplicableProducts) == 0 {
		p.ApplicableProducts = nil
	}
	p.MinPurchase = decimalPtr(minPurchase)
	p.MaxDiscount = decimalPtr(maxDiscount)
	p.StartDate = timePtr(start)
	p.EndDate = timePtr(end)
	if usageLimit.Valid {
		limit := usageLimit.Int64
		p.UsageLimit = &limit
	}
	return &p, nil
}

func nonNil(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return slices.Clone(vals)
}
