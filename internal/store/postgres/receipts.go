package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const receiptColumns = `tenant_id, id, store_id, register_id, type, receipt_number, status,
	subtotal, discount_amount, tax_amount, total_amount, paid_amount, change_amount,
	customer_id, cashier_id, shift_id, idempotency_key, original_receipt_id, coupon_promotion_id,
	void_reason, voided_at, created_at`

func (s *Store) FindReceiptByID(ctx context.Context, tenantID string, id string) (*domain.SaleReceipt, error) {
	return findReceipt(ctx, s.db, tenantID, "id", id, false)
}

func (s *Store) FindReceiptByIdempotency(ctx context.Context, tenantID string, key string) (*domain.SaleReceipt, error) {
	return findReceipt(ctx, s.db, tenantID, "idempotency_key", key, false)
}

// findReceipt loads a receipt with its lines and payments. column is one of
// the fixed names above, never caller input.
func findReceipt(ctx context.Context, q queryer, tenantID string, column string, value string, forUpdate bool) (*domain.SaleReceipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE tenant_id = $1 AND ` + column + ` = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var r domain.SaleReceipt
	var idem sql.NullString
	var voidedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, tenantID, value).Scan(
		&r.TenantID, &r.ID, &r.StoreID, &r.RegisterID, &r.Type, &r.ReceiptNumber, &r.Status,
		&r.Subtotal, &r.DiscountAmount, &r.TaxAmount, &r.TotalAmount, &r.PaidAmount, &r.ChangeAmount,
		&r.CustomerID, &r.CashierID, &r.ShiftID, &idem, &r.OriginalReceiptID, &r.CouponPromotionID,
		&r.VoidReason, &voidedAt, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	r.IdempotencyKey = idem.String
	r.VoidedAt = timePtr(voidedAt)
	r.CreatedAt = r.CreatedAt.UTC()

	if r.Lines, err = receiptLines(ctx, q, r.TenantID, r.ID); err != nil {
		return nil, err
	}
	if r.Payments, err = receiptPayments(ctx, q, r.TenantID, r.ID); err != nil {
		return nil, err
	}
	return &r, nil
}

func receiptLines(ctx context.Context, q queryer, tenantID string, receiptID string) ([]domain.SaleLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, receipt_id, line_no, product_id, variant_id, unit_id, lot_id, quantity,
			original_price, unit_price, discount_amount, line_total, promotion_id, price_list_id, original_line_id
		FROM sale_lines
		WHERE tenant_id = $1 AND receipt_id = $2
		ORDER BY line_no
	`, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.SaleLine, 0, 8)
	for rows.Next() {
		var l domain.SaleLine
		if err := rows.Scan(&l.ID, &l.ReceiptID, &l.LineNo, &l.ProductID, &l.VariantID, &l.UnitID, &l.LotID, &l.Quantity,
			&l.OriginalPrice, &l.UnitPrice, &l.DiscountAmount, &l.LineTotal, &l.PromotionID, &l.PriceListID, &l.OriginalLineID); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func receiptPayments(ctx context.Context, q queryer, tenantID string, receiptID string) ([]domain.Payment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT method, amount, reference
		FROM sale_payments
		WHERE tenant_id = $1 AND receipt_id = $2
		ORDER BY position
	`, tenantID, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 2)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.Method, &p.Amount, &p.Reference); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func nextReceiptNumber(ctx context.Context, q queryer, tenantID string, storeID string, receiptType string) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx, `
		INSERT INTO receipt_sequences (tenant_id, store_id, receipt_type, last_value)
		VALUES ($1,$2,$3,1)
		ON CONFLICT (tenant_id, store_id, receipt_type)
		DO UPDATE SET last_value = receipt_sequences.last_value + 1
		RETURNING last_value
	`, tenantID, storeID, receiptType).Scan(&next)
	return next, err
}

func insertReceipt(ctx context.Context, q queryer, r domain.SaleReceipt) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO receipts (
			tenant_id, id, store_id, register_id, type, receipt_number, status,
			subtotal, discount_amount, tax_amount, total_amount, paid_amount, change_amount,
			customer_id, cashier_id, shift_id, idempotency_key, original_receipt_id, coupon_promotion_id,
			void_reason, voided_at, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`, r.TenantID, r.ID, r.StoreID, r.RegisterID, r.Type, r.ReceiptNumber, r.Status,
		r.Subtotal, r.DiscountAmount, r.TaxAmount, r.TotalAmount, r.PaidAmount, r.ChangeAmount,
		r.CustomerID, r.CashierID, r.ShiftID, nullIfEmpty(r.IdempotencyKey), r.OriginalReceiptID, r.CouponPromotionID,
		r.VoidReason, nullTime(r.VoidedAt), r.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return err
	}

	for _, l := range r.Lines {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sale_lines (
				tenant_id, id, receipt_id, line_no, product_id, variant_id, unit_id, lot_id, quantity,
				original_price, unit_price, discount_amount, line_total, promotion_id, price_list_id, original_line_id
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, r.TenantID, l.ID, r.ID, l.LineNo, l.ProductID, l.VariantID, l.UnitID, l.LotID, l.Quantity,
			l.OriginalPrice, l.UnitPrice, l.DiscountAmount, l.LineTotal, l.PromotionID, l.PriceListID, l.OriginalLineID)
		if err != nil {
			return err
		}
	}

	for i, p := range r.Payments {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sale_payments (tenant_id, receipt_id, position, method, amount, reference)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, r.TenantID, r.ID, i, p.Method, p.Amount, p.Reference)
		if err != nil {
			return err
		}
	}
	return nil
}

func updateReceiptStatus(ctx context.Context, q queryer, tenantID string, id string, status string, reason string, at sql.NullTime) error {
	res, err := q.ExecContext(ctx, `
		UPDATE receipts
		SET status = $3,
			void_reason = CASE WHEN $3 = 'voided' THEN $4 ELSE void_reason END,
			voided_at = CASE WHEN $3 = 'voided' THEN $5 ELSE voided_at END
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id, status, reason, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func refundedSoFar(ctx context.Context, q queryer, tenantID string, originalReceiptID string) (store.RefundedTotals, error) {
	out := store.NewRefundedTotals()
	rows, err := q.QueryContext(ctx, `
		SELECT l.original_line_id, SUM(l.quantity), SUM(l.line_total), SUM(l.discount_amount)
		FROM sale_lines l
		JOIN receipts r ON r.tenant_id = l.tenant_id AND r.id = l.receipt_id
		WHERE r.tenant_id = $1 AND r.type = 'return' AND r.original_receipt_id = $2
		GROUP BY l.original_line_id
	`, tenantID, originalReceiptID)
	if err != nil {
		return out, err
	}
	defer rows.Close()

	lineDiscounts := decimal.Zero
	for rows.Next() {
		var lineID string
		var qty, total, discount decimal.Decimal
		if err := rows.Scan(&lineID, &qty, &total, &discount); err != nil {
			return out, err
		}
		out.Quantities[lineID] = qty
		out.LineTotals[lineID] = total
		out.LineDiscounts[lineID] = discount
		lineDiscounts = lineDiscounts.Add(discount)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	var receiptDiscounts decimal.Decimal
	err = q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(discount_amount), 0), COALESCE(SUM(tax_amount), 0)
		FROM receipts
		WHERE tenant_id = $1 AND type = 'return' AND original_receipt_id = $2
	`, tenantID, originalReceiptID).Scan(&receiptDiscounts, &out.Tax)
	if err != nil {
		return out, err
	}
	out.Coupon = receiptDiscounts.Sub(lineDiscounts)
	return out, nil
}

func incrementPromotionUsage(ctx context.Context, q queryer, tenantID string, promotionID string) error {
	var id string
	err := q.QueryRowContext(ctx, `
		UPDATE promotions
		SET usage_count = usage_count + 1
		WHERE tenant_id = $1 AND id = $2 AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING id
	`, tenantID, promotionID).Scan(&id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM promotions WHERE tenant_id = $1 AND id = $2)
	`, tenantID, promotionID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrPromotionExhausted
}
