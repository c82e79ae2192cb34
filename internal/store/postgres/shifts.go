package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const shiftColumns = `tenant_id, id, store_id, register_id, opening_cash, closing_cash, expected_cash, variance,
	status, opened_by, closed_by, opened_at, closed_at`

func (s *Store) GetShift(ctx context.Context, tenantID string, id string) (*domain.Shift, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	return scanShift(row)
}

func (s *Store) ListCashMovements(ctx context.Context, tenantID string, shiftID string) ([]domain.CashMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, shift_id, type, amount, reason, approved_by, created_by, created_at
		FROM cash_movements
		WHERE tenant_id = $1 AND shift_id = $2
		ORDER BY created_at, id
	`, tenantID, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 8)
	for rows.Next() {
		var m domain.CashMovement
		if err := rows.Scan(&m.TenantID, &m.ID, &m.ShiftID, &m.Type, &m.Amount, &m.Reason, &m.ApprovedBy, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

func (s *Store) ListParkedSales(ctx context.Context, tenantID string, storeID string, registerID string, limit int) ([]domain.ParkedSale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, store_id, register_id, label, cart, parked_by, created_at
		FROM parked_sales
		WHERE tenant_id = $1 AND store_id = $2 AND ($3 = '' OR register_id = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, storeID, registerID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ParkedSale, 0, 8)
	for rows.Next() {
		parked, err := scanParked(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *parked)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func insertShift(ctx context.Context, q queryer, shift domain.Shift) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO shifts (tenant_id, id, store_id, register_id, opening_cash, status, opened_by, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, shift.TenantID, shift.ID, shift.StoreID, shift.RegisterID, shift.OpeningCash, shift.Status, shift.OpenedBy, shift.OpenedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return err
	}
	return nil
}

func findOpenShift(ctx context.Context, q queryer, tenantID string, storeID string, registerID string) (*domain.Shift, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE tenant_id = $1 AND store_id = $2 AND register_id = $3 AND status = 'open'
	`, tenantID, storeID, registerID)
	return scanShift(row)
}

func closeShift(ctx context.Context, q queryer, shift domain.Shift) error {
	res, err := q.ExecContext(ctx, `
		UPDATE shifts
		SET status = $3, closing_cash = $4, expected_cash = $5, variance = $6, closed_by = $7, closed_at = $8
		WHERE tenant_id = $1 AND id = $2 AND status = 'open'
	`, shift.TenantID, shift.ID, shift.Status, nullDecimal(shift.ClosingCash), nullDecimal(shift.ExpectedCash),
		nullDecimal(shift.Variance), shift.ClosedBy, nullTime(shift.ClosedAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := scanShift(q.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE tenant_id = $1 AND id = $2`, shift.TenantID, shift.ID)); err != nil {
		return err
	}
	return store.ErrShiftClosed
}

func insertCashMovement(ctx context.Context, q queryer, m domain.CashMovement) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cash_movements (tenant_id, id, shift_id, type, amount, reason, approved_by, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.TenantID, m.ID, m.ShiftID, m.Type, m.Amount, m.Reason, m.ApprovedBy, m.CreatedBy, m.CreatedAt.UTC())
	return err
}

// shiftCashSummary counts cash tendered net of change on non-voided sales,
// cash paid out on returns, and manual drawer movements.
func shiftCashSummary(ctx context.Context, q queryer, tenantID string, shiftID string) (domain.ShiftCashSummary, error) {
	var summary domain.ShiftCashSummary
	err := q.QueryRowContext(ctx, `
		WITH cash AS (
			SELECT r.type, r.status, r.change_amount,
				COALESCE((
					SELECT SUM(p.amount) FROM sale_payments p
					WHERE p.tenant_id = r.tenant_id AND p.receipt_id = r.id AND p.method = 'cash'
				), 0) AS tendered
			FROM receipts r
			WHERE r.tenant_id = $1 AND r.shift_id = $2
		)
		SELECT
			COALESCE(SUM(tendered - change_amount) FILTER (WHERE type = 'sale' AND status <> 'voided'), 0),
			COALESCE(SUM(tendered) FILTER (WHERE type = 'return'), 0),
			COALESCE((SELECT SUM(amount) FROM cash_movements WHERE tenant_id = $1 AND shift_id = $2 AND type = 'in'), 0),
			COALESCE((SELECT SUM(amount) FROM cash_movements WHERE tenant_id = $1 AND shift_id = $2 AND type = 'out'), 0)
		FROM cash
	`, tenantID, shiftID).Scan(&summary.CashSales, &summary.CashRefunds, &summary.CashIn, &summary.CashOut)
	return summary, err
}

func insertParkedSale(ctx context.Context, q queryer, parked domain.ParkedSale) error {
	cart, err := json.Marshal(parked.Cart)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO parked_sales (tenant_id, id, store_id, register_id, label, cart, parked_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, parked.TenantID, parked.ID, parked.StoreID, parked.RegisterID, parked.Label, string(cart), parked.ParkedBy, parked.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return err
	}
	return nil
}

func takeParkedSale(ctx context.Context, q queryer, tenantID string, id string) (*domain.ParkedSale, error) {
	row := q.QueryRowContext(ctx, `
		DELETE FROM parked_sales
		WHERE tenant_id = $1 AND id = $2
		RETURNING tenant_id, id, store_id, register_id, label, cart, parked_by, created_at
	`, tenantID, id)
	return scanParked(row)
}

func scanShift(row rowScanner) (*domain.Shift, error) {
	var sh domain.Shift
	var closing, expected, variance decimal.NullDecimal
	var closedAt sql.NullTime
	err := row.Scan(&sh.TenantID, &sh.ID, &sh.StoreID, &sh.RegisterID, &sh.OpeningCash, &closing, &expected, &variance,
		&sh.Status, &sh.OpenedBy, &sh.ClosedBy, &sh.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	sh.ClosingCash = decimalPtr(closing)
	sh.ExpectedCash = decimalPtr(expected)
	sh.Variance = decimalPtr(variance)
	sh.OpenedAt = sh.OpenedAt.UTC()
	sh.ClosedAt = timePtr(closedAt)
	return &sh, nil
}

func scanParked(row rowScanner) (*domain.ParkedSale, error) {
	var p domain.ParkedSale
	var cart []byte
	if err := row.Scan(&p.TenantID, &p.ID, &p.StoreID, &p.RegisterID, &p.Label, &cart, &p.ParkedBy, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(cart, &p.Cart); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
