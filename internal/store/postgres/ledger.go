package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

const aggregateColumns = `tenant_id, store_id, product_id, variant_id, unit_id, lot_id,
	quantity, weighted_avg_cost, last_received_at, last_sold_at, updated_at`

const ledgerColumns = `seq, id, tenant_id, store_id, product_id, variant_id, unit_id, lot_id,
	quantity_delta, quantity_before, quantity_after, unit_cost,
	reference_type, reference_id, reference_line_id, occurred_at, created_by`

const keyPredicate = `tenant_id = $1 AND store_id = $2 AND product_id = $3 AND variant_id = $4 AND unit_id = $5 AND lot_id = $6`

func keyArgs(tenantID string, key domain.StockKey, extra ...any) []any {
	args := []any{tenantID, key.StoreID, key.ProductID, key.VariantID, key.UnitID, key.LotID}
	return append(args, extra...)
}

func (s *Store) GetAggregate(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM stock_aggregates WHERE `+keyPredicate, keyArgs(tenantID, key)...)
	return scanAggregate(row)
}

func (s *Store) LedgerForKey(ctx context.Context, tenantID string, key domain.StockKey) ([]domain.LedgerEntry, error) {
	return ledgerForKey(ctx, s.db, tenantID, key)
}

func (s *Store) ListLedger(ctx context.Context, tenantID string, filter store.LedgerFilter, page store.Page) ([]domain.LedgerEntry, int, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{tenantID}
	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.StoreID != "" {
		add("store_id = $%d", filter.StoreID)
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.VariantID != "" {
		add("variant_id = $%d", filter.VariantID)
	}
	if filter.ReferenceType != "" {
		add("reference_type = $%d", filter.ReferenceType)
	}
	if filter.From != nil {
		add("occurred_at >= $%d", filter.From.UTC())
	}
	if filter.To != nil {
		add("occurred_at <= $%d", filter.To.UTC())
	}
	where := strings.Join(conds, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_ledger WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limitArg(page.Limit), page.Offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM stock_ledger
		WHERE %s
		ORDER BY occurred_at DESC, seq DESC
		LIMIT $%d OFFSET $%d
	`, ledgerColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	entries, err := scanLedgerRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func ledgerForKey(ctx context.Context, q queryer, tenantID string, key domain.StockKey) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+ledgerColumns+` FROM stock_ledger WHERE `+keyPredicate+` ORDER BY seq`, keyArgs(tenantID, key)...)
	if err != nil {
		return nil, err
	}
	return scanLedgerRows(rows)
}

// lockAggregate inserts the zero row if missing, then locks it. Concurrent
// first movements on one key queue on the primary key until the winner commits.
func lockAggregate(ctx context.Context, q queryer, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stock_aggregates (tenant_id, store_id, product_id, variant_id, unit_id, lot_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
		ON CONFLICT DO NOTHING
	`, keyArgs(tenantID, key)...)
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM stock_aggregates WHERE `+keyPredicate+` FOR UPDATE`, keyArgs(tenantID, key)...)
	return scanAggregate(row)
}

func saveAggregate(ctx context.Context, q queryer, agg domain.StockAggregate) error {
	res, err := q.ExecContext(ctx, `
		UPDATE stock_aggregates
		SET quantity = $7, weighted_avg_cost = $8, last_received_at = $9, last_sold_at = $10, updated_at = $11
		WHERE `+keyPredicate,
		keyArgs(agg.TenantID, agg.StockKey,
			agg.Quantity, agg.WeightedAvgCost, nullTime(agg.LastReceivedAt), nullTime(agg.LastSoldAt), agg.UpdatedAt.UTC())...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("save aggregate %s: %w", agg.StockKey, store.ErrConflict)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, q queryer, entry domain.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stock_ledger (
			id, tenant_id, store_id, product_id, variant_id, unit_id, lot_id,
			quantity_delta, quantity_before, quantity_after, unit_cost,
			reference_type, reference_id, reference_line_id, occurred_at, created_by
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, entry.ID, entry.TenantID, entry.StoreID, entry.ProductID, entry.VariantID, entry.UnitID, entry.LotID,
		entry.QuantityDelta, entry.QuantityBefore, entry.QuantityAfter, nullDecimal(entry.UnitCost),
		entry.ReferenceType, entry.ReferenceID, entry.ReferenceLineID, entry.OccurredAt.UTC(), entry.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return err
	}
	return nil
}

func scanAggregate(row rowScanner) (*domain.StockAggregate, error) {
	var agg domain.StockAggregate
	var received, sold sql.NullTime
	err := row.Scan(&agg.TenantID, &agg.StoreID, &agg.ProductID, &agg.VariantID, &agg.UnitID, &agg.LotID,
		&agg.Quantity, &agg.WeightedAvgCost, &received, &sold, &agg.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	agg.LastReceivedAt = timePtr(received)
	agg.LastSoldAt = timePtr(sold)
	agg.UpdatedAt = agg.UpdatedAt.UTC()
	return &agg, nil
}

func scanLedgerRows(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 32)
	for rows.Next() {
		var entry domain.LedgerEntry
		var unitCost decimal.NullDecimal
		if err := rows.Scan(&entry.Seq, &entry.ID, &entry.TenantID, &entry.StoreID, &entry.ProductID, &entry.VariantID,
			&entry.UnitID, &entry.LotID, &entry.QuantityDelta, &entry.QuantityBefore, &entry.QuantityAfter, &unitCost,
			&entry.ReferenceType, &entry.ReferenceID, &entry.ReferenceLineID, &entry.OccurredAt, &entry.CreatedBy); err != nil {
			return nil, err
		}
		entry.UnitCost = decimalPtr(unitCost)
		entry.OccurredAt = entry.OccurredAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
