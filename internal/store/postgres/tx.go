package postgres

import (
	"context"
	"database/sql"
	"time"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// pgTx implements store.Tx on one database transaction.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockAggregate(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	return lockAggregate(ctx, t.tx, tenantID, key)
}

func (t *pgTx) LockExistingAggregate(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM stock_aggregates WHERE `+keyPredicate+` FOR UPDATE`, keyArgs(tenantID, key)...)
	return scanAggregate(row)
}

func (t *pgTx) SaveAggregate(ctx context.Context, agg domain.StockAggregate) error {
	return saveAggregate(ctx, t.tx, agg)
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	return insertLedgerEntry(ctx, t.tx, entry)
}

func (t *pgTx) LedgerForKey(ctx context.Context, tenantID string, key domain.StockKey) ([]domain.LedgerEntry, error) {
	return ledgerForKey(ctx, t.tx, tenantID, key)
}

func (t *pgTx) FindReceiptByIdempotency(ctx context.Context, tenantID string, key string) (*domain.SaleReceipt, error) {
	return findReceipt(ctx, t.tx, tenantID, "idempotency_key", key, false)
}

func (t *pgTx) NextReceiptNumber(ctx context.Context, tenantID string, storeID string, receiptType string) (int64, error) {
	return nextReceiptNumber(ctx, t.tx, tenantID, storeID, receiptType)
}

func (t *pgTx) InsertReceipt(ctx context.Context, receipt domain.SaleReceipt) error {
	return insertReceipt(ctx, t.tx, receipt)
}

func (t *pgTx) LockReceipt(ctx context.Context, tenantID string, id string) (*domain.SaleReceipt, error) {
	return findReceipt(ctx, t.tx, tenantID, "id", id, true)
}

func (t *pgTx) UpdateReceiptStatus(ctx context.Context, tenantID string, id string, status string, reason string, at time.Time) error {
	return updateReceiptStatus(ctx, t.tx, tenantID, id, status, reason, sql.NullTime{Time: at.UTC(), Valid: true})
}

func (t *pgTx) RefundedSoFar(ctx context.Context, tenantID string, originalReceiptID string) (store.RefundedTotals, error) {
	return refundedSoFar(ctx, t.tx, tenantID, originalReceiptID)
}

func (t *pgTx) IncrementPromotionUsage(ctx context.Context, tenantID string, promotionID string) error {
	return incrementPromotionUsage(ctx, t.tx, tenantID, promotionID)
}

func (t *pgTx) InsertEvent(ctx context.Context, event domain.QueuedEvent) error {
	return insertEvent(ctx, t.tx, event)
}

func (t *pgTx) InsertShift(ctx context.Context, shift domain.Shift) error {
	return insertShift(ctx, t.tx, shift)
}

func (t *pgTx) LockShift(ctx context.Context, tenantID string, id string) (*domain.Shift, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
	return scanShift(row)
}

func (t *pgTx) FindOpenShift(ctx context.Context, tenantID string, storeID string, registerID string) (*domain.Shift, error) {
	return findOpenShift(ctx, t.tx, tenantID, storeID, registerID)
}

func (t *pgTx) CloseShift(ctx context.Context, shift domain.Shift) error {
	return closeShift(ctx, t.tx, shift)
}

func (t *pgTx) InsertCashMovement(ctx context.Context, movement domain.CashMovement) error {
	return insertCashMovement(ctx, t.tx, movement)
}

func (t *pgTx) ShiftCashSummary(ctx context.Context, tenantID string, shiftID string) (domain.ShiftCashSummary, error) {
	return shiftCashSummary(ctx, t.tx, tenantID, shiftID)
}

func (t *pgTx) InsertParkedSale(ctx context.Context, parked domain.ParkedSale) error {
	return insertParkedSale(ctx, t.tx, parked)
}

func (t *pgTx) TakeParkedSale(ctx context.Context, tenantID string, id string) (*domain.ParkedSale, error) {
	return takeParkedSale(ctx, t.tx, tenantID, id)
}
