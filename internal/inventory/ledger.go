package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type Reference struct {
	Type      string
	ID        string
	LineID    string
	CreatedBy string
}

// Ledger appends immutable stock-change facts.
type Ledger struct {
	repo store.Repository
}

func NewLedger(repo store.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// Append records delta against the locked aggregate quantity. It must share
// tx with the matching ApplyDelta.
func (l *Ledger) Append(ctx context.Context, tx store.Tx, tenantID string, key domain.StockKey, delta decimal.Decimal, unitCost *decimal.Decimal, ref Reference, at time.Time) (domain.LedgerEntry, error) {
	agg, err := tx.LockAggregate(ctx, tenantID, key)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	entry := domain.LedgerEntry{
		ID:              xid.New("led"),
		TenantID:        tenantID,
		StockKey:        key,
		QuantityDelta:   delta,
		QuantityBefore:  agg.Quantity,
		QuantityAfter:   agg.Quantity.Add(delta),
		UnitCost:        unitCost,
		ReferenceType:   ref.Type,
		ReferenceID:     ref.ID,
		ReferenceLineID: ref.LineID,
		OccurredAt:      at,
		CreatedBy:       ref.CreatedBy,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return domain.LedgerEntry{}, err
	}
	return entry, nil
}

// History returns entries newest first together with the unpaged total.
func (l *Ledger) History(ctx context.Context, tenantID string, filter store.LedgerFilter, page store.Page) ([]domain.LedgerEntry, int, error) {
	return l.repo.ListLedger(ctx, tenantID, filter, page.Normalize(50, 500))
}
