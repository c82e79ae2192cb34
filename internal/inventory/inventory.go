package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// Movement is one signed change to a stock key.
type Movement struct {
	TenantID string
	Key      domain.StockKey
	Delta    decimal.Decimal
	UnitCost *decimal.Decimal
	Ref      Reference
	At       time.Time
}

// Inventory pairs the ledger with the aggregate store. Move is the only
// mutation path callers should use.
type Inventory struct {
	*Ledger
	*Aggregates
	repo store.Repository
}

func New(repo store.Repository) *Inventory {
	return &Inventory{
		Ledger:     NewLedger(repo),
		Aggregates: NewAggregates(repo),
		repo:       repo,
	}
}

// Move locks the aggregate row, appends the ledger entry and applies the
// delta to the same row, all inside tx.
func (inv *Inventory) Move(ctx context.Context, tx store.Tx, m Movement) (domain.LedgerEntry, error) {
	if m.Delta.IsZero() {
		return domain.LedgerEntry{}, fmt.Errorf("%w: zero quantity movement for %s", store.ErrInvalidTransaction, m.Key.Item())
	}
	entry, err := inv.Append(ctx, tx, m.TenantID, m.Key, m.Delta, m.UnitCost, m.Ref, m.At)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	after, err := inv.ApplyDelta(ctx, tx, m.TenantID, m.Key, m.Delta, m.UnitCost, KindOf(m.Ref.Type), m.At)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if !after.Equal(entry.QuantityAfter) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s ledger after %s, aggregate %s", store.ErrLedgerMismatch, m.Key, entry.QuantityAfter, after)
	}
	return entry, nil
}

type VerifyReport struct {
	Key               domain.StockKey `json:"key"`
	Entries           int             `json:"entries"`
	LedgerQuantity    decimal.Decimal `json:"ledger_quantity"`
	AggregateQuantity decimal.Decimal `json:"aggregate_quantity"`
	Consistent        bool            `json:"consistent"`
	Problem           string          `json:"problem,omitempty"`
}

// Verify replays the ledger of key and compares it with the aggregate row,
// holding the row lock so concurrent moves cannot interleave with the reads.
// A mismatch is reported and returned as store.ErrLedgerMismatch.
func (inv *Inventory) Verify(ctx context.Context, tenantID string, key domain.StockKey) (VerifyReport, error) {
	var (
		agg     *domain.StockAggregate
		entries []domain.LedgerEntry
	)
	err := inv.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		agg, entries, err = lockedLedger(ctx, tx, tenantID, key)
		return err
	})
	if err != nil {
		return VerifyReport{}, err
	}
	report := VerifyReport{Key: key, Entries: len(entries)}

	prevAfter := decimal.Zero
	for i, entry := range entries {
		if !entry.QuantityBefore.Equal(prevAfter) {
			report.Problem = fmt.Sprintf("entry %d (%s) starts at %s, previous ended at %s", i, entry.ID, entry.QuantityBefore, prevAfter)
			break
		}
		if !entry.QuantityBefore.Add(entry.QuantityDelta).Equal(entry.QuantityAfter) {
			report.Problem = fmt.Sprintf("entry %d (%s) does not add up", i, entry.ID)
			break
		}
		prevAfter = entry.QuantityAfter
		report.LedgerQuantity = report.LedgerQuantity.Add(entry.QuantityDelta)
	}

	if agg != nil {
		report.AggregateQuantity = agg.Quantity
	}
	if report.Problem == "" && !report.LedgerQuantity.Equal(report.AggregateQuantity) {
		report.Problem = fmt.Sprintf("ledger sums to %s, aggregate holds %s", report.LedgerQuantity, report.AggregateQuantity)
	}

	report.Consistent = report.Problem == ""
	if !report.Consistent {
		return report, fmt.Errorf("%w: %s: %s", store.ErrLedgerMismatch, key, report.Problem)
	}
	return report, nil
}

// Rebuild recomputes quantity and weighted average cost of key from its
// ledger and overwrites the aggregate row under lock. A key with neither a
// row nor ledger entries returns store.ErrNotFound and creates nothing.
func (inv *Inventory) Rebuild(ctx context.Context, tenantID string, key domain.StockKey, at time.Time) (*domain.StockAggregate, error) {
	var rebuilt domain.StockAggregate
	err := inv.repo.WithinTx(ctx, func(tx store.Tx) error {
		current, entries, err := lockedLedger(ctx, tx, tenantID, key)
		if err != nil {
			return err
		}
		if current == nil {
			if len(entries) == 0 {
				return fmt.Errorf("rebuild %s: %w", key, store.ErrNotFound)
			}
			if current, err = tx.LockAggregate(ctx, tenantID, key); err != nil {
				return err
			}
		}

		next := domain.StockAggregate{TenantID: tenantID, StockKey: key}
		for _, entry := range entries {
			next = applyDelta(next, entry.QuantityDelta, entry.UnitCost, KindOf(entry.ReferenceType), entry.OccurredAt)
		}
		next.UpdatedAt = at
		if next.LastReceivedAt == nil {
			next.LastReceivedAt = current.LastReceivedAt
		}
		if next.LastSoldAt == nil {
			next.LastSoldAt = current.LastSoldAt
		}
		rebuilt = next
		return tx.SaveAggregate(ctx, next)
	})
	if err != nil {
		return nil, err
	}
	return &rebuilt, nil
}

// lockedLedger locks the aggregate row of key, if any, and reads its ledger
// under that lock. agg is nil for a key that has never moved. A first
// movement that commits between the two reads is picked up by one retry.
func lockedLedger(ctx context.Context, tx store.Tx, tenantID string, key domain.StockKey) (*domain.StockAggregate, []domain.LedgerEntry, error) {
	for attempt := 0; ; attempt++ {
		agg, err := tx.LockExistingAggregate(ctx, tenantID, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		entries, err := tx.LedgerForKey(ctx, tenantID, key)
		if err != nil {
			return nil, nil, err
		}
		if agg != nil || len(entries) == 0 || attempt > 0 {
			return agg, entries, nil
		}
	}
}

// KindOf maps a ledger reference type to the movement kind used for stamps.
func KindOf(referenceType string) domain.MovementKind {
	switch referenceType {
	case domain.RefSale:
		return domain.MovementSale
	case domain.RefReturn:
		return domain.MovementReturn
	case domain.RefVoid:
		return domain.MovementVoid
	case domain.RefReceipt:
		return domain.MovementReceipt
	case domain.RefTransferIn, domain.RefTransferOut:
		return domain.MovementTransfer
	case domain.RefCount:
		return domain.MovementCount
	default:
		return domain.MovementAdjustment
	}
}
