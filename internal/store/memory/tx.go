package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// memTx runs with Store.mu held for writing.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) onRollback(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) LockAggregate(_ context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	k := aggregateKey(tenantID, key)
	agg, ok := t.s.aggregates[k]
	if !ok {
		agg = &domain.StockAggregate{TenantID: tenantID, StockKey: key}
		t.s.aggregates[k] = agg
		t.onRollback(func() { delete(t.s.aggregates, k) })
	}
	out := *agg
	return &out, nil
}

func (t *memTx) LockExistingAggregate(_ context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	agg, ok := t.s.aggregates[aggregateKey(tenantID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *agg
	return &out, nil
}

func (t *memTx) SaveAggregate(_ context.Context, agg domain.StockAggregate) error {
	k := aggregateKey(agg.TenantID, agg.StockKey)
	current, ok := t.s.aggregates[k]
	if !ok {
		return fmt.Errorf("save aggregate %s: %w", agg.StockKey, store.ErrConflict)
	}
	prev := *current
	*current = agg
	t.onRollback(func() { *current = prev })
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry domain.LedgerEntry) error {
	t.s.ledgerSeq++
	entry.Seq = t.s.ledgerSeq
	t.s.ledger = append(t.s.ledger, entry)
	t.onRollback(func() {
		t.s.ledger = t.s.ledger[:len(t.s.ledger)-1]
		t.s.ledgerSeq--
	})
	return nil
}

func (t *memTx) LedgerForKey(_ context.Context, tenantID string, key domain.StockKey) ([]domain.LedgerEntry, error) {
	return t.s.ledgerForKey(tenantID, key), nil
}

func (t *memTx) FindReceiptByIdempotency(_ context.Context, tenantID string, key string) (*domain.SaleReceipt, error) {
	return t.s.receiptByIdem(tenantID, key)
}

func (t *memTx) NextReceiptNumber(_ context.Context, tenantID string, storeID string, receiptType string) (int64, error) {
	k := tenantID + "|" + storeID + "|" + receiptType
	t.s.receiptSeq[k]++
	t.onRollback(func() { t.s.receiptSeq[k]-- })
	return t.s.receiptSeq[k], nil
}

func (t *memTx) InsertReceipt(_ context.Context, receipt domain.SaleReceipt) error {
	k := scoped(receipt.TenantID, receipt.ID)
	if _, exists := t.s.receipts[k]; exists {
		return store.ErrDuplicateKey
	}
	if receipt.IdempotencyKey != "" {
		idem := scoped(receipt.TenantID, receipt.IdempotencyKey)
		if _, exists := t.s.receiptsByIdem[idem]; exists {
			return store.ErrDuplicateKey
		}
		t.s.receiptsByIdem[idem] = receipt.ID
		t.onRollback(func() { delete(t.s.receiptsByIdem, idem) })
	}
	t.s.receipts[k] = cloneReceipt(&receipt)
	t.onRollback(func() { delete(t.s.receipts, k) })
	return nil
}

func (t *memTx) LockReceipt(_ context.Context, tenantID string, id string) (*domain.SaleReceipt, error) {
	return t.s.receiptByID(tenantID, id)
}

func (t *memTx) UpdateReceiptStatus(_ context.Context, tenantID string, id string, status string, reason string, at time.Time) error {
	receipt, ok := t.s.receipts[scoped(tenantID, id)]
	if !ok {
		return store.ErrNotFound
	}
	prevStatus, prevReason, prevVoidedAt := receipt.Status, receipt.VoidReason, receipt.VoidedAt
	receipt.Status = status
	if status == domain.ReceiptStatusVoided {
		voidedAt := at
		receipt.VoidReason = reason
		receipt.VoidedAt = &voidedAt
	}
	t.onRollback(func() {
		receipt.Status, receipt.VoidReason, receipt.VoidedAt = prevStatus, prevReason, prevVoidedAt
	})
	return nil
}

func (t *memTx) RefundedSoFar(_ context.Context, tenantID string, originalReceiptID string) (store.RefundedTotals, error) {
	out := store.NewRefundedTotals()
	for _, receipt := range t.s.receipts {
		if receipt.TenantID != tenantID || receipt.Type != domain.ReceiptTypeReturn || receipt.OriginalReceiptID != originalReceiptID {
			continue
		}
		lineDiscounts := decimal.Zero
		for _, line := range receipt.Lines {
			id := line.OriginalLineID
			out.Quantities[id] = out.Quantities[id].Add(line.Quantity)
			out.LineTotals[id] = out.LineTotals[id].Add(line.LineTotal)
			out.LineDiscounts[id] = out.LineDiscounts[id].Add(line.DiscountAmount)
			lineDiscounts = lineDiscounts.Add(line.DiscountAmount)
		}
		out.Coupon = out.Coupon.Add(receipt.DiscountAmount.Sub(lineDiscounts))
		out.Tax = out.Tax.Add(receipt.TaxAmount)
	}
	return out, nil
}

func (t *memTx) IncrementPromotionUsage(_ context.Context, tenantID string, promotionID string) error {
	promo, ok := t.s.promotions[scoped(tenantID, promotionID)]
	if !ok {
		return store.ErrNotFound
	}
	if !promo.UsageAvailable() {
		return store.ErrPromotionExhausted
	}
	promo.UsageCount++
	t.onRollback(func() { promo.UsageCount-- })
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, event domain.QueuedEvent) error {
	e := event
	t.s.events = append(t.s.events, &e)
	t.onRollback(func() { t.s.events = t.s.events[:len(t.s.events)-1] })
	return nil
}

func (t *memTx) InsertShift(_ context.Context, shift domain.Shift) error {
	k := scoped(shift.TenantID, shift.ID)
	if _, exists := t.s.shifts[k]; exists {
		return store.ErrDuplicateKey
	}
	sh := shift
	t.s.shifts[k] = &sh
	t.onRollback(func() { delete(t.s.shifts, k) })
	return nil
}

func (t *memTx) LockShift(_ context.Context, tenantID string, id string) (*domain.Shift, error) {
	shift, ok := t.s.shifts[scoped(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *shift
	return &out, nil
}

func (t *memTx) FindOpenShift(_ context.Context, tenantID string, storeID string, registerID string) (*domain.Shift, error) {
	for _, shift := range t.s.shifts {
		if shift.TenantID == tenantID && shift.StoreID == storeID && shift.RegisterID == registerID && shift.Status == domain.ShiftStatusOpen {
			out := *shift
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) CloseShift(_ context.Context, shift domain.Shift) error {
	current, ok := t.s.shifts[scoped(shift.TenantID, shift.ID)]
	if !ok {
		return store.ErrNotFound
	}
	if current.Status != domain.ShiftStatusOpen {
		return store.ErrShiftClosed
	}
	prev := *current
	*current = shift
	t.onRollback(func() { *current = prev })
	return nil
}

func (t *memTx) InsertCashMovement(_ context.Context, movement domain.CashMovement) error {
	t.s.cashMovements = append(t.s.cashMovements, movement)
	t.onRollback(func() { t.s.cashMovements = t.s.cashMovements[:len(t.s.cashMovements)-1] })
	return nil
}

func (t *memTx) ShiftCashSummary(_ context.Context, tenantID string, shiftID string) (domain.ShiftCashSummary, error) {
	summary := domain.ShiftCashSummary{}
	for _, receipt := range t.s.receipts {
		if receipt.TenantID != tenantID || receipt.ShiftID != shiftID {
			continue
		}
		cash := cashTotal(receipt.Payments)
		switch receipt.Type {
		case domain.ReceiptTypeSale:
			if receipt.Status == domain.ReceiptStatusVoided {
				continue
			}
			summary.CashSales = summary.CashSales.Add(cash.Sub(receipt.ChangeAmount))
		case domain.ReceiptTypeReturn:
			summary.CashRefunds = summary.CashRefunds.Add(cash)
		}
	}
	for _, m := range t.s.cashMovements {
		if m.TenantID != tenantID || m.ShiftID != shiftID {
			continue
		}
		if m.Type == domain.CashMovementIn {
			summary.CashIn = summary.CashIn.Add(m.Amount)
		} else {
			summary.CashOut = summary.CashOut.Add(m.Amount)
		}
	}
	return summary, nil
}

func (t *memTx) InsertParkedSale(_ context.Context, parked domain.ParkedSale) error {
	k := scoped(parked.TenantID, parked.ID)
	p := parked
	p.Cart.Lines = slices.Clone(parked.Cart.Lines)
	t.s.parked[k] = &p
	t.onRollback(func() { delete(t.s.parked, k) })
	return nil
}

func (t *memTx) TakeParkedSale(_ context.Context, tenantID string, id string) (*domain.ParkedSale, error) {
	k := scoped(tenantID, id)
	parked, ok := t.s.parked[k]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(t.s.parked, k)
	t.onRollback(func() { t.s.parked[k] = parked })
	out := *parked
	return &out, nil
}

func cashTotal(payments []domain.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		if p.Method == domain.PaymentCash {
			total = total.Add(p.Amount)
		}
	}
	return total
}
