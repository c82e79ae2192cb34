package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/inventory"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type RefundLine struct {
	OriginalLineID string          `json:"original_line_id"`
	Quantity       decimal.Decimal `json:"quantity"`
}

type RefundRequest struct {
	OriginalReceiptID string           `json:"original_receipt_id"`
	Lines             []RefundLine     `json:"lines"`
	Payments          []domain.Payment `json:"payments,omitempty"`
	Reason            string           `json:"reason,omitempty"`
	RegisterID        string           `json:"register_id,omitempty"`
	ShiftID           string           `json:"shift_id,omitempty"`
	IdempotencyKey    string           `json:"idempotency_key,omitempty"`
}

// ProcessRefund records a return receipt against a completed sale and puts
// the refunded quantities back into stock. The refund value of each line is
// prorated from what the customer actually paid for it.
func (s *Service) ProcessRefund(ctx context.Context, principal domain.Principal, req RefundRequest) (receipt *domain.SaleReceipt, err error) {
	ctx, span := s.startSpan(ctx, "ProcessRefund", principal)
	defer func() { endSpan(span, err) }()

	if err := s.authorize(ctx, principal, PermSaleRefund, ""); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.OriginalReceiptID) == "" {
		return nil, invalid("original_receipt_id is required")
	}
	if len(req.Lines) == 0 {
		return nil, invalid("refund has no lines")
	}
	requested := make(map[string]decimal.Decimal, len(req.Lines))
	order := make([]string, 0, len(req.Lines))
	for i, line := range req.Lines {
		if line.OriginalLineID == "" {
			return nil, &LineError{Line: i + 1, Reason: "original_line_id is required", Err: ErrValidation}
		}
		if !line.Quantity.IsPositive() {
			return nil, &LineError{Line: i + 1, Reason: "quantity must be positive", Err: ErrValidation}
		}
		if _, ok := requested[line.OriginalLineID]; !ok {
			order = append(order, line.OriginalLineID)
		}
		requested[line.OriginalLineID] = requested[line.OriginalLineID].Add(line.Quantity)
	}
	payments, err := normalizePayments(req.Payments)
	if err != nil {
		return nil, err
	}

	tenantID := principal.TenantID
	idemKey := strings.TrimSpace(req.IdempotencyKey)
	if idemKey != "" {
		existing, err := s.repo.FindReceiptByIdempotency(ctx, tenantID, idemKey)
		if err == nil {
			return replayRefund(existing, principal, req.OriginalReceiptID)
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	now := s.now()
	var refund domain.SaleReceipt
	var replayed *domain.SaleReceipt
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if idemKey != "" {
			existing, err := tx.FindReceiptByIdempotency(ctx, tenantID, idemKey)
			if err == nil {
				replayed, err = replayRefund(existing, principal, req.OriginalReceiptID)
				return err
			}
			if !isNotFound(err) {
				return err
			}
		}

		original, err := tx.LockReceipt(ctx, tenantID, req.OriginalReceiptID)
		if err != nil {
			return err
		}
		if principal.StoreID != "" && original.StoreID != principal.StoreID {
			return fmt.Errorf("%w: receipt belongs to another store", ErrForbidden)
		}
		if original.Type != domain.ReceiptTypeSale {
			return invalid("receipt %s is not a sale", original.ReceiptNumber)
		}
		if original.Status == domain.ReceiptStatusVoided {
			return invalid("receipt %s is voided", original.ReceiptNumber)
		}

		refunded, err := tx.RefundedSoFar(ctx, tenantID, original.ID)
		if err != nil {
			return err
		}
		lines, err := refundLines(original, order, requested, refunded)
		if err != nil {
			return err
		}

		registerID := req.RegisterID
		if registerID == "" {
			registerID = original.RegisterID
		}
		shiftID, err := s.resolveShift(ctx, tx, tenantID, original.StoreID, registerID, req.ShiftID)
		if err != nil {
			return err
		}

		refund = domain.SaleReceipt{
			ID:                xid.New("rcp"),
			TenantID:          tenantID,
			StoreID:           original.StoreID,
			RegisterID:        registerID,
			Type:              domain.ReceiptTypeReturn,
			Status:            domain.ReceiptStatusCompleted,
			CustomerID:        original.CustomerID,
			CashierID:         principal.UserID,
			ShiftID:           shiftID,
			IdempotencyKey:    idemKey,
			OriginalReceiptID: original.ID,
			CreatedAt:         now,
		}
		totalRefund(&refund, original, lines, refunded)

		refund.Payments = payments
		if len(payments) == 0 && refund.TotalAmount.IsPositive() {
			method := domain.PaymentCash
			if len(original.Payments) > 0 {
				method = original.Payments[0].Method
			}
			refund.Payments = []domain.Payment{{Method: method, Amount: refund.TotalAmount}}
		}
		paid := decimal.Zero
		for _, p := range refund.Payments {
			paid = paid.Add(p.Amount)
		}
		if !paid.Equal(refund.TotalAmount) {
			return invalid("refund payments %s do not match refund total %s", paid.StringFixed(2), refund.TotalAmount.StringFixed(2))
		}
		refund.PaidAmount = paid

		n, err := tx.NextReceiptNumber(ctx, tenantID, original.StoreID, domain.ReceiptTypeReturn)
		if err != nil {
			return err
		}
		refund.ReceiptNumber = receiptNumber(domain.ReceiptTypeReturn, n)

		for _, line := range refund.Lines {
			_, err := s.inv.Move(ctx, tx, inventory.Movement{
				TenantID: tenantID,
				Key:      line.Key(original.StoreID),
				Delta:    line.Quantity,
				Ref:      inventory.Reference{Type: domain.RefReturn, ID: refund.ID, LineID: line.ID, CreatedBy: principal.UserID},
				At:       now,
			})
			if err != nil {
				return err
			}
		}

		if err := tx.InsertReceipt(ctx, refund); err != nil {
			return err
		}
		if err := tx.UpdateReceiptStatus(ctx, tenantID, original.ID, domain.ReceiptStatusRefunded, "", now); err != nil {
			return err
		}
		_, err = s.events.Enqueue(ctx, tx, tenantID, outbox.Event{
			Type:       outbox.EventSaleRefunded,
			EntityType: "receipt",
			EntityID:   refund.ID,
			Payload:    refund,
		})
		return err
	})
	if errors.Is(err, store.ErrDuplicateKey) && idemKey != "" {
		existing, err := s.repo.FindReceiptByIdempotency(ctx, tenantID, idemKey)
		if err != nil {
			return nil, err
		}
		return replayRefund(existing, principal, req.OriginalReceiptID)
	}
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	detail := refund.OriginalReceiptID
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		detail += ": " + reason
	}
	s.recordAudit(ctx, principal, refund.StoreID, "sale.refund", "receipt", refund.ID, detail)
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("receipt_id", refund.ID).
		Str("original_receipt_id", refund.OriginalReceiptID).
		Str("total", refund.TotalAmount.StringFixed(2)).
		Msg("refund completed")
	return &refund, nil
}

// replayRefund checks a receipt found under a refund's idempotency key. The
// store comes from the original sale, so a store-scoped caller must match it.
func replayRefund(existing *domain.SaleReceipt, principal domain.Principal, originalReceiptID string) (*domain.SaleReceipt, error) {
	storeID := existing.StoreID
	if principal.StoreID != "" {
		storeID = principal.StoreID
	}
	if existing.OriginalReceiptID != originalReceiptID {
		return nil, invalid("idempotency key was already used for a different request")
	}
	return replay(existing, domain.ReceiptTypeReturn, storeID)
}

// refundLines builds the return lines and rejects quantities above what is
// still refundable on each original line. The return that empties a line
// gets whatever value the earlier returns left on it.
func refundLines(original *domain.SaleReceipt, order []string, requested map[string]decimal.Decimal, refunded store.RefundedTotals) ([]domain.SaleLine, error) {
	byID := make(map[string]domain.SaleLine, len(original.Lines))
	for _, line := range original.Lines {
		byID[line.ID] = line
	}

	lines := make([]domain.SaleLine, 0, len(order))
	for i, id := range order {
		orig, ok := byID[id]
		if !ok {
			return nil, &LineError{Line: i + 1, Reason: fmt.Sprintf("line %s is not on receipt %s", id, original.ReceiptNumber), Err: ErrValidation}
		}
		qty := requested[id]
		remaining := orig.Quantity.Sub(refunded.Quantities[id])
		if qty.GreaterThan(remaining) {
			return nil, &LineError{
				Line:      i + 1,
				ProductID: orig.ProductID,
				VariantID: orig.VariantID,
				Reason:    fmt.Sprintf("requested %s, only %s refundable", qty, remaining),
				Err:       ErrRefundExceedsSold,
			}
		}

		lineTotal := orig.LineTotal.Mul(qty).DivRound(orig.Quantity, 2)
		gross := round2(orig.OriginalPrice.Mul(qty))
		if qty.Equal(remaining) {
			lineTotal = orig.LineTotal.Sub(refunded.LineTotals[id])
			gross = orig.LineTotal.Add(orig.DiscountAmount).Sub(refunded.LineTotals[id]).Sub(refunded.LineDiscounts[id])
		}
		lines = append(lines, domain.SaleLine{
			ID:             xid.New("sln"),
			LineNo:         i + 1,
			ProductID:      orig.ProductID,
			VariantID:      orig.VariantID,
			UnitID:         orig.UnitID,
			LotID:          orig.LotID,
			Quantity:       qty,
			OriginalPrice:  orig.OriginalPrice,
			UnitPrice:      orig.UnitPrice,
			DiscountAmount: gross.Sub(lineTotal),
			LineTotal:      lineTotal,
			PromotionID:    orig.PromotionID,
			PriceListID:    orig.PriceListID,
			OriginalLineID: orig.ID,
		})
	}
	return lines, nil
}

// totalRefund fills the money fields of refund. The receipt-level coupon
// discount and the tax of the original are shared in proportion to the
// refunded net value, except that the return emptying the sale takes what
// is left of them.
func totalRefund(refund *domain.SaleReceipt, original *domain.SaleReceipt, lines []domain.SaleLine, refunded store.RefundedTotals) {
	originalNet := decimal.Zero
	originalLineDiscounts := decimal.Zero
	for _, line := range original.Lines {
		originalNet = originalNet.Add(line.LineTotal)
		originalLineDiscounts = originalLineDiscounts.Add(line.DiscountAmount)
	}
	receiptDiscount := original.DiscountAmount.Sub(originalLineDiscounts)

	subtotal, lineDiscounts, net := decimal.Zero, decimal.Zero, decimal.Zero
	returned := make(map[string]decimal.Decimal, len(lines))
	for i := range lines {
		lines[i].ReceiptID = refund.ID
		subtotal = subtotal.Add(lines[i].LineTotal.Add(lines[i].DiscountAmount))
		lineDiscounts = lineDiscounts.Add(lines[i].DiscountAmount)
		net = net.Add(lines[i].LineTotal)
		returned[lines[i].OriginalLineID] = returned[lines[i].OriginalLineID].Add(lines[i].Quantity)
	}

	emptied := true
	for _, line := range original.Lines {
		if refunded.Quantities[line.ID].Add(returned[line.ID]).LessThan(line.Quantity) {
			emptied = false
			break
		}
	}

	couponShare, taxShare := decimal.Zero, decimal.Zero
	switch {
	case emptied:
		couponShare = receiptDiscount.Sub(refunded.Coupon)
		taxShare = original.TaxAmount.Sub(refunded.Tax)
	case originalNet.IsPositive():
		couponShare = receiptDiscount.Mul(net).DivRound(originalNet, 2)
		taxShare = original.TaxAmount.Mul(net).DivRound(originalNet, 2)
	}

	refund.Lines = lines
	refund.Subtotal = subtotal
	refund.DiscountAmount = lineDiscounts.Add(couponShare)
	refund.TaxAmount = taxShare
	refund.TotalAmount = net.Sub(couponShare).Add(taxShare)
}
