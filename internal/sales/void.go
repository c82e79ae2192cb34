package sales

import (
	"context"
	"fmt"
	"strings"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/inventory"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/store"
)

type VoidRequest struct {
	ReceiptID string `json:"receipt_id"`
	Reason    string `json:"reason"`
}

// VoidSale reverses a completed sale: every line goes back into stock and the
// receipt is marked voided. Only allowed while the sale's shift is open.
func (s *Service) VoidSale(ctx context.Context, principal domain.Principal, req VoidRequest) (receipt *domain.SaleReceipt, err error) {
	ctx, span := s.startSpan(ctx, "VoidSale", principal)
	defer func() { endSpan(span, err) }()

	if err := s.authorize(ctx, principal, PermSaleVoid, ""); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if req.ReceiptID == "" {
		return nil, invalid("receipt_id is required")
	}
	if reason == "" {
		return nil, invalid("void reason is required")
	}

	tenantID := principal.TenantID
	now := s.now()
	var voided domain.SaleReceipt
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		current, err := tx.LockReceipt(ctx, tenantID, req.ReceiptID)
		if err != nil {
			return err
		}
		if principal.StoreID != "" && current.StoreID != principal.StoreID {
			return fmt.Errorf("%w: receipt belongs to another store", ErrForbidden)
		}
		if current.Type != domain.ReceiptTypeSale {
			return invalid("receipt %s is not a sale", current.ReceiptNumber)
		}
		if current.Status != domain.ReceiptStatusCompleted {
			return invalid("receipt %s is %s, only completed sales can be voided", current.ReceiptNumber, current.Status)
		}
		if current.ShiftID != "" {
			shift, err := tx.LockShift(ctx, tenantID, current.ShiftID)
			if err != nil {
				return err
			}
			if shift.Status != domain.ShiftStatusOpen {
				return fmt.Errorf("receipt %s: %w", current.ReceiptNumber, store.ErrShiftClosed)
			}
		}

		keys := make([]domain.StockKey, 0, len(current.Lines))
		for _, line := range current.Lines {
			keys = append(keys, line.Key(current.StoreID))
		}
		if err := lockKeys(ctx, tx, tenantID, keys); err != nil {
			return err
		}
		for _, line := range current.Lines {
			_, err := s.inv.Move(ctx, tx, inventory.Movement{
				TenantID: tenantID,
				Key:      line.Key(current.StoreID),
				Delta:    line.Quantity,
				Ref:      inventory.Reference{Type: domain.RefVoid, ID: current.ID, LineID: line.ID, CreatedBy: principal.UserID},
				At:       now,
			})
			if err != nil {
				return err
			}
		}

		if err := tx.UpdateReceiptStatus(ctx, tenantID, current.ID, domain.ReceiptStatusVoided, reason, now); err != nil {
			return err
		}
		voided = *current
		voided.Status = domain.ReceiptStatusVoided
		voided.VoidReason = reason
		voidedAt := now
		voided.VoidedAt = &voidedAt

		_, err = s.events.Enqueue(ctx, tx, tenantID, outbox.Event{
			Type:       outbox.EventSaleVoided,
			EntityType: "receipt",
			EntityID:   voided.ID,
			Payload:    voided,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, principal, voided.StoreID, "sale.void", "receipt", voided.ID, reason)
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("receipt_id", voided.ID).
		Str("reason", reason).
		Msg("sale voided")
	return &voided, nil
}
