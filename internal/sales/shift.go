package sales

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type OpenShiftRequest struct {
	StoreID     string          `json:"store_id"`
	RegisterID  string          `json:"register_id,omitempty"`
	OpeningCash decimal.Decimal `json:"opening_cash"`
}

type CloseShiftRequest struct {
	ShiftID     string          `json:"shift_id"`
	ClosingCash decimal.Decimal `json:"closing_cash"`
}

type CashMovementRequest struct {
	ShiftID    string          `json:"shift_id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	ApprovedBy string          `json:"approved_by,omitempty"`
}

// ShiftReport is a shift together with the drawer totals it was reconciled against.
type ShiftReport struct {
	Shift     domain.Shift            `json:"shift"`
	Summary   domain.ShiftCashSummary `json:"summary"`
	Movements []domain.CashMovement   `json:"movements,omitempty"`
}

// OpenShift starts a cash drawer session. A register holds at most one open shift.
func (s *Service) OpenShift(ctx context.Context, principal domain.Principal, req OpenShiftRequest) (*domain.Shift, error) {
	if err := s.authorize(ctx, principal, PermShiftManage, req.StoreID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.StoreID) == "" {
		return nil, invalid("store_id is required")
	}
	if req.OpeningCash.IsNegative() {
		return nil, invalid("opening cash cannot be negative")
	}

	shift := domain.Shift{
		ID:          xid.New("shf"),
		TenantID:    principal.TenantID,
		StoreID:     req.StoreID,
		RegisterID:  req.RegisterID,
		OpeningCash: round2(req.OpeningCash),
		Status:      domain.ShiftStatusOpen,
		OpenedBy:    principal.UserID,
		OpenedAt:    s.now(),
	}
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.FindOpenShift(ctx, principal.TenantID, req.StoreID, req.RegisterID)
		if err == nil {
			return invalid("register already has open shift %s", existing.ID)
		}
		if !isNotFound(err) {
			return err
		}
		return tx.InsertShift(ctx, shift)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, principal, shift.StoreID, "shift.open", "shift", shift.ID, shift.OpeningCash.StringFixed(2))
	s.log.Info().Str("shift_id", shift.ID).Str("store_id", shift.StoreID).Str("register_id", shift.RegisterID).Msg("shift opened")
	return &shift, nil
}

// CloseShift counts the drawer: expected cash is opening cash plus cash
// sales and cash-ins, minus cash refunds and cash-outs.
func (s *Service) CloseShift(ctx context.Context, principal domain.Principal, req CloseShiftRequest) (*ShiftReport, error) {
	if err := s.authorize(ctx, principal, PermShiftManage, ""); err != nil {
		return nil, err
	}
	if req.ClosingCash.IsNegative() {
		return nil, invalid("closing cash cannot be negative")
	}

	var report ShiftReport
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		shift, err := tx.LockShift(ctx, principal.TenantID, req.ShiftID)
		if err != nil {
			return err
		}
		if principal.StoreID != "" && shift.StoreID != principal.StoreID {
			return fmt.Errorf("%w: shift belongs to another store", ErrForbidden)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return fmt.Errorf("shift %s: %w", shift.ID, store.ErrShiftClosed)
		}

		summary, err := tx.ShiftCashSummary(ctx, principal.TenantID, shift.ID)
		if err != nil {
			return err
		}
		closing := round2(req.ClosingCash)
		expected := summary.Expected(shift.OpeningCash)
		variance := closing.Sub(expected)
		closedAt := s.now()

		shift.Status = domain.ShiftStatusClosed
		shift.ClosingCash = &closing
		shift.ExpectedCash = &expected
		shift.Variance = &variance
		shift.ClosedBy = principal.UserID
		shift.ClosedAt = &closedAt
		if err := tx.CloseShift(ctx, *shift); err != nil {
			return err
		}

		report = ShiftReport{Shift: *shift, Summary: summary}
		_, err = s.events.Enqueue(ctx, tx, principal.TenantID, outbox.Event{
			Type:       outbox.EventShiftClosed,
			EntityType: "shift",
			EntityID:   shift.ID,
			Payload:    report,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	variance := report.Shift.Variance.StringFixed(2)
	s.recordAudit(ctx, principal, report.Shift.StoreID, "shift.close", "shift", report.Shift.ID, "variance "+variance)
	s.log.Info().
		Str("shift_id", report.Shift.ID).
		Str("expected", report.Shift.ExpectedCash.StringFixed(2)).
		Str("variance", variance).
		Msg("shift closed")
	return &report, nil
}

// RecordCashMovement records a cash-in or cash-out on an open shift.
func (s *Service) RecordCashMovement(ctx context.Context, principal domain.Principal, req CashMovementRequest) (*domain.CashMovement, error) {
	if err := s.authorize(ctx, principal, PermCashMove, ""); err != nil {
		return nil, err
	}
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	req.Reason = strings.TrimSpace(req.Reason)
	switch {
	case req.Type != domain.CashMovementIn && req.Type != domain.CashMovementOut:
		return nil, invalid("cash movement type must be %q or %q", domain.CashMovementIn, domain.CashMovementOut)
	case !req.Amount.IsPositive():
		return nil, invalid("amount must be positive")
	case req.Reason == "":
		return nil, invalid("reason is required")
	}
	threshold := s.opts.CashOutApprovalThreshold
	if req.Type == domain.CashMovementOut && threshold.IsPositive() && req.Amount.GreaterThanOrEqual(threshold) && strings.TrimSpace(req.ApprovedBy) == "" {
		return nil, invalid("cash-out of %s requires approval", req.Amount.StringFixed(2))
	}

	movement := domain.CashMovement{
		ID:         xid.New("cmv"),
		TenantID:   principal.TenantID,
		ShiftID:    req.ShiftID,
		Type:       req.Type,
		Amount:     round2(req.Amount),
		Reason:     req.Reason,
		ApprovedBy: strings.TrimSpace(req.ApprovedBy),
		CreatedBy:  principal.UserID,
		CreatedAt:  s.now(),
	}
	var storeID string
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		shift, err := tx.LockShift(ctx, principal.TenantID, req.ShiftID)
		if err != nil {
			return err
		}
		if principal.StoreID != "" && shift.StoreID != principal.StoreID {
			return fmt.Errorf("%w: shift belongs to another store", ErrForbidden)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return fmt.Errorf("shift %s: %w", shift.ID, store.ErrShiftClosed)
		}
		storeID = shift.StoreID
		return tx.InsertCashMovement(ctx, movement)
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, principal, storeID, "cash."+movement.Type, "shift", movement.ShiftID, movement.Amount.StringFixed(2)+" "+movement.Reason)
	return &movement, nil
}

// GetShift returns the shift with its current drawer totals and movements.
func (s *Service) GetShift(ctx context.Context, principal domain.Principal, id string) (*ShiftReport, error) {
	if err := s.authorize(ctx, principal, PermShiftManage, ""); err != nil {
		return nil, err
	}
	shift, err := s.repo.GetShift(ctx, principal.TenantID, id)
	if err != nil {
		return nil, err
	}
	if principal.StoreID != "" && shift.StoreID != principal.StoreID {
		return nil, store.ErrNotFound
	}
	movements, err := s.repo.ListCashMovements(ctx, principal.TenantID, id)
	if err != nil {
		return nil, err
	}

	var summary domain.ShiftCashSummary
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		summary, err = tx.ShiftCashSummary(ctx, principal.TenantID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ShiftReport{Shift: *shift, Summary: summary, Movements: movements}, nil
}
