package sales

import (
	"context"
	"fmt"
	"strings"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

type ParkRequest struct {
	Cart  domain.Cart `json:"cart"`
	Label string      `json:"label,omitempty"`
}

// ParkSale stores an unfinished cart. Parking never touches stock.
func (s *Service) ParkSale(ctx context.Context, principal domain.Principal, req ParkRequest) (*domain.ParkedSale, error) {
	if err := s.authorize(ctx, principal, PermSalePark, req.Cart.StoreID); err != nil {
		return nil, err
	}
	if err := validateCart(req.Cart); err != nil {
		return nil, err
	}

	parked := domain.ParkedSale{
		ID:         xid.New("prk"),
		TenantID:   principal.TenantID,
		StoreID:    req.Cart.StoreID,
		RegisterID: req.Cart.RegisterID,
		Label:      strings.TrimSpace(req.Label),
		Cart:       req.Cart,
		ParkedBy:   principal.UserID,
		CreatedAt:  s.now(),
	}
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertParkedSale(ctx, parked)
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("parked_id", parked.ID).Str("store_id", parked.StoreID).Msg("sale parked")
	return &parked, nil
}

// RecallSale removes a parked cart and returns it. A parked cart can be
// recalled once.
func (s *Service) RecallSale(ctx context.Context, principal domain.Principal, id string) (*domain.ParkedSale, error) {
	if err := s.authorize(ctx, principal, PermSalePark, ""); err != nil {
		return nil, err
	}
	var recalled *domain.ParkedSale
	err := s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		parked, err := tx.TakeParkedSale(ctx, principal.TenantID, id)
		if err != nil {
			return err
		}
		if principal.StoreID != "" && parked.StoreID != principal.StoreID {
			return fmt.Errorf("%w: parked sale belongs to another store", ErrForbidden)
		}
		recalled = parked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recalled, nil
}

func (s *Service) ListParked(ctx context.Context, principal domain.Principal, storeID string, registerID string, limit int) ([]domain.ParkedSale, error) {
	if err := s.authorize(ctx, principal, PermSalePark, storeID); err != nil {
		return nil, err
	}
	if storeID == "" {
		storeID = principal.StoreID
	}
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.repo.ListParkedSales(ctx, principal.TenantID, storeID, registerID, limit)
}
