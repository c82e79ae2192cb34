package sales

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/inventory"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

// StockLine is one item of a back-office stock operation. Quantity means the
// received amount, the signed adjustment, the counted level or the
// transferred amount depending on the operation.
type StockLine struct {
	ProductID string           `json:"product_id,omitempty"`
	VariantID string           `json:"variant_id,omitempty"`
	UnitID    string           `json:"unit_id,omitempty"`
	LotID     string           `json:"lot_id,omitempty"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitCost  *decimal.Decimal `json:"unit_cost,omitempty"`
}

func (l StockLine) Key(storeID string) domain.StockKey {
	return domain.StockKey{StoreID: storeID, ProductID: l.ProductID, VariantID: l.VariantID, UnitID: l.UnitID, LotID: l.LotID}
}

type StockRequest struct {
	StoreID   string      `json:"store_id"`
	Reference string      `json:"reference,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Lines     []StockLine `json:"lines"`
}

type TransferRequest struct {
	FromStoreID string      `json:"from_store_id"`
	ToStoreID   string      `json:"to_store_id"`
	Reference   string      `json:"reference,omitempty"`
	Lines       []StockLine `json:"lines"`
}

type StockResult struct {
	ReferenceType string               `json:"reference_type"`
	ReferenceID   string               `json:"reference_id"`
	Entries       []domain.LedgerEntry `json:"entries"`
}

type LedgerPage struct {
	Entries []domain.LedgerEntry `json:"entries"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// GetStockLevel returns store.ErrNotFound when the key has never moved.
func (s *Service) GetStockLevel(ctx context.Context, principal domain.Principal, key domain.StockKey) (*domain.StockAggregate, error) {
	if err := s.authorize(ctx, principal, PermInventoryRead, key.StoreID); err != nil {
		return nil, err
	}
	return s.inv.Get(ctx, principal.TenantID, key)
}

func (s *Service) CheckAvailability(ctx context.Context, principal domain.Principal, key domain.StockKey, requested decimal.Decimal) (inventory.Availability, error) {
	if err := s.authorize(ctx, principal, PermInventoryRead, key.StoreID); err != nil {
		return inventory.Availability{}, err
	}
	return s.inv.CheckAvailability(ctx, principal.TenantID, key, requested)
}

func (s *Service) GetLedgerHistory(ctx context.Context, principal domain.Principal, filter store.LedgerFilter, page store.Page) (*LedgerPage, error) {
	if err := s.authorize(ctx, principal, PermInventoryRead, filter.StoreID); err != nil {
		return nil, err
	}
	if filter.StoreID == "" {
		filter.StoreID = principal.StoreID
	}
	page = page.Normalize(50, 500)
	entries, total, err := s.inv.History(ctx, principal.TenantID, filter, page)
	if err != nil {
		return nil, err
	}
	return &LedgerPage{Entries: entries, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

func (s *Service) VerifyStock(ctx context.Context, principal domain.Principal, key domain.StockKey) (inventory.VerifyReport, error) {
	if err := s.authorize(ctx, principal, PermInventoryRead, key.StoreID); err != nil {
		return inventory.VerifyReport{}, err
	}
	return s.inv.Verify(ctx, principal.TenantID, key)
}

// RebuildStock recomputes the aggregate row of key from its ledger.
func (s *Service) RebuildStock(ctx context.Context, principal domain.Principal, key domain.StockKey) (*domain.StockAggregate, error) {
	if err := s.authorize(ctx, principal, PermInventoryWrite, key.StoreID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.TxTimeout)
	defer cancel()
	agg, err := s.inv.Rebuild(ctx, principal.TenantID, key, s.now())
	if err != nil {
		return nil, err
	}
	s.recordAudit(ctx, principal, key.StoreID, "stock.rebuild", "stock", key.String(), agg.Quantity.String())
	s.log.Warn().Str("tenant_id", principal.TenantID).Str("key", key.String()).Str("quantity", agg.Quantity.String()).Msg("stock aggregate rebuilt from ledger")
	return agg, nil
}

// ReceiveStock books goods in. A unit cost feeds the weighted average cost.
func (s *Service) ReceiveStock(ctx context.Context, principal domain.Principal, req StockRequest) (*StockResult, error) {
	ctx, span := s.startSpan(ctx, "ReceiveStock", principal)
	result, err := s.stockOperation(ctx, principal, req, domain.RefReceipt, outbox.EventStockReceived, func(i int, line StockLine) error {
		if !line.Quantity.IsPositive() {
			return &LineError{Line: i + 1, ProductID: line.ProductID, VariantID: line.VariantID, Reason: "quantity must be positive", Err: ErrValidation}
		}
		if line.UnitCost != nil && line.UnitCost.IsNegative() {
			return &LineError{Line: i + 1, ProductID: line.ProductID, VariantID: line.VariantID, Reason: "unit cost cannot be negative", Err: ErrValidation}
		}
		return nil
	}, func(_ domain.StockAggregate, line StockLine) decimal.Decimal {
		return line.Quantity
	})
	endSpan(span, err)
	return result, err
}

// AdjustStock applies signed corrections such as damage or shrinkage.
func (s *Service) AdjustStock(ctx context.Context, principal domain.Principal, req StockRequest) (*StockResult, error) {
	if strings.TrimSpace(req.Reason) == "" {
		return nil, invalid("adjustment reason is required")
	}
	ctx, span := s.startSpan(ctx, "AdjustStock", principal)
	result, err := s.stockOperation(ctx, principal, req, domain.RefAdjustment, outbox.EventStockAdjusted, func(i int, line StockLine) error {
		if line.Quantity.IsZero() {
			return &LineError{Line: i + 1, ProductID: line.ProductID, VariantID: line.VariantID, Reason: "adjustment cannot be zero", Err: ErrValidation}
		}
		return nil
	}, func(_ domain.StockAggregate, line StockLine) decimal.Decimal {
		return line.Quantity
	})
	endSpan(span, err)
	return result, err
}

// CountStock sets each key to the physically counted level by booking the
// difference. Keys that already match produce no entry.
func (s *Service) CountStock(ctx context.Context, principal domain.Principal, req StockRequest) (*StockResult, error) {
	ctx, span := s.startSpan(ctx, "CountStock", principal)
	result, err := s.stockOperation(ctx, principal, req, domain.RefCount, outbox.EventStockCounted, func(i int, line StockLine) error {
		if line.Quantity.IsNegative() {
			return &LineError{Line: i + 1, ProductID: line.ProductID, VariantID: line.VariantID, Reason: "counted quantity cannot be negative", Err: ErrValidation}
		}
		return nil
	}, func(current domain.StockAggregate, line StockLine) decimal.Decimal {
		return line.Quantity.Sub(current.Quantity)
	})
	endSpan(span, err)
	return result, err
}

type stockEvent struct {
	StoreID       string               `json:"store_id"`
	ToStoreID     string               `json:"to_store_id,omitempty"`
	ReferenceType string               `json:"reference_type"`
	ReferenceID   string               `json:"reference_id"`
	Reason        string               `json:"reason,omitempty"`
	Entries       []domain.LedgerEntry `json:"entries"`
}

// stockOperation runs a single-store back-office operation. deltaFor sees
// the locked aggregate, so counted levels are turned into deltas atomically.
func (s *Service) stockOperation(ctx context.Context, principal domain.Principal, req StockRequest, refType string, eventType string, check func(int, StockLine) error, deltaFor func(domain.StockAggregate, StockLine) decimal.Decimal) (*StockResult, error) {
	if err := s.authorize(ctx, principal, PermInventoryWrite, req.StoreID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.StoreID) == "" {
		return nil, invalid("store_id is required")
	}
	lines, cat, err := s.prepareStockLines(ctx, principal.TenantID, req.Lines, check)
	if err != nil {
		return nil, err
	}

	refID := strings.TrimSpace(req.Reference)
	if refID == "" {
		refID = xid.New("stk")
	}
	result := StockResult{ReferenceType: refType, ReferenceID: refID}
	now := s.now()

	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		keys := make([]domain.StockKey, 0, len(lines))
		for _, line := range lines {
			keys = append(keys, line.Key(req.StoreID))
		}
		if err := lockKeys(ctx, tx, principal.TenantID, keys); err != nil {
			return err
		}

		for i, line := range lines {
			key := line.Key(req.StoreID)
			current, err := tx.LockAggregate(ctx, principal.TenantID, key)
			if err != nil {
				return err
			}
			delta := deltaFor(*current, line)
			if delta.IsZero() {
				continue
			}
			if delta.IsNegative() && current.Quantity.Add(delta).IsNegative() && !cat.allowNegative(key.ProductID) {
				return &LineError{
					Line:      i + 1,
					ProductID: line.ProductID,
					VariantID: line.VariantID,
					Reason:    fmt.Sprintf("insufficient stock: %s available, %s requested", current.Quantity, delta.Neg()),
					Err:       store.ErrInsufficientStock,
				}
			}
			entry, err := s.inv.Move(ctx, tx, inventory.Movement{
				TenantID: principal.TenantID,
				Key:      key,
				Delta:    delta,
				UnitCost: line.UnitCost,
				Ref:      inventory.Reference{Type: refType, ID: refID, LineID: fmt.Sprintf("%d", i+1), CreatedBy: principal.UserID},
				At:       now,
			})
			if err != nil {
				return err
			}
			result.Entries = append(result.Entries, entry)
		}
		if len(result.Entries) == 0 {
			return nil
		}
		_, err := s.events.Enqueue(ctx, tx, principal.TenantID, outbox.Event{
			Type:       eventType,
			EntityType: "stock",
			EntityID:   refID,
			Payload: stockEvent{
				StoreID:       req.StoreID,
				ReferenceType: refType,
				ReferenceID:   refID,
				Reason:        strings.TrimSpace(req.Reason),
				Entries:       result.Entries,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, principal, req.StoreID, "stock."+strings.ToLower(refType), "stock", refID, strings.TrimSpace(req.Reason))
	s.log.Info().
		Str("tenant_id", principal.TenantID).
		Str("store_id", req.StoreID).
		Str("reference_type", refType).
		Str("reference_id", refID).
		Int("entries", len(result.Entries)).
		Msg("stock updated")
	return &result, nil
}

// TransferStock moves stock between two stores of the tenant. The inbound
// side is booked at the source's weighted average cost.
func (s *Service) TransferStock(ctx context.Context, principal domain.Principal, req TransferRequest) (result *StockResult, err error) {
	ctx, span := s.startSpan(ctx, "TransferStock", principal)
	defer func() { endSpan(span, err) }()

	if err := s.authorize(ctx, principal, PermInventoryWrite, req.FromStoreID); err != nil {
		return nil, err
	}
	if req.FromStoreID == "" || req.ToStoreID == "" {
		return nil, invalid("from_store_id and to_store_id are required")
	}
	if req.FromStoreID == req.ToStoreID {
		return nil, invalid("cannot transfer within one store")
	}
	lines, cat, err := s.prepareStockLines(ctx, principal.TenantID, req.Lines, func(i int, line StockLine) error {
		if !line.Quantity.IsPositive() {
			return &LineError{Line: i + 1, ProductID: line.ProductID, VariantID: line.VariantID, Reason: "quantity must be positive", Err: ErrValidation}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	refID := strings.TrimSpace(req.Reference)
	if refID == "" {
		refID = xid.New("trf")
	}
	out := StockResult{ReferenceType: domain.RefTransferOut, ReferenceID: refID}
	now := s.now()

	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		keys := make([]domain.StockKey, 0, 2*len(lines))
		for _, line := range lines {
			keys = append(keys, line.Key(req.FromStoreID), line.Key(req.ToStoreID))
		}
		if err := lockKeys(ctx, tx, principal.TenantID, keys); err != nil {
			return err
		}

		for i, line := range lines {
			from := line.Key(req.FromStoreID)
			source, err := tx.LockAggregate(ctx, principal.TenantID, from)
			if err != nil {
				return err
			}
			if source.Quantity.LessThan(line.Quantity) && !cat.allowNegative(from.ProductID) {
				return &LineError{
					Line:      i + 1,
					ProductID: line.ProductID,
					VariantID: line.VariantID,
					Reason:    fmt.Sprintf("insufficient stock: %s available, %s requested", source.Quantity, line.Quantity),
					Err:       store.ErrInsufficientStock,
				}
			}
			var cost *decimal.Decimal
			if source.WeightedAvgCost.IsPositive() {
				c := source.WeightedAvgCost
				cost = &c
			}
			lineID := fmt.Sprintf("%d", i+1)

			outEntry, err := s.inv.Move(ctx, tx, inventory.Movement{
				TenantID: principal.TenantID,
				Key:      from,
				Delta:    line.Quantity.Neg(),
				Ref:      inventory.Reference{Type: domain.RefTransferOut, ID: refID, LineID: lineID, CreatedBy: principal.UserID},
				At:       now,
			})
			if err != nil {
				return err
			}
			inEntry, err := s.inv.Move(ctx, tx, inventory.Movement{
				TenantID: principal.TenantID,
				Key:      line.Key(req.ToStoreID),
				Delta:    line.Quantity,
				UnitCost: cost,
				Ref:      inventory.Reference{Type: domain.RefTransferIn, ID: refID, LineID: lineID, CreatedBy: principal.UserID},
				At:       now,
			})
			if err != nil {
				return err
			}
			out.Entries = append(out.Entries, outEntry, inEntry)
		}

		_, err := s.events.Enqueue(ctx, tx, principal.TenantID, outbox.Event{
			Type:       outbox.EventStockTransferred,
			EntityType: "stock",
			EntityID:   refID,
			Payload: stockEvent{
				StoreID:       req.FromStoreID,
				ToStoreID:     req.ToStoreID,
				ReferenceType: domain.RefTransferOut,
				ReferenceID:   refID,
				Entries:       out.Entries,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, principal, req.FromStoreID, "stock.transfer", "stock", refID, req.FromStoreID+" -> "+req.ToStoreID)
	s.log.Info().
		Str("tenant_id", principal.TenantID).
		Str("from_store_id", req.FromStoreID).
		Str("to_store_id", req.ToStoreID).
		Str("reference_id", refID).
		Int("lines", len(lines)).
		Msg("stock transferred")
	return &out, nil
}

// prepareStockLines validates lines and fills the product id of variant-only lines.
func (s *Service) prepareStockLines(ctx context.Context, tenantID string, lines []StockLine, check func(int, StockLine) error) ([]StockLine, catalog, error) {
	if len(lines) == 0 {
		return nil, catalog{}, invalid("no lines")
	}
	productIDs := make([]string, 0, len(lines))
	variantIDs := make([]string, 0, len(lines))
	for i, line := range lines {
		if err := check(i, line); err != nil {
			return nil, catalog{}, err
		}
		if line.ProductID != "" {
			productIDs = append(productIDs, line.ProductID)
		}
		if line.VariantID != "" {
			variantIDs = append(variantIDs, line.VariantID)
		}
	}
	cat, err := s.loadCatalog(ctx, tenantID, productIDs, variantIDs)
	if err != nil {
		return nil, catalog{}, err
	}

	out := make([]StockLine, 0, len(lines))
	for i, line := range lines {
		product, err := cat.item(i+1, line.ProductID, line.VariantID)
		if err != nil {
			return nil, catalog{}, err
		}
		line.ProductID = product.ID
		out = append(out, line)
	}
	return out, cat, nil
}
