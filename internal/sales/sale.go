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
	"ledgerpos/backend/internal/pricing"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/xid"
)

var hundred = decimal.NewFromInt(100)

type SaleRequest struct {
	Cart           domain.Cart      `json:"cart"`
	Payments       []domain.Payment `json:"payments"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	ShiftID        string           `json:"shift_id,omitempty"`
}

func validateCart(cart domain.Cart) error {
	if strings.TrimSpace(cart.StoreID) == "" {
		return invalid("store_id is required")
	}
	if len(cart.Lines) == 0 {
		return invalid("cart has no lines")
	}
	if cart.TaxRatePercent.IsNegative() || cart.TaxRatePercent.GreaterThan(hundred) {
		return invalid("tax rate must be between 0 and 100")
	}
	for i, line := range cart.Lines {
		if line.ProductID == "" && line.VariantID == "" {
			return &LineError{Line: i + 1, Reason: "product_id or variant_id is required", Err: ErrValidation}
		}
		if !line.Quantity.IsPositive() {
			return &LineError{Line: i + 1, ProductID: line.ProductID, VariantID: line.VariantID, Reason: "quantity must be positive", Err: ErrValidation}
		}
	}
	return nil
}

// CreateSale prices the cart, checks stock and payments, and records the
// receipt with its ledger entries and outbox event in one transaction.
// Repeating a request with the same idempotency key returns the first receipt.
func (s *Service) CreateSale(ctx context.Context, principal domain.Principal, req SaleRequest) (receipt *domain.SaleReceipt, err error) {
	ctx, span := s.startSpan(ctx, "CreateSale", principal)
	defer func() { endSpan(span, err) }()

	cart := req.Cart
	if err := s.authorize(ctx, principal, PermSaleCreate, cart.StoreID); err != nil {
		return nil, err
	}
	if err := validateCart(cart); err != nil {
		return nil, err
	}
	tenantID := principal.TenantID
	idemKey := strings.TrimSpace(req.IdempotencyKey)

	if idemKey != "" {
		existing, err := s.repo.FindReceiptByIdempotency(ctx, tenantID, idemKey)
		if err == nil {
			return replay(existing, domain.ReceiptTypeSale, cart.StoreID)
		}
		if !isNotFound(err) {
			return nil, err
		}
	}

	receipt, err = s.placeSale(ctx, principal, req, idemKey)
	if errors.Is(err, store.ErrPromotionExhausted) {
		// The price book came from a cache that still offered a promotion whose
		// usage ran out through another store. Reload it and price again.
		s.log.Info().Err(err).Str("tenant_id", tenantID).Str("store_id", cart.StoreID).Msg("promotion exhausted, repricing sale")
		s.pricer.Invalidate(ctx, tenantID, cart.StoreID)
		receipt, err = s.placeSale(ctx, principal, req, idemKey)
	}
	return receipt, err
}

// placeSale prices the cart and commits the sale in one unit of work.
func (s *Service) placeSale(ctx context.Context, principal domain.Principal, req SaleRequest, idemKey string) (*domain.SaleReceipt, error) {
	cart := req.Cart
	tenantID := principal.TenantID

	draft, err := s.priceCart(ctx, tenantID, cart)
	if err != nil {
		return nil, err
	}
	payments, err := normalizePayments(req.Payments)
	if err != nil {
		return nil, err
	}
	paid, change, err := settle(draft.total, payments)
	if err != nil {
		return nil, err
	}

	now := s.now()
	created := domain.SaleReceipt{
		ID:                xid.New("rcp"),
		TenantID:          tenantID,
		StoreID:           cart.StoreID,
		RegisterID:        cart.RegisterID,
		Type:              domain.ReceiptTypeSale,
		Status:            domain.ReceiptStatusCompleted,
		Subtotal:          draft.subtotal,
		DiscountAmount:    draft.discount,
		TaxAmount:         draft.tax,
		TotalAmount:       draft.total,
		PaidAmount:        paid,
		ChangeAmount:      change,
		CustomerID:        cart.CustomerID,
		CashierID:         principal.UserID,
		IdempotencyKey:    idemKey,
		CouponPromotionID: draft.couponID,
		CreatedAt:         now,
		Payments:          payments,
	}
	for i := range draft.lines {
		draft.lines[i].ReceiptID = created.ID
	}
	created.Lines = draft.lines

	var replayed *domain.SaleReceipt
	err = s.inTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if idemKey != "" {
			existing, err := tx.FindReceiptByIdempotency(ctx, tenantID, idemKey)
			if err == nil {
				replayed, err = replay(existing, domain.ReceiptTypeSale, cart.StoreID)
				return err
			}
			if !isNotFound(err) {
				return err
			}
		}

		shiftID, err := s.resolveShift(ctx, tx, tenantID, cart.StoreID, cart.RegisterID, req.ShiftID)
		if err != nil {
			return err
		}
		created.ShiftID = shiftID

		if err := s.reserveStock(ctx, tx, tenantID, cart.StoreID, created.Lines, draft.catalog); err != nil {
			return err
		}

		n, err := tx.NextReceiptNumber(ctx, tenantID, cart.StoreID, domain.ReceiptTypeSale)
		if err != nil {
			return err
		}
		created.ReceiptNumber = receiptNumber(domain.ReceiptTypeSale, n)

		for _, line := range created.Lines {
			_, err := s.inv.Move(ctx, tx, inventory.Movement{
				TenantID: tenantID,
				Key:      line.Key(cart.StoreID),
				Delta:    line.Quantity.Neg(),
				Ref:      inventory.Reference{Type: domain.RefSale, ID: created.ID, LineID: line.ID, CreatedBy: principal.UserID},
				At:       now,
			})
			if err != nil {
				return err
			}
		}

		for _, promotionID := range draft.promotionIDs() {
			if err := tx.IncrementPromotionUsage(ctx, tenantID, promotionID); err != nil {
				return fmt.Errorf("promotion %s: %w", promotionID, err)
			}
		}

		if err := tx.InsertReceipt(ctx, created); err != nil {
			return err
		}
		_, err = s.events.Enqueue(ctx, tx, tenantID, outbox.Event{
			Type:       outbox.EventSaleCompleted,
			EntityType: "receipt",
			EntityID:   created.ID,
			Payload:    created,
		})
		return err
	})
	if errors.Is(err, store.ErrDuplicateKey) && idemKey != "" {
		// Lost the race to a concurrent request carrying the same key.
		existing, err := s.repo.FindReceiptByIdempotency(ctx, tenantID, idemKey)
		if err != nil {
			return nil, err
		}
		return replay(existing, domain.ReceiptTypeSale, cart.StoreID)
	}
	if err != nil {
		return nil, err
	}
	if replayed != nil {
		return replayed, nil
	}

	if len(draft.promotionIDs()) > 0 {
		s.pricer.Invalidate(ctx, tenantID, cart.StoreID)
	}
	s.recordAudit(ctx, principal, cart.StoreID, "sale.create", "receipt", created.ID, created.ReceiptNumber)
	s.log.Info().
		Str("tenant_id", tenantID).
		Str("store_id", created.StoreID).
		Str("receipt_id", created.ID).
		Str("receipt_number", created.ReceiptNumber).
		Str("total", created.TotalAmount.StringFixed(2)).
		Int("lines", len(created.Lines)).
		Msg("sale completed")
	return &created, nil
}

// PreviewSale prices a cart without touching stock, counters or the ledger.
func (s *Service) PreviewSale(ctx context.Context, principal domain.Principal, cart domain.Cart) (*domain.SaleReceipt, error) {
	if err := s.authorize(ctx, principal, PermSaleCreate, cart.StoreID); err != nil {
		return nil, err
	}
	if err := validateCart(cart); err != nil {
		return nil, err
	}
	draft, err := s.priceCart(ctx, principal.TenantID, cart)
	if err != nil {
		return nil, err
	}
	return &domain.SaleReceipt{
		TenantID:          principal.TenantID,
		StoreID:           cart.StoreID,
		RegisterID:        cart.RegisterID,
		Type:              domain.ReceiptTypeSale,
		Subtotal:          draft.subtotal,
		DiscountAmount:    draft.discount,
		TaxAmount:         draft.tax,
		TotalAmount:       draft.total,
		CustomerID:        cart.CustomerID,
		CouponPromotionID: draft.couponID,
		Lines:             draft.lines,
	}, nil
}

// GetReceipt returns a receipt of the caller's tenant.
func (s *Service) GetReceipt(ctx context.Context, principal domain.Principal, id string) (*domain.SaleReceipt, error) {
	if err := s.authorize(ctx, principal, PermSaleCreate, ""); err != nil {
		return nil, err
	}
	receipt, err := s.repo.FindReceiptByID(ctx, principal.TenantID, id)
	if err != nil {
		return nil, err
	}
	if principal.StoreID != "" && receipt.StoreID != principal.StoreID {
		return nil, store.ErrNotFound
	}
	return receipt, nil
}

type cartDraft struct {
	catalog  catalog
	lines    []domain.SaleLine
	subtotal decimal.Decimal
	discount decimal.Decimal
	tax      decimal.Decimal
	total    decimal.Decimal
	couponID string
}

func (d cartDraft) promotionIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, line := range d.lines {
		if line.PromotionID != "" && !seen[line.PromotionID] {
			seen[line.PromotionID] = true
			ids = append(ids, line.PromotionID)
		}
	}
	if d.couponID != "" && !seen[d.couponID] {
		ids = append(ids, d.couponID)
	}
	return ids
}

func (s *Service) priceCart(ctx context.Context, tenantID string, cart domain.Cart) (cartDraft, error) {
	productIDs := make([]string, 0, len(cart.Lines))
	variantIDs := make([]string, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		if line.ProductID != "" {
			productIDs = append(productIDs, line.ProductID)
		}
		if line.VariantID != "" {
			variantIDs = append(variantIDs, line.VariantID)
		}
	}
	cat, err := s.loadCatalog(ctx, tenantID, productIDs, variantIDs)
	if err != nil {
		return cartDraft{}, err
	}

	requests := make([]pricing.LineRequest, 0, len(cart.Lines))
	for i, line := range cart.Lines {
		product, err := cat.item(i+1, line.ProductID, line.VariantID)
		if err != nil {
			return cartDraft{}, err
		}
		requests = append(requests, pricing.LineRequest{ProductID: product.ID, VariantID: line.VariantID, Quantity: line.Quantity})
	}
	prices, err := s.pricer.ResolveLines(ctx, tenantID, cart.StoreID, requests)
	if err != nil {
		return cartDraft{}, err
	}

	draft := cartDraft{catalog: cat}
	lineDiscounts := decimal.Zero
	for i, line := range cart.Lines {
		price := prices[i]
		gross := round2(price.OriginalPrice.Mul(line.Quantity))
		discount := round2(price.DiscountAmount.Mul(line.Quantity))
		draft.lines = append(draft.lines, domain.SaleLine{
			ID:             xid.New("sln"),
			LineNo:         i + 1,
			ProductID:      requests[i].ProductID,
			VariantID:      line.VariantID,
			UnitID:         line.UnitID,
			LotID:          line.LotID,
			Quantity:       line.Quantity,
			OriginalPrice:  price.OriginalPrice,
			UnitPrice:      price.UnitPrice,
			DiscountAmount: discount,
			LineTotal:      gross.Sub(discount),
			PromotionID:    price.PromotionID,
			PriceListID:    price.PriceListID,
		})
		draft.subtotal = draft.subtotal.Add(gross)
		lineDiscounts = lineDiscounts.Add(discount)
	}

	couponDiscount := decimal.Zero
	if code := strings.TrimSpace(cart.CouponCode); code != "" {
		coupon, err := s.pricer.ValidateCoupon(ctx, tenantID, cart.StoreID, code, draft.subtotal.Sub(lineDiscounts))
		if err != nil {
			return cartDraft{}, err
		}
		couponDiscount = coupon.Discount
		draft.couponID = coupon.Promotion.ID
	}

	draft.discount = lineDiscounts.Add(couponDiscount)
	taxable := draft.subtotal.Sub(draft.discount)
	draft.tax = round2(taxable.Mul(cart.TaxRatePercent).Div(hundred))
	draft.total = taxable.Add(draft.tax)
	return draft, nil
}

// settle checks tender against the total. Change can only be given from cash.
func settle(total decimal.Decimal, payments []domain.Payment) (paid decimal.Decimal, change decimal.Decimal, err error) {
	cash := decimal.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
		if p.Method == domain.PaymentCash {
			cash = cash.Add(p.Amount)
		}
	}
	if paid.LessThan(total) {
		return decimal.Zero, decimal.Zero, invalid("paid %s is less than total %s", paid.StringFixed(2), total.StringFixed(2))
	}
	if paid.Sub(cash).GreaterThan(total) {
		return decimal.Zero, decimal.Zero, invalid("non-cash payments exceed total %s", total.StringFixed(2))
	}
	return paid, paid.Sub(total), nil
}

// reserveStock locks every key of the sale and rejects lines that would
// drive stock negative where the policy forbids it.
func (s *Service) reserveStock(ctx context.Context, tx store.Tx, tenantID string, storeID string, lines []domain.SaleLine, cat catalog) error {
	keys := make([]domain.StockKey, 0, len(lines))
	requested := make(map[domain.StockKey]decimal.Decimal, len(lines))
	firstLine := make(map[domain.StockKey]domain.SaleLine, len(lines))
	for _, line := range lines {
		key := line.Key(storeID)
		if _, ok := firstLine[key]; !ok {
			firstLine[key] = line
			keys = append(keys, key)
		}
		requested[key] = requested[key].Add(line.Quantity)
	}
	if err := lockKeys(ctx, tx, tenantID, keys); err != nil {
		return err
	}

	for _, key := range keys {
		if cat.allowNegative(key.ProductID) {
			continue
		}
		avail, err := s.inv.CheckAvailabilityTx(ctx, tx, tenantID, key, requested[key])
		if err != nil {
			return err
		}
		if !avail.Available {
			line := firstLine[key]
			return &LineError{
				Line:      line.LineNo,
				ProductID: line.ProductID,
				VariantID: line.VariantID,
				Reason:    fmt.Sprintf("insufficient stock: %s available, %s requested", avail.CurrentStock, avail.Requested),
				Err:       store.ErrInsufficientStock,
			}
		}
	}
	return nil
}
