package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// Store keeps everything in process memory. Transactions hold the write lock
// for their whole duration and roll back through an undo log.
type Store struct {
	mu sync.RWMutex

	settings   map[string]domain.TenantSettings
	products   map[string]domain.Product
	variants   map[string]domain.Variant
	priceLists map[string][]domain.PriceList
	promotions map[string]*domain.Promotion

	aggregates map[string]*domain.StockAggregate
	ledger     []domain.LedgerEntry
	ledgerSeq  int64

	receipts       map[string]*domain.SaleReceipt
	receiptsByIdem map[string]string
	receiptSeq     map[string]int64

	shifts        map[string]*domain.Shift
	cashMovements []domain.CashMovement
	parked        map[string]*domain.ParkedSale

	events []*domain.QueuedEvent
}

func New() *Store {
	return &Store{
		settings:       make(map[string]domain.TenantSettings),
		products:       make(map[string]domain.Product),
		variants:       make(map[string]domain.Variant),
		priceLists:     make(map[string][]domain.PriceList),
		promotions:     make(map[string]*domain.Promotion),
		aggregates:     make(map[string]*domain.StockAggregate),
		receipts:       make(map[string]*domain.SaleReceipt),
		receiptsByIdem: make(map[string]string),
		receiptSeq:     make(map[string]int64),
		shifts:         make(map[string]*domain.Shift),
		parked:         make(map[string]*domain.ParkedSale),
	}
}

// NewSeeded returns a store with a small demo catalog for tenant "demo".
func NewSeeded() *Store {
	s := New()
	s.PutProduct(domain.Product{ID: "prd-coffee", TenantID: "demo", SKU: "COF-250", Name: "Kopi Bubuk 250g", Price: decimal.NewFromInt(35000), Active: true})
	s.PutProduct(domain.Product{ID: "prd-tea", TenantID: "demo", SKU: "TEA-25", Name: "Teh Celup 25s", Price: decimal.NewFromInt(12000), Active: true})
	s.PutProduct(domain.Product{ID: "prd-shirt", TenantID: "demo", SKU: "TSH", Name: "Kaos Polos", Price: decimal.NewFromInt(60000), Active: true})
	s.PutVariant(domain.Variant{ID: "var-shirt-l", TenantID: "demo", ProductID: "prd-shirt", SKU: "TSH-L", Name: "Kaos Polos L", Price: decimal.NewFromInt(65000)})
	return s
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) PutTenantSettings(settings domain.TenantSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.TenantID] = settings
}

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[scoped(product.TenantID, product.ID)] = product
}

func (s *Store) PutVariant(variant domain.Variant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variants[scoped(variant.TenantID, variant.ID)] = variant
}

func (s *Store) PutPriceList(list domain.PriceList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lists := s.priceLists[list.TenantID]
	lists = slices.DeleteFunc(lists, func(existing domain.PriceList) bool { return existing.ID == list.ID })
	s.priceLists[list.TenantID] = append(lists, list)
}

func (s *Store) PutPromotion(promo domain.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := promo
	s.promotions[scoped(promo.TenantID, promo.ID)] = &p
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) GetAggregate(_ context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg, ok := s.aggregates[aggregateKey(tenantID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *agg
	return &out, nil
}

func (s *Store) ListLedger(_ context.Context, tenantID string, filter store.LedgerFilter, page store.Page) ([]domain.LedgerEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.LedgerEntry, 0, 32)
	for _, entry := range s.ledger {
		if entry.TenantID != tenantID || !matchesFilter(entry, filter) {
			continue
		}
		matched = append(matched, entry)
	}
	slices.SortFunc(matched, func(a, b domain.LedgerEntry) int {
		if c := b.OccurredAt.Compare(a.OccurredAt); c != 0 {
			return c
		}
		return compareInt64(b.Seq, a.Seq)
	})

	total := len(matched)
	if page.Offset >= total {
		return []domain.LedgerEntry{}, total, nil
	}
	end := page.Offset + page.Limit
	if page.Limit < 1 || end > total {
		end = total
	}
	return slices.Clone(matched[page.Offset:end]), total, nil
}

func (s *Store) LedgerForKey(_ context.Context, tenantID string, key domain.StockKey) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledgerForKey(tenantID, key), nil
}

func (s *Store) ledgerForKey(tenantID string, key domain.StockKey) []domain.LedgerEntry {
	out := make([]domain.LedgerEntry, 0, 16)
	for _, entry := range s.ledger {
		if entry.TenantID == tenantID && entry.StockKey == key {
			out = append(out, entry)
		}
	}
	slices.SortFunc(out, func(a, b domain.LedgerEntry) int {
		return compareInt64(a.Seq, b.Seq)
	})
	return out
}

func (s *Store) FindReceiptByID(_ context.Context, tenantID string, id string) (*domain.SaleReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiptByID(tenantID, id)
}

func (s *Store) FindReceiptByIdempotency(_ context.Context, tenantID string, key string) (*domain.SaleReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receiptByIdem(tenantID, key)
}

func (s *Store) GetShift(_ context.Context, tenantID string, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shifts[scoped(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *shift
	return &out, nil
}

func (s *Store) ListCashMovements(_ context.Context, tenantID string, shiftID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.CashMovement, 0, 8)
	for _, m := range s.cashMovements {
		if m.TenantID == tenantID && m.ShiftID == shiftID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListParkedSales(_ context.Context, tenantID string, storeID string, registerID string, limit int) ([]domain.ParkedSale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ParkedSale, 0, 8)
	for _, p := range s.parked {
		if p.TenantID != tenantID || p.StoreID != storeID {
			continue
		}
		if registerID != "" && p.RegisterID != registerID {
			continue
		}
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b domain.ParkedSale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetTenantSettings(_ context.Context, tenantID string) (domain.TenantSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, ok := s.settings[tenantID]
	if !ok {
		return domain.TenantSettings{TenantID: tenantID}, nil
	}
	return settings, nil
}

func (s *Store) GetProducts(_ context.Context, tenantID string, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[scoped(tenantID, id)]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) GetVariants(_ context.Context, tenantID string, ids []string) (map[string]domain.Variant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]domain.Variant, len(ids))
	for _, id := range ids {
		if v, ok := s.variants[scoped(tenantID, id)]; ok {
			out[id] = v
		}
	}
	return out, nil
}

func (s *Store) LoadPriceBook(_ context.Context, tenantID string, storeID string) (domain.PriceBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book := domain.PriceBook{}
	for _, list := range s.priceLists[tenantID] {
		if !list.Active || (list.StoreID != "" && list.StoreID != storeID) {
			continue
		}
		list.Items = slices.Clone(list.Items)
		book.PriceLists = append(book.PriceLists, list)
	}
	for _, promo := range s.promotions {
		if promo.TenantID != tenantID || !promo.Active || promo.Type == domain.PromotionCoupon {
			continue
		}
		if !promo.AppliesToStore(storeID) {
			continue
		}
		book.Promotions = append(book.Promotions, *promo)
	}
	slices.SortFunc(book.Promotions, func(a, b domain.Promotion) int { return strings.Compare(a.ID, b.ID) })
	return book, nil
}

func (s *Store) FindCouponByCode(_ context.Context, tenantID string, code string) (*domain.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, promo := range s.promotions {
		if promo.TenantID == tenantID && promo.Type == domain.PromotionCoupon && strings.EqualFold(promo.Code, code) {
			out := *promo
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ClaimPendingEvents(_ context.Context, limit int) ([]domain.QueuedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make([]domain.QueuedEvent, 0, limit)
	for _, event := range s.events {
		if len(claimed) >= limit {
			break
		}
		if event.Status != domain.EventStatusPending {
			continue
		}
		claimedAt := time.Now().UTC()
		event.Status = domain.EventStatusProcessing
		event.ClaimedAt = &claimedAt
		claimed = append(claimed, *event)
	}
	return claimed, nil
}

func (s *Store) AckEvents(_ context.Context, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range s.events {
		if slices.Contains(ids, event.ID) {
			processed := at
			event.Status = domain.EventStatusCompleted
			event.ProcessedAt = &processed
		}
	}
	return nil
}

func (s *Store) FailEvents(_ context.Context, ids []string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range s.events {
		if slices.Contains(ids, event.ID) {
			event.Status = domain.EventStatusFailed
			event.RetryCount++
			event.LastError = reason
		}
	}
	return nil
}

func (s *Store) RequeueFailedEvents(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, event := range s.events {
		if event.Status == domain.EventStatusFailed && event.RetryCount < maxRetries {
			event.Status = domain.EventStatusPending
			n++
		}
	}
	return n, nil
}

func (s *Store) ExpireStaleClaims(_ context.Context, claimedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, event := range s.events {
		if event.Status != domain.EventStatusProcessing || event.ClaimedAt == nil || !event.ClaimedAt.Before(claimedBefore) {
			continue
		}
		event.Status = domain.EventStatusFailed
		event.RetryCount++
		event.LastError = "claim expired"
		n++
	}
	return n, nil
}

func (s *Store) PurgeCompletedEvents(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var n int64
	for _, event := range s.events {
		if event.Status == domain.EventStatusCompleted && event.ProcessedAt != nil && event.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, event)
	}
	s.events = kept
	return n, nil
}

// Events returns a snapshot of the outbox, oldest first.
func (s *Store) Events() []domain.QueuedEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.QueuedEvent, 0, len(s.events))
	for _, event := range s.events {
		out = append(out, *event)
	}
	return out
}

func (s *Store) receiptByID(tenantID string, id string) (*domain.SaleReceipt, error) {
	receipt, ok := s.receipts[scoped(tenantID, id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReceipt(receipt), nil
}

func (s *Store) receiptByIdem(tenantID string, key string) (*domain.SaleReceipt, error) {
	id, ok := s.receiptsByIdem[scoped(tenantID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.receiptByID(tenantID, id)
}

func matchesFilter(entry domain.LedgerEntry, filter store.LedgerFilter) bool {
	if filter.StoreID != "" && entry.StoreID != filter.StoreID {
		return false
	}
	if filter.ProductID != "" && entry.ProductID != filter.ProductID {
		return false
	}
	if filter.VariantID != "" && entry.VariantID != filter.VariantID {
		return false
	}
	if filter.ReferenceType != "" && entry.ReferenceType != filter.ReferenceType {
		return false
	}
	if filter.From != nil && entry.OccurredAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && entry.OccurredAt.After(*filter.To) {
		return false
	}
	return true
}

func cloneReceipt(r *domain.SaleReceipt) *domain.SaleReceipt {
	out := *r
	out.Lines = slices.Clone(r.Lines)
	out.Payments = slices.Clone(r.Payments)
	return &out
}

func scoped(tenantID string, id string) string {
	return tenantID + "|" + id
}

func aggregateKey(tenantID string, key domain.StockKey) string {
	return tenantID + "|" + key.String()
}

func compareInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
