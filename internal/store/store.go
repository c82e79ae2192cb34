package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrDuplicateKey       = errors.New("duplicate key")
	ErrPromotionExhausted = errors.New("promotion usage limit reached")
	ErrShiftClosed        = errors.New("shift is closed")
	ErrLedgerMismatch     = errors.New("ledger and stock aggregate disagree")
	ErrConflict           = errors.New("concurrent modification")
)

type LedgerFilter struct {
	StoreID       string
	ProductID     string
	VariantID     string
	ReferenceType string
	From          *time.Time
	To            *time.Time
}

type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps the page to 1..max rows.
func (p Page) Normalize(fallback int, max int) Page {
	if p.Limit < 1 {
		p.Limit = fallback
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// RefundedTotals is what earlier returns against one sale have taken back.
// The maps are keyed by original line id.
type RefundedTotals struct {
	Quantities    map[string]decimal.Decimal
	LineTotals    map[string]decimal.Decimal
	LineDiscounts map[string]decimal.Decimal
	// Coupon and Tax are the receipt-level shares already refunded.
	Coupon decimal.Decimal
	Tax    decimal.Decimal
}

func NewRefundedTotals() RefundedTotals {
	return RefundedTotals{
		Quantities:    make(map[string]decimal.Decimal),
		LineTotals:    make(map[string]decimal.Decimal),
		LineDiscounts: make(map[string]decimal.Decimal),
	}
}

// Repository is the persistence contract of the ledger engine. Every method
// except the outbox worker calls is scoped to a tenant.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetAggregate(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error)
	ListLedger(ctx context.Context, tenantID string, filter LedgerFilter, page Page) ([]domain.LedgerEntry, int, error)
	// LedgerForKey returns every entry of the key in append order. Appends to
	// one key are serialized by the aggregate row lock, so this is also time order.
	LedgerForKey(ctx context.Context, tenantID string, key domain.StockKey) ([]domain.LedgerEntry, error)

	FindReceiptByID(ctx context.Context, tenantID string, id string) (*domain.SaleReceipt, error)
	FindReceiptByIdempotency(ctx context.Context, tenantID string, key string) (*domain.SaleReceipt, error)
	GetShift(ctx context.Context, tenantID string, id string) (*domain.Shift, error)
	ListCashMovements(ctx context.Context, tenantID string, shiftID string) ([]domain.CashMovement, error)
	ListParkedSales(ctx context.Context, tenantID string, storeID string, registerID string, limit int) ([]domain.ParkedSale, error)

	GetTenantSettings(ctx context.Context, tenantID string) (domain.TenantSettings, error)
	GetProducts(ctx context.Context, tenantID string, ids []string) (map[string]domain.Product, error)
	GetVariants(ctx context.Context, tenantID string, ids []string) (map[string]domain.Variant, error)
	LoadPriceBook(ctx context.Context, tenantID string, storeID string) (domain.PriceBook, error)
	FindCouponByCode(ctx context.Context, tenantID string, code string) (*domain.Promotion, error)

	ClaimPendingEvents(ctx context.Context, limit int) ([]domain.QueuedEvent, error)
	AckEvents(ctx context.Context, ids []string, at time.Time) error
	FailEvents(ctx context.Context, ids []string, reason string) error
	RequeueFailedEvents(ctx context.Context, maxRetries int) (int64, error)
	// ExpireStaleClaims fails processing events claimed before claimedBefore,
	// counting the lost claim as one attempt.
	ExpireStaleClaims(ctx context.Context, claimedBefore time.Time) (int64, error)
	PurgeCompletedEvents(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Tx is a unit of work. Writes become visible when the WithinTx callback
// returns nil and are discarded otherwise.
type Tx interface {
	// LockAggregate takes the row lock on the key, creating a zero row first
	// when the key has never moved.
	LockAggregate(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error)
	// LockExistingAggregate takes the row lock without creating the row and
	// returns ErrNotFound for a key that has never moved.
	LockExistingAggregate(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error)
	SaveAggregate(ctx context.Context, agg domain.StockAggregate) error
	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error
	LedgerForKey(ctx context.Context, tenantID string, key domain.StockKey) ([]domain.LedgerEntry, error)

	FindReceiptByIdempotency(ctx context.Context, tenantID string, key string) (*domain.SaleReceipt, error)
	NextReceiptNumber(ctx context.Context, tenantID string, storeID string, receiptType string) (int64, error)
	InsertReceipt(ctx context.Context, receipt domain.SaleReceipt) error
	LockReceipt(ctx context.Context, tenantID string, id string) (*domain.SaleReceipt, error)
	UpdateReceiptStatus(ctx context.Context, tenantID string, id string, status string, reason string, at time.Time) error
	RefundedSoFar(ctx context.Context, tenantID string, originalReceiptID string) (RefundedTotals, error)
	IncrementPromotionUsage(ctx context.Context, tenantID string, promotionID string) error

	InsertEvent(ctx context.Context, event domain.QueuedEvent) error

	InsertShift(ctx context.Context, shift domain.Shift) error
	LockShift(ctx context.Context, tenantID string, id string) (*domain.Shift, error)
	FindOpenShift(ctx context.Context, tenantID string, storeID string, registerID string) (*domain.Shift, error)
	CloseShift(ctx context.Context, shift domain.Shift) error
	InsertCashMovement(ctx context.Context, movement domain.CashMovement) error
	ShiftCashSummary(ctx context.Context, tenantID string, shiftID string) (domain.ShiftCashSummary, error)

	InsertParkedSale(ctx context.Context, parked domain.ParkedSale) error
	TakeParkedSale(ctx context.Context, tenantID string, id string) (*domain.ParkedSale, error)
}
