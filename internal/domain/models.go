package domain

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

const (
	ReceiptTypeSale     = "sale"
	ReceiptTypeReturn   = "return"
	ReceiptTypeExchange = "exchange"
	ReceiptTypeVoid     = "void"

	ReceiptStatusCompleted = "completed"
	ReceiptStatusVoided    = "voided"
	ReceiptStatusRefunded  = "refunded"

	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"

	CashMovementIn  = "in"
	CashMovementOut = "out"

	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentQRIS     = "qris"
	PaymentTransfer = "transfer"
	PaymentEWallet  = "ewallet"

	PromotionPercentOff = "percent_off"
	PromotionFixedOff   = "fixed_off"
	PromotionCoupon     = "coupon"

	DiscountModePercent = "percent"
	DiscountModeFixed   = "fixed"

	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
)

// Principal is the authenticated caller of a core operation.
type Principal struct {
	TenantID    string   `json:"tenant_id"`
	UserID      string   `json:"user_id"`
	StoreID     string   `json:"store_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func (p Principal) Has(permission string) bool {
	return slices.Contains(p.Permissions, permission) || slices.Contains(p.Permissions, "*")
}

type Product struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenant_id"`
	SKU                string          `json:"sku"`
	Name               string          `json:"name"`
	Price              decimal.Decimal `json:"price"`
	AllowNegativeStock *bool           `json:"allow_negative_stock,omitempty"`
	Active             bool            `json:"active"`
}

type Variant struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
}

type TenantSettings struct {
	TenantID           string `json:"tenant_id"`
	AllowNegativeStock bool   `json:"allow_negative_stock"`
}

type Promotion struct {
	ID                 string           `json:"id"`
	TenantID           string           `json:"tenant_id"`
	Name               string           `json:"name"`
	Type               string           `json:"type"`
	Code               string           `json:"code,omitempty"`
	DiscountMode       string           `json:"discount_mode,omitempty"`
	DiscountValue      decimal.Decimal  `json:"discount_value"`
	MinPurchase        *decimal.Decimal `json:"min_purchase,omitempty"`
	MaxDiscount        *decimal.Decimal `json:"max_discount,omitempty"`
	ApplicableStores   []string         `json:"applicable_stores,omitempty"`
	ApplicableProducts []string         `json:"applicable_products,omitempty"`
	StartDate          *time.Time       `json:"start_date,omitempty"`
	EndDate            *time.Time       `json:"end_date,omitempty"`
	UsageLimit         *int64           `json:"usage_limit,omitempty"`
	UsageCount         int64            `json:"usage_count"`
	Active             bool             `json:"active"`
}

// InWindow reports whether at falls inside the optional start/end dates.
func (p Promotion) InWindow(at time.Time) bool {
	return inWindow(p.StartDate, p.EndDate, at)
}

func (p Promotion) UsageAvailable() bool {
	return p.UsageLimit == nil || p.UsageCount < *p.UsageLimit
}

func (p Promotion) AppliesToStore(storeID string) bool {
	return len(p.ApplicableStores) == 0 || slices.Contains(p.ApplicableStores, storeID)
}

type PriceList struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Name      string          `json:"name"`
	StoreID   string          `json:"store_id,omitempty"`
	Priority  int             `json:"priority"`
	StartDate *time.Time      `json:"start_date,omitempty"`
	EndDate   *time.Time      `json:"end_date,omitempty"`
	Active    bool            `json:"active"`
	Items     []PriceListItem `json:"items"`
}

func (p PriceList) InWindow(at time.Time) bool {
	return inWindow(p.StartDate, p.EndDate, at)
}

type PriceListItem struct {
	ID          string           `json:"id"`
	PriceListID string           `json:"price_list_id"`
	ProductID   string           `json:"product_id,omitempty"`
	VariantID   string           `json:"variant_id,omitempty"`
	Price       decimal.Decimal  `json:"price"`
	MinQty      *decimal.Decimal `json:"min_qty,omitempty"`
}

// PriceBook is the pricing reference data for one tenant and store.
type PriceBook struct {
	PriceLists []PriceList `json:"price_lists"`
	Promotions []Promotion `json:"promotions"`
}

type SaleReceipt struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	StoreID           string          `json:"store_id"`
	RegisterID        string          `json:"register_id,omitempty"`
	Type              string          `json:"type"`
	ReceiptNumber     string          `json:"receipt_number"`
	Status            string          `json:"status"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	DiscountAmount    decimal.Decimal `json:"discount_amount"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	PaidAmount        decimal.Decimal `json:"paid_amount"`
	ChangeAmount      decimal.Decimal `json:"change_amount"`
	CustomerID        string          `json:"customer_id,omitempty"`
	CashierID         string          `json:"cashier_id"`
	ShiftID           string          `json:"shift_id,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	OriginalReceiptID string          `json:"original_receipt_id,omitempty"`
	CouponPromotionID string          `json:"coupon_promotion_id,omitempty"`
	VoidReason        string          `json:"void_reason,omitempty"`
	VoidedAt          *time.Time      `json:"voided_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	Lines             []SaleLine      `json:"lines"`
	Payments          []Payment       `json:"payments"`
}

type SaleLine struct {
	ID             string          `json:"id"`
	ReceiptID      string          `json:"receipt_id"`
	LineNo         int             `json:"line_no"`
	ProductID      string          `json:"product_id,omitempty"`
	VariantID      string          `json:"variant_id,omitempty"`
	UnitID         string          `json:"unit_id,omitempty"`
	LotID          string          `json:"lot_id,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	OriginalPrice  decimal.Decimal `json:"original_price"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	LineTotal      decimal.Decimal `json:"line_total"`
	PromotionID    string          `json:"promotion_id,omitempty"`
	PriceListID    string          `json:"price_list_id,omitempty"`
	OriginalLineID string          `json:"original_line_id,omitempty"`
}

// Key returns the stock key the line moves in the given store.
func (l SaleLine) Key(storeID string) StockKey {
	return StockKey{StoreID: storeID, ProductID: l.ProductID, VariantID: l.VariantID, UnitID: l.UnitID, LotID: l.LotID}
}

type Payment struct {
	Method    string          `json:"method"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

type Shift struct {
	ID           string           `json:"id"`
	TenantID     string           `json:"tenant_id"`
	StoreID      string           `json:"store_id"`
	RegisterID   string           `json:"register_id,omitempty"`
	OpeningCash  decimal.Decimal  `json:"opening_cash"`
	ClosingCash  *decimal.Decimal `json:"closing_cash,omitempty"`
	ExpectedCash *decimal.Decimal `json:"expected_cash,omitempty"`
	Variance     *decimal.Decimal `json:"variance,omitempty"`
	Status       string           `json:"status"`
	OpenedBy     string           `json:"opened_by"`
	ClosedBy     string           `json:"closed_by,omitempty"`
	OpenedAt     time.Time        `json:"opened_at"`
	ClosedAt     *time.Time       `json:"closed_at,omitempty"`
}

type CashMovement struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	ShiftID    string          `json:"shift_id"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	ApprovedBy string          `json:"approved_by,omitempty"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ShiftCashSummary holds the drawer totals used to reconcile a shift.
type ShiftCashSummary struct {
	CashSales   decimal.Decimal `json:"cash_sales"`
	CashRefunds decimal.Decimal `json:"cash_refunds"`
	CashIn      decimal.Decimal `json:"cash_in"`
	CashOut     decimal.Decimal `json:"cash_out"`
}

// Expected returns opening + cash sales - cash refunds + cash in - cash out.
func (s ShiftCashSummary) Expected(opening decimal.Decimal) decimal.Decimal {
	return opening.Add(s.CashSales).Sub(s.CashRefunds).Add(s.CashIn).Sub(s.CashOut)
}

type CartLine struct {
	ProductID string          `json:"product_id,omitempty"`
	VariantID string          `json:"variant_id,omitempty"`
	UnitID    string          `json:"unit_id,omitempty"`
	LotID     string          `json:"lot_id,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
}

type Cart struct {
	StoreID        string          `json:"store_id"`
	RegisterID     string          `json:"register_id,omitempty"`
	CustomerID     string          `json:"customer_id,omitempty"`
	CouponCode     string          `json:"coupon_code,omitempty"`
	TaxRatePercent decimal.Decimal `json:"tax_rate_percent"`
	Lines          []CartLine      `json:"lines"`
}

type ParkedSale struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	StoreID    string    `json:"store_id"`
	RegisterID string    `json:"register_id,omitempty"`
	Label      string    `json:"label,omitempty"`
	Cart       Cart      `json:"cart"`
	ParkedBy   string    `json:"parked_by"`
	CreatedAt  time.Time `json:"created_at"`
}

type QueuedEvent struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	EventType   string          `json:"event_type"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

type AuditRecord struct {
	TenantID   string    `json:"tenant_id"`
	StoreID    string    `json:"store_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func inWindow(start *time.Time, end *time.Time, at time.Time) bool {
	if start != nil && at.Before(*start) {
		return false
	}
	if end != nil && at.After(*end) {
		return false
	}
	return true
}
