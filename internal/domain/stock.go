package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	RefSale        = "SALE"
	RefReturn      = "RETURN"
	RefVoid        = "VOID"
	RefReceipt     = "RECEIPT"
	RefAdjustment  = "ADJUSTMENT"
	RefTransferIn  = "TRANSFER_IN"
	RefTransferOut = "TRANSFER_OUT"
	RefCount       = "COUNT"
)

type MovementKind string

const (
	MovementReceipt    MovementKind = "receipt"
	MovementSale       MovementKind = "sale"
	MovementReturn     MovementKind = "return"
	MovementVoid       MovementKind = "void"
	MovementAdjustment MovementKind = "adjustment"
	MovementTransfer   MovementKind = "transfer"
	MovementCount      MovementKind = "count"
)

// StockKey identifies one stock position inside a tenant. Optional parts are empty strings.
type StockKey struct {
	StoreID   string `json:"store_id"`
	ProductID string `json:"product_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
	UnitID    string `json:"unit_id,omitempty"`
	LotID     string `json:"lot_id,omitempty"`
}

func (k StockKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.StoreID, k.ProductID, k.VariantID, k.UnitID, k.LotID)
}

// Item names the product or variant of the key for error messages.
func (k StockKey) Item() string {
	if k.VariantID != "" {
		return k.VariantID
	}
	return k.ProductID
}

type LedgerEntry struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenant_id"`
	StockKey
	QuantityDelta   decimal.Decimal  `json:"quantity_delta"`
	QuantityBefore  decimal.Decimal  `json:"quantity_before"`
	QuantityAfter   decimal.Decimal  `json:"quantity_after"`
	UnitCost        *decimal.Decimal `json:"unit_cost,omitempty"`
	ReferenceType   string           `json:"reference_type"`
	ReferenceID     string           `json:"reference_id"`
	ReferenceLineID string           `json:"reference_line_id,omitempty"`
	OccurredAt      time.Time        `json:"occurred_at"`
	CreatedBy       string           `json:"created_by"`
	Seq             int64            `json:"seq"`
}

type StockAggregate struct {
	TenantID        string          `json:"tenant_id"`
	StockKey
	Quantity        decimal.Decimal `json:"quantity"`
	WeightedAvgCost decimal.Decimal `json:"weighted_avg_cost"`
	LastReceivedAt  *time.Time      `json:"last_received_at,omitempty"`
	LastSoldAt      *time.Time      `json:"last_sold_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
