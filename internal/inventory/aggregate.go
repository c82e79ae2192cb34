package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
)

// costPrecision is the number of decimal places kept on weighted average cost.
const costPrecision = 4

type Availability struct {
	Available    bool            `json:"available"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	Requested    decimal.Decimal `json:"requested"`
}

// Aggregates maintains the current quantity and weighted average cost per stock key.
type Aggregates struct {
	repo store.Repository
}

func NewAggregates(repo store.Repository) *Aggregates {
	return &Aggregates{repo: repo}
}

// Get returns store.ErrNotFound when the key has never moved.
func (a *Aggregates) Get(ctx context.Context, tenantID string, key domain.StockKey) (*domain.StockAggregate, error) {
	return a.repo.GetAggregate(ctx, tenantID, key)
}

// CheckAvailability is advisory: it neither locks nor reserves.
func (a *Aggregates) CheckAvailability(ctx context.Context, tenantID string, key domain.StockKey, requested decimal.Decimal) (Availability, error) {
	current := decimal.Zero
	agg, err := a.repo.GetAggregate(ctx, tenantID, key)
	switch {
	case err == nil:
		current = agg.Quantity
	case !errors.Is(err, store.ErrNotFound):
		return Availability{}, err
	}
	return availability(current, requested), nil
}

// CheckAvailabilityTx reads the quantity under the row lock so a decrement
// in the same transaction cannot race with another writer.
func (a *Aggregates) CheckAvailabilityTx(ctx context.Context, tx store.Tx, tenantID string, key domain.StockKey, requested decimal.Decimal) (Availability, error) {
	agg, err := tx.LockAggregate(ctx, tenantID, key)
	if err != nil {
		return Availability{}, err
	}
	return availability(agg.Quantity, requested), nil
}

// ApplyDelta locks the row, applies delta and returns the new quantity.
// Negative results are allowed here; policy is checked by callers.
func (a *Aggregates) ApplyDelta(ctx context.Context, tx store.Tx, tenantID string, key domain.StockKey, delta decimal.Decimal, unitCost *decimal.Decimal, kind domain.MovementKind, at time.Time) (decimal.Decimal, error) {
	agg, err := tx.LockAggregate(ctx, tenantID, key)
	if err != nil {
		return decimal.Zero, err
	}
	next := applyDelta(*agg, delta, unitCost, kind, at)
	if err := tx.SaveAggregate(ctx, next); err != nil {
		return decimal.Zero, err
	}
	return next.Quantity, nil
}

func applyDelta(agg domain.StockAggregate, delta decimal.Decimal, unitCost *decimal.Decimal, kind domain.MovementKind, at time.Time) domain.StockAggregate {
	if delta.IsPositive() && unitCost != nil {
		agg.WeightedAvgCost = weightedAverageCost(agg.Quantity, agg.WeightedAvgCost, delta, *unitCost)
	}
	agg.Quantity = agg.Quantity.Add(delta)

	stamp := at
	switch kind {
	case domain.MovementReceipt:
		agg.LastReceivedAt = &stamp
	case domain.MovementTransfer:
		if delta.IsPositive() {
			agg.LastReceivedAt = &stamp
		}
	case domain.MovementSale:
		agg.LastSoldAt = &stamp
	}
	agg.UpdatedAt = at
	return agg
}

// weightedAverageCost computes (oldQty*oldCost + delta*cost) / (oldQty + delta).
// A zero denominator keeps the incoming cost.
func weightedAverageCost(oldQty decimal.Decimal, oldCost decimal.Decimal, delta decimal.Decimal, cost decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(delta)
	if total.IsZero() {
		return cost
	}
	value := oldQty.Mul(oldCost).Add(delta.Mul(cost))
	return value.DivRound(total, costPrecision)
}

func availability(current decimal.Decimal, requested decimal.Decimal) Availability {
	return Availability{
		Available:    current.GreaterThanOrEqual(requested),
		CurrentStock: current,
		Requested:    requested,
	}
}
