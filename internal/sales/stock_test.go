package sales

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/outbox"
	"ledgerpos/backend/internal/store"
)

func TestTransferMovesStockAtSourceCost(t *testing.T) {
	f := newFixture(t, Options{})
	f.receive(t, "p1", "10", "40")
	ctx := context.Background()

	result, err := f.svc.TransferStock(ctx, cashier, TransferRequest{
		FromStoreID: "s1",
		ToStoreID:   "s2",
		Lines:       []StockLine{{ProductID: "p1", Quantity: d("4")}},
	})
	require.NoError(t, err)
	require.Len(t, result.Entries, 2)
	assert.Equal(t, domain.RefTransferOut, result.Entries[0].ReferenceType)
	assert.Equal(t, domain.RefTransferIn, result.Entries[1].ReferenceType)
	assert.Equal(t, result.Entries[0].ReferenceID, result.Entries[1].ReferenceID)

	assertDec(t, "6", f.stock(t, "s1", "p1"))
	assertDec(t, "4", f.stock(t, "s2", "p1"))
	dest, err := f.repo.GetAggregate(ctx, "t1", domain.StockKey{StoreID: "s2", ProductID: "p1"})
	require.NoError(t, err)
	assertDec(t, "40", dest.WeightedAvgCost)
	assert.NotNil(t, dest.LastReceivedAt)
	assert.Equal(t, 1, f.eventCount(outbox.EventStockTransferred))

	_, err = f.svc.TransferStock(ctx, cashier, TransferRequest{FromStoreID: "s1", ToStoreID: "s2", Lines: []StockLine{{ProductID: "p1", Quantity: d("7")}}})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	_, err = f.svc.TransferStock(ctx, cashier, TransferRequest{FromStoreID: "s1", ToStoreID: "s1", Lines: []StockLine{{ProductID: "p1", Quantity: d("1")}}})
	assert.ErrorIs(t, err, ErrValidation)
	assertDec(t, "6", f.stock(t, "s1", "p1"))
	assertDec(t, "4", f.stock(t, "s2", "p1"))
}

func TestReceiveStockUpdatesAverageCost(t *testing.T) {
	f := newFixture(t, Options{})
	f.receive(t, "p1", "10", "5")
	f.receive(t, "p1", "10", "7")

	agg, err := f.svc.GetStockLevel(context.Background(), cashier, domain.StockKey{StoreID: "s1", ProductID: "p1"})
	require.NoError(t, err)
	assertDec(t, "20", agg.Quantity)
	assertDec(t, "6", agg.WeightedAvgCost)
	assert.NotNil(t, agg.LastReceivedAt)
	assert.Equal(t, 2, f.eventCount(outbox.EventStockReceived))

	_, err = f.svc.ReceiveStock(context.Background(), cashier, StockRequest{StoreID: "s1", Lines: []StockLine{{ProductID: "p1", Quantity: d("-1")}}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCountStockBooksTheDifference(t *testing.T) {
	f := newFixture(t, Options{})
	f.receive(t, "p1", "10", "")
	ctx := context.Background()
	req := StockRequest{StoreID: "s1", Reference: "count-2026-10", Lines: []StockLine{{ProductID: "p1", Quantity: d("7")}}}

	result, err := f.svc.CountStock(ctx, cashier, req)
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, "count-2026-10", result.Entries[0].ReferenceID)
	assertDec(t, "-3", result.Entries[0].QuantityDelta)
	assertDec(t, "7", f.stock(t, "s1", "p1"))

	result, err = f.svc.CountStock(ctx, cashier, req)
	require.NoError(t, err)
	assert.Empty(t, result.Entries, "matching count books nothing")
	assert.Equal(t, 1, f.eventCount(outbox.EventStockCounted))
}

func TestAdjustStockHonorsNegativePolicy(t *testing.T) {
	f := newFixture(t, Options{})
	f.receive(t, "p1", "10", "")
	ctx := context.Background()

	_, err := f.svc.AdjustStock(ctx, cashier, StockRequest{StoreID: "s1", Lines: []StockLine{{ProductID: "p1", Quantity: d("-2")}}})
	assert.ErrorIs(t, err, ErrValidation, "reason is required")

	_, err = f.svc.AdjustStock(ctx, cashier, StockRequest{StoreID: "s1", Reason: "breakage", Lines: []StockLine{{ProductID: "p1", Quantity: d("-20")}}})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	result, err := f.svc.AdjustStock(ctx, cashier, StockRequest{StoreID: "s1", Reason: "breakage", Lines: []StockLine{{ProductID: "p1", Quantity: d("-2")}}})
	require.NoError(t, err)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, domain.RefAdjustment, result.Entries[0].ReferenceType)
	assertDec(t, "8", f.stock(t, "s1", "p1"))

	_, err = f.svc.AdjustStock(ctx, cashier, StockRequest{StoreID: "s1", Reason: "typo", Lines: []StockLine{{ProductID: "p1", Quantity: d("0")}}})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStockOperationsNeedWritePermission(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.authz = denyPermission(PermInventoryWrite)

	_, err := f.svc.ReceiveStock(context.Background(), cashier, StockRequest{StoreID: "s1", Lines: []StockLine{{ProductID: "p1", Quantity: d("1")}}})
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.GetStockLevel(context.Background(), cashier, domain.StockKey{StoreID: "s1", ProductID: "p1"})
	assert.ErrorIs(t, err, store.ErrNotFound, "reads stay allowed")
}

func TestVerifyAndRebuildStock(t *testing.T) {
	f := newFixture(t, Options{})
	f.receive(t, "p1", "10", "5")
	ctx := context.Background()
	_, err := f.svc.CreateSale(ctx, cashier, saleOf("p1", "4", "400"))
	require.NoError(t, err)
	key := domain.StockKey{StoreID: "s1", ProductID: "p1"}

	report, err := f.svc.VerifyStock(ctx, cashier, key)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assertDec(t, "6", report.LedgerQuantity)

	agg, err := f.svc.RebuildStock(ctx, cashier, key)
	require.NoError(t, err)
	assertDec(t, "6", agg.Quantity)
	assertDec(t, "5", agg.WeightedAvgCost)
	assert.Contains(t, f.audit.actions(), "stock.rebuild")
}
