package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerpos/backend/internal/domain"
	"ledgerpos/backend/internal/store"
	"ledgerpos/backend/internal/store/memory"
)

var testKey = domain.StockKey{StoreID: "store-1", ProductID: "prd-1"}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func move(t *testing.T, repo store.Repository, inv *Inventory, key domain.StockKey, delta string, cost *decimal.Decimal, refType string) domain.LedgerEntry {
	t.Helper()
	var entry domain.LedgerEntry
	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		var err error
		entry, err = inv.Move(context.Background(), tx, Movement{
			TenantID: "t1",
			Key:      key,
			Delta:    dec(delta),
			UnitCost: cost,
			Ref:      Reference{Type: refType, ID: "ref", CreatedBy: "tester"},
			At:       time.Now().UTC(),
		})
		return err
	})
	require.NoError(t, err)
	return entry
}

func TestWeightedAverageCostOnReceipts(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	five, seven := dec("5"), dec("7")
	move(t, repo, inv, testKey, "10", &five, domain.RefReceipt)

	agg, err := inv.Get(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.True(t, agg.WeightedAvgCost.Equal(dec("5")), "avg cost %s", agg.WeightedAvgCost)

	move(t, repo, inv, testKey, "10", &seven, domain.RefReceipt)

	agg, err = inv.Get(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.True(t, agg.WeightedAvgCost.Equal(dec("6")), "avg cost %s", agg.WeightedAvgCost)
	assert.True(t, agg.Quantity.Equal(dec("20")), "quantity %s", agg.Quantity)
	assert.NotNil(t, agg.LastReceivedAt)
}

func TestSaleDoesNotChangeAverageCost(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	four := dec("4")
	move(t, repo, inv, testKey, "8", &four, domain.RefReceipt)
	move(t, repo, inv, testKey, "-3", nil, domain.RefSale)

	agg, err := inv.Get(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.True(t, agg.WeightedAvgCost.Equal(four))
	assert.True(t, agg.Quantity.Equal(dec("5")))
	assert.NotNil(t, agg.LastSoldAt)
}

func TestWeightedAverageCostGuardsZeroDenominator(t *testing.T) {
	got := weightedAverageCost(dec("-5"), dec("3"), dec("5"), dec("9"))
	assert.True(t, got.Equal(dec("9")), "got %s", got)
}

func TestLedgerTelescopesAndMatchesAggregate(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	cost := dec("2.5")
	deltas := []string{"12", "-2", "-4", "3", "-9", "1"}
	for i, d := range deltas {
		ref := domain.RefSale
		var c *decimal.Decimal
		if i == 0 {
			ref, c = domain.RefReceipt, &cost
		}
		move(t, repo, inv, testKey, d, c, ref)
	}

	entries, err := repo.LedgerForKey(context.Background(), "t1", testKey)
	require.NoError(t, err)
	require.Len(t, entries, len(deltas))

	sum := decimal.Zero
	prev := decimal.Zero
	for _, e := range entries {
		assert.True(t, e.QuantityBefore.Equal(prev), "before %s prev %s", e.QuantityBefore, prev)
		prev = e.QuantityAfter
		sum = sum.Add(e.QuantityDelta)
	}

	agg, err := inv.Get(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.True(t, agg.Quantity.Equal(sum))
	assert.True(t, agg.Quantity.Equal(dec("1")))

	report, err := inv.Verify(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, len(deltas), report.Entries)
}

func TestNegativeResultIsAllowedByAggregateStore(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	entry := move(t, repo, inv, testKey, "-2", nil, domain.RefSale)
	assert.True(t, entry.QuantityBefore.IsZero())
	assert.True(t, entry.QuantityAfter.Equal(dec("-2")))
}

func TestCheckAvailability(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	av, err := inv.CheckAvailability(context.Background(), "t1", testKey, dec("1"))
	require.NoError(t, err)
	assert.False(t, av.Available)
	assert.True(t, av.CurrentStock.IsZero())

	move(t, repo, inv, testKey, "3", nil, domain.RefAdjustment)
	av, err = inv.CheckAvailability(context.Background(), "t1", testKey, dec("3"))
	require.NoError(t, err)
	assert.True(t, av.Available)
}

func TestFailedTransactionLeavesNoTrace(t *testing.T) {
	repo := memory.New()
	inv := New(repo)
	boom := errors.New("boom")

	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := inv.Move(context.Background(), tx, Movement{
			TenantID: "t1", Key: testKey, Delta: dec("5"),
			Ref: Reference{Type: domain.RefAdjustment, ID: "adj"}, At: time.Now().UTC(),
		})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = inv.Get(context.Background(), "t1", testKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
	entries, err := repo.LedgerForKey(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRebuildRestoresAggregateFromLedger(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	five, seven := dec("5"), dec("7")
	move(t, repo, inv, testKey, "10", &five, domain.RefReceipt)
	move(t, repo, inv, testKey, "10", &seven, domain.RefReceipt)
	move(t, repo, inv, testKey, "-4", nil, domain.RefSale)

	// Corrupt the aggregate behind the ledger's back.
	require.NoError(t, repo.WithinTx(context.Background(), func(tx store.Tx) error {
		agg, err := tx.LockAggregate(context.Background(), "t1", testKey)
		if err != nil {
			return err
		}
		agg.Quantity = dec("99")
		return tx.SaveAggregate(context.Background(), *agg)
	}))

	_, err := inv.Verify(context.Background(), "t1", testKey)
	require.ErrorIs(t, err, store.ErrLedgerMismatch)

	rebuilt, err := inv.Rebuild(context.Background(), "t1", testKey, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, rebuilt.Quantity.Equal(dec("16")))
	assert.True(t, rebuilt.WeightedAvgCost.Equal(dec("6")))

	_, err = inv.Verify(context.Background(), "t1", testKey)
	require.NoError(t, err)
}

func TestConcurrentMovesKeepLedgerConsistent(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			delta := "1"
			if i%2 == 1 {
				delta = "-1"
			}
			_ = repo.WithinTx(context.Background(), func(tx store.Tx) error {
				_, err := inv.Move(context.Background(), tx, Movement{
					TenantID: "t1", Key: testKey, Delta: dec(delta),
					Ref: Reference{Type: domain.RefAdjustment, ID: "adj"}, At: time.Now().UTC(),
				})
				return err
			})
		}(i)
	}
	wg.Wait()

	report, err := inv.Verify(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.Equal(t, 40, report.Entries)
	assert.True(t, report.AggregateQuantity.IsZero())
}

func TestVerifyWhileMovesAreInFlight(t *testing.T) {
	repo := memory.New()
	inv := New(repo)
	move(t, repo, inv, testKey, "100", nil, domain.RefAdjustment)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = repo.WithinTx(context.Background(), func(tx store.Tx) error {
					_, err := inv.Move(context.Background(), tx, Movement{
						TenantID: "t1", Key: testKey, Delta: dec("-1"),
						Ref: Reference{Type: domain.RefSale, ID: "sale"}, At: time.Now().UTC(),
					})
					return err
				})
			}
		}()
	}

	verifyErrs := make(chan error, 100)
	var verifiers sync.WaitGroup
	for v := 0; v < 2; v++ {
		verifiers.Add(1)
		go func() {
			defer verifiers.Done()
			for i := 0; i < 50; i++ {
				if _, err := inv.Verify(context.Background(), "t1", testKey); err != nil {
					verifyErrs <- err
				}
			}
		}()
	}
	wg.Wait()
	verifiers.Wait()
	close(verifyErrs)

	for err := range verifyErrs {
		t.Errorf("verify during moves: %v", err)
	}
	report, err := inv.Verify(context.Background(), "t1", testKey)
	require.NoError(t, err)
	assert.Equal(t, 201, report.Entries)
	assert.True(t, report.AggregateQuantity.Equal(dec("-100")), "quantity %s", report.AggregateQuantity)
}

func TestVerifyAndRebuildLeaveNeverMovedKeyAlone(t *testing.T) {
	repo := memory.New()
	inv := New(repo)
	ctx := context.Background()

	report, err := inv.Verify(ctx, "t1", testKey)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Zero(t, report.Entries)

	_, err = inv.Rebuild(ctx, "t1", testKey, time.Now().UTC())
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = inv.Get(ctx, "t1", testKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHistoryIsNewestFirstAndTenantScoped(t *testing.T) {
	repo := memory.New()
	inv := New(repo)

	move(t, repo, inv, testKey, "5", nil, domain.RefAdjustment)
	move(t, repo, inv, testKey, "-1", nil, domain.RefSale)

	entries, total, err := inv.History(context.Background(), "t1", store.LedgerFilter{StoreID: "store-1"}, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.RefSale, entries[0].ReferenceType)

	entries, total, err = inv.History(context.Background(), "t2", store.LedgerFilter{}, store.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, entries)

	entries, _, err = inv.History(context.Background(), "t1", store.LedgerFilter{ReferenceType: domain.RefAdjustment}, store.Page{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].QuantityDelta.Equal(dec("5")))
}
