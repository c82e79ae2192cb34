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

func TestShiftReconciliation(t *testing.T) {
	f := newFixture(t, Options{})
	f.receive(t, "p1", "10", "")
	f.receive(t, "p2", "10", "")
	ctx := context.Background()

	shift, err := f.svc.OpenShift(ctx, cashier, OpenShiftRequest{StoreID: "s1", RegisterID: "r1", OpeningCash: d("100")})
	require.NoError(t, err)

	sale, err := f.svc.CreateSale(ctx, cashier, saleOf("p1", "2", "250"))
	require.NoError(t, err)
	assertDec(t, "50", sale.ChangeAmount)

	_, err = f.svc.ProcessRefund(ctx, cashier, refundOf(sale, "1"))
	require.NoError(t, err)

	voided, err := f.svc.CreateSale(ctx, cashier, saleOf("p2", "2", "100"))
	require.NoError(t, err)
	_, err = f.svc.VoidSale(ctx, cashier, VoidRequest{ReceiptID: voided.ID, Reason: "customer left"})
	require.NoError(t, err)

	card := saleOf("p2", "1", "50")
	card.Payments[0].Method = domain.PaymentCard
	_, err = f.svc.CreateSale(ctx, cashier, card)
	require.NoError(t, err)

	_, err = f.svc.RecordCashMovement(ctx, cashier, CashMovementRequest{ShiftID: shift.ID, Type: "in", Amount: d("30"), Reason: "float top-up"})
	require.NoError(t, err)
	_, err = f.svc.RecordCashMovement(ctx, cashier, CashMovementRequest{ShiftID: shift.ID, Type: "out", Amount: d("20"), Reason: "courier"})
	require.NoError(t, err)

	open, err := f.svc.GetShift(ctx, cashier, shift.ID)
	require.NoError(t, err)
	assert.Len(t, open.Movements, 2)
	assertDec(t, "200", open.Summary.CashSales)

	report, err := f.svc.CloseShift(ctx, cashier, CloseShiftRequest{ShiftID: shift.ID, ClosingCash: d("205")})
	require.NoError(t, err)

	assertDec(t, "200", report.Summary.CashSales)
	assertDec(t, "100", report.Summary.CashRefunds)
	assertDec(t, "30", report.Summary.CashIn)
	assertDec(t, "20", report.Summary.CashOut)
	assert.Equal(t, domain.ShiftStatusClosed, report.Shift.Status)
	assertDec(t, "210", *report.Shift.ExpectedCash)
	assertDec(t, "-5", *report.Shift.Variance)
	assert.Equal(t, 1, f.eventCount(outbox.EventShiftClosed))

	_, err = f.svc.CloseShift(ctx, cashier, CloseShiftRequest{ShiftID: shift.ID, ClosingCash: d("205")})
	assert.ErrorIs(t, err, store.ErrShiftClosed)
	_, err = f.svc.RecordCashMovement(ctx, cashier, CashMovementRequest{ShiftID: shift.ID, Type: "in", Amount: d("1"), Reason: "late"})
	assert.ErrorIs(t, err, store.ErrShiftClosed)
}

func TestRegisterHoldsOneOpenShift(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.OpenShift(ctx, cashier, OpenShiftRequest{StoreID: "s1", RegisterID: "r1", OpeningCash: d("50")})
	require.NoError(t, err)
	_, err = f.svc.OpenShift(ctx, cashier, OpenShiftRequest{StoreID: "s1", RegisterID: "r1", OpeningCash: d("50")})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.OpenShift(ctx, cashier, OpenShiftRequest{StoreID: "s1", RegisterID: "r2", OpeningCash: d("50")})
	assert.NoError(t, err)
	_, err = f.svc.OpenShift(ctx, cashier, OpenShiftRequest{StoreID: "s1", RegisterID: "r3", OpeningCash: d("-1")})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRequireOpenShift(t *testing.T) {
	f := newFixture(t, Options{RequireOpenShift: true})
	f.receive(t, "p1", "10", "")
	ctx := context.Background()

	_, err := f.svc.CreateSale(ctx, cashier, saleOf("p1", "1", "100"))
	assert.ErrorIs(t, err, ErrNoOpenShift)
	assertDec(t, "10", f.stock(t, "s1", "p1"))

	_, err = f.svc.OpenShift(ctx, cashier, OpenShiftRequest{StoreID: "s1", RegisterID: "r1", OpeningCash: d("0")})
	require.NoError(t, err)
	_, err = f.svc.CreateSale(ctx, cashier, saleOf("p1", "1", "100"))
	assert.NoError(t, err)
}

func TestCashMovementRules(t *testing.T) {
	f := newFixture(t, Options{CashOutApprovalThreshold: d("500")})
	ctx := context.Background()

	shift, err := f.svc.OpenShift(ctx, cashier, OpenShiftRequest{StoreID: "s1", RegisterID: "r1", OpeningCash: d("1000")})
	require.NoError(t, err)

	cases := map[string]CashMovementRequest{
		"bad type":       {ShiftID: shift.ID, Type: "sideways", Amount: d("10"), Reason: "x"},
		"zero amount":    {ShiftID: shift.ID, Type: "in", Amount: d("0"), Reason: "x"},
		"missing reason": {ShiftID: shift.ID, Type: "out", Amount: d("10")},
		"needs approval": {ShiftID: shift.ID, Type: "out", Amount: d("500"), Reason: "supplier"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RecordCashMovement(ctx, cashier, req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	movement, err := f.svc.RecordCashMovement(ctx, cashier, CashMovementRequest{ShiftID: shift.ID, Type: "OUT", Amount: d("500"), Reason: "supplier", ApprovedBy: "mgr1"})
	require.NoError(t, err)
	assert.Equal(t, domain.CashMovementOut, movement.Type)
	assert.Equal(t, "mgr1", movement.ApprovedBy)

	_, err = f.svc.RecordCashMovement(ctx, cashier, CashMovementRequest{ShiftID: "shf_missing", Type: "in", Amount: d("1"), Reason: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
