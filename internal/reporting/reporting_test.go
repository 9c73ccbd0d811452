package reporting

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/service"
	"routecash/backend/internal/store"
	"routecash/backend/internal/store/state"
)

func seedDay(t *testing.T) (*state.Store, map[string]domain.Product) {
	t.Helper()
	st := state.New(nil)
	clock := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	svc := service.New(st, service.DefaultPolicy(), service.WithClock(func() time.Time { return clock }))

	manager := service.WithActor(context.Background(), domain.Actor{ID: "mgr", Role: domain.RoleManager})
	products := make(map[string]domain.Product)
	for _, in := range []domain.ProductInput{
		{Code: "WTR", Name: "Water", UnitPriceCents: 250, QuantityOnHand: 50, MinimumThreshold: 5, Active: true},
		{Code: "BRD", Name: "Bread", UnitPriceCents: 1200, QuantityOnHand: 6, MinimumThreshold: 5, Active: true},
	} {
		p, err := svc.UpsertProduct(manager, in)
		require.NoError(t, err)
		products[p.Code] = *p
	}

	sell := func(seller string, productID string, qty int, payment string) *domain.Sale {
		ctx := service.WithActor(context.Background(), domain.Actor{ID: seller, Role: domain.RoleSeller})
		cart, err := svc.NewCart(ctx)
		require.NoError(t, err)
		_, err = cart.AddLine(ctx, productID, qty)
		require.NoError(t, err)
		_, err = cart.SetPaymentMethod(ctx, payment)
		require.NoError(t, err)
		sale, err := svc.Finalize(ctx, cart.ID())
		require.NoError(t, err)
		return sale
	}

	sell("ana", products["WTR"].ID, 4, domain.PaymentCash)
	breadSale := sell("ana", products["BRD"].ID, 2, domain.PaymentCard)
	sell("budi", products["WTR"].ID, 2, domain.PaymentCash)
	cancelled := sell("budi", products["BRD"].ID, 1, domain.PaymentCash)

	_, err := svc.CancelSale(manager, cancelled.ID, "duplicate")
	require.NoError(t, err)

	ana := service.WithActor(context.Background(), domain.Actor{ID: "ana", Role: domain.RoleSeller})
	_, err = svc.ProcessReturn(ana, domain.ReturnCommand{
		OriginalSaleID: breadSale.ID,
		Items:          []domain.RefundItem{{ProductID: products["BRD"].ID, Quantity: 1, UnitPriceCents: 1200}},
	})
	require.NoError(t, err)

	_, err = svc.CloseRoute(ana, "ana", "2026-05-02")
	require.NoError(t, err)
	_, err = svc.RegisterDeposit(ana, domain.DepositCommand{SellerID: "ana", BusinessDate: "2026-05-02", AmountCents: 3000, BankAccount: "ACC", ReferenceCode: "R1"})
	require.NoError(t, err)
	_, err = svc.CreateReconciliation(ana, "ana", "2026-05-02")
	require.NoError(t, err)

	budi := service.WithActor(context.Background(), domain.Actor{ID: "budi", Role: domain.RoleSeller})
	_, err = svc.CloseRoute(budi, "budi", "2026-05-02")
	require.NoError(t, err)

	return st, products
}

func TestSalesByPeriod(t *testing.T) {
	st, _ := seedDay(t)
	svc := NewService(st, time.UTC, nil)

	report, err := svc.SalesByPeriod(context.Background(), "", "2026-05-02", "2026-05-02")
	require.NoError(t, err)

	assert.Equal(t, 3, report.SalesCount)
	assert.Equal(t, 1, report.CancelledCount)
	assert.Equal(t, 8, report.UnitsSold)
	assert.Equal(t, int64(3900), report.NetCents)
	assert.Equal(t, "39.00", report.Net)
	assert.Equal(t, int64(-1200), report.ReturnsAdjustmentCents)

	require.Len(t, report.ByPaymentMethod, 2)
	assert.Equal(t, PaymentBreakdown{Method: domain.PaymentCard, Count: 1, TotalCents: 2400, Total: "24.00"}, report.ByPaymentMethod[0])
	assert.Equal(t, PaymentBreakdown{Method: domain.PaymentCash, Count: 2, TotalCents: 1500, Total: "15.00"}, report.ByPaymentMethod[1])

	require.Len(t, report.BySeller, 2)
	assert.Equal(t, "ana", report.BySeller[0].SellerID)
	assert.Equal(t, int64(3400), report.BySeller[0].RevenueCents)
	assert.Equal(t, 1, report.BySeller[0].ClosedDays)

	only, err := svc.SalesByPeriod(context.Background(), "budi", "2026-05-02", "2026-05-02")
	require.NoError(t, err)
	assert.Equal(t, 1, only.SalesCount)

	empty, err := svc.SalesByPeriod(context.Background(), "", "2026-05-03", "2026-05-04")
	require.NoError(t, err)
	assert.Zero(t, empty.SalesCount)
	assert.Empty(t, empty.ByPaymentMethod)
}

func TestProductMetrics(t *testing.T) {
	st, products := seedDay(t)
	svc := NewService(st, time.UTC, nil)

	metrics, err := svc.ProductMetrics(context.Background(), "2026-05-02", "2026-05-02")
	require.NoError(t, err)
	require.Len(t, metrics, 2)

	water := metrics[0]
	assert.Equal(t, products["WTR"].ID, water.ProductID)
	assert.Equal(t, 6, water.UnitsSold)
	assert.Equal(t, "15.00", water.Revenue)
	assert.Equal(t, 44, water.QuantityOnHand)

	bread := metrics[1]
	assert.Equal(t, 2, bread.UnitsSold)
	assert.Equal(t, 1, bread.UnitsReturned)
	assert.Equal(t, 5, bread.QuantityOnHand)
	assert.False(t, bread.BelowThreshold)
}

func TestReconciliationSummary(t *testing.T) {
	st, _ := seedDay(t)
	svc := NewService(st, time.UTC, nil)

	summary, err := svc.ReconciliationSummary(context.Background(), "2026-05-01", "2026-05-31")
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.ByStatus[domain.ReconciliationStatusWithDifferences])
	assert.Equal(t, int64(-400), summary.NetVarianceCents)
	assert.Equal(t, "-4.00", summary.NetVariance)
	require.Len(t, summary.AwaitingApproval, 1)
	require.Len(t, summary.UnreconciledClosures, 1)
	assert.Equal(t, "budi", summary.UnreconciledClosures[0].SellerID)
}

func TestReportRejectsBadWindow(t *testing.T) {
	svc := NewService(state.New(nil), time.UTC, nil)

	_, err := svc.SalesByPeriod(context.Background(), "", "2026-05-10", "2026-05-01")
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.ProductMetrics(context.Background(), "yesterday", "2026-05-01")
	require.ErrorIs(t, err, store.ErrValidation)
}
