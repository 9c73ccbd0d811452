package state

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/kv"
	"routecash/backend/internal/store"
)

type flakyKV struct {
	*kv.Memory
	mu     sync.Mutex
	failOn string
}

func (f *flakyKV) setFailOn(prefix string) {
	f.mu.Lock()
	f.failOn = prefix
	f.mu.Unlock()
}

func (f *flakyKV) Put(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	failOn := f.failOn
	f.mu.Unlock()
	if failOn != "" && strings.HasPrefix(key, failOn) {
		return errors.New("disk full")
	}
	return f.Memory.Put(ctx, key, value)
}

func seedProduct(t *testing.T, s *Store, id string, qty int, priceCents int64) domain.Product {
	t.Helper()
	p, err := s.UpsertProduct(context.Background(), domain.Product{
		ID:               id,
		Code:             strings.ToUpper(id),
		Name:             id,
		UnitPriceCents:   priceCents,
		QuantityOnHand:   qty,
		MinimumThreshold: 2,
		Active:           true,
	}, domain.AuditEntry{Action: "product_upsert", EntityType: "product"})
	require.NoError(t, err)
	return *p
}

func TestEntitiesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	backend := kv.NewMemory()
	s := New(backend)
	seller := domain.Actor{ID: "seller-1", Name: "Ana", Role: domain.RoleSeller}

	seedProduct(t, s, "p-water", 20, 250)

	sale, _, err := s.CommitSale(ctx, domain.Sale{
		SellerID:      seller.ID,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{ProductID: "p-water", ProductName: "water", Quantity: 4, UnitPriceCents: 250}},
		CreatedAt:     time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
	}, domain.AuditEntry{Actor: seller, Action: "sale_finalize", EntityType: "sale"})
	require.NoError(t, err)

	closure, err := s.CreateRouteClosure(ctx, domain.RouteClosure{
		SellerID:          seller.ID,
		BusinessDate:      "2026-03-14",
		TotalSalesCount:   1,
		TotalRevenueCents: 1000,
		TotalUnitsSold:    4,
		UnsoldProducts:    []domain.UnsoldProduct{{ProductID: "p-water", Name: "water", QuantityOnHand: 16}},
		ReorderSuggestions: []domain.ReorderSuggestion{},
		CreatedAt:         time.Date(2026, 3, 14, 18, 0, 0, 1, time.UTC),
	}, domain.AuditEntry{Actor: seller, Action: "route_close", EntityType: "route_closure"})
	require.NoError(t, err)

	deposit, err := s.CreateDeposit(ctx, domain.BankDeposit{
		SellerID:             seller.ID,
		BusinessDate:         "2026-03-14",
		DepositedAmountCents: 850,
		ExpectedAmountCents:  1000,
		VarianceCents:        -150,
		BankAccount:          "ACC-1",
		ReferenceCode:        "REF-1",
	}, domain.AuditEntry{Actor: seller, Action: "deposit_register", EntityType: "bank_deposit"})
	require.NoError(t, err)

	rec, err := s.CreateReconciliation(ctx, domain.Reconciliation{
		SellerID:            seller.ID,
		BusinessDate:        "2026-03-14",
		RouteClosureID:      closure.ID,
		BankDepositID:       deposit.ID,
		ExpectedAmountCents: 1000,
		ActualAmountCents:   850,
		VarianceCents:       -150,
		ToleranceCents:      100,
		Status:              domain.ReconciliationStatusWithDifferences,
	}, domain.AuditEntry{Actor: seller, Action: "reconciliation_create", EntityType: "reconciliation"})
	require.NoError(t, err)

	approved, err := s.ApproveReconciliation(ctx, rec.ID, domain.ManagerApproval{
		ManagerID:  "mgr-1",
		ApprovedAt: time.Date(2026, 3, 15, 8, 0, 0, 42, time.FixedZone("WITA", 8*3600)).UTC(),
		Notes:      "short change",
	}, domain.AuditEntry{Actor: domain.Actor{ID: "mgr-1", Role: domain.RoleManager}, Action: "reconciliation_approve", EntityType: "reconciliation"})
	require.NoError(t, err)

	reopened, err := Open(ctx, backend)
	require.NoError(t, err)

	gotSale, err := reopened.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, *sale, *gotSale)
	assert.True(t, sale.CreatedAt.Equal(gotSale.CreatedAt))

	gotClosure, err := reopened.FindRouteClosure(ctx, seller.ID, "2026-03-14")
	require.NoError(t, err)
	wantClosure := *closure
	wantClosure.Status = domain.ClosureStatusApproved
	assert.Equal(t, wantClosure, *gotClosure)

	gotRec, err := reopened.GetReconciliation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, *approved, *gotRec)

	products, err := reopened.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, 16, products[0].QuantityOnHand)

	before, err := s.ListAudit(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	after, err := reopened.ListAudit(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCommitRollsBackWhenBackendFails(t *testing.T) {
	ctx := context.Background()
	backend := &flakyKV{Memory: kv.NewMemory()}
	s := New(backend)
	seedProduct(t, s, "p-bread", 5, 1200)

	backend.setFailOn(journalKey)
	_, _, err := s.CommitSale(ctx, domain.Sale{
		SellerID: "seller-1",
		Lines:    []domain.SaleLine{{ProductID: "p-bread", Quantity: 2, UnitPriceCents: 1200}},
	}, domain.AuditEntry{Action: "sale_finalize", EntityType: "sale"})
	require.ErrorIs(t, err, store.ErrStorage)

	p, err := s.GetProduct(ctx, "p-bread")
	require.NoError(t, err)
	assert.Equal(t, 5, p.QuantityOnHand)

	sales, err := s.ListSales(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, sales)

	entries, err := s.ListAudit(ctx, domain.AuditFilter{EntityType: "sale"})
	require.NoError(t, err)
	assert.Empty(t, entries)

	backend.setFailOn("")
	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	p, err = reopened.GetProduct(ctx, "p-bread")
	require.NoError(t, err)
	assert.Equal(t, 5, p.QuantityOnHand)
	sales, err = reopened.ListSales(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, sales)

	sale, _, err := s.CommitSale(ctx, domain.Sale{
		SellerID: "seller-1",
		Lines:    []domain.SaleLine{{ProductID: "p-bread", Quantity: 2, UnitPriceCents: 1200}},
	}, domain.AuditEntry{Action: "sale_finalize", EntityType: "sale"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sale.Sequence)
}

func TestJournaledSaleSurvivesEntityWriteFailure(t *testing.T) {
	ctx := context.Background()
	backend := &flakyKV{Memory: kv.NewMemory()}
	s := New(backend)
	seedProduct(t, s, "p-milk", 5, 400)

	backend.setFailOn("sale/")
	sale, _, err := s.CommitSale(ctx, domain.Sale{
		SellerID: "seller-1",
		Lines:    []domain.SaleLine{{ProductID: "p-milk", Quantity: 2, UnitPriceCents: 400}},
	}, domain.AuditEntry{Action: "sale_finalize", EntityType: "sale"})
	require.NoError(t, err)

	_, found, err := backend.Memory.Get(ctx, saleKey(sale.Sequence))
	require.NoError(t, err)
	assert.False(t, found)

	// The journal cannot move on while the sale key is still missing.
	_, err = s.IncreaseStock(ctx, "p-milk", 4, domain.AuditEntry{Action: "product_restock", EntityType: "product"})
	require.ErrorIs(t, err, store.ErrStorage)
	p, err := s.GetProduct(ctx, "p-milk")
	require.NoError(t, err)
	assert.Equal(t, 3, p.QuantityOnHand)

	reopened, err := Open(ctx, backend.Memory)
	require.NoError(t, err)
	p, err = reopened.GetProduct(ctx, "p-milk")
	require.NoError(t, err)
	assert.Equal(t, 3, p.QuantityOnHand)

	sales, err := reopened.ListSales(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, sale.ID, sales[0].ID)

	entries, err := reopened.ListAudit(ctx, domain.AuditFilter{EntityType: "sale"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPendingWritesFlushOnNextCommit(t *testing.T) {
	ctx := context.Background()
	backend := &flakyKV{Memory: kv.NewMemory()}
	s := New(backend)
	seedProduct(t, s, "p-tea", 5, 150)

	backend.setFailOn("product/")
	_, err := s.IncreaseStock(ctx, "p-tea", 3, domain.AuditEntry{Action: "product_restock", EntityType: "product"})
	require.NoError(t, err)

	backend.setFailOn("")
	_, err = s.IncreaseStock(ctx, "p-tea", 2, domain.AuditEntry{Action: "product_restock", EntityType: "product"})
	require.NoError(t, err)

	reopened, err := Open(ctx, backend)
	require.NoError(t, err)
	p, err := reopened.GetProduct(ctx, "p-tea")
	require.NoError(t, err)
	assert.Equal(t, 10, p.QuantityOnHand)

	entries, err := reopened.ListAudit(ctx, domain.AuditFilter{EntityID: "p-tea"})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestUnencodableSnapshotAbortsCommit(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	seedProduct(t, s, "p-oil", 4, 300)

	s.mu.Lock()
	tx := s.begin()
	p := s.products["p-oil"]
	p.QuantityOnHand = 1
	tx.setProduct(p)
	tx.appendAudit(domain.AuditEntry{Action: "product_adjust", EntityType: "product"}, "p-oil", p, math.Inf(1))
	err := tx.commit(ctx)
	s.mu.Unlock()
	require.ErrorIs(t, err, store.ErrStorage)

	got, err := s.GetProduct(ctx, "p-oil")
	require.NoError(t, err)
	assert.Equal(t, 4, got.QuantityOnHand)

	entries, err := s.ListAudit(ctx, domain.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentCommitsNeverOversell(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	seedProduct(t, s, "p-ice", 10, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.CommitSale(ctx, domain.Sale{
				SellerID: "seller-1",
				Lines:    []domain.SaleLine{{ProductID: "p-ice", Quantity: 1, UnitPriceCents: 100}},
			}, domain.AuditEntry{Action: "sale_finalize", EntityType: "sale"})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, store.ErrStockConflict)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	p, err := s.GetProduct(ctx, "p-ice")
	require.NoError(t, err)
	assert.Equal(t, 0, p.QuantityOnHand)

	sales, err := s.ListSales(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	for i, sale := range sales {
		assert.Equal(t, int64(i+1), sale.Sequence)
	}
}

func TestDuplicateClosureKeepsFirst(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	first, err := s.CreateRouteClosure(ctx, domain.RouteClosure{SellerID: "s1", BusinessDate: "2026-01-02", TotalRevenueCents: 500}, domain.AuditEntry{Action: "route_close"})
	require.NoError(t, err)

	_, err = s.CreateRouteClosure(ctx, domain.RouteClosure{SellerID: "s1", BusinessDate: "2026-01-02", TotalRevenueCents: 900}, domain.AuditEntry{Action: "route_close"})
	require.ErrorIs(t, err, store.ErrDuplicateKey)
	e, ok := store.AsError(err)
	require.True(t, ok)
	assert.Equal(t, first.ID, e.Current)

	got, err := s.FindRouteClosure(ctx, "s1", "2026-01-02")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.TotalRevenueCents)
}

func TestAuditSnapshotsCarryBeforeAndAfter(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	seedProduct(t, s, "p-salt", 3, 90)

	_, err := s.IncreaseStock(ctx, "p-salt", 7, domain.AuditEntry{Action: "product_restock", EntityType: "product"})
	require.NoError(t, err)

	entries, err := s.ListAudit(ctx, domain.AuditFilter{EntityID: "p-salt"})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	restock := entries[1]
	assert.Equal(t, int64(2), restock.Sequence)
	assert.Equal(t, domain.SystemActor, restock.Actor)

	var before, after domain.Product
	require.NoError(t, json.Unmarshal(restock.OldSnapshot, &before))
	require.NoError(t, json.Unmarshal(restock.NewSnapshot, &after))
	assert.Equal(t, 3, before.QuantityOnHand)
	assert.Equal(t, 10, after.QuantityOnHand)
}
