package store

import (
	"context"
	"time"

	"routecash/backend/internal/domain"
)

// CommitResult carries the products whose stock crossed below their
// minimum threshold as a side effect of a commit.
type CommitResult struct {
	LowStock []domain.Product
}

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ValidateStock(ctx context.Context, productID string, cumulativeQty int) (*domain.Product, error)
	UpsertProduct(ctx context.Context, product domain.Product, audit domain.AuditEntry) (*domain.Product, error)
	IncreaseStock(ctx context.Context, productID string, qty int, audit domain.AuditEntry) (*domain.Product, error)

	CommitSale(ctx context.Context, sale domain.Sale, audit domain.AuditEntry) (*domain.Sale, CommitResult, error)
	CancelSale(ctx context.Context, saleID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, sellerID string, from time.Time, to time.Time) ([]domain.Sale, error)
	ListSellersWithSales(ctx context.Context, from time.Time, to time.Time) ([]string, error)

	ApplyReturn(ctx context.Context, record domain.ReturnExchangeRecord, audit domain.AuditEntry) (*domain.ReturnExchangeRecord, CommitResult, error)
	ListReturns(ctx context.Context, from time.Time, to time.Time) ([]domain.ReturnExchangeRecord, error)

	CreateRouteClosure(ctx context.Context, closure domain.RouteClosure, audit domain.AuditEntry) (*domain.RouteClosure, error)
	FindRouteClosure(ctx context.Context, sellerID string, businessDate string) (*domain.RouteClosure, error)
	ListRouteClosures(ctx context.Context, fromDate string, toDate string) ([]domain.RouteClosure, error)

	CreateDeposit(ctx context.Context, deposit domain.BankDeposit, audit domain.AuditEntry) (*domain.BankDeposit, error)
	ListDeposits(ctx context.Context, sellerID string, businessDate string) ([]domain.BankDeposit, error)
	ReviewDeposit(ctx context.Context, id string, status string, reviewer string, at time.Time, audit domain.AuditEntry) (*domain.BankDeposit, error)

	CreateReconciliation(ctx context.Context, rec domain.Reconciliation, audit domain.AuditEntry) (*domain.Reconciliation, error)
	ApproveReconciliation(ctx context.Context, id string, approval domain.ManagerApproval, audit domain.AuditEntry) (*domain.Reconciliation, error)
	GetReconciliation(ctx context.Context, id string) (*domain.Reconciliation, error)
	ListReconciliations(ctx context.Context, fromDate string, toDate string) ([]domain.Reconciliation, error)

	AppendAudit(ctx context.Context, entry domain.AuditEntry) (*domain.AuditEntry, error)
	ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}
