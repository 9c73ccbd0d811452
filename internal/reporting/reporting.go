// Package reporting answers read-only questions over sales, stock and
// reconciliations. Nothing here writes to the store.
package reporting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/money"
	"routecash/backend/internal/store"
)

const dateLayout = "2006-01-02"

// Reader is the slice of the store that reports need.
type Reader interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	ListSales(ctx context.Context, sellerID string, from time.Time, to time.Time) ([]domain.Sale, error)
	ListReturns(ctx context.Context, from time.Time, to time.Time) ([]domain.ReturnExchangeRecord, error)
	ListRouteClosures(ctx context.Context, fromDate string, toDate string) ([]domain.RouteClosure, error)
	ListReconciliations(ctx context.Context, fromDate string, toDate string) ([]domain.Reconciliation, error)
}

type Service struct {
	repo     Reader
	location *time.Location
	logger   *zap.Logger
}

func NewService(repo Reader, location *time.Location, logger *zap.Logger) *Service {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, location: location, logger: logger}
}

type PaymentBreakdown struct {
	Method     string `json:"method"`
	Count      int    `json:"count"`
	TotalCents int64  `json:"total_cents"`
	Total      string `json:"total"`
}

type SellerBreakdown struct {
	SellerID     string `json:"seller_id"`
	SalesCount   int    `json:"sales_count"`
	RevenueCents int64  `json:"revenue_cents"`
	Revenue      string `json:"revenue"`
	ClosedDays   int    `json:"closed_days"`
}

type SalesReport struct {
	From                   string             `json:"from"`
	To                     string             `json:"to"`
	SellerID               string             `json:"seller_id,omitempty"`
	SalesCount             int                `json:"sales_count"`
	CancelledCount         int                `json:"cancelled_count"`
	UnitsSold              int                `json:"units_sold"`
	GrossCents             int64              `json:"gross_cents"`
	DiscountCents          int64              `json:"discount_cents"`
	NetCents               int64              `json:"net_cents"`
	ReturnsAdjustmentCents int64              `json:"returns_adjustment_cents"`
	Net                    string             `json:"net"`
	ByPaymentMethod        []PaymentBreakdown `json:"by_payment_method"`
	BySeller               []SellerBreakdown  `json:"by_seller"`
}

// SalesByPeriod summarises completed sales between two business dates,
// both inclusive. An empty sellerID covers every seller.
func (s *Service) SalesByPeriod(ctx context.Context, sellerID string, fromDate string, toDate string) (SalesReport, error) {
	from, to, err := s.window(fromDate, toDate)
	if err != nil {
		return SalesReport{}, err
	}
	sellerID = strings.TrimSpace(sellerID)

	sales, err := s.repo.ListSales(ctx, sellerID, from, to)
	if err != nil {
		return SalesReport{}, fmt.Errorf("list sales: %w", err)
	}
	closures, err := s.repo.ListRouteClosures(ctx, fromDate, toDate)
	if err != nil {
		return SalesReport{}, fmt.Errorf("list closures: %w", err)
	}

	report := SalesReport{From: fromDate, To: toDate, SellerID: sellerID}
	payments := make(map[string]*PaymentBreakdown)
	sellers := make(map[string]*SellerBreakdown)
	for _, sale := range sales {
		if sale.Status != domain.SaleStatusCompleted {
			if sale.Status == domain.SaleStatusCancelled {
				report.CancelledCount++
			}
			continue
		}
		report.SalesCount++
		report.UnitsSold += sale.Units()
		report.GrossCents += sale.SubtotalCents
		report.DiscountCents += sale.DiscountCents
		report.NetCents += sale.TotalCents
		report.ReturnsAdjustmentCents += sale.ReturnsAdjustmentCents

		pb, ok := payments[sale.PaymentMethod]
		if !ok {
			pb = &PaymentBreakdown{Method: sale.PaymentMethod}
			payments[sale.PaymentMethod] = pb
		}
		pb.Count++
		pb.TotalCents += sale.TotalCents

		sellerBreakdown(sellers, sale.SellerID).SalesCount++
		sellerBreakdown(sellers, sale.SellerID).RevenueCents += sale.TotalCents
	}
	for _, c := range closures {
		if sellerID != "" && c.SellerID != sellerID {
			continue
		}
		sellerBreakdown(sellers, c.SellerID).ClosedDays++
	}
	report.Net = money.Format(report.NetCents)

	report.ByPaymentMethod = make([]PaymentBreakdown, 0, len(payments))
	for _, pb := range payments {
		pb.Total = money.Format(pb.TotalCents)
		report.ByPaymentMethod = append(report.ByPaymentMethod, *pb)
	}
	sort.Slice(report.ByPaymentMethod, func(i, j int) bool {
		return report.ByPaymentMethod[i].TotalCents > report.ByPaymentMethod[j].TotalCents
	})

	report.BySeller = make([]SellerBreakdown, 0, len(sellers))
	for _, sb := range sellers {
		sb.Revenue = money.Format(sb.RevenueCents)
		report.BySeller = append(report.BySeller, *sb)
	}
	sort.Slice(report.BySeller, func(i, j int) bool {
		return report.BySeller[i].SellerID < report.BySeller[j].SellerID
	})

	return report, nil
}

func sellerBreakdown(m map[string]*SellerBreakdown, sellerID string) *SellerBreakdown {
	sb, ok := m[sellerID]
	if !ok {
		sb = &SellerBreakdown{SellerID: sellerID}
		m[sellerID] = sb
	}
	return sb
}

type ProductMetric struct {
	ProductID      string `json:"product_id"`
	Code           string `json:"code"`
	Name           string `json:"name"`
	UnitsSold      int    `json:"units_sold"`
	UnitsReturned  int    `json:"units_returned"`
	UnitsExchanged int    `json:"units_exchanged_out"`
	RevenueCents   int64  `json:"revenue_cents"`
	Revenue        string `json:"revenue"`
	QuantityOnHand int    `json:"quantity_on_hand"`
	BelowThreshold bool   `json:"below_threshold"`
}

// ProductMetrics reports movement per product over the period next to the
// current on-hand quantity. Line revenue is before cart discounts.
func (s *Service) ProductMetrics(ctx context.Context, fromDate string, toDate string) ([]ProductMetric, error) {
	from, to, err := s.window(fromDate, toDate)
	if err != nil {
		return nil, err
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	sales, err := s.repo.ListSales(ctx, "", from, to)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	returns, err := s.repo.ListReturns(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list returns: %w", err)
	}

	metrics := make(map[string]*ProductMetric, len(products))
	ordered := make([]*ProductMetric, 0, len(products))
	for _, p := range products {
		m := &ProductMetric{
			ProductID:      p.ID,
			Code:           p.Code,
			Name:           p.Name,
			QuantityOnHand: p.QuantityOnHand,
			BelowThreshold: p.BelowThreshold(),
		}
		metrics[p.ID] = m
		ordered = append(ordered, m)
	}

	for _, sale := range sales {
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		for _, line := range sale.Lines {
			m, ok := metrics[line.ProductID]
			if !ok {
				s.logger.Debug("sale line for unknown product", zap.String("product_id", line.ProductID))
				continue
			}
			m.UnitsSold += line.Quantity
			m.RevenueCents += line.LineSubtotalCents
		}
	}
	for _, rec := range returns {
		if rec.Status != domain.ReturnStatusProcessed {
			continue
		}
		for _, line := range rec.Lines {
			if m, ok := metrics[line.ProductID]; ok {
				m.UnitsReturned += line.Quantity
			}
			if m, ok := metrics[line.ReplacementProductID]; ok {
				m.UnitsExchanged += line.Quantity
			}
		}
	}

	result := make([]ProductMetric, 0, len(ordered))
	for _, m := range ordered {
		m.Revenue = money.Format(m.RevenueCents)
		result = append(result, *m)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UnitsSold > result[j].UnitsSold
	})
	return result, nil
}

type ReconciliationSummary struct {
	From                 string                  `json:"from"`
	To                   string                  `json:"to"`
	Total                int                     `json:"total"`
	ByStatus             map[string]int          `json:"by_status"`
	ExpectedCents        int64                   `json:"expected_cents"`
	ActualCents          int64                   `json:"actual_cents"`
	NetVarianceCents     int64                   `json:"net_variance_cents"`
	NetVariance          string                  `json:"net_variance"`
	AwaitingApproval     []domain.Reconciliation `json:"awaiting_approval"`
	UnreconciledClosures []domain.RouteClosure   `json:"unreconciled_closures"`
}

// ReconciliationSummary counts reconciliations by status and lists the days
// still needing attention: differences awaiting a manager, and closed routes
// with no reconciliation yet.
func (s *Service) ReconciliationSummary(ctx context.Context, fromDate string, toDate string) (ReconciliationSummary, error) {
	if _, _, err := s.window(fromDate, toDate); err != nil {
		return ReconciliationSummary{}, err
	}

	recs, err := s.repo.ListReconciliations(ctx, fromDate, toDate)
	if err != nil {
		return ReconciliationSummary{}, fmt.Errorf("list reconciliations: %w", err)
	}
	closures, err := s.repo.ListRouteClosures(ctx, fromDate, toDate)
	if err != nil {
		return ReconciliationSummary{}, fmt.Errorf("list closures: %w", err)
	}

	summary := ReconciliationSummary{
		From:                 fromDate,
		To:                   toDate,
		ByStatus:             make(map[string]int),
		AwaitingApproval:     make([]domain.Reconciliation, 0),
		UnreconciledClosures: make([]domain.RouteClosure, 0),
	}
	reconciled := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		summary.Total++
		summary.ByStatus[rec.Status]++
		summary.ExpectedCents += rec.ExpectedAmountCents
		summary.ActualCents += rec.ActualAmountCents
		summary.NetVarianceCents += rec.VarianceCents
		reconciled[rec.RouteClosureID] = struct{}{}
		if rec.Status == domain.ReconciliationStatusWithDifferences {
			summary.AwaitingApproval = append(summary.AwaitingApproval, rec)
		}
	}
	for _, c := range closures {
		if _, ok := reconciled[c.ID]; !ok {
			summary.UnreconciledClosures = append(summary.UnreconciledClosures, c)
		}
	}
	summary.NetVariance = money.Format(summary.NetVarianceCents)
	return summary, nil
}

// window converts inclusive business dates into a [from, to) instant range.
func (s *Service) window(fromDate string, toDate string) (time.Time, time.Time, error) {
	from, err := time.ParseInLocation(dateLayout, fromDate, s.location)
	if err != nil {
		return time.Time{}, time.Time{}, store.Validation("report", fromDate, "from must be YYYY-MM-DD")
	}
	to, err := time.ParseInLocation(dateLayout, toDate, s.location)
	if err != nil {
		return time.Time{}, time.Time{}, store.Validation("report", toDate, "to must be YYYY-MM-DD")
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, store.Validation("report", fromDate+".."+toDate, "to must not be before from")
	}
	return from, to.Add(24 * time.Hour), nil
}
