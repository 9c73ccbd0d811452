package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/notify"
	"routecash/backend/internal/store"
)

// CloseRoute rolls up a seller's completed sales for one business day into a
// pending RouteClosure. The day is [midnight, midnight+24h) in the configured
// business location.
func (s *Service) CloseRoute(ctx context.Context, sellerID string, businessDate string) (*domain.RouteClosure, error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return nil, store.Validation("route_closure", "", "seller id is required")
	}
	actor, err := requireSeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	day, err := s.parseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}
	businessDate = day.Format("2006-01-02")
	key := naturalKey(sellerID, businessDate)

	release, err := s.locker.Acquire(ctx, "closure:"+key)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.repo.FindRouteClosure(ctx, sellerID, businessDate)
	if err == nil {
		return nil, &store.Error{Kind: store.ErrDuplicateKey, Entity: "route_closure", Key: key, Attempted: businessDate, Current: existing.ID}
	}
	if !isNotFound(err) {
		return nil, err
	}

	sales, err := s.repo.ListSales(ctx, sellerID, day, day.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}

	closure := domain.RouteClosure{
		SellerID:     sellerID,
		BusinessDate: businessDate,
		CreatedAt:    s.now().UTC(),
	}
	soldUnits := make(map[string]int)
	for _, sale := range sales {
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		closure.TotalSalesCount++
		closure.TotalRevenueCents += sale.TotalCents
		closure.TotalUnitsSold += sale.Units()
		for _, line := range sale.Lines {
			soldUnits[line.ProductID] += line.Quantity
		}
	}
	if closure.TotalSalesCount == 0 {
		return nil, &store.Error{Kind: store.ErrNothingToClose, Entity: "route_closure", Key: key}
	}

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	closure.UnsoldProducts = unsoldProducts(products, soldUnits)
	closure.ReorderSuggestions = s.reorderSuggestions(products)

	details := fmt.Sprintf("sales=%d,revenue=%d,units=%d", closure.TotalSalesCount, closure.TotalRevenueCents, closure.TotalUnitsSold)
	created, err := s.repo.CreateRouteClosure(ctx, closure, auditEntry(actor, "route_close", "route_closure", "", details))
	if err != nil {
		return nil, err
	}

	s.logger.Info("route closed",
		zap.String("closure_id", created.ID),
		zap.String("seller_id", sellerID),
		zap.String("business_date", businessDate),
		zap.Int64("revenue_cents", created.TotalRevenueCents),
	)
	s.events.Publish(notify.RouteClosed(created.ID, sellerID, businessDate))
	return created, nil
}

// unsoldProducts lists active, in-stock products the seller did not sell that
// day. Stock is global, so on-hand figures are the shared warehouse snapshot.
func unsoldProducts(products []domain.Product, soldUnits map[string]int) []domain.UnsoldProduct {
	unsold := make([]domain.UnsoldProduct, 0)
	for _, p := range products {
		if !p.Active || p.QuantityOnHand < 1 || soldUnits[p.ID] > 0 {
			continue
		}
		unsold = append(unsold, domain.UnsoldProduct{
			ProductID:      p.ID,
			Name:           p.Name,
			QuantityOnHand: p.QuantityOnHand,
		})
	}
	return unsold
}

func (s *Service) reorderSuggestions(products []domain.Product) []domain.ReorderSuggestion {
	suggestions := make([]domain.ReorderSuggestion, 0)
	for _, p := range products {
		if !p.BelowThreshold() {
			continue
		}
		target := p.MinimumThreshold * s.policy.ReorderTargetMultiplier
		suggested := target - p.QuantityOnHand
		if suggested < s.policy.ReorderMinimumBatch {
			suggested = s.policy.ReorderMinimumBatch
		}
		suggestions = append(suggestions, domain.ReorderSuggestion{
			ProductID:        p.ID,
			Name:             p.Name,
			QuantityOnHand:   p.QuantityOnHand,
			MinimumThreshold: p.MinimumThreshold,
			TargetLevel:      target,
			SuggestedQty:     suggested,
		})
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].SuggestedQty > suggestions[j].SuggestedQty
	})
	return suggestions
}

func (s *Service) FindRouteClosure(ctx context.Context, sellerID string, businessDate string) (*domain.RouteClosure, error) {
	day, err := s.parseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}
	return s.repo.FindRouteClosure(ctx, sellerID, day.Format("2006-01-02"))
}

// CloseBusinessDay closes the given day for every seller that has completed
// sales in it and no closure yet. Sellers that are already closed are skipped.
func (s *Service) CloseBusinessDay(ctx context.Context, businessDate string) ([]domain.RouteClosure, error) {
	if _, err := requireActor(ctx, domain.RoleSystem, domain.RoleManager, domain.RoleAdmin); err != nil {
		return nil, err
	}
	day, err := s.parseBusinessDate(businessDate)
	if err != nil {
		return nil, err
	}

	sellers, err := s.repo.ListSellersWithSales(ctx, day, day.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}

	closed := make([]domain.RouteClosure, 0, len(sellers))
	var errs []error
	for _, sellerID := range sellers {
		closure, err := s.CloseRoute(ctx, sellerID, businessDate)
		switch {
		case err == nil:
			closed = append(closed, *closure)
		case errors.Is(err, store.ErrDuplicateKey), errors.Is(err, store.ErrNothingToClose):
			continue
		default:
			s.logger.Error("auto close failed", zap.String("seller_id", sellerID), zap.String("business_date", businessDate), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", sellerID, err))
		}
	}
	return closed, errors.Join(errs...)
}
