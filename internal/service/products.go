package service

import (
	"context"
	"fmt"
	"strings"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/store"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// UpsertProduct creates a product or edits its catalogue fields. On an
// existing product the on-hand quantity is kept; stock only moves through
// sales, returns and RestockProduct.
func (s *Service) UpsertProduct(ctx context.Context, req domain.ProductInput) (*domain.Product, error) {
	actor, err := requireActor(ctx, domain.RoleManager, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}

	req.ID = strings.TrimSpace(req.ID)
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	if req.Code == "" || req.Name == "" {
		return nil, store.Validation("product", req.ID, "code and name are required")
	}
	if req.UnitPriceCents < 0 || req.QuantityOnHand < 0 || req.MinimumThreshold < 0 {
		return nil, store.Validation("product", req.Code, "price, quantity and threshold cannot be negative")
	}

	product := domain.Product{
		ID:               req.ID,
		Code:             req.Code,
		Name:             req.Name,
		UnitPriceCents:   req.UnitPriceCents,
		QuantityOnHand:   req.QuantityOnHand,
		MinimumThreshold: req.MinimumThreshold,
		Perishable:       req.Perishable,
		Active:           req.Active,
	}
	if expires := strings.TrimSpace(req.ExpiresAt); expires != "" {
		day, err := s.parseBusinessDate(expires)
		if err != nil {
			return nil, err
		}
		at := day.UTC()
		product.ExpiresAt = &at
	}

	action := "product_create"
	if product.ID != "" {
		existing, err := s.repo.GetProduct(ctx, product.ID)
		switch {
		case err == nil:
			product.QuantityOnHand = existing.QuantityOnHand
			action = "product_update"
		case !isNotFound(err):
			return nil, err
		}
	}

	details := fmt.Sprintf("code=%s,price=%d,active=%t", product.Code, product.UnitPriceCents, product.Active)
	return s.repo.UpsertProduct(ctx, product, auditEntry(actor, action, "product", product.ID, details))
}

func (s *Service) RestockProduct(ctx context.Context, productID string, qty int) (*domain.Product, error) {
	actor, err := requireActor(ctx, domain.RoleManager, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.repo.IncreaseStock(ctx, productID, qty, auditEntry(actor, "product_restock", "product", productID, fmt.Sprintf("qty=%d", qty)))
}

// SeedDemo loads a small catalogue when the ledger is empty. It reports how
// many products were created.
func (s *Service) SeedDemo(ctx context.Context) (int, error) {
	existing, err := s.repo.ListProducts(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	ctx = WithActor(ctx, domain.Actor{ID: domain.SystemActor.ID, Name: domain.SystemActor.Name, Role: domain.RoleAdmin})
	catalogue := []domain.ProductInput{
		{Code: "WTR-600", Name: "Mineral water 600ml", UnitPriceCents: 250, QuantityOnHand: 240, MinimumThreshold: 48, Active: true},
		{Code: "BRD-WHT", Name: "White bread loaf", UnitPriceCents: 1200, QuantityOnHand: 40, MinimumThreshold: 10, Perishable: true, Active: true},
		{Code: "MLK-1L", Name: "Fresh milk 1L", UnitPriceCents: 1850, QuantityOnHand: 30, MinimumThreshold: 12, Perishable: true, Active: true},
		{Code: "CHP-ORG", Name: "Potato chips original", UnitPriceCents: 900, QuantityOnHand: 80, MinimumThreshold: 20, Active: true},
		{Code: "SDA-330", Name: "Soda can 330ml", UnitPriceCents: 700, QuantityOnHand: 120, MinimumThreshold: 24, Active: true},
		{Code: "CFE-INS", Name: "Instant coffee sachet", UnitPriceCents: 150, QuantityOnHand: 300, MinimumThreshold: 60, Active: true},
	}
	for _, item := range catalogue {
		if _, err := s.UpsertProduct(ctx, item); err != nil {
			return 0, fmt.Errorf("seed %s: %w", item.Code, err)
		}
	}
	return len(catalogue), nil
}
