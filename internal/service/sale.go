package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/store"
)

// Finalize commits the cart as a sale. Stock is re-validated and decremented
// inside the store's critical section, so a cart that was valid when its lines
// were added can still fail here with ErrStockConflict. On success the cart is
// reset and can be reused.
func (s *Service) Finalize(ctx context.Context, cartID string) (*domain.Sale, error) {
	cart, err := s.Cart(ctx, cartID)
	if err != nil {
		return nil, err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	cart.mu.Lock()
	defer cart.mu.Unlock()

	if len(cart.state.lines) == 0 {
		return nil, &store.Error{Kind: store.ErrEmptyCart, Entity: "cart", Key: cart.id}
	}

	lines := make([]domain.SaleLine, 0, len(cart.state.lines))
	for _, line := range cart.state.lines {
		lines = append(lines, domain.SaleLine{
			ProductID:      line.ProductID,
			ProductName:    line.ProductName,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
		})
	}

	sale := domain.Sale{
		SellerID:      cart.sellerID,
		CustomerID:    cart.state.customerID,
		Lines:         lines,
		DiscountCents: cart.state.discountCents,
		PaymentMethod: cart.state.paymentMethod,
		CreatedAt:     s.now().UTC(),
	}
	details := fmt.Sprintf("cart=%s,lines=%d,discount=%d,payment=%s", cart.id, len(lines), sale.DiscountCents, sale.PaymentMethod)

	created, result, err := s.repo.CommitSale(ctx, sale, auditEntry(actor, "sale_finalize", "sale", "", details))
	if err != nil {
		return nil, err
	}
	cart.state = newCartState()

	s.logger.Info("sale finalized",
		zap.String("sale_id", created.ID),
		zap.Int64("sequence", created.Sequence),
		zap.String("seller_id", created.SellerID),
		zap.Int64("total_cents", created.TotalCents),
	)
	s.notifyLowStock(result)
	return created, nil
}

// CancelSale voids a completed sale and puts its units back on the shelf.
func (s *Service) CancelSale(ctx context.Context, saleID string, reason string) (*domain.Sale, error) {
	actor, err := requireActor(ctx, domain.RoleManager, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, store.Validation("sale", saleID, "sale id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unspecified"
	}

	cancelled, err := s.repo.CancelSale(ctx, saleID, reason, s.now().UTC(), auditEntry(actor, "sale_cancel", "sale", saleID, reason))
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale cancelled", zap.String("sale_id", cancelled.ID), zap.String("reason", reason))
	return cancelled, nil
}

// GetSale reads a sale. Sellers only see their own sales.
func (s *Service) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return nil, err
	}
	if actor.Role == domain.RoleSeller && actor.ID != sale.SellerID {
		return nil, store.NotFound("sale", saleID)
	}
	return sale, nil
}
