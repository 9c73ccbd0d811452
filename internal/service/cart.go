package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/store"
	"routecash/backend/internal/xid"
)

// Cart is an in-progress sale. Nothing it does touches committed stock; the
// ledger is only consulted to validate quantities.
type Cart struct {
	svc      *Service
	id       string
	sellerID string

	mu    sync.Mutex
	state cartState
}

type cartState struct {
	lines         []domain.CartLine
	discountCents int64
	paymentMethod string
	customerID    string
}

func newCartState() cartState {
	return cartState{paymentMethod: domain.PaymentCash}
}

func (c cartState) clone() cartState {
	dup := c
	dup.lines = append([]domain.CartLine(nil), c.lines...)
	return dup
}

func (c cartState) subtotal() int64 {
	total := int64(0)
	for _, line := range c.lines {
		total += line.LineSubtotalCents
	}
	return total
}

func (c cartState) lineIndex(productID string) int {
	for i, line := range c.lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

func (c cartState) snapshot(id string) domain.CartSnapshot {
	subtotal := c.subtotal()
	lines := append([]domain.CartLine{}, c.lines...)
	return domain.CartSnapshot{
		ID:            id,
		Lines:         lines,
		SubtotalCents: subtotal,
		DiscountCents: c.discountCents,
		TotalCents:    subtotal - c.discountCents,
		PaymentMethod: c.paymentMethod,
		CustomerID:    c.customerID,
	}
}

// NewCart opens a cart owned by the acting seller.
func (s *Service) NewCart(ctx context.Context) (*Cart, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	cart := &Cart{
		svc:      s,
		id:       xid.New("cart"),
		sellerID: actor.ID,
		state:    newCartState(),
	}
	entry, err := cartAudit(actor, "cart_open", cart.id, "", nil, cart.state.snapshot(cart.id))
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.AppendAudit(ctx, entry); err != nil {
		return nil, err
	}

	s.cartsMu.Lock()
	s.carts[cart.id] = cart
	s.cartsMu.Unlock()
	return cart, nil
}

// Cart looks up an open cart. Sellers only see their own carts.
func (s *Service) Cart(ctx context.Context, id string) (*Cart, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	s.cartsMu.Lock()
	cart, ok := s.carts[id]
	s.cartsMu.Unlock()
	if !ok {
		return nil, store.NotFound("cart", id)
	}
	if actor.Role == domain.RoleSeller && actor.ID != cart.sellerID {
		return nil, store.NotFound("cart", id)
	}
	return cart, nil
}

// DiscardCart forgets a cart without committing it. The cart stays open when
// the audit entry cannot be stored.
func (s *Service) DiscardCart(ctx context.Context, id string) error {
	cart, err := s.Cart(ctx, id)
	if err != nil {
		return err
	}
	actor, err := requireActor(ctx)
	if err != nil {
		return err
	}
	entry, err := cartAudit(actor, "cart_discard", id, "", cart.Snapshot(), nil)
	if err != nil {
		return err
	}
	if _, err := s.repo.AppendAudit(ctx, entry); err != nil {
		return err
	}
	s.cartsMu.Lock()
	delete(s.carts, id)
	s.cartsMu.Unlock()
	return nil
}

func (c *Cart) ID() string       { return c.id }
func (c *Cart) SellerID() string { return c.sellerID }

func (c *Cart) Snapshot() domain.CartSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.snapshot(c.id)
}

func (c *Cart) AddLine(ctx context.Context, productID string, qty int) (domain.CartSnapshot, error) {
	productID = strings.TrimSpace(productID)
	if qty < 1 {
		return domain.CartSnapshot{}, store.Validation("cart_line", productID, "quantity must be positive")
	}

	return c.mutate(ctx, "cart_add_line", fmt.Sprintf("product=%s,qty=%d", productID, qty), func(next *cartState) error {
		idx := next.lineIndex(productID)
		cumulative := qty
		if idx >= 0 {
			cumulative += next.lines[idx].Quantity
		}

		product, err := c.svc.repo.ValidateStock(ctx, productID, cumulative)
		if err != nil {
			return err
		}

		if idx < 0 {
			next.lines = append(next.lines, domain.CartLine{
				ProductID:      product.ID,
				ProductName:    product.Name,
				UnitPriceCents: product.UnitPriceCents,
			})
			idx = len(next.lines) - 1
		}
		line := &next.lines[idx]
		line.Quantity = cumulative
		line.LineSubtotalCents = line.UnitPriceCents * int64(cumulative)
		return nil
	})
}

func (c *Cart) UpdateQty(ctx context.Context, productID string, qty int) (domain.CartSnapshot, error) {
	if qty < 1 {
		return domain.CartSnapshot{}, store.Validation("cart_line", productID, "quantity must be positive; remove the line instead")
	}

	return c.mutate(ctx, "cart_update_qty", fmt.Sprintf("product=%s,qty=%d", productID, qty), func(next *cartState) error {
		idx := next.lineIndex(productID)
		if idx < 0 {
			return store.NotFound("cart_line", productID)
		}
		if _, err := c.svc.repo.ValidateStock(ctx, productID, qty); err != nil {
			return err
		}
		line := &next.lines[idx]
		line.Quantity = qty
		line.LineSubtotalCents = line.UnitPriceCents * int64(qty)
		return nil
	})
}

func (c *Cart) RemoveLine(ctx context.Context, productID string) (domain.CartSnapshot, error) {
	return c.mutate(ctx, "cart_remove_line", "product="+productID, func(next *cartState) error {
		idx := next.lineIndex(productID)
		if idx < 0 {
			return store.NotFound("cart_line", productID)
		}
		next.lines = append(next.lines[:idx], next.lines[idx+1:]...)
		return nil
	})
}

func (c *Cart) SetDiscount(ctx context.Context, amountCents int64) (domain.CartSnapshot, error) {
	return c.mutate(ctx, "cart_set_discount", fmt.Sprintf("discount=%d", amountCents), func(next *cartState) error {
		if amountCents < 0 {
			return &store.Error{Kind: store.ErrValidation, Entity: "cart", Key: c.id, Reason: "discount cannot be negative", Attempted: amountCents}
		}
		next.discountCents = amountCents
		return nil
	})
}

func (c *Cart) SetPaymentMethod(ctx context.Context, method string) (domain.CartSnapshot, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	return c.mutate(ctx, "cart_set_payment", "payment="+method, func(next *cartState) error {
		if !domain.IsSupportedPaymentMethod(method) {
			return store.Validation("cart", c.id, "unsupported payment method "+method)
		}
		next.paymentMethod = method
		return nil
	})
}

func (c *Cart) SetCustomer(ctx context.Context, customerID string) (domain.CartSnapshot, error) {
	customerID = strings.TrimSpace(customerID)
	return c.mutate(ctx, "cart_set_customer", "customer="+customerID, func(next *cartState) error {
		next.customerID = customerID
		return nil
	})
}

func (c *Cart) Clear(ctx context.Context) (domain.CartSnapshot, error) {
	return c.mutate(ctx, "cart_clear", "", func(next *cartState) error {
		*next = newCartState()
		return nil
	})
}

// mutate applies change to a copy of the cart, checks the discount still fits
// and records the audit entry. The cart only adopts the copy once the entry
// has been stored.
func (c *Cart) mutate(ctx context.Context, action string, details string, change func(next *cartState) error) (domain.CartSnapshot, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CartSnapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state.clone()
	if err := change(&next); err != nil {
		return domain.CartSnapshot{}, err
	}
	if subtotal := next.subtotal(); next.discountCents > subtotal {
		return domain.CartSnapshot{}, &store.Error{
			Kind:      store.ErrValidation,
			Entity:    "cart",
			Key:       c.id,
			Reason:    "discount exceeds subtotal",
			Attempted: next.discountCents,
			Current:   subtotal,
		}
	}

	after := next.snapshot(c.id)
	entry, err := cartAudit(actor, action, c.id, details, c.state.snapshot(c.id), after)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	if _, err := c.svc.repo.AppendAudit(ctx, entry); err != nil {
		return domain.CartSnapshot{}, err
	}

	c.state = next
	return after, nil
}

// cartAudit builds a cart entry carrying whichever snapshots are given.
func cartAudit(actor domain.Actor, action string, cartID string, details string, before any, after any) (domain.AuditEntry, error) {
	entry := auditEntry(actor, action, "cart", cartID, details)
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			return domain.AuditEntry{}, store.Storage("cart/"+cartID, fmt.Errorf("encode snapshot: %w", err))
		}
		entry.OldSnapshot = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			return domain.AuditEntry{}, store.Storage("cart/"+cartID, fmt.Errorf("encode snapshot: %w", err))
		}
		entry.NewSnapshot = raw
	}
	return entry, nil
}
