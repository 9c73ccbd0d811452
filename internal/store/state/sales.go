package state

import (
	"context"
	"sort"
	"time"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/store"
	"routecash/backend/internal/xid"
)

// CommitSale re-validates every line against current stock, decrements it and
// appends the sale to the log, all under the write lock. Any failed check
// aborts before a single product is touched.
func (s *Store) CommitSale(ctx context.Context, sale domain.Sale, audit domain.AuditEntry) (*domain.Sale, store.CommitResult, error) {
	if len(sale.Lines) == 0 {
		return nil, store.CommitResult{}, &store.Error{Kind: store.ErrEmptyCart, Entity: "sale"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	requested := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		requested[line.ProductID] += line.Quantity
	}
	for productID, qty := range requested {
		p, ok := s.products[productID]
		if !ok {
			return nil, store.CommitResult{}, store.StockConflict(productID, qty, 0)
		}
		if err := checkSellable(p, qty, now); err != nil {
			conflict := store.StockConflict(productID, qty, p.QuantityOnHand)
			if e, ok := store.AsError(err); ok {
				conflict.Reason = e.Reason
			}
			return nil, store.CommitResult{}, conflict
		}
	}

	subtotal := int64(0)
	for _, line := range sale.Lines {
		subtotal += line.UnitPriceCents * int64(line.Quantity)
	}
	if sale.DiscountCents < 0 || sale.DiscountCents > subtotal {
		return nil, store.CommitResult{}, &store.Error{Kind: store.ErrValidation, Entity: "sale", Reason: "discount out of range", Attempted: sale.DiscountCents, Current: subtotal}
	}

	t := s.begin()
	var result store.CommitResult
	lines := make([]domain.SaleLine, 0, len(sale.Lines))
	for _, line := range sale.Lines {
		p := s.products[line.ProductID]
		wasBelow := p.BelowThreshold()
		line.StockAtSale = p.QuantityOnHand
		line.LineSubtotalCents = line.UnitPriceCents * int64(line.Quantity)
		lines = append(lines, line)

		p.QuantityOnHand -= line.Quantity
		p.UpdatedAt = now
		t.setProduct(p)
		if !wasBelow && p.BelowThreshold() {
			result.LowStock = append(result.LowStock, cloneProduct(p))
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.Sequence = int64(len(s.sales) + 1)
	sale.Lines = lines
	sale.SubtotalCents = subtotal
	sale.TotalCents = subtotal - sale.DiscountCents
	sale.Status = domain.SaleStatusCompleted
	sale.ReturnsAdjustmentCents = 0
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = now
	}

	t.appendSale(sale)
	t.appendAudit(audit, sale.ID, nil, sale)
	if err := t.commit(ctx); err != nil {
		return nil, store.CommitResult{}, err
	}

	dup := cloneSale(sale)
	return &dup, result, nil
}

// CancelSale moves a completed sale to cancelled and puts its units back on
// the shelf. Line data is left intact.
func (s *Store) CancelSale(ctx context.Context, saleID string, reason string, at time.Time, audit domain.AuditEntry) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.saleIndex[saleID]
	if !ok {
		return nil, store.NotFound("sale", saleID)
	}
	current := s.sales[idx]
	if current.Status != domain.SaleStatusCompleted {
		return nil, store.StateTransition("sale", saleID, current.Status, domain.SaleStatusCancelled)
	}
	if len(s.returnedQtyBySale(saleID)) > 0 {
		return nil, store.Validation("sale", saleID, "sale has processed returns")
	}

	t := s.begin()
	for _, line := range current.Lines {
		p, exists := s.products[line.ProductID]
		if !exists {
			continue
		}
		p.QuantityOnHand += line.Quantity
		p.UpdatedAt = at
		t.setProduct(p)
	}

	updated := cloneSale(current)
	updated.Status = domain.SaleStatusCancelled
	updated.CancelReason = reason
	updated.CancelledAt = &at
	t.setSale(updated)
	t.appendAudit(audit, saleID, current, updated)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}

	dup := cloneSale(updated)
	return &dup, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.saleIndex[id]
	if !ok {
		return nil, store.NotFound("sale", id)
	}
	dup := cloneSale(s.sales[idx])
	return &dup, nil
}

// ListSales returns sales created in [from, to) in sequence order. An empty
// sellerID matches every seller; zero bounds are open.
func (s *Store) ListSales(_ context.Context, sellerID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, 32)
	for _, sale := range s.sales {
		if sellerID != "" && sale.SellerID != sellerID {
			continue
		}
		if !inWindow(sale.CreatedAt, from, to) {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	return result, nil
}

func (s *Store) ListSellersWithSales(_ context.Context, from time.Time, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, sale := range s.sales {
		if sale.Status != domain.SaleStatusCompleted || !inWindow(sale.CreatedAt, from, to) {
			continue
		}
		seen[sale.SellerID] = struct{}{}
	}
	sellers := make([]string, 0, len(seen))
	for sellerID := range seen {
		sellers = append(sellers, sellerID)
	}
	sort.Strings(sellers)
	return sellers, nil
}

// ApplyReturn validates the whole batch first, then restocks originals,
// withdraws replacements and records the adjustment in one commit. Lines of a
// batch linked to a sale are priced at that sale's unit prices.
func (s *Store) ApplyReturn(ctx context.Context, record domain.ReturnExchangeRecord, audit domain.AuditEntry) (*domain.ReturnExchangeRecord, store.CommitResult, error) {
	if len(record.Lines) == 0 {
		return nil, store.CommitResult{}, store.Validation("return", record.ID, "at least one line is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	returning := make(map[string]int, len(record.Lines))
	withdrawing := make(map[string]int)
	for _, line := range record.Lines {
		if line.Quantity < 1 {
			return nil, store.CommitResult{}, store.Validation("product", line.ProductID, "return quantity must be positive")
		}
		if _, ok := s.products[line.ProductID]; !ok {
			return nil, store.CommitResult{}, store.Validation("product", line.ProductID, "unknown product")
		}
		returning[line.ProductID] += line.Quantity

		if record.Kind != domain.ReturnKindExchange {
			continue
		}
		if line.ReplacementProductID == "" {
			return nil, store.CommitResult{}, store.Validation("product", line.ProductID, "exchange requires a replacement product")
		}
		replacement, ok := s.products[line.ReplacementProductID]
		if !ok || !replacement.Active {
			return nil, store.CommitResult{}, store.Validation("product", line.ReplacementProductID, "replacement product unavailable")
		}
		withdrawing[line.ReplacementProductID] += line.Quantity
	}
	for productID, qty := range withdrawing {
		onHand := s.products[productID].QuantityOnHand
		if qty > onHand {
			return nil, store.CommitResult{}, &store.Error{
				Kind:      store.ErrValidation,
				Entity:    "product",
				Key:       productID,
				Reason:    "replacement stock insufficient",
				Attempted: qty,
				Current:   onHand,
				Err:       store.ErrInsufficientStock,
			}
		}
	}

	var linked *domain.Sale
	if record.OriginalSaleID != "" {
		idx, ok := s.saleIndex[record.OriginalSaleID]
		if !ok {
			return nil, store.CommitResult{}, store.NotFound("sale", record.OriginalSaleID)
		}
		sale := cloneSale(s.sales[idx])
		if sale.Status != domain.SaleStatusCompleted {
			return nil, store.CommitResult{}, &store.Error{Kind: store.ErrValidation, Entity: "sale", Key: sale.ID, Reason: "sale is not completed", Current: sale.Status}
		}
		sold := make(map[string]int, len(sale.Lines))
		soldPrice := make(map[string]int64, len(sale.Lines))
		for _, line := range sale.Lines {
			sold[line.ProductID] += line.Quantity
			soldPrice[line.ProductID] = line.UnitPriceCents
		}
		already := s.returnedQtyBySale(sale.ID)
		for productID, qty := range returning {
			if already[productID]+qty > sold[productID] {
				return nil, store.CommitResult{}, &store.Error{
					Kind:      store.ErrValidation,
					Entity:    "sale",
					Key:       sale.ID,
					Reason:    "return exceeds quantity sold for " + productID,
					Attempted: already[productID] + qty,
					Current:   sold[productID],
				}
			}
		}
		linked = &sale

		// Refunds follow what the customer actually paid, not the request.
		lines := make([]domain.ReturnLine, 0, len(record.Lines))
		for _, line := range record.Lines {
			lines = append(lines, line.Priced(record.Kind, soldPrice[line.ProductID]))
		}
		record.Lines = lines
	}

	now := time.Now().UTC()
	t := s.begin()
	var result store.CommitResult

	total := int64(0)
	for _, line := range record.Lines {
		total += line.AdjustmentCents
	}
	for productID, qty := range returning {
		p := s.products[productID]
		p.QuantityOnHand += qty
		p.UpdatedAt = now
		t.setProduct(p)
	}
	for productID, qty := range withdrawing {
		p := s.products[productID]
		wasBelow := p.BelowThreshold()
		p.QuantityOnHand -= qty
		p.UpdatedAt = now
		t.setProduct(p)
		if !wasBelow && p.BelowThreshold() {
			result.LowStock = append(result.LowStock, cloneProduct(p))
		}
	}

	if record.ID == "" {
		record.ID = xid.New("ret")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.TotalAdjustmentCents = total
	record.Status = domain.ReturnStatusProcessed

	if linked != nil {
		linked.ReturnsAdjustmentCents += total
		t.setSale(*linked)
	}
	t.setReturn(record)
	t.appendAudit(audit, record.ID, nil, record)
	if err := t.commit(ctx); err != nil {
		return nil, store.CommitResult{}, err
	}

	dup := cloneReturn(record)
	return &dup, result, nil
}

func (s *Store) returnedQtyBySale(saleID string) map[string]int {
	returned := make(map[string]int)
	for _, id := range s.returnOrder {
		rec := s.returns[id]
		if rec.OriginalSaleID != saleID || rec.Status != domain.ReturnStatusProcessed {
			continue
		}
		for _, line := range rec.Lines {
			returned[line.ProductID] += line.Quantity
		}
	}
	return returned
}

func (s *Store) ListReturns(_ context.Context, from time.Time, to time.Time) ([]domain.ReturnExchangeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ReturnExchangeRecord, 0, len(s.returnOrder))
	for _, id := range s.returnOrder {
		rec := s.returns[id]
		if !inWindow(rec.CreatedAt, from, to) {
			continue
		}
		result = append(result, cloneReturn(rec))
	}
	return result, nil
}

func inWindow(at time.Time, from time.Time, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	if !to.IsZero() && !at.Before(to) {
		return false
	}
	return true
}
