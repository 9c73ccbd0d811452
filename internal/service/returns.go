package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/store"
)

// ProcessReturn applies a return or exchange batch. The monetary effect is
// recorded on the linked sale's adjustment field; the sale's own totals never
// change. Sellers may only link returns to their own sales.
func (s *Service) ProcessReturn(ctx context.Context, cmd domain.AdjustmentCommand) (*domain.ReturnExchangeRecord, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, store.Validation("return", "", "command is required")
	}

	if saleID := cmd.SaleID(); saleID != "" {
		sale, err := s.repo.GetSale(ctx, saleID)
		if err != nil {
			return nil, err
		}
		if _, err := requireSeller(ctx, sale.SellerID); err != nil {
			return nil, err
		}
	}

	lines := cmd.Lines()
	if len(lines) == 0 {
		return nil, store.Validation("return", cmd.SaleID(), "at least one line is required")
	}
	for _, line := range lines {
		if line.OriginalUnitPriceCents < 0 || line.ReplacementUnitPriceCents < 0 {
			return nil, store.Validation("product", line.ProductID, "unit price cannot be negative")
		}
	}

	record := domain.ReturnExchangeRecord{
		Kind:           cmd.Kind(),
		OriginalSaleID: cmd.SaleID(),
		Lines:          lines,
		ProcessedBy:    actor.ID,
		CreatedAt:      s.now().UTC(),
	}
	details := fmt.Sprintf("kind=%s,sale=%s,lines=%d", record.Kind, record.OriginalSaleID, len(lines))

	processed, result, err := s.repo.ApplyReturn(ctx, record, auditEntry(actor, "return_process", "return", "", details))
	if err != nil {
		return nil, err
	}

	s.logger.Info("return processed",
		zap.String("return_id", processed.ID),
		zap.String("kind", processed.Kind),
		zap.Int64("adjustment_cents", processed.TotalAdjustmentCents),
	)
	s.notifyLowStock(result)
	return processed, nil
}
