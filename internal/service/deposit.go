package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/money"
	"routecash/backend/internal/store"
)

// RegisterDeposit records cash handed to the bank. The expected amount is the
// day's closure revenue, or zero when the route is not closed yet. Large
// variances are flagged, never rejected.
func (s *Service) RegisterDeposit(ctx context.Context, cmd domain.DepositCommand) (*domain.BankDeposit, error) {
	cmd.SellerID = strings.TrimSpace(cmd.SellerID)
	cmd.BankAccount = strings.TrimSpace(cmd.BankAccount)
	cmd.ReferenceCode = strings.TrimSpace(cmd.ReferenceCode)
	if cmd.SellerID == "" {
		return nil, store.Validation("bank_deposit", "", "seller id is required")
	}
	actor, err := requireSeller(ctx, cmd.SellerID)
	if err != nil {
		return nil, err
	}
	day, err := s.parseBusinessDate(cmd.BusinessDate)
	if err != nil {
		return nil, err
	}
	businessDate := day.Format("2006-01-02")

	if cmd.AmountCents < 0 {
		return nil, &store.Error{Kind: store.ErrValidation, Entity: "bank_deposit", Key: naturalKey(cmd.SellerID, businessDate), Reason: "amount cannot be negative", Attempted: cmd.AmountCents}
	}
	if cmd.BankAccount == "" || cmd.ReferenceCode == "" {
		return nil, store.Validation("bank_deposit", naturalKey(cmd.SellerID, businessDate), "bank account and reference code are required")
	}

	expected := int64(0)
	closure, err := s.repo.FindRouteClosure(ctx, cmd.SellerID, businessDate)
	switch {
	case err == nil:
		expected = closure.TotalRevenueCents
	case !isNotFound(err):
		return nil, err
	}

	variance := cmd.AmountCents - expected
	deposit := domain.BankDeposit{
		SellerID:             cmd.SellerID,
		BusinessDate:         businessDate,
		DepositedAmountCents: cmd.AmountCents,
		BankAccount:          cmd.BankAccount,
		ReferenceCode:        cmd.ReferenceCode,
		ExpectedAmountCents:  expected,
		VarianceCents:        variance,
		Flagged:              money.Abs(variance) > s.policy.LargeVarianceCents,
		Justification:        strings.TrimSpace(cmd.Justification),
		ReceiptRef:           strings.TrimSpace(cmd.ReceiptRef),
		CreatedAt:            s.now().UTC(),
	}
	details := fmt.Sprintf("amount=%d,expected=%d,variance=%d,flagged=%t", deposit.DepositedAmountCents, expected, variance, deposit.Flagged)

	created, err := s.repo.CreateDeposit(ctx, deposit, auditEntry(actor, "deposit_register", "bank_deposit", "", details))
	if err != nil {
		return nil, err
	}

	if created.Flagged {
		s.logger.Warn("deposit variance above threshold",
			zap.String("deposit_id", created.ID),
			zap.String("seller_id", created.SellerID),
			zap.String("variance", money.Format(variance)),
		)
	}
	return created, nil
}

func (s *Service) ListDeposits(ctx context.Context, sellerID string, businessDate string) ([]domain.BankDeposit, error) {
	if businessDate != "" {
		day, err := s.parseBusinessDate(businessDate)
		if err != nil {
			return nil, err
		}
		businessDate = day.Format("2006-01-02")
	}
	return s.repo.ListDeposits(ctx, strings.TrimSpace(sellerID), businessDate)
}

// ReviewDeposit lets a manager verify or reject a pending deposit.
func (s *Service) ReviewDeposit(ctx context.Context, depositID string, status string) (*domain.BankDeposit, error) {
	actor, err := requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status != domain.DepositStatusVerified && status != domain.DepositStatusRejected {
		return nil, store.Validation("bank_deposit", depositID, "status must be verified or rejected")
	}

	return s.repo.ReviewDeposit(ctx, depositID, status, actor.ID, s.now().UTC(), auditEntry(actor, "deposit_review", "bank_deposit", depositID, "status="+status))
}
