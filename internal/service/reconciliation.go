package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/money"
	"routecash/backend/internal/notify"
	"routecash/backend/internal/store"
)

// CreateReconciliation matches a day's closure against its single live
// deposit. Within tolerance the day is reconciled outright; otherwise it waits
// for a manager in with_differences.
func (s *Service) CreateReconciliation(ctx context.Context, sellerID string, businessDate string) (*domain.Reconciliation, error) {
	sellerID = strings.TrimSpace(sellerID)
	if sellerID == "" {
		return nil, store.Validation("reconciliation", "", "seller id is required")
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

	release, err := s.locker.Acquire(ctx, "reconciliation:"+key)
	if err != nil {
		return nil, err
	}
	defer release()

	closure, err := s.repo.FindRouteClosure(ctx, sellerID, businessDate)
	if err != nil {
		if isNotFound(err) {
			return nil, &store.Error{Kind: store.ErrMissingClosure, Entity: "route_closure", Key: key}
		}
		return nil, err
	}

	deposits, err := s.repo.ListDeposits(ctx, sellerID, businessDate)
	if err != nil {
		return nil, err
	}
	live := make([]domain.BankDeposit, 0, len(deposits))
	for _, d := range deposits {
		if d.Status != domain.DepositStatusRejected {
			live = append(live, d)
		}
	}
	switch {
	case len(live) == 0:
		return nil, &store.Error{Kind: store.ErrMissingDeposit, Entity: "bank_deposit", Key: key}
	case len(live) > 1:
		return nil, &store.Error{Kind: store.ErrValidation, Entity: "bank_deposit", Key: key, Reason: "reject duplicate deposits before reconciling", Current: len(live)}
	}
	deposit := live[0]

	variance := deposit.DepositedAmountCents - closure.TotalRevenueCents
	status := domain.ReconciliationStatusWithDifferences
	if money.Abs(variance) < s.policy.ToleranceCents {
		status = domain.ReconciliationStatusReconciled
	}

	rec := domain.Reconciliation{
		SellerID:            sellerID,
		BusinessDate:        businessDate,
		RouteClosureID:      closure.ID,
		BankDepositID:       deposit.ID,
		ExpectedAmountCents: closure.TotalRevenueCents,
		ActualAmountCents:   deposit.DepositedAmountCents,
		VarianceCents:       variance,
		ToleranceCents:      s.policy.ToleranceCents,
		Status:              status,
		CreatedAt:           s.now().UTC(),
	}
	details := fmt.Sprintf("expected=%d,actual=%d,variance=%d,status=%s", rec.ExpectedAmountCents, rec.ActualAmountCents, variance, status)

	created, err := s.repo.CreateReconciliation(ctx, rec, auditEntry(actor, "reconciliation_create", "reconciliation", "", details))
	if err != nil {
		return nil, err
	}

	s.logger.Info("reconciliation created",
		zap.String("reconciliation_id", created.ID),
		zap.String("status", created.Status),
		zap.String("variance", money.Format(variance)),
	)
	if created.Status == domain.ReconciliationStatusWithDifferences {
		s.events.Publish(notify.ReconciliationWithDifferences(created.ID, sellerID, businessDate, money.Format(variance)))
	}
	return created, nil
}

// ApproveReconciliation is the manager override for a day with differences.
// It is the only transition out of with_differences.
func (s *Service) ApproveReconciliation(ctx context.Context, id string, notes string) (*domain.Reconciliation, error) {
	actor, err := requireActor(ctx, domain.RoleManager)
	if err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, store.Validation("reconciliation", id, "reconciliation id is required")
	}

	approval := domain.ManagerApproval{
		ManagerID:  actor.ID,
		ApprovedAt: s.now().UTC(),
		Notes:      strings.TrimSpace(notes),
	}
	approved, err := s.repo.ApproveReconciliation(ctx, id, approval, auditEntry(actor, "reconciliation_approve", "reconciliation", id, approval.Notes))
	if err != nil {
		return nil, err
	}

	s.logger.Info("reconciliation approved", zap.String("reconciliation_id", id), zap.String("manager_id", actor.ID))
	return approved, nil
}

func (s *Service) GetReconciliation(ctx context.Context, id string) (*domain.Reconciliation, error) {
	return s.repo.GetReconciliation(ctx, id)
}
