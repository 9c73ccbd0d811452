package state

import (
	"context"
	"time"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/store"
	"routecash/backend/internal/xid"
)

func (s *Store) CreateRouteClosure(ctx context.Context, closure domain.RouteClosure, audit domain.AuditEntry) (*domain.RouteClosure, error) {
	key := NaturalKey(closure.SellerID, closure.BusinessDate)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, exists := s.closureByKey[key]; exists {
		return nil, &store.Error{Kind: store.ErrDuplicateKey, Entity: "route_closure", Key: key, Attempted: closure.BusinessDate, Current: existingID}
	}
	if closure.ID == "" {
		closure.ID = xid.New("closure")
	}
	if closure.CreatedAt.IsZero() {
		closure.CreatedAt = time.Now().UTC()
	}
	closure.Status = domain.ClosureStatusPending

	t := s.begin()
	t.setClosure(closure)
	t.appendAudit(audit, closure.ID, nil, closure)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}

	dup := cloneClosure(closure)
	return &dup, nil
}

func (s *Store) FindRouteClosure(_ context.Context, sellerID string, businessDate string) (*domain.RouteClosure, error) {
	key := NaturalKey(sellerID, businessDate)

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.closureByKey[key]
	if !ok {
		return nil, store.NotFound("route_closure", key)
	}
	dup := cloneClosure(s.closures[id])
	return &dup, nil
}

// ListRouteClosures filters by business date, both bounds inclusive and
// optional.
func (s *Store) ListRouteClosures(_ context.Context, fromDate string, toDate string) ([]domain.RouteClosure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.RouteClosure, 0, len(s.closureOrder))
	for _, id := range s.closureOrder {
		c := s.closures[id]
		if !inDateRange(c.BusinessDate, fromDate, toDate) {
			continue
		}
		result = append(result, cloneClosure(c))
	}
	return result, nil
}

func (s *Store) CreateDeposit(ctx context.Context, deposit domain.BankDeposit, audit domain.AuditEntry) (*domain.BankDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deposit.ID == "" {
		deposit.ID = xid.New("dep")
	}
	if deposit.CreatedAt.IsZero() {
		deposit.CreatedAt = time.Now().UTC()
	}
	deposit.Status = domain.DepositStatusPending

	t := s.begin()
	t.setDeposit(deposit)
	t.appendAudit(audit, deposit.ID, nil, deposit)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}

	dup := cloneDeposit(deposit)
	return &dup, nil
}

// ListDeposits returns deposits for a seller's day in registration order.
// Empty arguments match everything.
func (s *Store) ListDeposits(_ context.Context, sellerID string, businessDate string) ([]domain.BankDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.depositsFor(sellerID, businessDate), nil
}

func (s *Store) depositsFor(sellerID string, businessDate string) []domain.BankDeposit {
	result := make([]domain.BankDeposit, 0, 2)
	for _, id := range s.depositOrder {
		d := s.deposits[id]
		if sellerID != "" && d.SellerID != sellerID {
			continue
		}
		if businessDate != "" && d.BusinessDate != businessDate {
			continue
		}
		result = append(result, cloneDeposit(d))
	}
	return result
}

func (s *Store) ReviewDeposit(ctx context.Context, id string, status string, reviewer string, at time.Time, audit domain.AuditEntry) (*domain.BankDeposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.deposits[id]
	if !ok {
		return nil, store.NotFound("bank_deposit", id)
	}
	if current.Status != domain.DepositStatusPending {
		return nil, store.StateTransition("bank_deposit", id, current.Status, status)
	}
	if _, reconciled := s.reconByKey[NaturalKey(current.SellerID, current.BusinessDate)]; reconciled && status == domain.DepositStatusRejected {
		return nil, store.StateTransition("bank_deposit", id, current.Status, status)
	}

	updated := cloneDeposit(current)
	updated.Status = status
	updated.ReviewedBy = reviewer
	updated.ReviewedAt = &at

	t := s.begin()
	t.setDeposit(updated)
	t.appendAudit(audit, id, current, updated)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}

	dup := cloneDeposit(updated)
	return &dup, nil
}

// CreateReconciliation enforces the one-per-day rule under the write lock and
// moves the linked closure and deposit along with the derived status.
func (s *Store) CreateReconciliation(ctx context.Context, rec domain.Reconciliation, audit domain.AuditEntry) (*domain.Reconciliation, error) {
	key := NaturalKey(rec.SellerID, rec.BusinessDate)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, exists := s.reconByKey[key]; exists {
		return nil, &store.Error{Kind: store.ErrDuplicateReconciliation, Entity: "reconciliation", Key: key, Current: existingID}
	}
	closureID, ok := s.closureByKey[key]
	if !ok || closureID != rec.RouteClosureID {
		return nil, &store.Error{Kind: store.ErrMissingClosure, Entity: "route_closure", Key: key}
	}
	deposit, ok := s.deposits[rec.BankDepositID]
	if !ok || deposit.Status == domain.DepositStatusRejected || NaturalKey(deposit.SellerID, deposit.BusinessDate) != key {
		return nil, &store.Error{Kind: store.ErrMissingDeposit, Entity: "bank_deposit", Key: key}
	}
	live := 0
	for _, d := range s.depositsFor(rec.SellerID, rec.BusinessDate) {
		if d.Status != domain.DepositStatusRejected {
			live++
		}
	}
	if live != 1 {
		return nil, &store.Error{Kind: store.ErrValidation, Entity: "bank_deposit", Key: key, Reason: "exactly one active deposit is required", Current: live}
	}

	if rec.ID == "" {
		rec.ID = xid.New("rec")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	t := s.begin()
	if rec.Status == domain.ReconciliationStatusReconciled {
		closure := cloneClosure(s.closures[closureID])
		closure.Status = domain.ClosureStatusCompleted
		t.setClosure(closure)

		deposit.Status = domain.DepositStatusVerified
		t.setDeposit(deposit)
	}
	t.setReconciliation(rec)
	t.appendAudit(audit, rec.ID, nil, rec)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}

	dup := cloneReconciliation(rec)
	return &dup, nil
}

func (s *Store) ApproveReconciliation(ctx context.Context, id string, approval domain.ManagerApproval, audit domain.AuditEntry) (*domain.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.reconciliations[id]
	if !ok {
		return nil, store.NotFound("reconciliation", id)
	}
	if current.Status != domain.ReconciliationStatusWithDifferences {
		return nil, store.StateTransition("reconciliation", id, current.Status, domain.ReconciliationStatusApproved)
	}

	updated := cloneReconciliation(current)
	updated.Status = domain.ReconciliationStatusApproved
	updated.ManagerApproval = &approval

	t := s.begin()
	if closure, ok := s.closures[current.RouteClosureID]; ok {
		closure = cloneClosure(closure)
		closure.Status = domain.ClosureStatusApproved
		t.setClosure(closure)
	}
	if deposit, ok := s.deposits[current.BankDepositID]; ok {
		deposit = cloneDeposit(deposit)
		deposit.Status = domain.DepositStatusApproved
		t.setDeposit(deposit)
	}
	t.setReconciliation(updated)
	t.appendAudit(audit, id, current, updated)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}

	dup := cloneReconciliation(updated)
	return &dup, nil
}

func (s *Store) GetReconciliation(_ context.Context, id string) (*domain.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.reconciliations[id]
	if !ok {
		return nil, store.NotFound("reconciliation", id)
	}
	dup := cloneReconciliation(rec)
	return &dup, nil
}

func (s *Store) ListReconciliations(_ context.Context, fromDate string, toDate string) ([]domain.Reconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Reconciliation, 0, len(s.reconOrder))
	for _, id := range s.reconOrder {
		rec := s.reconciliations[id]
		if !inDateRange(rec.BusinessDate, fromDate, toDate) {
			continue
		}
		result = append(result, cloneReconciliation(rec))
	}
	return result, nil
}

// inDateRange compares YYYY-MM-DD strings, which sort chronologically.
func inDateRange(date string, fromDate string, toDate string) bool {
	if fromDate != "" && date < fromDate {
		return false
	}
	if toDate != "" && date > toDate {
		return false
	}
	return true
}
