// Package state owns every entity of the engine behind a single lock and
// writes each committed change through to a kv.Store.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/kv"
	"routecash/backend/internal/store"
	"routecash/backend/internal/xid"
)

const (
	manifestKey = "manifest"
	journalKey  = "journal"
)

// journal is the latest commit in full. It is stored with a single Put ahead
// of the entity keys, so a commit is durable as soon as it lands and Open
// replays it to finish any entity writes that did not.
type journal struct {
	Seq    int64          `json:"seq"`
	Writes []journalWrite `json:"writes"`
}

type journalWrite struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type manifest struct {
	Products        []string `json:"products"`
	Sales           int      `json:"sales"`
	Returns         []string `json:"returns"`
	Closures        []string `json:"closures"`
	Deposits        []string `json:"deposits"`
	Reconciliations []string `json:"reconciliations"`
	Audit           int      `json:"audit"`
}

type Store struct {
	mu sync.RWMutex
	kv kv.Store

	products        map[string]domain.Product
	productOrder    []string
	sales           []domain.Sale
	saleIndex       map[string]int
	returns         map[string]domain.ReturnExchangeRecord
	returnOrder     []string
	closures        map[string]domain.RouteClosure
	closureOrder    []string
	closureByKey    map[string]string
	deposits        map[string]domain.BankDeposit
	depositOrder    []string
	reconciliations map[string]domain.Reconciliation
	reconOrder      []string
	reconByKey      map[string]string
	audit           []domain.AuditEntry

	journalSeq int64
	pending    []journalWrite
}

func New(backend kv.Store) *Store {
	if backend == nil {
		backend = kv.NewMemory()
	}
	return &Store{
		kv:              backend,
		products:        make(map[string]domain.Product),
		saleIndex:       make(map[string]int),
		returns:         make(map[string]domain.ReturnExchangeRecord),
		closures:        make(map[string]domain.RouteClosure),
		closureByKey:    make(map[string]string),
		deposits:        make(map[string]domain.BankDeposit),
		reconciliations: make(map[string]domain.Reconciliation),
		reconByKey:      make(map[string]string),
	}
}

// Open rebuilds a Store from whatever the backend already holds. An empty
// backend yields an empty store.
func Open(ctx context.Context, backend kv.Store) (*Store, error) {
	s := New(backend)
	if err := s.replayJournal(ctx); err != nil {
		return nil, err
	}

	var m manifest
	found, err := s.load(ctx, manifestKey, &m)
	if err != nil {
		return nil, err
	}
	if !found {
		return s, nil
	}

	for _, id := range m.Products {
		var p domain.Product
		if err := s.mustLoad(ctx, productKey(id), &p); err != nil {
			return nil, err
		}
		s.products[id] = p
		s.productOrder = append(s.productOrder, id)
	}
	for seq := 1; seq <= m.Sales; seq++ {
		var sale domain.Sale
		if err := s.mustLoad(ctx, saleKey(int64(seq)), &sale); err != nil {
			return nil, err
		}
		s.saleIndex[sale.ID] = len(s.sales)
		s.sales = append(s.sales, sale)
	}
	for _, id := range m.Returns {
		var rec domain.ReturnExchangeRecord
		if err := s.mustLoad(ctx, returnKey(id), &rec); err != nil {
			return nil, err
		}
		s.returns[id] = rec
		s.returnOrder = append(s.returnOrder, id)
	}
	for _, id := range m.Closures {
		var c domain.RouteClosure
		if err := s.mustLoad(ctx, closureKey(id), &c); err != nil {
			return nil, err
		}
		s.closures[id] = c
		s.closureOrder = append(s.closureOrder, id)
		s.closureByKey[NaturalKey(c.SellerID, c.BusinessDate)] = id
	}
	for _, id := range m.Deposits {
		var d domain.BankDeposit
		if err := s.mustLoad(ctx, depositKey(id), &d); err != nil {
			return nil, err
		}
		s.deposits[id] = d
		s.depositOrder = append(s.depositOrder, id)
	}
	for _, id := range m.Reconciliations {
		var r domain.Reconciliation
		if err := s.mustLoad(ctx, reconciliationKey(id), &r); err != nil {
			return nil, err
		}
		s.reconciliations[id] = r
		s.reconOrder = append(s.reconOrder, id)
		s.reconByKey[NaturalKey(r.SellerID, r.BusinessDate)] = id
	}
	for seq := 1; seq <= m.Audit; seq++ {
		var entry domain.AuditEntry
		if err := s.mustLoad(ctx, auditKey(int64(seq)), &entry); err != nil {
			return nil, err
		}
		s.audit = append(s.audit, entry)
	}

	return s, nil
}

// NaturalKey identifies a seller's business day.
func NaturalKey(sellerID string, businessDate string) string {
	return sellerID + "|" + businessDate
}

func (s *Store) load(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, store.Storage(key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, store.Storage(key, fmt.Errorf("decode: %w", err))
	}
	return true, nil
}

// replayJournal rewrites every key of the last commit. Keys that already hold
// those values are rewritten unchanged.
func (s *Store) replayJournal(ctx context.Context) error {
	var j journal
	found, err := s.load(ctx, journalKey, &j)
	if err != nil || !found {
		return err
	}
	s.journalSeq = j.Seq
	s.pending = j.Writes
	return s.applyPending(ctx)
}

// applyPending writes the entity keys of the last journaled commit. They stay
// pending until every write has succeeded.
func (s *Store) applyPending(ctx context.Context) error {
	for _, w := range s.pending {
		if err := s.kv.Put(ctx, w.Key, w.Value); err != nil {
			return store.Storage(w.Key, err)
		}
	}
	s.pending = nil
	return nil
}

func (s *Store) mustLoad(ctx context.Context, key string, dest any) error {
	found, err := s.load(ctx, key, dest)
	if err != nil {
		return err
	}
	if !found {
		return store.Storage(key, fmt.Errorf("manifest references missing key"))
	}
	return nil
}

func (s *Store) manifest() manifest {
	return manifest{
		Products:        append([]string(nil), s.productOrder...),
		Sales:           len(s.sales),
		Returns:         append([]string(nil), s.returnOrder...),
		Closures:        append([]string(nil), s.closureOrder...),
		Deposits:        append([]string(nil), s.depositOrder...),
		Reconciliations: append([]string(nil), s.reconOrder...),
		Audit:           len(s.audit),
	}
}

// txn applies changes to the in-memory maps immediately and remembers how to
// undo them. commit journals the touched keys and the manifest; if the journal
// cannot be stored every change is rolled back before the error is returned.
type txn struct {
	s     *Store
	keys  []string
	vals  map[string]any
	undos []func()
	err   error
}

func (s *Store) begin() *txn {
	return &txn{s: s, vals: make(map[string]any)}
}

func (t *txn) write(key string, value any) {
	if _, seen := t.vals[key]; !seen {
		t.keys = append(t.keys, key)
	}
	t.vals[key] = value
}

func (t *txn) rollback() {
	for i := len(t.undos) - 1; i >= 0; i-- {
		t.undos[i]()
	}
	t.undos = nil
}

func (t *txn) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *txn) commit(ctx context.Context) error {
	if t.err != nil {
		t.rollback()
		return t.err
	}
	t.write(manifestKey, t.s.manifest())
	writes := make([]journalWrite, 0, len(t.keys))
	for _, key := range t.keys {
		payload, err := json.Marshal(t.vals[key])
		if err != nil {
			t.rollback()
			return store.Storage(key, fmt.Errorf("encode: %w", err))
		}
		writes = append(writes, journalWrite{Key: key, Value: payload})
	}

	// The previous commit must reach its keys before its journal is replaced.
	if err := t.s.applyPending(ctx); err != nil {
		t.rollback()
		return err
	}
	record, err := json.Marshal(journal{Seq: t.s.journalSeq + 1, Writes: writes})
	if err != nil {
		t.rollback()
		return store.Storage(journalKey, fmt.Errorf("encode: %w", err))
	}
	if err := t.s.kv.Put(ctx, journalKey, record); err != nil {
		t.rollback()
		return store.Storage(journalKey, err)
	}

	// Durable from here on. Entity writes that fail stay pending for the next
	// commit or for Open.
	t.s.journalSeq++
	t.s.pending = writes
	_ = t.s.applyPending(ctx)
	return nil
}

func (t *txn) setProduct(p domain.Product) {
	s := t.s
	old, existed := s.products[p.ID]
	s.products[p.ID] = p
	if !existed {
		s.productOrder = append(s.productOrder, p.ID)
	}
	t.undos = append(t.undos, func() {
		if existed {
			s.products[p.ID] = old
			return
		}
		delete(s.products, p.ID)
		s.productOrder = s.productOrder[:len(s.productOrder)-1]
	})
	t.write(productKey(p.ID), p)
}

func (t *txn) appendSale(sale domain.Sale) {
	s := t.s
	s.saleIndex[sale.ID] = len(s.sales)
	s.sales = append(s.sales, sale)
	t.undos = append(t.undos, func() {
		delete(s.saleIndex, sale.ID)
		s.sales = s.sales[:len(s.sales)-1]
	})
	t.write(saleKey(sale.Sequence), sale)
}

func (t *txn) setSale(sale domain.Sale) {
	s := t.s
	idx := s.saleIndex[sale.ID]
	old := s.sales[idx]
	s.sales[idx] = sale
	t.undos = append(t.undos, func() {
		s.sales[idx] = old
	})
	t.write(saleKey(sale.Sequence), sale)
}

func (t *txn) setReturn(rec domain.ReturnExchangeRecord) {
	s := t.s
	old, existed := s.returns[rec.ID]
	s.returns[rec.ID] = rec
	if !existed {
		s.returnOrder = append(s.returnOrder, rec.ID)
	}
	t.undos = append(t.undos, func() {
		if existed {
			s.returns[rec.ID] = old
			return
		}
		delete(s.returns, rec.ID)
		s.returnOrder = s.returnOrder[:len(s.returnOrder)-1]
	})
	t.write(returnKey(rec.ID), rec)
}

func (t *txn) setClosure(c domain.RouteClosure) {
	s := t.s
	key := NaturalKey(c.SellerID, c.BusinessDate)
	old, existed := s.closures[c.ID]
	s.closures[c.ID] = c
	if !existed {
		s.closureOrder = append(s.closureOrder, c.ID)
		s.closureByKey[key] = c.ID
	}
	t.undos = append(t.undos, func() {
		if existed {
			s.closures[c.ID] = old
			return
		}
		delete(s.closures, c.ID)
		delete(s.closureByKey, key)
		s.closureOrder = s.closureOrder[:len(s.closureOrder)-1]
	})
	t.write(closureKey(c.ID), c)
}

func (t *txn) setDeposit(d domain.BankDeposit) {
	s := t.s
	old, existed := s.deposits[d.ID]
	s.deposits[d.ID] = d
	if !existed {
		s.depositOrder = append(s.depositOrder, d.ID)
	}
	t.undos = append(t.undos, func() {
		if existed {
			s.deposits[d.ID] = old
			return
		}
		delete(s.deposits, d.ID)
		s.depositOrder = s.depositOrder[:len(s.depositOrder)-1]
	})
	t.write(depositKey(d.ID), d)
}

func (t *txn) setReconciliation(r domain.Reconciliation) {
	s := t.s
	key := NaturalKey(r.SellerID, r.BusinessDate)
	old, existed := s.reconciliations[r.ID]
	s.reconciliations[r.ID] = r
	if !existed {
		s.reconOrder = append(s.reconOrder, r.ID)
		s.reconByKey[key] = r.ID
	}
	t.undos = append(t.undos, func() {
		if existed {
			s.reconciliations[r.ID] = old
			return
		}
		delete(s.reconciliations, r.ID)
		delete(s.reconByKey, key)
		s.reconOrder = s.reconOrder[:len(s.reconOrder)-1]
	})
	t.write(reconciliationKey(r.ID), r)
}

// appendAudit stamps the entry with its sequence and snapshots. before or
// after may be nil when the operation has no such state.
func (t *txn) appendAudit(entry domain.AuditEntry, entityID string, before any, after any) domain.AuditEntry {
	s := t.s
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Actor.ID == "" {
		entry.Actor = domain.SystemActor
	}
	if entityID != "" {
		entry.EntityID = entityID
	}
	entry.Sequence = int64(len(s.audit) + 1)
	if before != nil {
		raw, err := json.Marshal(before)
		if err != nil {
			t.fail(store.Storage(auditKey(entry.Sequence), fmt.Errorf("encode old snapshot: %w", err)))
		}
		entry.OldSnapshot = raw
	}
	if after != nil {
		raw, err := json.Marshal(after)
		if err != nil {
			t.fail(store.Storage(auditKey(entry.Sequence), fmt.Errorf("encode new snapshot: %w", err)))
		}
		entry.NewSnapshot = raw
	}

	s.audit = append(s.audit, entry)
	t.undos = append(t.undos, func() {
		s.audit = s.audit[:len(s.audit)-1]
	})
	t.write(auditKey(entry.Sequence), entry)
	return entry
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		products = append(products, cloneProduct(s.products[id]))
	}
	sort.SliceStable(products, func(i, j int) bool {
		return products[i].Code < products[j].Code
	})
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.NotFound("product", id)
	}
	dup := cloneProduct(p)
	return &dup, nil
}

// ValidateStock checks that cumulativeQty units of the product could be sold
// right now. It never mutates stock.
func (s *Store) ValidateStock(_ context.Context, productID string, cumulativeQty int) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.NotFound("product", productID)
	}
	if err := checkSellable(p, cumulativeQty, time.Now().UTC()); err != nil {
		return nil, err
	}
	dup := cloneProduct(p)
	return &dup, nil
}

func checkSellable(p domain.Product, qty int, now time.Time) error {
	if qty < 1 {
		return store.Validation("product", p.ID, "quantity must be positive")
	}
	if !p.Active {
		e := store.InsufficientStock(p.ID, qty, p.QuantityOnHand)
		e.Reason = "product inactive"
		return e
	}
	if p.Perishable && p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		e := store.InsufficientStock(p.ID, qty, p.QuantityOnHand)
		e.Reason = "product expired"
		return e
	}
	if qty > p.QuantityOnHand {
		return store.InsufficientStock(p.ID, qty, p.QuantityOnHand)
	}
	return nil
}

func (s *Store) UpsertProduct(ctx context.Context, product domain.Product, audit domain.AuditEntry) (*domain.Product, error) {
	if product.QuantityOnHand < 0 {
		return nil, store.Validation("product", product.ID, "quantity on hand cannot be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	for _, id := range s.productOrder {
		if id != product.ID && s.products[id].Code == product.Code {
			return nil, &store.Error{Kind: store.ErrDuplicateKey, Entity: "product", Key: product.Code, Current: id}
		}
	}
	product.UpdatedAt = time.Now().UTC()

	t := s.begin()
	var old any
	if existing, ok := s.products[product.ID]; ok {
		old = existing
	}
	t.setProduct(product)
	t.appendAudit(audit, product.ID, old, product)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	dup := cloneProduct(product)
	return &dup, nil
}

func (s *Store) IncreaseStock(ctx context.Context, productID string, qty int, audit domain.AuditEntry) (*domain.Product, error) {
	if qty < 1 {
		return nil, store.Validation("product", productID, "restock quantity must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.products[productID]
	if !ok {
		return nil, store.NotFound("product", productID)
	}
	updated := current
	updated.QuantityOnHand += qty
	updated.UpdatedAt = time.Now().UTC()

	t := s.begin()
	t.setProduct(updated)
	t.appendAudit(audit, productID, current, updated)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	dup := cloneProduct(updated)
	return &dup, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) (*domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.begin()
	stored := t.appendAudit(entry, entry.EntityID, nil, nil)
	if err := t.commit(ctx); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *Store) ListAudit(_ context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEntry, 0, 64)
	for _, entry := range s.audit {
		if filter.EntityType != "" && entry.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != "" && entry.EntityID != filter.EntityID {
			continue
		}
		if filter.ActorID != "" && entry.Actor.ID != filter.ActorID {
			continue
		}
		if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, entry)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result, nil
}

func productKey(id string) string        { return "product/" + id }
func saleKey(seq int64) string           { return fmt.Sprintf("sale/%010d", seq) }
func returnKey(id string) string         { return "return/" + id }
func closureKey(id string) string        { return "closure/" + id }
func depositKey(id string) string        { return "deposit/" + id }
func reconciliationKey(id string) string { return "reconciliation/" + id }
func auditKey(seq int64) string          { return fmt.Sprintf("audit/%010d", seq) }

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.ExpiresAt != nil {
		expiry := *src.ExpiresAt
		dup.ExpiresAt = &expiry
	}
	return dup
}

func cloneSale(src domain.Sale) domain.Sale {
	dup := src
	dup.Lines = cloneSlice(src.Lines)
	if src.CancelledAt != nil {
		at := *src.CancelledAt
		dup.CancelledAt = &at
	}
	return dup
}

func cloneReturn(src domain.ReturnExchangeRecord) domain.ReturnExchangeRecord {
	dup := src
	dup.Lines = cloneSlice(src.Lines)
	return dup
}

func cloneClosure(src domain.RouteClosure) domain.RouteClosure {
	dup := src
	dup.UnsoldProducts = cloneSlice(src.UnsoldProducts)
	dup.ReorderSuggestions = cloneSlice(src.ReorderSuggestions)
	return dup
}

func cloneDeposit(src domain.BankDeposit) domain.BankDeposit {
	dup := src
	if src.ReviewedAt != nil {
		at := *src.ReviewedAt
		dup.ReviewedAt = &at
	}
	return dup
}

func cloneReconciliation(src domain.Reconciliation) domain.Reconciliation {
	dup := src
	if src.ManagerApproval != nil {
		approval := *src.ManagerApproval
		dup.ManagerApproval = &approval
	}
	return dup
}

func cloneSlice[T any](src []T) []T {
	if src == nil {
		return nil
	}
	dup := make([]T, len(src))
	copy(dup, src)
	return dup
}
