package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/lock"
	"routecash/backend/internal/notify"
	"routecash/backend/internal/store"
	"routecash/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Policy holds the business values that vary per deployment.
type Policy struct {
	ToleranceCents          int64
	LargeVarianceCents      int64
	ReorderTargetMultiplier int
	ReorderMinimumBatch     int
	Location                *time.Location
}

func DefaultPolicy() Policy {
	return Policy{
		ToleranceCents:          100,
		LargeVarianceCents:      1000,
		ReorderTargetMultiplier: 2,
		ReorderMinimumBatch:     10,
		Location:                time.UTC,
	}
}

// Publisher accepts events for asynchronous delivery. notify.Dispatcher is the
// production implementation.
type Publisher interface {
	Publish(event notify.Event)
}

type discardPublisher struct{}

func (discardPublisher) Publish(notify.Event) {}

type Service struct {
	repo   store.Repository
	events Publisher
	locker lock.Locker
	policy Policy
	logger *zap.Logger
	now    func() time.Time

	cartsMu sync.Mutex
	carts   map[string]*Cart
}

type Option func(*Service)

func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.events = p
		}
	}
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to stamp sales and approvals.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(repo store.Repository, policy Policy, opts ...Option) *Service {
	defaults := DefaultPolicy()
	if policy.ToleranceCents <= 0 {
		policy.ToleranceCents = defaults.ToleranceCents
	}
	if policy.LargeVarianceCents <= 0 {
		policy.LargeVarianceCents = defaults.LargeVarianceCents
	}
	if policy.ReorderTargetMultiplier < 1 {
		policy.ReorderTargetMultiplier = defaults.ReorderTargetMultiplier
	}
	if policy.ReorderMinimumBatch < 1 {
		policy.ReorderMinimumBatch = defaults.ReorderMinimumBatch
	}
	if policy.Location == nil {
		policy.Location = defaults.Location
	}

	s := &Service{
		repo:   repo,
		events: discardPublisher{},
		locker: lock.NewLocal(),
		policy: policy,
		logger: zap.NewNop(),
		now:    time.Now,
		carts:  make(map[string]*Cart),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Policy() Policy {
	return s.policy
}

func (s *Service) ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 200
	}
	return s.repo.ListAudit(ctx, filter)
}

func requireActor(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.ID == "" {
		return domain.Actor{}, store.Forbidden("authenticated actor required")
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, store.Forbidden(strings.Join(roles, " or ") + " role required")
}

// requireSeller lets sellers act on their own route only. Managers, admins
// and the scheduler may act for anyone.
func requireSeller(ctx context.Context, sellerID string) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	switch actor.Role {
	case domain.RoleManager, domain.RoleAdmin, domain.RoleSystem:
		return actor, nil
	}
	if actor.ID != sellerID {
		return domain.Actor{}, store.Forbidden("sellers may only act on their own route")
	}
	return actor, nil
}

func auditEntry(actor domain.Actor, action string, entityType string, entityID string, details string) domain.AuditEntry {
	return domain.AuditEntry{
		ID:         xid.New("audit"),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
	}
}

func (s *Service) parseBusinessDate(raw string) (time.Time, error) {
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), s.policy.Location)
	if err != nil {
		return time.Time{}, &store.Error{Kind: store.ErrValidation, Entity: "business_date", Key: raw, Reason: "expected YYYY-MM-DD"}
	}
	return day, nil
}

func naturalKey(sellerID string, businessDate string) string {
	return sellerID + "|" + businessDate
}

func (s *Service) notifyLowStock(result store.CommitResult) {
	for _, p := range result.LowStock {
		s.logger.Warn("stock below threshold",
			zap.String("product_id", p.ID),
			zap.Int("quantity_on_hand", p.QuantityOnHand),
			zap.Int("minimum_threshold", p.MinimumThreshold),
		)
		s.events.Publish(notify.StockBelowThreshold(p.ID, p.QuantityOnHand, p.MinimumThreshold))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
