// Package notify delivers domain events to outside collaborators. Delivery is
// at-most-once: a failed or dropped event is logged and forgotten.
package notify

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	KindStockBelowThreshold           = "stock_below_threshold"
	KindReconciliationWithDifferences = "reconciliation_with_differences"
	KindRouteClosed                   = "route_closed"
)

type Event struct {
	Kind       string            `json:"kind"`
	EntityID   string            `json:"entity_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func StockBelowThreshold(productID string, onHand int, threshold int) Event {
	return Event{
		Kind:     KindStockBelowThreshold,
		EntityID: productID,
		Attributes: map[string]string{
			"quantity_on_hand":  strconv.Itoa(onHand),
			"minimum_threshold": strconv.Itoa(threshold),
		},
		OccurredAt: time.Now().UTC(),
	}
}

func ReconciliationWithDifferences(reconciliationID string, sellerID string, businessDate string, variance string) Event {
	return Event{
		Kind:     KindReconciliationWithDifferences,
		EntityID: reconciliationID,
		Attributes: map[string]string{
			"seller_id":     sellerID,
			"business_date": businessDate,
			"variance":      variance,
		},
		OccurredAt: time.Now().UTC(),
	}
}

func RouteClosed(closureID string, sellerID string, businessDate string) Event {
	return Event{
		Kind:     KindRouteClosed,
		EntityID: closureID,
		Attributes: map[string]string{
			"seller_id":     sellerID,
			"business_date": businessDate,
		},
		OccurredAt: time.Now().UTC(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Log writes events to the structured log. It never fails.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, event Event) error {
	fields := make([]zap.Field, 0, len(event.Attributes)+2)
	fields = append(fields, zap.String("kind", event.Kind), zap.String("entity_id", event.EntityID))
	for k, v := range event.Attributes {
		fields = append(fields, zap.String(k, v))
	}
	l.logger.Info("domain event", fields...)
	return nil
}

// Multi fans an event out to every target and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, target := range m {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
