package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"routecash/backend/internal/domain"
	"routecash/backend/internal/service"
)

type closerStub struct {
	dates  []string
	actors []domain.Actor
	err    error
}

func (c *closerStub) CloseBusinessDay(ctx context.Context, businessDate string) ([]domain.RouteClosure, error) {
	actor, _ := service.ActorFromContext(ctx)
	c.dates = append(c.dates, businessDate)
	c.actors = append(c.actors, actor)
	return []domain.RouteClosure{{SellerID: "seller-1", BusinessDate: businessDate}}, c.err
}

func TestClosePreviousDayUsesBusinessLocation(t *testing.T) {
	makassar := time.FixedZone("WITA", 8*3600)
	stub := &closerStub{}
	s := NewScheduler("5 0 * * *", stub, makassar, zap.NewNop())
	// 2026-03-14 16:30 UTC is already 00:30 on the 15th in Makassar.
	s.now = func() time.Time { return time.Date(2026, 3, 14, 16, 30, 0, 0, time.UTC) }

	s.closePreviousDay()

	require.Len(t, stub.dates, 1)
	assert.Equal(t, "2026-03-14", stub.dates[0])
	assert.Equal(t, domain.SystemActor, stub.actors[0])
}

func TestClosePreviousDayToleratesErrors(t *testing.T) {
	stub := &closerStub{err: errors.New("close seller-2: storage failure")}
	s := NewScheduler("5 0 * * *", stub, nil, nil)
	s.now = func() time.Time { return time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC) }

	s.closePreviousDay()

	assert.Equal(t, []string{"2025-12-31"}, stub.dates)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler("every evening", &closerStub{}, time.UTC, nil)
	assert.Error(t, s.Start())
}

func TestStartAndStop(t *testing.T) {
	s := NewScheduler("@daily", &closerStub{}, time.UTC, nil)
	require.NoError(t, s.Start())
	s.Stop()
}
