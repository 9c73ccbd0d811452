package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	events  []Event
	started chan struct{}
	release chan struct{}
	err     error
}

func (r *recorder) Notify(_ context.Context, event Event) error {
	if r.started != nil {
		r.started <- struct{}{}
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.events))
	for _, e := range r.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, 8, nil)

	d.Publish(RouteClosed("closure-1", "seller-1", "2026-01-02"))
	d.Publish(StockBelowThreshold("prod-1", 1, 5))
	require.NoError(t, d.Close())

	assert.Equal(t, []string{KindRouteClosed, KindStockBelowThreshold}, rec.kinds())
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	rec := &recorder{started: make(chan struct{}, 4), release: make(chan struct{})}
	d := NewDispatcher(rec, 1, nil)

	d.Publish(RouteClosed("closure-1", "seller-1", "2026-01-02"))
	<-rec.started

	d.Publish(RouteClosed("closure-2", "seller-1", "2026-01-03"))
	d.Publish(RouteClosed("closure-3", "seller-1", "2026-01-04"))
	assert.Equal(t, int64(1), d.Dropped())

	close(rec.release)
	require.NoError(t, d.Close())
	assert.Len(t, rec.kinds(), 2)

	d.Publish(RouteClosed("closure-4", "seller-1", "2026-01-05"))
	assert.Equal(t, int64(2), d.Dropped())
}

func TestDispatcherSwallowsDeliveryErrors(t *testing.T) {
	rec := &recorder{err: errors.New("channel down")}
	d := NewDispatcher(rec, 4, nil)
	d.Publish(ReconciliationWithDifferences("rec-1", "seller-1", "2026-01-02", "-15.00"))
	require.NoError(t, d.Close())
	assert.Len(t, rec.kinds(), 1)
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("boom")}
	err := Multi{ok, nil, failing}.Notify(context.Background(), RouteClosed("c", "s", "d"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.kinds(), 1)
}

func TestWebhookPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), StockBelowThreshold("prod-9", 2, 10))
	require.NoError(t, err)
	assert.Equal(t, KindStockBelowThreshold, got.Kind)
	assert.Equal(t, "prod-9", got.EntityID)
	assert.Equal(t, "2", got.Attributes["quantity_on_hand"])
}

func TestWebhookReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL).Notify(context.Background(), RouteClosed("c", "s", "d"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
