package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("ROUTECASH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set ROUTECASH_TEST_REDIS_ADDR to run redis integration test")
	}

	ctx := context.Background()
	s := New(NewClient(addr, "", 0), fmt.Sprintf("routecash-it-%d:", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = s.Close()
	})
	require.NoError(t, s.Ping(ctx))

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "sale/1", []byte(`{"id":"sale-1"}`)))
	got, ok, err := s.Get(ctx, "sale/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"sale-1"}`, string(got))
}
