package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.AuthSecret)
	assert.Empty(t, cfg.ManagerPIN)
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "BUSINESS_TIMEZONE", "RECONCILIATION_TOLERANCE", "LARGE_VARIANCE_THRESHOLD", "REORDER_TARGET_MULTIPLIER", "REORDER_MINIMUM_BATCH", "AUTO_CLOSE_CRON"} {
		unsetenv(t, key)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address())

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, int64(100), policy.ToleranceCents)
	assert.Equal(t, int64(1000), policy.LargeVarianceCents)
	assert.Equal(t, 2, policy.ReorderTargetMultiplier)
	assert.Equal(t, 10, policy.ReorderMinimumBatch)
	assert.Equal(t, "UTC", policy.Location.String())
}

func TestLoadBusinessOverrides(t *testing.T) {
	t.Setenv("BUSINESS_TIMEZONE", "Asia/Makassar")
	t.Setenv("RECONCILIATION_TOLERANCE", "2.50")
	t.Setenv("REORDER_MINIMUM_BATCH", "24")
	t.Setenv("AUTO_CLOSE_CRON", " 30 23 * * * ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "30 23 * * *", cfg.AutoCloseCron)

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, int64(250), policy.ToleranceCents)
	assert.Equal(t, 24, policy.ReorderMinimumBatch)
	assert.Equal(t, "Asia/Makassar", policy.Location.String())
}

func TestLoadRejectsBadBusinessValues(t *testing.T) {
	cases := map[string]string{
		"RECONCILIATION_TOLERANCE":  "0",
		"LARGE_VARIANCE_THRESHOLD":  "ten",
		"BUSINESS_TIMEZONE":         "Mars/Olympus",
		"REORDER_TARGET_MULTIPLIER": "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// unsetenv removes key for the duration of the test.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}
