package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("QUOTA_FILE", "")
	t.Setenv("VISIBILITY_TIMEOUT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.Equal(t, 2*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.False(t, cfg.EnforceRetryLimit)
	assert.Equal(t, 2, cfg.Quotas.Tiers[TierBase].VoiceClone.MaxConcurrent)
	assert.Equal(t, 200, cfg.Quotas.Tiers[TierPrivileged].TTS.MaxDaily)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("STAGE_TIMEOUT", "90s")
	t.Setenv("ENFORCE_MANUAL_RETRY_LIMIT", "true")
	t.Setenv("MIN_TOTAL_SECONDS", "12.5")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 90*time.Second, cfg.StageTimeout)
	assert.True(t, cfg.EnforceRetryLimit)
	assert.InEpsilon(t, 12.5, cfg.MinTotalSeconds, 0.0001)
	assert.Equal(t, 2, cfg.WorkerConcurrency)
}

func TestParseQuotasOverridesTier(t *testing.T) {
	data := `
[tiers.base.voice_clone]
max_concurrent = 1
max_daily = 4

[tiers.base.tts]
max_concurrent = 3
max_daily = 9

[owners]
"user-42" = "elevated"
`
	table, err := ParseQuotas([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, Limits{MaxConcurrent: 1, MaxDaily: 4}, table.Tiers[TierBase].VoiceClone)
	assert.Equal(t, Limits{MaxConcurrent: 3, MaxDaily: 9}, table.Tiers[TierBase].TTS)
	assert.Equal(t, 5, table.Tiers[TierElevated].VoiceClone.MaxConcurrent)
	assert.Equal(t, TierElevated, table.Owners["user-42"])
}

func TestParseQuotasKeepsOmittedKeys(t *testing.T) {
	table, err := ParseQuotas([]byte("[tiers.base.voice_clone]\nmax_concurrent = 3\n\n[tiers.gold.tts]\nmax_daily = 500\n"))
	require.NoError(t, err)

	assert.Equal(t, Limits{MaxConcurrent: 3, MaxDaily: 10}, table.Tiers[TierBase].VoiceClone)
	assert.Equal(t, Limits{MaxConcurrent: 5, MaxDaily: 50}, table.Tiers[TierBase].TTS)
	assert.Equal(t, Limits{MaxConcurrent: 2, MaxDaily: 10}, table.Tiers["gold"].VoiceClone)
	assert.Equal(t, Limits{MaxConcurrent: 5, MaxDaily: 500}, table.Tiers["gold"].TTS)
}

func TestParseQuotasRejectsUnknownTier(t *testing.T) {
	_, err := ParseQuotas([]byte("[owners]\nbob = \"platinum\"\n"))
	require.Error(t, err)
}

func TestLoadQuotaFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotas.toml")
	require.NoError(t, os.WriteFile(path, []byte("[owners]\nalice = \"privileged\"\n"), 0o644))
	t.Setenv("QUOTA_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, TierPrivileged, cfg.Quotas.Owners["alice"])
}
