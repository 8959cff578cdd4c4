package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("RETRIEVAL_SIMILARITY_FLOOR", "")
	t.Setenv("CHAT_MAX_HISTORY", "")

	cfg := Load()
	assert.Equal(t, 5, cfg.RetrievalTopK)
	assert.InDelta(t, 0.7, cfg.RetrievalSimilarityFloor, 1e-9)
	assert.Equal(t, 10, cfg.ChatMaxHistory)
	assert.Equal(t, 7*24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 10, cfg.LearnerPerMinute)
	assert.Equal(t, 100, cfg.LearnerPerHour)
	assert.Equal(t, 2000, cfg.TenantDailyLimits["pro"])
	assert.NotEmpty(t, cfg.DBDSN)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PROVIDER_FIRST_BYTE_TIMEOUT", "12")
	t.Setenv("PROVIDER_RETRY_BASE", "250ms")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("DB_DRIVER", "SQLITE")
	t.Setenv("DB_DSN", "")

	cfg := Load()
	assert.Equal(t, 12*time.Second, cfg.ProviderFirstByteTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ProviderRetryBase)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Contains(t, cfg.DBDSN, "chronos.db")
}
