package costs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// a single connection keeps the in-memory database alive and serializes writers
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Tenant{}, &LedgerEntry{}))
	return db
}

func fixedNow() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

func TestLevel_Ladder(t *testing.T) {
	cases := []struct {
		used, limit float64
		want        WarningLevel
	}{
		{0, 100, LevelNone},
		{74.99, 100, LevelNone},
		{75, 100, LevelWarning},
		{89.99, 100, LevelWarning},
		{90, 100, LevelCritical},
		{100, 100, LevelCritical},
		{100.01, 100, LevelExceeded},
		{1e9, 0, LevelNone},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Level(c.used, c.limit), "used=%v limit=%v", c.used, c.limit)
	}
}

func TestLevel_Monotonic(t *testing.T) {
	prev := LevelNone
	for used := 0.0; used <= 150; used += 0.5 {
		l := Level(used, 100)
		assert.GreaterOrEqual(t, int(l), int(prev), "used=%v", used)
		prev = l
	}
}

func TestRateTable_Lookup(t *testing.T) {
	rt := RateTable(DefaultRates)
	assert.Equal(t, DefaultRates["claude-3-haiku"], rt.Lookup("anthropic/claude-3-haiku"))
	assert.Equal(t, DefaultRates["gpt-4o-mini"], rt.Lookup("gpt-4o-mini-2024-07-18"))
	assert.Equal(t, fallbackRate, rt.Lookup("llama3:latest"))

	// 1M input + 1M output tokens on the cheapest vs most capable tier
	cheap := rt.CostMicros("gpt-4o-mini", 1_000_000, 1_000_000)
	pricey := rt.CostMicros("claude-3-opus", 1_000_000, 1_000_000)
	assert.Equal(t, int64(750_000), cheap)
	assert.Greater(t, pricey, cheap*10)
}

func TestRecordUsage_AccumulatesDailyRow(t *testing.T) {
	db := openTestDB(t)
	tr := NewTracker(db, DefaultRates, nil).WithClock(fixedNow)
	ctx := context.Background()

	res, err := tr.RecordUsage(ctx, "tenant-1", 1000, 500, "claude-3-haiku")
	require.NoError(t, err)
	assert.Greater(t, res.CostUSD, 0.0)
	assert.Equal(t, LevelNone, res.WarningLevel)

	_, err = tr.RecordUsage(ctx, "tenant-1", 1000, 500, "claude-3-haiku")
	require.NoError(t, err)

	var rows []LedgerEntry
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].MessageCount)
	assert.Equal(t, int64(2000), rows[0].InputTokens)
	assert.Equal(t, int64(1000), rows[0].OutputTokens)
	assert.Equal(t, rows[0].CostMicros, rows[0].MonthToDateMicros)
	assert.Equal(t, "2026-03-15", rows[0].Day)
}

func TestRecordUsage_ConcurrentIncrements(t *testing.T) {
	db := openTestDB(t)
	tr := NewTracker(db, DefaultRates, nil).WithClock(fixedNow)
	ctx := context.Background()

	// seed the row so concurrent callers all take the update path
	_, err := tr.RecordUsage(ctx, "tenant-1", 10, 10, "gpt-4o")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tr.RecordUsage(ctx, "tenant-1", 10, 10, "gpt-4o")
		}()
	}
	wg.Wait()

	var row LedgerEntry
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, int64(9), row.MessageCount)
	assert.Equal(t, int64(90), row.InputTokens)
}

func TestCheckBudget_TiersAndOverrides(t *testing.T) {
	db := openTestDB(t)
	tr := NewTracker(db, DefaultRates, nil).WithClock(fixedNow)
	ctx := context.Background()

	override := 1.0
	require.NoError(t, db.Create(&Tenant{ID: "small", Tier: TierPro, MonthlyBudgetUSD: &override}).Error)
	require.NoError(t, db.Create(&Tenant{ID: "big", Tier: TierEnterprise}).Error)

	// previous month does not count
	require.NoError(t, db.Create(&LedgerEntry{TenantID: "small", Day: "2026-02-28", CostMicros: 5_000_000, UpdatedAt: fixedNow()}).Error)
	require.NoError(t, db.Create(&LedgerEntry{TenantID: "small", Day: "2026-03-01", CostMicros: 800_000, UpdatedAt: fixedNow()}).Error)

	st, err := tr.CheckBudget(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, TierPro, st.Tier)
	assert.InDelta(t, 0.8, st.UsedUSD, 1e-9)
	assert.Equal(t, LevelWarning, st.WarningLevel)
	assert.False(t, st.Blocks())

	require.NoError(t, db.Create(&LedgerEntry{TenantID: "small", Day: "2026-03-02", CostMicros: 300_000, UpdatedAt: fixedNow()}).Error)
	st, err = tr.CheckBudget(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, LevelExceeded, st.WarningLevel)
	assert.True(t, st.Blocks())

	require.NoError(t, db.Create(&LedgerEntry{TenantID: "big", Day: "2026-03-02", CostMicros: 900_000_000, UpdatedAt: fixedNow()}).Error)
	st, err = tr.CheckBudget(ctx, "big")
	require.NoError(t, err)
	assert.True(t, st.Unlimited)
	assert.False(t, st.Blocks())

	st, err = tr.CheckBudget(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, TierBasic, st.Tier)
	assert.Equal(t, 50.0, st.LimitUSD)
}

func TestCheckBudget_ZeroOverrideAllowsNoSpend(t *testing.T) {
	db := openTestDB(t)
	tr := NewTracker(db, DefaultRates, nil).WithClock(fixedNow)
	ctx := context.Background()

	zero := 0.0
	require.NoError(t, db.Create(&Tenant{ID: "frozen", Tier: TierEnterprise, MonthlyBudgetUSD: &zero}).Error)

	st, err := tr.CheckBudget(ctx, "frozen")
	require.NoError(t, err)
	assert.False(t, st.Unlimited)
	assert.Equal(t, LevelExceeded, st.WarningLevel)
	assert.True(t, st.Blocks())

	res, err := tr.RecordUsage(ctx, "frozen", 10, 10, "claude-3-haiku")
	require.NoError(t, err)
	assert.Equal(t, LevelExceeded, res.WarningLevel)
}
