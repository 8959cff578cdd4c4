// Package costs prices every exchange and keeps per-tenant daily usage against
// tier budgets.
package costs

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const dayLayout = "2006-01-02"

func DefaultBudgets() map[string]float64 {
	return map[string]float64{
		TierBasic: 50,
		TierPro:   250,
		// enterprise: unlimited
		TierEnterprise: 0,
	}
}

type Tracker struct {
	db      *gorm.DB
	rates   RateTable
	budgets map[string]float64
	now     func() time.Time
}

func NewTracker(db *gorm.DB, rates RateTable, budgets map[string]float64) *Tracker {
	if rates == nil {
		rates = DefaultRates
	}
	if budgets == nil {
		budgets = DefaultBudgets()
	}
	return &Tracker{db: db, rates: rates, budgets: budgets, now: func() time.Time { return time.Now().UTC() }}
}

func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) Rates() RateTable { return t.rates }

// Tier returns the tenant's subscription tier; unknown tenants are basic.
func (t *Tracker) Tier(ctx context.Context, tenantID string) (string, error) {
	tn, err := t.tenant(ctx, tenantID)
	if err != nil {
		return "", err
	}
	return tn.Tier, nil
}

func (t *Tracker) tenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var tn Tenant
	err := t.db.WithContext(ctx).Where("id = ?", tenantID).First(&tn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Tenant{ID: tenantID, Tier: TierBasic}, nil
	}
	if err != nil {
		return nil, err
	}
	tn.Tier = strings.ToLower(strings.TrimSpace(tn.Tier))
	if tn.Tier == "" {
		tn.Tier = TierBasic
	}
	return &tn, nil
}

// limitFor returns the tenant's monthly limit. Only tier defaults of zero mean
// unlimited; an explicit override of zero allows no spend at all.
func (t *Tracker) limitFor(tn *Tenant) (limit float64, unlimited bool) {
	if tn.MonthlyBudgetUSD != nil {
		return *tn.MonthlyBudgetUSD, false
	}
	v, ok := t.budgets[tn.Tier]
	if !ok {
		v = t.budgets[TierBasic]
	}
	return v, v <= 0
}

func levelFor(usedUSD, limit float64, unlimited bool) WarningLevel {
	if unlimited {
		return LevelNone
	}
	if limit <= 0 {
		return LevelExceeded
	}
	return Level(usedUSD, limit)
}

// RecordUsage charges one completed exchange to today's ledger row. The row is
// incremented in the database, never read-modify-written here.
func (t *Tracker) RecordUsage(ctx context.Context, tenantID string, inputTokens, outputTokens int, model string) (CostResult, error) {
	micros := t.rates.CostMicros(model, inputTokens, outputTokens)
	now := t.now()
	day := now.Format(dayLayout)

	row := LedgerEntry{
		TenantID:     tenantID,
		Day:          day,
		MessageCount: 1,
		InputTokens:  int64(inputTokens),
		OutputTokens: int64(outputTokens),
		CostMicros:   micros,
		UpdatedAt:    now,
	}

	var monthMicros int64
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]any{
				"message_count": gorm.Expr("message_count + ?", 1),
				"input_tokens":  gorm.Expr("input_tokens + ?", inputTokens),
				"output_tokens": gorm.Expr("output_tokens + ?", outputTokens),
				"cost_micros":   gorm.Expr("cost_micros + ?", micros),
				"updated_at":    now,
			}),
		}).Create(&row).Error; err != nil {
			return err
		}

		var err error
		monthMicros, err = monthToDate(tx, tenantID, now)
		if err != nil {
			return err
		}
		return tx.Model(&LedgerEntry{}).
			Where("tenant_id = ? AND day = ?", tenantID, day).
			Update("month_to_date_micros", monthMicros).Error
	})
	if err != nil {
		return CostResult{CostUSD: MicrosToUSD(micros), CostMicros: micros}, err
	}

	tn, err := t.tenant(ctx, tenantID)
	if err != nil {
		return CostResult{CostUSD: MicrosToUSD(micros), CostMicros: micros}, err
	}
	limit, unlimited := t.limitFor(tn)
	return CostResult{
		CostUSD:      MicrosToUSD(micros),
		CostMicros:   micros,
		WarningLevel: levelFor(MicrosToUSD(monthMicros), limit, unlimited),
	}, nil
}

// CheckBudget reports month-to-date spend for the tenant against its tier limit.
func (t *Tracker) CheckBudget(ctx context.Context, tenantID string) (BudgetStatus, error) {
	tn, err := t.tenant(ctx, tenantID)
	if err != nil {
		return BudgetStatus{}, err
	}
	micros, err := monthToDate(t.db.WithContext(ctx), tenantID, t.now())
	if err != nil {
		return BudgetStatus{}, err
	}

	limit, unlimited := t.limitFor(tn)
	used := MicrosToUSD(micros)
	return BudgetStatus{
		TenantID:     tenantID,
		Tier:         tn.Tier,
		UsedUSD:      used,
		LimitUSD:     limit,
		Unlimited:    unlimited,
		WarningLevel: levelFor(used, limit, unlimited),
	}, nil
}

func monthToDate(db *gorm.DB, tenantID string, now time.Time) (int64, error) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var sum int64
	err := db.Model(&LedgerEntry{}).
		Select("COALESCE(SUM(cost_micros), 0)").
		Where("tenant_id = ? AND day >= ? AND day <= ?", tenantID, first.Format(dayLayout), now.Format(dayLayout)).
		Scan(&sum).Error
	return sum, err
}
