package costs

import "time"

const (
	TierBasic      = "basic"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Tenant mirrors the subscription state owned by billing. Only the tier and an
// optional budget override are read here.
type Tenant struct {
	ID               string   `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Tier             string   `gorm:"type:varchar(16);not null;default:'basic'" json:"tier"`
	// MonthlyBudgetUSD overrides the tier default when set. Zero allows no spend.
	MonthlyBudgetUSD *float64 `json:"monthly_budget_usd,omitempty"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Tenant) TableName() string { return "tenants" }

// LedgerEntry is one row per tenant and calendar day (UTC).
type LedgerEntry struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement"`
	TenantID          string    `gorm:"type:varchar(64);not null;uniqueIndex:uniq_usage_tenant_day,priority:1"`
	Day               string    `gorm:"type:char(10);not null;uniqueIndex:uniq_usage_tenant_day,priority:2"`
	MessageCount      int64     `gorm:"not null;default:0"`
	InputTokens       int64     `gorm:"not null;default:0"`
	OutputTokens      int64     `gorm:"not null;default:0"`
	CostMicros        int64     `gorm:"not null;default:0"`
	MonthToDateMicros int64     `gorm:"not null;default:0"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "usage_ledger" }
