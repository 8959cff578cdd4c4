package costs

import (
	"encoding/json"
	"fmt"
)

// WarningLevel is a strict ladder: none < warning < critical < exceeded.
type WarningLevel int

const (
	LevelNone WarningLevel = iota
	LevelWarning
	LevelCritical
	LevelExceeded
)

var levelNames = [...]string{"none", "warning", "critical", "exceeded"}

func (l WarningLevel) String() string {
	if l < LevelNone || l > LevelExceeded {
		return fmt.Sprintf("WarningLevel(%d)", int(l))
	}
	return levelNames[l]
}

func (l WarningLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Level maps usage against a monthly limit onto the ladder. A non-positive
// limit means the tenant is unlimited.
func Level(usedUSD, limitUSD float64) WarningLevel {
	if limitUSD <= 0 {
		return LevelNone
	}
	ratio := usedUSD / limitUSD
	switch {
	case ratio > 1:
		return LevelExceeded
	case ratio >= 0.90:
		return LevelCritical
	case ratio >= 0.75:
		return LevelWarning
	default:
		return LevelNone
	}
}

type CostResult struct {
	CostUSD      float64      `json:"costUSD"`
	CostMicros   int64        `json:"-"`
	WarningLevel WarningLevel `json:"warningLevel"`
}

type BudgetStatus struct {
	TenantID     string       `json:"tenantID"`
	Tier         string       `json:"tier"`
	UsedUSD      float64      `json:"used"`
	LimitUSD     float64      `json:"limit"`
	Unlimited    bool         `json:"unlimited"`
	WarningLevel WarningLevel `json:"warningLevel"`
}

// Blocks reports whether new provider calls must be refused.
func (b BudgetStatus) Blocks() bool {
	return !b.Unlimited && b.WarningLevel == LevelExceeded
}
