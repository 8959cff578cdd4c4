package costs

import (
	"math"
	"strings"
)

// Rate is the provider list price in USD per one million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// DefaultRates covers the model families tenants can pick. Keys are matched
// against the model id as a suffix, so "anthropic/claude-3-haiku" resolves to
// "claude-3-haiku".
var DefaultRates = map[string]Rate{
	"claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	"claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-opus":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
}

// fallbackRate applies to unknown and self-hosted models so usage is never free
// by accident.
var fallbackRate = Rate{InputPerMTok: 0.25, OutputPerMTok: 1.25}

type RateTable map[string]Rate

func (t RateTable) Lookup(model string) Rate {
	m := strings.ToLower(strings.TrimSpace(model))
	if r, ok := t[m]; ok {
		return r
	}
	if i := strings.LastIndex(m, "/"); i >= 0 {
		if r, ok := t[m[i+1:]]; ok {
			return r
		}
	}
	// longest known prefix, e.g. "gpt-4o-mini-2024-07-18"
	best, bestLen := fallbackRate, 0
	for name, r := range t {
		if strings.Contains(m, name) && len(name) > bestLen {
			best, bestLen = r, len(name)
		}
	}
	return best
}

// CostMicros returns the cost of one exchange in millionths of a dollar.
func (t RateTable) CostMicros(model string, inputTokens, outputTokens int) int64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	r := t.Lookup(model)
	// USD per 1M tokens == micro-USD per token
	return int64(math.Round(float64(inputTokens)*r.InputPerMTok + float64(outputTokens)*r.OutputPerMTok))
}

func MicrosToUSD(micros int64) float64 {
	return float64(micros) / 1e6
}
