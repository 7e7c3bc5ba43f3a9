package llm

import (
	"errors"
	"math"
	"strings"
	"sync"
)

var ErrBudgetExceeded = errors.New("llm: token budget exhausted for this run")

type BudgetSnapshot struct {
	UsedTokens        int64   `json:"used_tokens"`
	Limit             int64   `json:"limit"`
	UsagePct          float64 `json:"usage_pct"`
	UsedCostUSD       float64 `json:"used_cost_usd"`
	AlertThresholdPct int     `json:"alert_threshold_pct"`
	AlertTriggered    bool    `json:"alert_triggered"`
}

// Budget tracks token usage across every call of one run. A nil *Budget
// allows everything.
type Budget struct {
	cfg         BudgetConfig
	mu          sync.Mutex
	usedTokens  int64
	usedCostUSD float64
	alerted     bool
}

func NewBudget(cfg *BudgetConfig) *Budget {
	if cfg == nil || cfg.TokenLimit <= 0 {
		return nil
	}
	cp := *cfg
	if cfg.CostPerMillionTokens != nil {
		cp.CostPerMillionTokens = make(map[string]float64, len(cfg.CostPerMillionTokens))
		for k, v := range cfg.CostPerMillionTokens {
			cp.CostPerMillionTokens[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	return &Budget{cfg: cp}
}

// Allow fails once the limit has been reached under strict enforcement.
func (b *Budget) Allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.usedTokens >= b.cfg.TokenLimit && b.cfg.StrictEnforcement {
		return ErrBudgetExceeded
	}
	return nil
}

// Record adds tokens spent by model. The returned snapshot reports whether
// the alert threshold was crossed by this call.
func (b *Budget) Record(model string, tokens int64) (BudgetSnapshot, error) {
	if b == nil || tokens <= 0 {
		return BudgetSnapshot{}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.usedTokens += tokens
	b.usedCostUSD += float64(tokens) / 1_000_000.0 * b.cfg.CostPerMillionTokens[strings.ToLower(strings.TrimSpace(model))]

	snap := b.snapshotLocked()
	if snap.AlertTriggered && !b.alerted {
		b.alerted = true
	} else {
		snap.AlertTriggered = false
	}
	if b.usedTokens > b.cfg.TokenLimit && b.cfg.StrictEnforcement {
		return snap, ErrBudgetExceeded
	}
	return snap, nil
}

// Snapshot reports current usage.
func (b *Budget) Snapshot() BudgetSnapshot {
	if b == nil {
		return BudgetSnapshot{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Budget) snapshotLocked() BudgetSnapshot {
	pct := math.Min(100, float64(b.usedTokens)/float64(b.cfg.TokenLimit)*100)
	return BudgetSnapshot{
		UsedTokens:        b.usedTokens,
		Limit:             b.cfg.TokenLimit,
		UsagePct:          pct,
		UsedCostUSD:       b.usedCostUSD,
		AlertThresholdPct: b.cfg.AlertThresholdPct,
		AlertTriggered:    b.cfg.AlertThresholdPct > 0 && pct >= float64(b.cfg.AlertThresholdPct),
	}
}
